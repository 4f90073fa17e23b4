package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/accord/internal/hashchain"
	"github.com/hyperengineering/accord/internal/types"
	"github.com/hyperengineering/accord/migrations"
)

// FactStore is the append-only, durable store for immutable facts and their
// delta payloads. It is the system of record: entity state is reconstructible
// from it. No operation mutates history except setting the supersession link.
type FactStore struct {
	db       *sql.DB
	lockWait time.Duration
	now      func() time.Time
}

// OpenFactStore opens (creating if necessary) the fact database at path and
// applies migrations.
func OpenFactStore(path string, lockWait time.Duration) (*FactStore, error) {
	if lockWait <= 0 {
		lockWait = DefaultLockWait
	}

	db, err := openDatabase(path, lockWait)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(db, migrations.FactDir); err != nil {
		db.Close()
		return nil, err
	}

	return &FactStore{
		db:       db,
		lockWait: lockWait,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetClock replaces the store's time source. Intended for tests and for
// callers that inject a shared monotonic clock.
func (s *FactStore) SetClock(now func() time.Time) {
	s.now = now
}

// Close closes the underlying database.
func (s *FactStore) Close() error {
	return s.db.Close()
}

// LockWait returns the bounded wait applied to exclusive lock acquisition.
func (s *FactStore) LockWait() time.Duration {
	return s.lockWait
}

// BeginExclusive acquires the store's single-writer lock, waiting at most the
// configured bound. Fails with ErrBusy on contention.
func (s *FactStore) BeginExclusive(ctx context.Context) (*ExclusiveTx, error) {
	return beginExclusive(ctx, s.db, s.lockWait)
}

const insertFactSQL = `
	INSERT INTO facts (id, kind, content, content_hash, fidelity, superseded_by, created_at)
	VALUES (?, ?, ?, ?, ?, NULL, ?)`

const insertDeltaSQL = `
	INSERT INTO deltas (fact_id, entity_id, previous_hash, resulting_hash, changed, entity_version, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

// AppendFact records a new immutable fact and commits it durably. Callers
// inside an active coordinator transaction must go through the coordinator,
// which routes the insert into its exclusive transaction via AppendFactIn.
func (s *FactStore) AppendFact(ctx context.Context, kind types.FactKind, content map[string]any, fidelity types.Fidelity) (*types.Fact, error) {
	fact, err := s.BuildFact(kind, content, fidelity)
	if err != nil {
		return nil, err
	}
	if err := s.AppendFactIn(ctx, s.db, fact); err != nil {
		return nil, err
	}
	return fact, nil
}

// BuildFact assembles a fact record (ID, timestamps, content integrity hash)
// without writing it. The coordinator uses this to stage facts in memory.
func (s *FactStore) BuildFact(kind types.FactKind, content map[string]any, fidelity types.Fidelity) (*types.Fact, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("invalid fact kind %q", kind)
	}
	if fidelity == "" {
		fidelity = types.FidelityRecorded
	}
	if !fidelity.Valid() {
		return nil, fmt.Errorf("invalid fidelity %q", fidelity)
	}

	contentHash, err := hashchain.ContentHash(content)
	if err != nil {
		return nil, fmt.Errorf("hash content: %w", err)
	}

	return &types.Fact{
		ID:          types.NewFactID(),
		Kind:        kind,
		Content:     content,
		ContentHash: contentHash,
		Fidelity:    fidelity,
		CreatedAt:   s.now(),
	}, nil
}

// AppendFactIn writes a prepared fact through the given write target.
func (s *FactStore) AppendFactIn(ctx context.Context, ex Execer, fact *types.Fact) error {
	contentJSON, err := json.Marshal(fact.Content)
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}

	_, err = ex.ExecContext(ctx, insertFactSQL,
		fact.ID, string(fact.Kind), string(contentJSON), fact.ContentHash,
		string(fact.Fidelity), formatTime(fact.CreatedAt))
	if err != nil {
		if isBusy(err) {
			return fmt.Errorf("append fact: %w", ErrBusy)
		}
		return fmt.Errorf("append fact: %w", err)
	}
	return nil
}

// AppendDeltaIn writes a delta fact (the fact row plus its delta payload row)
// through the given write target.
func (s *FactStore) AppendDeltaIn(ctx context.Context, ex Execer, fact *types.Fact, delta *types.Delta) error {
	if fact.Kind != types.FactKindDelta {
		return fmt.Errorf("fact %s has kind %q, want %q", fact.ID, fact.Kind, types.FactKindDelta)
	}
	if err := s.AppendFactIn(ctx, ex, fact); err != nil {
		return err
	}

	changedJSON, err := json.Marshal(delta.Changed)
	if err != nil {
		return fmt.Errorf("marshal changed fields: %w", err)
	}

	_, err = ex.ExecContext(ctx, insertDeltaSQL,
		delta.FactID, delta.EntityID, delta.PreviousHash, delta.ResultingHash,
		string(changedJSON), delta.EntityVersion, formatTime(delta.CreatedAt))
	if err != nil {
		return fmt.Errorf("append delta: %w", err)
	}
	return nil
}

// ReadFact retrieves a fact by ID. Returns ErrNotFound for unknown IDs.
func (s *FactStore) ReadFact(ctx context.Context, id string) (*types.Fact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, content, content_hash, fidelity, superseded_by, created_at
		FROM facts
		WHERE id = ?
	`, id)

	fact, err := scanFact(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("fact %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("scan fact: %w", err)
	}
	return fact, nil
}

// QueryFacts returns facts of the given kind within the time range, oldest
// first, bounded by limit.
func (s *FactStore) QueryFacts(ctx context.Context, kind types.FactKind, r types.TimeRange, limit int) ([]types.Fact, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("invalid fact kind %q", kind)
	}

	query, args := buildRangeQuery(`
		SELECT id, kind, content, content_hash, fidelity, superseded_by, created_at
		FROM facts
		WHERE kind = ?`, []any{string(kind)}, r, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query facts: %w", err)
	}
	defer rows.Close()

	facts := make([]types.Fact, 0)
	for rows.Next() {
		fact, err := scanFact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		facts = append(facts, *fact)
	}
	return facts, rows.Err()
}

// Supersede sets the write-once supersession link on fact id, pointing at
// byID. The only mutation history permits.
func (s *FactStore) Supersede(ctx context.Context, id, byID string) error {
	if _, err := s.ReadFact(ctx, byID); err != nil {
		return fmt.Errorf("superseding fact: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE facts SET superseded_by = ?
		WHERE id = ? AND superseded_by IS NULL
	`, byID, id)
	if err != nil {
		return fmt.Errorf("supersede fact: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := s.ReadFact(ctx, id); err != nil {
			return fmt.Errorf("superseded fact: %w", err)
		}
		return fmt.Errorf("fact %s: %w", id, ErrAlreadySuperseded)
	}
	return nil
}

const selectDeltaSQL = `
	SELECT fact_id, entity_id, previous_hash, resulting_hash, changed, entity_version, created_at
	FROM deltas`

// ReadDelta retrieves the delta payload of a delta fact.
func (s *FactStore) ReadDelta(ctx context.Context, factID string) (*types.Delta, error) {
	row := s.db.QueryRowContext(ctx, selectDeltaSQL+` WHERE fact_id = ?`, factID)

	delta, err := scanDelta(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("delta %s: %w", factID, ErrNotFound)
		}
		return nil, fmt.Errorf("scan delta: %w", err)
	}
	return delta, nil
}

// QueryDeltas returns deltas within the time range, oldest first, bounded by
// limit. The consistency checker's lookback scan.
func (s *FactStore) QueryDeltas(ctx context.Context, r types.TimeRange, limit int) ([]types.Delta, error) {
	query, args := buildRangeQuery(selectDeltaSQL+` WHERE 1=1`, nil, r, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query deltas: %w", err)
	}
	defer rows.Close()

	deltas := make([]types.Delta, 0)
	for rows.Next() {
		delta, err := scanDelta(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delta: %w", err)
		}
		deltas = append(deltas, *delta)
	}
	return deltas, rows.Err()
}

// DeltasForEntity returns an entity's full delta history ordered by version.
func (s *FactStore) DeltasForEntity(ctx context.Context, entityID string) ([]types.Delta, error) {
	rows, err := s.db.QueryContext(ctx, selectDeltaSQL+`
		WHERE entity_id = ?
		ORDER BY entity_version ASC
	`, entityID)
	if err != nil {
		return nil, fmt.Errorf("query entity deltas: %w", err)
	}
	defer rows.Close()

	deltas := make([]types.Delta, 0)
	for rows.Next() {
		delta, err := scanDelta(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delta: %w", err)
		}
		deltas = append(deltas, *delta)
	}
	return deltas, rows.Err()
}

// LatestDelta returns the highest-version delta for an entity, or ErrNotFound
// if the entity has no history.
func (s *FactStore) LatestDelta(ctx context.Context, entityID string) (*types.Delta, error) {
	row := s.db.QueryRowContext(ctx, selectDeltaSQL+`
		WHERE entity_id = ?
		ORDER BY entity_version DESC
		LIMIT 1
	`, entityID)

	delta, err := scanDelta(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("entity %s has no deltas: %w", entityID, ErrNotFound)
		}
		return nil, fmt.Errorf("scan delta: %w", err)
	}
	return delta, nil
}

// EntityIDsWithDeltasSince returns the distinct entities mutated within the
// lookback window, bounded by limit.
func (s *FactStore) EntityIDsWithDeltasSince(ctx context.Context, since time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT entity_id FROM deltas
		WHERE created_at >= ?
		ORDER BY entity_id
		LIMIT ?
	`, formatTime(since), limit)
	if err != nil {
		return nil, fmt.Errorf("query recent entity ids: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan entity id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// buildRangeQuery appends time-range predicates and ordering to a base query.
func buildRangeQuery(base string, args []any, r types.TimeRange, limit int) (string, []any) {
	if !r.Since.IsZero() {
		base += " AND created_at >= ?"
		args = append(args, formatTime(r.Since))
	}
	if !r.Until.IsZero() {
		base += " AND created_at <= ?"
		args = append(args, formatTime(r.Until))
	}
	base += " ORDER BY created_at ASC LIMIT ?"
	args = append(args, limit)
	return base, args
}

// scanFact scans a fact row, parsing content JSON and timestamps.
func scanFact(scanner interface{ Scan(...any) error }) (*types.Fact, error) {
	var fact types.Fact
	var kind, fidelity, contentJSON, createdAt string
	var supersededBy sql.NullString

	if err := scanner.Scan(&fact.ID, &kind, &contentJSON, &fact.ContentHash,
		&fidelity, &supersededBy, &createdAt); err != nil {
		return nil, err
	}

	fact.Kind = types.FactKind(kind)
	fact.Fidelity = types.Fidelity(fidelity)
	if supersededBy.Valid {
		fact.SupersededBy = &supersededBy.String
	}
	if err := json.Unmarshal([]byte(contentJSON), &fact.Content); err != nil {
		return nil, fmt.Errorf("parse content JSON: %w", err)
	}

	t, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	fact.CreatedAt = t

	return &fact, nil
}

// scanDelta scans a delta row.
func scanDelta(scanner interface{ Scan(...any) error }) (*types.Delta, error) {
	var delta types.Delta
	var changedJSON, createdAt string

	if err := scanner.Scan(&delta.FactID, &delta.EntityID, &delta.PreviousHash,
		&delta.ResultingHash, &changedJSON, &delta.EntityVersion, &createdAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(changedJSON), &delta.Changed); err != nil {
		return nil, fmt.Errorf("parse changed JSON: %w", err)
	}

	t, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	delta.CreatedAt = t

	return &delta, nil
}
