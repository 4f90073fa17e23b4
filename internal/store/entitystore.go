package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/accord/internal/types"
	"github.com/hyperengineering/accord/migrations"
)

// EntityStore is the durable store for mutable entity snapshots. All writes
// flow through a coordinator transaction; the store itself only exposes reads
// and transactional upsert helpers.
type EntityStore struct {
	db       *sql.DB
	lockWait time.Duration
}

// OpenEntityStore opens (creating if necessary) the entity database at path
// and applies migrations.
func OpenEntityStore(path string, lockWait time.Duration) (*EntityStore, error) {
	if lockWait <= 0 {
		lockWait = DefaultLockWait
	}

	db, err := openDatabase(path, lockWait)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(db, migrations.EntityDir); err != nil {
		db.Close()
		return nil, err
	}

	return &EntityStore{db: db, lockWait: lockWait}, nil
}

// Close closes the underlying database.
func (s *EntityStore) Close() error {
	return s.db.Close()
}

// LockWait returns the bounded wait applied to exclusive lock acquisition.
func (s *EntityStore) LockWait() time.Duration {
	return s.lockWait
}

// BeginExclusive acquires the store's single-writer lock, waiting at most the
// configured bound. Fails with ErrBusy on contention.
func (s *EntityStore) BeginExclusive(ctx context.Context) (*ExclusiveTx, error) {
	return beginExclusive(ctx, s.db, s.lockWait)
}

const selectEntitySQL = `
	SELECT id, kind, hash, previous_hash, version, deleted, content, created_at, updated_at
	FROM entities`

// ReadEntity retrieves an entity by ID. Returns ErrNotFound for unknown IDs.
// Entities in the terminal deleted state are still readable.
func (s *EntityStore) ReadEntity(ctx context.Context, id string) (*types.Entity, error) {
	row := s.db.QueryRowContext(ctx, selectEntitySQL+` WHERE id = ?`, id)

	entity, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("entity %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("scan entity: %w", err)
	}
	return entity, nil
}

// ReadEntityIn reads an entity through an exclusive transaction, observing
// writes staged earlier in the same transaction.
func (s *EntityStore) ReadEntityIn(ctx context.Context, tx *ExclusiveTx, id string) (*types.Entity, error) {
	row := tx.QueryRowContext(ctx, selectEntitySQL+` WHERE id = ?`, id)

	entity, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("entity %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("scan entity: %w", err)
	}
	return entity, nil
}

// QueryEntities returns entities of the given kind whose last update falls in
// the time range, oldest update first, bounded by limit. Deleted entities are
// excluded.
func (s *EntityStore) QueryEntities(ctx context.Context, kind types.EntityKind, r types.TimeRange, limit int) ([]types.Entity, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("invalid entity kind %q", kind)
	}

	query := selectEntitySQL + ` WHERE kind = ? AND deleted = 0`
	args := []any{string(kind)}
	if !r.Since.IsZero() {
		query += " AND updated_at >= ?"
		args = append(args, formatTime(r.Since))
	}
	if !r.Until.IsZero() {
		query += " AND updated_at <= ?"
		args = append(args, formatTime(r.Until))
	}
	query += " ORDER BY updated_at ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()

	entities := make([]types.Entity, 0)
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		entities = append(entities, *entity)
	}
	return entities, rows.Err()
}

// SampleEntityIDs returns up to limit entity IDs chosen at random, for the
// checker's chain-replay pass. limit <= 0 returns every entity.
func (s *EntityStore) SampleEntityIDs(ctx context.Context, limit int) ([]string, error) {
	var rows *sql.Rows
	var err error
	if limit <= 0 {
		rows, err = s.db.QueryContext(ctx, `SELECT id FROM entities ORDER BY id`)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT id FROM entities ORDER BY RANDOM() LIMIT ?`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("sample entity ids: %w", err)
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

// UpsertEntityIn writes an entity snapshot through the given write target.
// Uses ON CONFLICT DO UPDATE so creation and mutation share one path.
func (s *EntityStore) UpsertEntityIn(ctx context.Context, ex Execer, e *types.Entity) error {
	contentJSON, err := json.Marshal(e.Content)
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}

	deleted := 0
	if e.Deleted {
		deleted = 1
	}

	_, err = ex.ExecContext(ctx, `
		INSERT INTO entities (id, kind, hash, previous_hash, version, deleted, content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			hash = excluded.hash,
			previous_hash = excluded.previous_hash,
			version = excluded.version,
			deleted = excluded.deleted,
			content = excluded.content,
			updated_at = excluded.updated_at
	`, e.ID, string(e.Kind), e.Hash, e.PreviousHash, e.Version, deleted,
		string(contentJSON),
		formatTime(e.CreatedAt), formatTime(e.UpdatedAt))
	if err != nil {
		if isBusy(err) {
			return fmt.Errorf("upsert entity: %w", ErrBusy)
		}
		return fmt.Errorf("upsert entity: %w", err)
	}
	return nil
}

// scanEntity scans an entity row, parsing content JSON and timestamps.
func scanEntity(scanner interface{ Scan(...any) error }) (*types.Entity, error) {
	var entity types.Entity
	var kind, contentJSON, createdAt, updatedAt string
	var deleted int

	if err := scanner.Scan(&entity.ID, &kind, &entity.Hash, &entity.PreviousHash,
		&entity.Version, &deleted, &contentJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	entity.Kind = types.EntityKind(kind)
	entity.Deleted = deleted != 0
	if err := json.Unmarshal([]byte(contentJSON), &entity.Content); err != nil {
		return nil, fmt.Errorf("parse content JSON: %w", err)
	}

	created, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	updated, err := parseTime(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	entity.CreatedAt = created
	entity.UpdatedAt = updated

	return &entity, nil
}
