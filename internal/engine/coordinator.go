package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hyperengineering/accord/internal/hashchain"
	"github.com/hyperengineering/accord/internal/store"
	"github.com/hyperengineering/accord/internal/types"
)

// State is the coordinator's transaction state.
type State string

const (
	// StateIdle: no transaction in flight.
	StateIdle State = "idle"
	// StateActive: one transaction in flight. No nesting.
	StateActive State = "active"
	// StateCommitting: commit in progress, irrevocable once the fact-store
	// commit has been issued.
	StateCommitting State = "committing"
	// StateConsistent: last transaction committed to both stores.
	StateConsistent State = "consistent"
	// StatePartiallyCommitted: the fact store committed and the entity store
	// did not. Entity mutations are refused until repair succeeds.
	StatePartiallyCommitted State = "partially_committed"
)

// stagedMutation holds one entity mutation entirely in memory until Commit:
// the post-mutation entity snapshot, its delta fact, and the delta payload.
type stagedMutation struct {
	entity types.Entity
	fact   types.Fact
	delta  types.Delta
}

// Coordinator owns both store handles and sequences cross-store commits: fact
// store first (system of record, reconstructible), then entity store. The
// reverse ordering would let an entity advance with no history record, which
// is undetectable and unrepairable.
//
// A Coordinator is owned by exactly one handle and is not safe for concurrent
// use; concurrent handles serialize on the stores' exclusive locks.
type Coordinator struct {
	facts    *store.FactStore
	entities *store.EntityStore
	clock    Clock

	state    State
	factTx   *store.ExclusiveTx
	entityTx *store.ExclusiveTx
	staged   []stagedMutation
	byEntity map[string]int // entity ID -> index into staged

	// Orphaned deltas recorded at the moment of a partial commit, or found by
	// the startup check.
	orphanDeltaIDs  []string
	orphanEntityIDs []string

	// beforeEntityCommit runs between the two store commits. Fault-injection
	// point for partial-commit tests; nil in production.
	beforeEntityCommit func() error
}

// NewCoordinator creates an idle coordinator owning both store handles.
func NewCoordinator(facts *store.FactStore, entities *store.EntityStore, clock Clock) *Coordinator {
	if clock == nil {
		clock = SystemClock()
	}
	return &Coordinator{
		facts:    facts,
		entities: entities,
		clock:    clock,
		state:    StateIdle,
	}
}

// State returns the coordinator's current state.
func (c *Coordinator) State() State {
	return c.state
}

// inconsistent builds the non-retriable error naming the orphaned deltas.
func (c *Coordinator) inconsistent(cause error) *InconsistentStateError {
	return &InconsistentStateError{
		DeltaIDs:  append([]string(nil), c.orphanDeltaIDs...),
		EntityIDs: append([]string(nil), c.orphanEntityIDs...),
		Cause:     cause,
	}
}

// markPartiallyCommitted records orphans found outside a commit (startup
// check) and refuses entity mutations until repair.
func (c *Coordinator) markPartiallyCommitted(deltaIDs, entityIDs []string) {
	c.state = StatePartiallyCommitted
	c.orphanDeltaIDs = deltaIDs
	c.orphanEntityIDs = entityIDs
}

// clearPartiallyCommitted returns the coordinator to Idle after a successful
// repair.
func (c *Coordinator) clearPartiallyCommitted() {
	c.state = StateIdle
	c.orphanDeltaIDs = nil
	c.orphanEntityIDs = nil
}

// Begin opens a cross-store transaction, acquiring the fact store's exclusive
// lock first, then the entity store's. On second-lock failure the first is
// released and Begin fails with a LockTimeoutError. Fails with
// ErrAlreadyActive unless the coordinator is idle.
func (c *Coordinator) Begin(ctx context.Context) error {
	switch c.state {
	case StateIdle, StateConsistent:
		// Consistent is terminal for the previous transaction; the
		// coordinator is idle for the next one.
	case StatePartiallyCommitted:
		return c.inconsistent(nil)
	default:
		return fmt.Errorf("begin in state %s: %w", c.state, ErrAlreadyActive)
	}

	factTx, err := c.facts.BeginExclusive(ctx)
	if err != nil {
		if errors.Is(err, store.ErrBusy) {
			return &LockTimeoutError{Store: "fact", Wait: c.facts.LockWait()}
		}
		return fmt.Errorf("acquire fact store lock: %w", err)
	}

	entityTx, err := c.entities.BeginExclusive(ctx)
	if err != nil {
		if rbErr := factTx.Rollback(ctx); rbErr != nil {
			slog.Error("fact store lock release failed",
				"component", "coordinator", "error", rbErr)
		}
		if errors.Is(err, store.ErrBusy) {
			return &LockTimeoutError{Store: "entity", Wait: c.entities.LockWait()}
		}
		return fmt.Errorf("acquire entity store lock: %w", err)
	}

	c.factTx = factTx
	c.entityTx = entityTx
	c.staged = nil
	c.byEntity = make(map[string]int)
	c.state = StateActive
	return nil
}

// currentEntity returns the entity state this transaction would observe:
// a snapshot staged earlier in the same transaction, or the stored row.
func (c *Coordinator) currentEntity(ctx context.Context, id string) (*types.Entity, error) {
	if i, ok := c.byEntity[id]; ok {
		e := c.staged[i].entity
		return &e, nil
	}
	return c.entities.ReadEntityIn(ctx, c.entityTx, id)
}

// CreateEntity stages a new entity at the root of its hash chain, together
// with the creation delta (previous hash empty). Nothing is written until
// Commit.
func (c *Coordinator) CreateEntity(ctx context.Context, kind types.EntityKind, content map[string]any) (*types.Entity, error) {
	if c.state != StateActive {
		return nil, fmt.Errorf("create entity in state %s: %w", c.state, ErrNoActiveTransaction)
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("invalid entity kind %q", kind)
	}

	changed, err := hashchain.Diff(nil, content)
	if err != nil {
		return nil, fmt.Errorf("diff content: %w", err)
	}
	normalized := hashchain.Merge(nil, changed)

	hash, err := hashchain.Next(normalized, "")
	if err != nil {
		return nil, fmt.Errorf("compute root hash: %w", err)
	}

	now := c.clock.Now()
	entity := types.Entity{
		ID:           types.NewEntityID(),
		Kind:         kind,
		Hash:         hash,
		PreviousHash: "",
		Version:      0,
		Content:      normalized,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := c.stage(entity, changed); err != nil {
		return nil, err
	}
	return &entity, nil
}

// MutateEntity stages a mutation of an existing entity. If the entity's
// current hash does not match basedOnHash, it fails with an
// OptimisticLockError and stages nothing; the caller must re-read and
// decide. Valid only while a transaction is active.
func (c *Coordinator) MutateEntity(ctx context.Context, id string, newContent map[string]any, basedOnHash string) (*types.Delta, error) {
	if c.state != StateActive {
		return nil, fmt.Errorf("mutate entity in state %s: %w", c.state, ErrNoActiveTransaction)
	}

	current, err := c.currentEntity(ctx, id)
	if err != nil {
		return nil, err
	}

	if current.Hash != basedOnHash {
		return nil, &OptimisticLockError{
			EntityID: id,
			Expected: basedOnHash,
			Actual:   current.Hash,
		}
	}
	if current.Deleted {
		return nil, fmt.Errorf("entity %s is deleted (terminal state)", id)
	}

	return c.stageMutation(current, newContent)
}

// DeleteEntity stages the terminal-state mutation: the tombstone field is set
// through the ordinary hash-chained path, so the deletion is itself recorded
// as a delta. The row is never removed.
func (c *Coordinator) DeleteEntity(ctx context.Context, id string, basedOnHash string) (*types.Delta, error) {
	if c.state != StateActive {
		return nil, fmt.Errorf("delete entity in state %s: %w", c.state, ErrNoActiveTransaction)
	}

	current, err := c.currentEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Hash != basedOnHash {
		return nil, &OptimisticLockError{
			EntityID: id,
			Expected: basedOnHash,
			Actual:   current.Hash,
		}
	}
	if current.Deleted {
		return nil, fmt.Errorf("entity %s is deleted (terminal state)", id)
	}

	tombstoned := hashchain.Merge(current.Content, map[string]any{types.TombstoneField: true})
	return c.stageMutation(current, tombstoned)
}

// stageMutation computes the diff, next hash, and delta for a mutation of
// current, then stages the result in memory.
func (c *Coordinator) stageMutation(current *types.Entity, newContent map[string]any) (*types.Delta, error) {
	changed, err := hashchain.Diff(current.Content, newContent)
	if err != nil {
		return nil, fmt.Errorf("diff content: %w", err)
	}
	normalized := hashchain.Merge(current.Content, changed)

	newHash, err := hashchain.Next(normalized, current.Hash)
	if err != nil {
		return nil, fmt.Errorf("compute hash: %w", err)
	}

	entity := types.Entity{
		ID:           current.ID,
		Kind:         current.Kind,
		Hash:         newHash,
		PreviousHash: current.Hash,
		Version:      current.Version + 1,
		Deleted:      types.Tombstoned(normalized),
		Content:      normalized,
		CreatedAt:    current.CreatedAt,
		UpdatedAt:    c.clock.Now(),
	}

	if err := c.stage(entity, changed); err != nil {
		return nil, err
	}
	i := c.byEntity[entity.ID]
	return &c.staged[i].delta, nil
}

// stage records the staged snapshot, its delta fact, and its delta payload.
// A later mutation of the same entity in the same transaction replaces the
// snapshot but appends a new delta, preserving one delta per mutation.
func (c *Coordinator) stage(entity types.Entity, changed map[string]any) error {
	fact, err := c.facts.BuildFact(types.FactKindDelta, map[string]any{
		"entity_id":      entity.ID,
		"entity_kind":    string(entity.Kind),
		"previous_hash":  entity.PreviousHash,
		"resulting_hash": entity.Hash,
		"entity_version": entity.Version,
		"changed":        changed,
	}, types.FidelityRecorded)
	if err != nil {
		return fmt.Errorf("build delta fact: %w", err)
	}

	delta := types.Delta{
		FactID:        fact.ID,
		EntityID:      entity.ID,
		PreviousHash:  entity.PreviousHash,
		ResultingHash: entity.Hash,
		Changed:       changed,
		EntityVersion: entity.Version,
		CreatedAt:     fact.CreatedAt,
	}

	c.staged = append(c.staged, stagedMutation{entity: entity, fact: *fact, delta: delta})
	c.byEntity[entity.ID] = len(c.staged) - 1
	return nil
}

// AppendFact writes a non-delta fact through the active transaction. It
// commits or rolls back with the transaction. Callers outside a transaction
// use the fact store's auto-committing AppendFact directly.
func (c *Coordinator) AppendFact(ctx context.Context, kind types.FactKind, content map[string]any, fidelity types.Fidelity) (*types.Fact, error) {
	if c.state != StateActive {
		return nil, fmt.Errorf("append fact in state %s: %w", c.state, ErrNoActiveTransaction)
	}
	if kind == types.FactKindDelta {
		return nil, fmt.Errorf("delta facts are written by the coordinator, not appended directly")
	}

	fact, err := c.facts.BuildFact(kind, content, fidelity)
	if err != nil {
		return nil, err
	}
	if err := c.facts.AppendFactIn(ctx, c.factTx, fact); err != nil {
		return nil, err
	}
	return fact, nil
}

// Commit writes all staged mutations: deltas to the fact store, which commits
// first, then entity snapshots to the entity store. Outcomes:
//
//   - both commit: Consistent.
//   - fact-store failure: both rolled back, TransactionAbortedError, safe to
//     retry verbatim.
//   - fact store committed, entity store failed: PartiallyCommitted. The
//     orphaned deltas are named in the returned InconsistentStateError and
//     entity mutations are refused until repair.
//
// Once the fact-store commit has been issued the transaction is irrevocable;
// cancel with Rollback before calling Commit.
func (c *Coordinator) Commit(ctx context.Context) error {
	if c.state != StateActive {
		return fmt.Errorf("commit in state %s: %w", c.state, ErrNoActiveTransaction)
	}
	c.state = StateCommitting

	for i := range c.staged {
		m := &c.staged[i]
		if err := c.facts.AppendDeltaIn(ctx, c.factTx, &m.fact, &m.delta); err != nil {
			return c.abort(ctx, fmt.Errorf("write delta %s: %w", m.fact.ID, err))
		}
	}

	if err := c.factTx.Commit(ctx); err != nil {
		return c.abort(ctx, fmt.Errorf("commit fact store: %w", err))
	}
	c.factTx = nil

	// Point of no return: the fact store holds the deltas durably. Any
	// failure below leaves orphaned deltas, which is detectable and
	// repairable; that is why the fact store commits first.
	var entityErr error
	if c.beforeEntityCommit != nil {
		entityErr = c.beforeEntityCommit()
	}
	if entityErr == nil {
		for i := range c.staged {
			m := &c.staged[i]
			if err := c.entities.UpsertEntityIn(ctx, c.entityTx, &m.entity); err != nil {
				entityErr = fmt.Errorf("write entity %s: %w", m.entity.ID, err)
				break
			}
		}
	}
	if entityErr == nil {
		if err := c.entityTx.Commit(ctx); err != nil {
			entityErr = fmt.Errorf("commit entity store: %w", err)
		}
	}

	if entityErr != nil {
		if rbErr := c.entityTx.Rollback(ctx); rbErr != nil {
			slog.Error("entity store rollback failed after partial commit",
				"component", "coordinator", "error", rbErr)
		}
		c.entityTx = nil

		deltaIDs := make([]string, 0, len(c.staged))
		entityIDs := make([]string, 0, len(c.staged))
		for i := range c.staged {
			deltaIDs = append(deltaIDs, c.staged[i].delta.FactID)
			entityIDs = append(entityIDs, c.staged[i].entity.ID)
		}
		c.staged = nil
		c.byEntity = nil
		c.markPartiallyCommitted(deltaIDs, entityIDs)

		slog.Error("partial commit: fact store committed, entity store did not",
			"component", "coordinator",
			"action", "partial_commit",
			"orphaned_deltas", len(deltaIDs),
			"error", entityErr,
		)
		return c.inconsistent(entityErr)
	}

	c.entityTx = nil
	c.staged = nil
	c.byEntity = nil
	c.state = StateConsistent
	return nil
}

// abort rolls back both stores after a fact-store-side failure. Both stores
// are guaranteed unaffected; the returned TransactionAbortedError is safe to
// retry verbatim.
func (c *Coordinator) abort(ctx context.Context, cause error) error {
	c.rollbackBoth(ctx)
	c.staged = nil
	c.byEntity = nil
	c.state = StateIdle
	return &TransactionAbortedError{Cause: cause}
}

// Rollback discards the active transaction. Rollback failures are logged and
// never propagated so they cannot mask the error that triggered the rollback.
func (c *Coordinator) Rollback(ctx context.Context) error {
	if c.state != StateActive {
		return fmt.Errorf("rollback in state %s: %w", c.state, ErrNoActiveTransaction)
	}

	c.rollbackBoth(ctx)
	c.staged = nil
	c.byEntity = nil
	c.state = StateIdle
	return nil
}

func (c *Coordinator) rollbackBoth(ctx context.Context) {
	if c.factTx != nil {
		if err := c.factTx.Rollback(ctx); err != nil {
			slog.Error("fact store rollback failed",
				"component", "coordinator", "error", err)
		}
		c.factTx = nil
	}
	if c.entityTx != nil {
		if err := c.entityTx.Rollback(ctx); err != nil {
			slog.Error("entity store rollback failed",
				"component", "coordinator", "error", err)
		}
		c.entityTx = nil
	}
}
