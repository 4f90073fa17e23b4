// Package engine coordinates writes across the two storage engines: the
// append-only fact store and the mutable entity store. It provides the
// transaction coordinator, the consistency checker, and the repair tool,
// giving callers durable history with optimistic concurrency and
// self-diagnosis without a distributed-transaction coordinator.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/accord/internal/hashchain"
	"github.com/hyperengineering/accord/internal/store"
	"github.com/hyperengineering/accord/internal/types"
)

// Options configures an engine handle.
type Options struct {
	FactPath   string
	EntityPath string
	LockWait   time.Duration
	Lookback   time.Duration
	SampleSize int
	Clock      Clock

	// SkipStartupCheck opens the handle without the startup consistency
	// check. Used by the repair path, which must open a degraded store.
	SkipStartupCheck bool
}

// Engine is a process-local handle over both stores. Each handle owns one
// Coordinator; many handles may coexist (they serialize on the stores'
// exclusive locks). The startup consistency check runs before the handle
// accepts write traffic: unreconciled deltas place it in a degraded
// (PartiallyCommitted) mode until Repair succeeds.
type Engine struct {
	facts    *store.FactStore
	entities *store.EntityStore
	coord    *Coordinator
	checker  *Checker
	repairer *Repairer
}

// Open opens both stores, runs the startup consistency check, and returns a
// ready handle.
func Open(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Lookback <= 0 {
		opts.Lookback = 24 * time.Hour
	}
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock()
	}

	facts, err := store.OpenFactStore(opts.FactPath, opts.LockWait)
	if err != nil {
		return nil, fmt.Errorf("open fact store: %w", err)
	}
	facts.SetClock(clock.Now)

	entities, err := store.OpenEntityStore(opts.EntityPath, opts.LockWait)
	if err != nil {
		facts.Close()
		return nil, fmt.Errorf("open entity store: %w", err)
	}

	e := &Engine{
		facts:    facts,
		entities: entities,
		coord:    NewCoordinator(facts, entities, clock),
		checker:  NewChecker(facts, entities, opts.Lookback, opts.SampleSize, clock),
		repairer: NewRepairer(facts, entities),
	}

	if !opts.SkipStartupCheck {
		if err := e.startupCheck(ctx); err != nil {
			e.Close()
			return nil, err
		}
	}
	return e, nil
}

// startupCheck runs the checker once before the handle accepts writes.
// Finding issues is not an open error; it degrades the handle instead.
func (e *Engine) startupCheck(ctx context.Context) error {
	issues, err := e.checker.Check(ctx)
	if err != nil {
		return fmt.Errorf("startup consistency check: %w", err)
	}
	if len(issues) == 0 {
		return nil
	}

	var deltaIDs, entityIDs []string
	for _, issue := range issues {
		if issue.DeltaID != "" {
			deltaIDs = append(deltaIDs, issue.DeltaID)
		}
		entityIDs = append(entityIDs, issue.EntityID)
	}
	e.coord.markPartiallyCommitted(deltaIDs, entityIDs)

	slog.Warn("unreconciled state detected at startup; entity mutations disabled until repair",
		"component", "engine",
		"action", "degraded_startup",
		"issues", len(issues),
	)
	return nil
}

// Close closes both stores.
func (e *Engine) Close() error {
	factErr := e.facts.Close()
	entityErr := e.entities.Close()
	if factErr != nil {
		return fmt.Errorf("close fact store: %w", factErr)
	}
	if entityErr != nil {
		return fmt.Errorf("close entity store: %w", entityErr)
	}
	return nil
}

// Status returns the handle's transaction state. Higher layers must refuse
// entity-mutating requests while the status is StatePartiallyCommitted,
// routing them to an explicit read-only response until repair succeeds.
func (e *Engine) Status() State {
	return e.coord.State()
}

// Begin, MutateEntity, CreateEntity, DeleteEntity, Commit, and Rollback
// delegate to the handle's coordinator.

func (e *Engine) Begin(ctx context.Context) error {
	return e.coord.Begin(ctx)
}

func (e *Engine) CreateEntity(ctx context.Context, kind types.EntityKind, content map[string]any) (*types.Entity, error) {
	return e.coord.CreateEntity(ctx, kind, content)
}

func (e *Engine) MutateEntity(ctx context.Context, id string, newContent map[string]any, basedOnHash string) (*types.Delta, error) {
	return e.coord.MutateEntity(ctx, id, newContent, basedOnHash)
}

func (e *Engine) DeleteEntity(ctx context.Context, id string, basedOnHash string) (*types.Delta, error) {
	return e.coord.DeleteEntity(ctx, id, basedOnHash)
}

func (e *Engine) Commit(ctx context.Context) error {
	return e.coord.Commit(ctx)
}

func (e *Engine) Rollback(ctx context.Context) error {
	return e.coord.Rollback(ctx)
}

// AppendFact records a non-delta fact. Inside an active transaction it joins
// the transaction; otherwise it auto-commits durably.
func (e *Engine) AppendFact(ctx context.Context, kind types.FactKind, content map[string]any, fidelity types.Fidelity) (*types.Fact, error) {
	if e.coord.State() == StateActive {
		return e.coord.AppendFact(ctx, kind, content, fidelity)
	}
	return e.facts.AppendFact(ctx, kind, content, fidelity)
}

// Read paths stay available in every state, including PartiallyCommitted.

func (e *Engine) ReadFact(ctx context.Context, id string) (*types.Fact, error) {
	return e.facts.ReadFact(ctx, id)
}

func (e *Engine) QueryFacts(ctx context.Context, kind types.FactKind, r types.TimeRange, limit int) ([]types.Fact, error) {
	return e.facts.QueryFacts(ctx, kind, r, limit)
}

func (e *Engine) SupersedeFact(ctx context.Context, id, byID string) error {
	return e.facts.Supersede(ctx, id, byID)
}

func (e *Engine) ReadEntity(ctx context.Context, id string) (*types.Entity, error) {
	return e.entities.ReadEntity(ctx, id)
}

func (e *Engine) QueryEntities(ctx context.Context, kind types.EntityKind, r types.TimeRange, limit int) ([]types.Entity, error) {
	return e.entities.QueryEntities(ctx, kind, r, limit)
}

// Diagnose runs the consistency checker on demand and returns its issue
// list. Read-only.
func (e *Engine) Diagnose(ctx context.Context) ([]Issue, error) {
	return e.checker.Check(ctx)
}

// Repair replays orphaned deltas back to consistency. Operator-invoked only.
// On full success the handle leaves PartiallyCommitted and returns to Idle.
func (e *Engine) Repair(ctx context.Context) (*RepairReport, error) {
	if e.coord.State() == StateActive || e.coord.State() == StateCommitting {
		return nil, ErrRepairDuringActive
	}

	issues, err := e.checker.Check(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagnose before repair: %w", err)
	}

	report, err := e.repairer.Repair(ctx, issues)
	if err != nil {
		return nil, err
	}

	// Re-check: only a clean scan clears the degraded state.
	remaining, err := e.checker.Check(ctx)
	if err != nil {
		return report, fmt.Errorf("verify after repair: %w", err)
	}
	if len(remaining) == 0 {
		e.coord.clearPartiallyCommitted()
		slog.Info("repair complete, handle consistent",
			"component", "engine",
			"action", "repair_complete",
			"repaired", report.Repaired,
		)
	} else {
		slog.Warn("issues remain after repair",
			"component", "engine",
			"action", "repair_incomplete",
			"remaining", len(remaining),
		)
	}
	return report, nil
}

// VerifyEntity replays one entity's full delta history from the null root and
// asserts every stored hash. A mismatch signals corruption.
func (e *Engine) VerifyEntity(ctx context.Context, id string) error {
	entity, err := e.entities.ReadEntity(ctx, id)
	if err != nil {
		return err
	}
	deltas, err := e.facts.DeltasForEntity(ctx, id)
	if err != nil {
		return err
	}
	return hashchain.Verify(id, deltas, entity.Hash)
}
