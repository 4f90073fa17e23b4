package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hyperengineering/accord/internal/store"
	"github.com/hyperengineering/accord/internal/types"
)

// injectPartialCommit runs one mutation whose entity-store commit is forced
// to fail, leaving the fact store with an orphaned delta.
func injectPartialCommit(t *testing.T, eng *Engine, entityID, basedOnHash string, content map[string]any) *InconsistentStateError {
	t.Helper()
	ctx := context.Background()

	if err := eng.Begin(ctx); err != nil {
		t.Fatalf("Failed to begin: %v", err)
	}
	if _, err := eng.MutateEntity(ctx, entityID, content, basedOnHash); err != nil {
		t.Fatalf("Failed to mutate: %v", err)
	}

	eng.coord.beforeEntityCommit = func() error {
		return errors.New("injected crash between store commits")
	}
	defer func() { eng.coord.beforeEntityCommit = nil }()

	err := eng.Commit(ctx)
	var inconsistent *InconsistentStateError
	if !errors.As(err, &inconsistent) {
		t.Fatalf("Expected InconsistentStateError from partial commit, got %v", err)
	}
	return inconsistent
}

func TestInjectedCrashThenRepair(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	entity := createCommitted(t, eng, types.EntityKindTask, map[string]any{"count": float64(1)})

	inconsistent := injectPartialCommit(t, eng, entity.ID, entity.Hash,
		map[string]any{"count": float64(2)})

	if len(inconsistent.DeltaIDs) != 1 {
		t.Errorf("Expected 1 orphaned delta named, got %d", len(inconsistent.DeltaIDs))
	}
	if len(inconsistent.EntityIDs) != 1 || inconsistent.EntityIDs[0] != entity.ID {
		t.Errorf("Expected affected entity %s, got %v", entity.ID, inconsistent.EntityIDs)
	}
	if eng.Status() != StatePartiallyCommitted {
		t.Errorf("Expected partially committed state, got %s", eng.Status())
	}

	// The fact store holds the delta; the entity store does not reflect it.
	deltas, err := eng.facts.DeltasForEntity(ctx, entity.ID)
	if err != nil {
		t.Fatalf("Failed to load deltas: %v", err)
	}
	if len(deltas) != 2 {
		t.Fatalf("Expected 2 committed deltas, got %d", len(deltas))
	}
	stale, err := eng.ReadEntity(ctx, entity.ID)
	if err != nil {
		t.Fatalf("Failed to read entity: %v", err)
	}
	if stale.Version != 0 {
		t.Errorf("Expected entity stuck at version 0, got %d", stale.Version)
	}

	// Entity mutations are refused until repair; reads still work.
	var refused *InconsistentStateError
	if err := eng.Begin(ctx); !errors.As(err, &refused) {
		t.Errorf("Expected begin refused with InconsistentStateError, got %v", err)
	}

	issues, err := eng.Diagnose(ctx)
	if err != nil {
		t.Fatalf("Failed to diagnose: %v", err)
	}
	if len(issues) != 1 {
		t.Fatalf("Expected exactly 1 issue, got %d", len(issues))
	}
	if issues[0].Kind != IssueOrphanedDelta {
		t.Errorf("Expected orphaned_delta issue, got %s", issues[0].Kind)
	}
	if issues[0].EntityID != entity.ID {
		t.Errorf("Expected issue on entity %s, got %s", entity.ID, issues[0].EntityID)
	}

	report, err := eng.Repair(ctx)
	if err != nil {
		t.Fatalf("Failed to repair: %v", err)
	}
	if report.Repaired != 1 || report.Skipped != 0 {
		t.Errorf("Expected 1 repaired 0 skipped, got %d/%d", report.Repaired, report.Skipped)
	}

	// The repaired entity matches its full replayed history.
	repaired, err := eng.ReadEntity(ctx, entity.ID)
	if err != nil {
		t.Fatalf("Failed to read repaired entity: %v", err)
	}
	if repaired.Version != 1 {
		t.Errorf("Expected repaired entity at version 1, got %d", repaired.Version)
	}
	if repaired.Content["count"] != float64(2) {
		t.Errorf("Expected count 2 after repair, got %v", repaired.Content["count"])
	}
	if repaired.Kind != types.EntityKindTask {
		t.Errorf("Expected kind task preserved, got %s", repaired.Kind)
	}
	if err := eng.VerifyEntity(ctx, entity.ID); err != nil {
		t.Errorf("Expected repaired entity to verify, got %v", err)
	}

	// The handle leaves the degraded state and accepts writes again.
	if eng.Status() != StateIdle {
		t.Errorf("Expected idle state after repair, got %s", eng.Status())
	}
	if err := eng.Begin(ctx); err != nil {
		t.Fatalf("Expected begin to succeed after repair, got %v", err)
	}
	eng.Rollback(ctx)
}

func TestRepairRecoversUncommittedCreation(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	if err := eng.Begin(ctx); err != nil {
		t.Fatalf("Failed to begin: %v", err)
	}
	entity, err := eng.CreateEntity(ctx, types.EntityKindContact, map[string]any{"name": "Robin"})
	if err != nil {
		t.Fatalf("Failed to create: %v", err)
	}
	eng.coord.beforeEntityCommit = func() error { return errors.New("injected crash") }
	commitErr := eng.Commit(ctx)
	eng.coord.beforeEntityCommit = nil

	var inconsistent *InconsistentStateError
	if !errors.As(commitErr, &inconsistent) {
		t.Fatalf("Expected InconsistentStateError, got %v", commitErr)
	}
	if _, err := eng.ReadEntity(ctx, entity.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Expected entity missing before repair, got %v", err)
	}

	report, err := eng.Repair(ctx)
	if err != nil {
		t.Fatalf("Failed to repair: %v", err)
	}
	if report.Repaired != 1 {
		t.Errorf("Expected 1 repaired, got %d", report.Repaired)
	}

	// The creation delta's fact record carries the kind.
	repaired, err := eng.ReadEntity(ctx, entity.ID)
	if err != nil {
		t.Fatalf("Failed to read repaired entity: %v", err)
	}
	if repaired.Kind != types.EntityKindContact {
		t.Errorf("Expected kind contact recovered from history, got %s", repaired.Kind)
	}
	if repaired.Version != 0 || repaired.Content["name"] != "Robin" {
		t.Errorf("Expected version 0 name Robin, got version %d content %v",
			repaired.Version, repaired.Content)
	}
}

func TestRepairSkipsBrokenChains(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	// An entity with no recorded history cannot be rebuilt by replay.
	now := time.Now().UTC()
	orphanRow := &types.Entity{
		ID:        types.NewEntityID(),
		Kind:      types.EntityKindNote,
		Hash:      "unverifiable",
		Version:   3,
		Content:   map[string]any{"title": "no history"},
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := eng.entities.BeginExclusive(ctx)
	if err != nil {
		t.Fatalf("Failed to begin entity tx: %v", err)
	}
	if err := eng.entities.UpsertEntityIn(ctx, tx, orphanRow); err != nil {
		t.Fatalf("Failed to upsert entity: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Failed to commit: %v", err)
	}

	issues, err := eng.Diagnose(ctx)
	if err != nil {
		t.Fatalf("Failed to diagnose: %v", err)
	}
	if len(issues) != 1 || issues[0].Kind != IssueBrokenChain {
		t.Fatalf("Expected 1 broken_chain issue, got %v", issues)
	}

	report, err := eng.Repair(ctx)
	if err != nil {
		t.Fatalf("Expected repair to report rather than fail, got %v", err)
	}
	if report.Repaired != 0 || report.Skipped != 1 {
		t.Errorf("Expected 0 repaired 1 skipped, got %d/%d", report.Repaired, report.Skipped)
	}

	// The broken row is untouched.
	got, err := eng.ReadEntity(ctx, orphanRow.ID)
	if err != nil {
		t.Fatalf("Failed to read entity: %v", err)
	}
	if got.Hash != "unverifiable" || got.Version != 3 {
		t.Errorf("Expected broken row untouched, got hash %s version %d", got.Hash, got.Version)
	}
}

func TestRepairAbortsOnForgedHash(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	// A legitimate orphan from a partial commit.
	entity := createCommitted(t, eng, types.EntityKindNote, map[string]any{"title": "real"})
	injectPartialCommit(t, eng, entity.ID, entity.Hash, map[string]any{"title": "updated"})

	// A forged delta whose recorded hash no replay can produce.
	forgedEntity := types.NewEntityID()
	fact, err := eng.facts.BuildFact(types.FactKindDelta, map[string]any{
		"entity_id":      forgedEntity,
		"entity_kind":    string(types.EntityKindNote),
		"previous_hash":  "",
		"resulting_hash": "forged",
		"entity_version": 0,
	}, types.FidelityRecorded)
	if err != nil {
		t.Fatalf("Failed to build forged fact: %v", err)
	}
	forged := &types.Delta{
		FactID:        fact.ID,
		EntityID:      forgedEntity,
		PreviousHash:  "",
		ResultingHash: "forged",
		Changed:       map[string]any{"title": "fake"},
		EntityVersion: 0,
		CreatedAt:     fact.CreatedAt,
	}
	tx, err := eng.facts.BeginExclusive(ctx)
	if err != nil {
		t.Fatalf("Failed to begin fact tx: %v", err)
	}
	if err := eng.facts.AppendDeltaIn(ctx, tx, fact, forged); err != nil {
		tx.Rollback(ctx)
		t.Fatalf("Failed to append forged delta: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Failed to commit forged delta: %v", err)
	}

	issues, err := eng.Diagnose(ctx)
	if err != nil {
		t.Fatalf("Failed to diagnose: %v", err)
	}
	if len(issues) != 2 {
		t.Fatalf("Expected 2 issues (real orphan + forged), got %d", len(issues))
	}

	// Hash disagreement aborts the whole run; nothing is written, not even
	// the legitimate repair.
	if _, err := eng.Repair(ctx); err == nil {
		t.Fatal("Expected repair to abort on forged hash, got nil")
	}

	stale, err := eng.ReadEntity(ctx, entity.ID)
	if err != nil {
		t.Fatalf("Failed to read entity: %v", err)
	}
	if stale.Version != 0 || stale.Content["title"] != "real" {
		t.Errorf("Expected legitimate orphan left unapplied after abort, got version %d content %v",
			stale.Version, stale.Content)
	}
	if _, err := eng.ReadEntity(ctx, forgedEntity); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected forged entity never materialized, got %v", err)
	}
	if eng.Status() != StatePartiallyCommitted {
		t.Errorf("Expected handle still degraded after aborted repair, got %s", eng.Status())
	}
}

func TestRepairRefusedDuringActiveTransaction(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	if err := eng.Begin(ctx); err != nil {
		t.Fatalf("Failed to begin: %v", err)
	}
	defer eng.Rollback(ctx)

	if _, err := eng.Repair(ctx); !errors.Is(err, ErrRepairDuringActive) {
		t.Errorf("Expected ErrRepairDuringActive, got %v", err)
	}
}

func TestRepairNoIssuesIsNoOp(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	createCommitted(t, eng, types.EntityKindNote, map[string]any{"title": "fine"})

	report, err := eng.Repair(ctx)
	if err != nil {
		t.Fatalf("Failed to repair clean store: %v", err)
	}
	if len(report.Results) != 0 {
		t.Errorf("Expected empty repair report, got %d results", len(report.Results))
	}
}
