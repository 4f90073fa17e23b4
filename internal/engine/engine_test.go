package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperengineering/accord/internal/store"
	"github.com/hyperengineering/accord/internal/types"
)

func TestStartupCheckDegradesHandle(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first := openEngineAt(t, dir)
	entity := createCommitted(t, first, types.EntityKindNote, map[string]any{"title": "v0"})
	injectPartialCommit(t, first, entity.ID, entity.Hash, map[string]any{"title": "v1"})
	if err := first.Close(); err != nil {
		t.Fatalf("Failed to close first handle: %v", err)
	}

	// A fresh handle must find the orphan before accepting writes.
	second, err := Open(ctx, Options{
		FactPath:   filepath.Join(dir, "facts.db"),
		EntityPath: filepath.Join(dir, "entities.db"),
		LockWait:   time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to open second handle: %v", err)
	}
	defer second.Close()

	if second.Status() != StatePartiallyCommitted {
		t.Fatalf("Expected degraded startup, got state %s", second.Status())
	}

	var inconsistent *InconsistentStateError
	if err := second.Begin(ctx); !errors.As(err, &inconsistent) {
		t.Errorf("Expected begin refused on degraded handle, got %v", err)
	}

	// Reads stay available while degraded.
	if _, err := second.ReadEntity(ctx, entity.ID); err != nil {
		t.Errorf("Expected read to work while degraded, got %v", err)
	}

	report, err := second.Repair(ctx)
	if err != nil {
		t.Fatalf("Failed to repair: %v", err)
	}
	if report.Repaired != 1 {
		t.Errorf("Expected 1 repaired, got %d", report.Repaired)
	}
	if second.Status() != StateIdle {
		t.Errorf("Expected idle after repair, got %s", second.Status())
	}
	if err := second.Begin(ctx); err != nil {
		t.Fatalf("Expected begin after repair, got %v", err)
	}
	second.Rollback(ctx)
}

func TestOpenSkipsStartupCheckWhenAsked(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first := openEngineAt(t, dir)
	entity := createCommitted(t, first, types.EntityKindNote, map[string]any{"title": "v0"})
	injectPartialCommit(t, first, entity.ID, entity.Hash, map[string]any{"title": "v1"})
	if err := first.Close(); err != nil {
		t.Fatalf("Failed to close first handle: %v", err)
	}

	second, err := Open(ctx, Options{
		FactPath:         filepath.Join(dir, "facts.db"),
		EntityPath:       filepath.Join(dir, "entities.db"),
		LockWait:         time.Second,
		SkipStartupCheck: true,
	})
	if err != nil {
		t.Fatalf("Failed to open with check skipped: %v", err)
	}
	defer second.Close()

	if second.Status() != StateIdle {
		t.Errorf("Expected idle state with check skipped, got %s", second.Status())
	}
}

func TestAppendFactOutsideTransaction(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	fact, err := eng.AppendFact(ctx, types.FactKindObservation,
		map[string]any{"temp": float64(21)}, types.FidelityRecorded)
	if err != nil {
		t.Fatalf("Failed to append fact: %v", err)
	}

	// Auto-committed: visible immediately with no Commit call.
	got, err := eng.ReadFact(ctx, fact.ID)
	if err != nil {
		t.Fatalf("Failed to read fact: %v", err)
	}
	if got.Content["temp"] != float64(21) {
		t.Errorf("Expected temp 21, got %v", got.Content["temp"])
	}
}

func TestAppendFactInsideTransactionCommitsWithIt(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	if err := eng.Begin(ctx); err != nil {
		t.Fatalf("Failed to begin: %v", err)
	}
	fact, err := eng.AppendFact(ctx, types.FactKindAnnotation,
		map[string]any{"note": "pending"}, types.FidelityDerived)
	if err != nil {
		t.Fatalf("Failed to append fact in transaction: %v", err)
	}
	if err := eng.Commit(ctx); err != nil {
		t.Fatalf("Failed to commit: %v", err)
	}

	got, err := eng.ReadFact(ctx, fact.ID)
	if err != nil {
		t.Fatalf("Failed to read fact after commit: %v", err)
	}
	if got.Fidelity != types.FidelityDerived {
		t.Errorf("Expected fidelity derived, got %s", got.Fidelity)
	}
}

func TestSupersedeFactPreservesHistory(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	original, err := eng.AppendFact(ctx, types.FactKindObservation,
		map[string]any{"reading": float64(10)}, types.FidelityRecorded)
	if err != nil {
		t.Fatalf("Failed to append original: %v", err)
	}
	corrected, err := eng.AppendFact(ctx, types.FactKindObservation,
		map[string]any{"reading": float64(12)}, types.FidelityRecorded)
	if err != nil {
		t.Fatalf("Failed to append correction: %v", err)
	}

	if err := eng.SupersedeFact(ctx, original.ID, corrected.ID); err != nil {
		t.Fatalf("Failed to supersede: %v", err)
	}

	// The original stays readable with its content intact.
	got, err := eng.ReadFact(ctx, original.ID)
	if err != nil {
		t.Fatalf("Failed to read superseded fact: %v", err)
	}
	if got.Content["reading"] != float64(10) {
		t.Errorf("Expected original content preserved, got %v", got.Content)
	}
	if got.SupersededBy == nil || *got.SupersededBy != corrected.ID {
		t.Errorf("Expected superseded_by %s, got %v", corrected.ID, got.SupersededBy)
	}
}

func TestVerifyEntityUnknown(t *testing.T) {
	eng := newTestEngine(t)

	if err := eng.VerifyEntity(context.Background(), "ent_missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
