package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/accord/internal/engine"
)

// mockDiagnoser implements Diagnoser for testing
type mockDiagnoser struct {
	mu     sync.Mutex
	calls  int
	issues []engine.Issue
	err    error
}

func (m *mockDiagnoser) Diagnose(ctx context.Context) ([]engine.Issue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.issues, nil
}

func (m *mockDiagnoser) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func TestConsistencySweepWorker_RunsOnSchedule(t *testing.T) {
	eng := &mockDiagnoser{}
	worker := NewConsistencySweepWorker(eng, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())

	go worker.Run(ctx)

	// Wait for at least 2 ticks
	time.Sleep(120 * time.Millisecond)
	cancel()

	if eng.callCount() < 2 {
		t.Errorf("Expected at least 2 sweep calls, got %d", eng.callCount())
	}
}

func TestConsistencySweepWorker_DoesNotRunImmediately(t *testing.T) {
	eng := &mockDiagnoser{}
	worker := NewConsistencySweepWorker(eng, 1*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())

	go worker.Run(ctx)

	// Wait a short time - should NOT have swept yet
	time.Sleep(50 * time.Millisecond)
	cancel()

	if eng.callCount() != 0 {
		t.Errorf("Expected 0 sweep calls (does not run immediately), got %d", eng.callCount())
	}
}

func TestConsistencySweepWorker_GracefulShutdown(t *testing.T) {
	eng := &mockDiagnoser{}
	worker := NewConsistencySweepWorker(eng, 1*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()

	// Cancel immediately
	cancel()

	// Should stop within reasonable time
	select {
	case <-done:
		// Success
	case <-time.After(1 * time.Second):
		t.Error("Worker did not stop within 1 second")
	}
}

func TestConsistencySweepWorker_ContinuesOnError(t *testing.T) {
	eng := &mockDiagnoser{err: errors.New("database error")}
	worker := NewConsistencySweepWorker(eng, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())

	go worker.Run(ctx)

	// Wait for at least 2 ticks (should continue despite errors)
	time.Sleep(120 * time.Millisecond)
	cancel()

	if eng.callCount() < 2 {
		t.Errorf("Expected at least 2 sweep calls (continues on error), got %d", eng.callCount())
	}
}

func TestConsistencySweepWorker_ReportsIssuesWithoutRepairing(t *testing.T) {
	eng := &mockDiagnoser{
		issues: []engine.Issue{
			{Kind: engine.IssueOrphanedDelta, EntityID: "ent_x", DeltaID: "fct_y"},
		},
	}
	worker := NewConsistencySweepWorker(eng, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())

	go worker.Run(ctx)

	time.Sleep(70 * time.Millisecond)
	cancel()

	// The worker only calls Diagnose; a repair path would need a different
	// interface entirely, so reaching here with calls recorded is enough.
	if eng.callCount() == 0 {
		t.Fatal("Expected at least 1 sweep call")
	}
}
