package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/accord/internal/engine"
)

// Diagnoser defines the engine operation needed by the sweep worker.
type Diagnoser interface {
	Diagnose(ctx context.Context) ([]engine.Issue, error)
}

// ConsistencySweepWorker periodically runs the consistency checker and
// reports findings. It never repairs anything; repair stays an explicit
// operator action.
type ConsistencySweepWorker struct {
	engine   Diagnoser
	interval time.Duration
}

// NewConsistencySweepWorker creates a worker with the given engine and interval.
func NewConsistencySweepWorker(engine Diagnoser, interval time.Duration) *ConsistencySweepWorker {
	return &ConsistencySweepWorker{
		engine:   engine,
		interval: interval,
	}
}

// Run starts the worker loop. Blocks until ctx is cancelled.
// Does NOT run immediately on start (a full check already runs at engine open).
func (w *ConsistencySweepWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "consistency-sweep",
		"interval", w.interval.String(),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "consistency-sweep",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.runSweep(ctx)
		}
	}
}

// runSweep executes a single consistency sweep.
func (w *ConsistencySweepWorker) runSweep(ctx context.Context) {
	start := time.Now()

	slog.Debug("sweep started",
		"component", "worker",
		"action", "sweep_start",
	)

	issues, err := w.engine.Diagnose(ctx)
	if err != nil {
		// Check for graceful shutdown
		if ctx.Err() != nil {
			return
		}
		slog.Error("sweep failed",
			"component", "worker",
			"action", "sweep_failed",
			"error", err,
		)
		return
	}

	duration := time.Since(start)
	if len(issues) == 0 {
		slog.Info("sweep completed",
			"component", "worker",
			"action", "sweep_complete",
			"issues", 0,
			"duration_ms", duration.Milliseconds(),
		)
		return
	}

	for _, issue := range issues {
		slog.Warn("consistency issue detected",
			"component", "worker",
			"action", "sweep_issue",
			"kind", issue.Kind,
			"entity_id", issue.EntityID,
			"delta_id", issue.DeltaID,
			"detail", issue.Detail,
		)
	}
	slog.Warn("sweep completed with issues",
		"component", "worker",
		"action", "sweep_complete",
		"issues", len(issues),
		"duration_ms", duration.Milliseconds(),
	)
}
