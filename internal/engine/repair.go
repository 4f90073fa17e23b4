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

// RepairResult reports the outcome for one issue in a repair run.
type RepairResult struct {
	Issue    Issue  `json:"issue"`
	Repaired bool   `json:"repaired"`
	Detail   string `json:"detail,omitempty"`
}

// RepairReport summarizes a repair run.
type RepairReport struct {
	Results  []RepairResult `json:"results"`
	Repaired int            `json:"repaired"`
	Skipped  int            `json:"skipped"`
}

// Repairer replays orphaned deltas back onto the entity store. It is
// operator-invoked only, never automatic, so a root cause is never silently
// masked. The run is all-or-nothing: every orphan's replay is validated
// against the recorded hashes before anything is written, and all repaired
// snapshots commit in one entity-store transaction. A replay whose recomputed
// hash disagrees with the recorded resulting hash indicates corruption beyond
// a missed commit and aborts the entire run.
type Repairer struct {
	facts    *store.FactStore
	entities *store.EntityStore
}

// NewRepairer creates a repairer over both store handles.
func NewRepairer(facts *store.FactStore, entities *store.EntityStore) *Repairer {
	return &Repairer{facts: facts, entities: entities}
}

// Repair processes the issue list. Broken-chain issues are never repaired;
// they are reported as skipped. Orphaned-delta issues are replayed.
func (r *Repairer) Repair(ctx context.Context, issues []Issue) (*RepairReport, error) {
	report := &RepairReport{Results: make([]RepairResult, 0, len(issues))}

	type pending struct {
		issue  Issue
		entity types.Entity
	}
	var toApply []pending

	for _, issue := range issues {
		if issue.Kind != IssueOrphanedDelta {
			report.Results = append(report.Results, RepairResult{
				Issue:  issue,
				Detail: "not repairable by replay; manual intervention required",
			})
			report.Skipped++
			continue
		}

		snapshot, err := r.replayEntity(ctx, issue.EntityID)
		if err != nil {
			// Abort the whole run: a failed replay means the history itself
			// is suspect, and repairing around it would mask corruption.
			return nil, fmt.Errorf("repair aborted at entity %s: %w", issue.EntityID, err)
		}
		toApply = append(toApply, pending{issue: issue, entity: *snapshot})
	}

	if len(toApply) > 0 {
		tx, err := r.entities.BeginExclusive(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquire entity store lock: %w", err)
		}
		for _, p := range toApply {
			if err := r.entities.UpsertEntityIn(ctx, tx, &p.entity); err != nil {
				if rbErr := tx.Rollback(ctx); rbErr != nil {
					slog.Error("repair rollback failed",
						"component", "repair", "error", rbErr)
				}
				return nil, fmt.Errorf("apply repair for %s: %w", p.entity.ID, err)
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit repairs: %w", err)
		}
	}

	for _, p := range toApply {
		report.Results = append(report.Results, RepairResult{
			Issue:    p.issue,
			Repaired: true,
			Detail:   fmt.Sprintf("entity advanced to version %d, hash %s", p.entity.Version, p.entity.Hash),
		})
		report.Repaired++
		slog.Info("orphaned delta repaired",
			"component", "repair",
			"action", "delta_replayed",
			"entity_id", p.entity.ID,
			"version", p.entity.Version,
		)
	}

	return report, nil
}

// replayEntity rebuilds an entity snapshot from its full delta history,
// validating every hash along the way.
func (r *Repairer) replayEntity(ctx context.Context, entityID string) (*types.Entity, error) {
	deltas, err := r.facts.DeltasForEntity(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if len(deltas) == 0 {
		return nil, fmt.Errorf("no recorded deltas for %s", entityID)
	}

	content, finalHash, err := hashchain.Replay(entityID, deltas)
	if err != nil {
		return nil, err
	}

	last := deltas[len(deltas)-1]

	kind, createdAt := r.entityOrigin(ctx, entityID, deltas)
	return &types.Entity{
		ID:           entityID,
		Kind:         kind,
		Hash:         finalHash,
		PreviousHash: last.PreviousHash,
		Version:      last.EntityVersion,
		Deleted:      types.Tombstoned(content),
		Content:      content,
		CreatedAt:    createdAt,
		UpdatedAt:    last.CreatedAt,
	}, nil
}

// entityOrigin recovers the kind and creation time for a replayed entity:
// from the stored row when it exists, otherwise from the creation delta's
// fact record.
func (r *Repairer) entityOrigin(ctx context.Context, entityID string, deltas []types.Delta) (types.EntityKind, time.Time) {
	if existing, err := r.entities.ReadEntity(ctx, entityID); err == nil {
		return existing.Kind, existing.CreatedAt
	}

	kind := types.EntityKindNote
	if fact, err := r.facts.ReadFact(ctx, deltas[0].FactID); err == nil {
		if k, ok := fact.Content["entity_kind"].(string); ok && types.EntityKind(k).Valid() {
			kind = types.EntityKind(k)
		}
	}
	return kind, deltas[0].CreatedAt
}
