package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/accord/internal/hashchain"
	"github.com/hyperengineering/accord/internal/store"
	"github.com/hyperengineering/accord/internal/types"
)

// IssueKind classifies a detected inconsistency.
type IssueKind string

const (
	// IssueOrphanedDelta: a committed delta the entity store does not
	// reflect. The repairable class.
	IssueOrphanedDelta IssueKind = "orphaned_delta"
	// IssueBrokenChain: an entity whose recorded history does not replay to
	// its stored hashes. Corruption; not repairable by replay.
	IssueBrokenChain IssueKind = "broken_chain"
)

// Issue is one detected inconsistency, carrying enough data for an operator
// to understand it and for the repair tool to act on it.
type Issue struct {
	Kind         IssueKind `json:"kind"`
	EntityID     string    `json:"entity_id"`
	DeltaID      string    `json:"delta_id,omitempty"`
	ExpectedHash string    `json:"expected_hash,omitempty"`
	ActualHash   string    `json:"actual_hash,omitempty"`
	Detail       string    `json:"detail"`
}

// maxScanEntities bounds the lookback scan; unbounded full-history scans are
// disallowed by cost.
const maxScanEntities = 10000

// Checker is the bounded, single-pass, read-only consistency scanner. It runs
// at startup before write traffic is accepted, on operator demand, and from
// the periodic sweep worker. It never mutates state; only a storage I/O
// failure is fatal.
type Checker struct {
	facts      *store.FactStore
	entities   *store.EntityStore
	lookback   time.Duration
	sampleSize int
	clock      Clock
}

// NewChecker creates a checker scanning deltas within lookback and replaying
// the chains of up to sampleSize entities (<= 0 replays every entity).
func NewChecker(facts *store.FactStore, entities *store.EntityStore, lookback time.Duration, sampleSize int, clock Clock) *Checker {
	if clock == nil {
		clock = SystemClock()
	}
	return &Checker{
		facts:      facts,
		entities:   entities,
		lookback:   lookback,
		sampleSize: sampleSize,
		clock:      clock,
	}
}

// Check runs both passes and returns the finite issue list.
func (c *Checker) Check(ctx context.Context) ([]Issue, error) {
	start := c.clock.Now()
	issues := make([]Issue, 0)
	flagged := make(map[string]bool) // entity IDs with an issue already

	if err := c.checkRecentDeltas(ctx, &issues, flagged); err != nil {
		return nil, err
	}
	if err := c.checkChains(ctx, &issues, flagged); err != nil {
		return nil, err
	}

	slog.Info("consistency check complete",
		"component", "checker",
		"action", "check_complete",
		"issues", len(issues),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return issues, nil
}

// checkRecentDeltas compares each recently mutated entity's current hash to
// its most recent delta's resulting hash.
func (c *Checker) checkRecentDeltas(ctx context.Context, issues *[]Issue, flagged map[string]bool) error {
	since := c.clock.Now().Add(-c.lookback)
	ids, err := c.facts.EntityIDsWithDeltasSince(ctx, since, maxScanEntities)
	if err != nil {
		return fmt.Errorf("scan recent deltas: %w", err)
	}

	for _, id := range ids {
		latest, err := c.facts.LatestDelta(ctx, id)
		if err != nil {
			return fmt.Errorf("latest delta for %s: %w", id, err)
		}

		entity, err := c.entities.ReadEntity(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			// Creation delta with no entity row: the commit never reached
			// the entity store at all.
			*issues = append(*issues, Issue{
				Kind:         IssueOrphanedDelta,
				EntityID:     id,
				DeltaID:      latest.FactID,
				ExpectedHash: latest.ResultingHash,
				Detail:       fmt.Sprintf("entity %s missing; history records %d delta(s)", id, latest.EntityVersion+1),
			})
			flagged[id] = true
			continue
		}
		if err != nil {
			return fmt.Errorf("read entity %s: %w", id, err)
		}

		if entity.Hash != latest.ResultingHash {
			if entity.Version > latest.EntityVersion {
				// The entity is ahead of its recorded history. Not repairable
				// by replay; the history itself is incomplete.
				*issues = append(*issues, Issue{
					Kind:         IssueBrokenChain,
					EntityID:     id,
					ExpectedHash: latest.ResultingHash,
					ActualHash:   entity.Hash,
					Detail: fmt.Sprintf("entity at version %d is ahead of recorded history (latest delta version %d)",
						entity.Version, latest.EntityVersion),
				})
			} else if entity.Version == latest.EntityVersion {
				// Same version, different hash: an entity write with no
				// matching history record, or row corruption. Replay cannot
				// tell which state is right.
				*issues = append(*issues, Issue{
					Kind:         IssueBrokenChain,
					EntityID:     id,
					ExpectedHash: latest.ResultingHash,
					ActualHash:   entity.Hash,
					Detail: fmt.Sprintf("entity hash diverges from recorded history at version %d",
						entity.Version),
				})
			} else {
				*issues = append(*issues, Issue{
					Kind:         IssueOrphanedDelta,
					EntityID:     id,
					DeltaID:      latest.FactID,
					ExpectedHash: latest.ResultingHash,
					ActualHash:   entity.Hash,
					Detail: fmt.Sprintf("entity at version %d behind latest delta version %d",
						entity.Version, latest.EntityVersion),
				})
			}
			flagged[id] = true
		}
	}
	return nil
}

// checkChains replays delta histories from the null root for a sample (or
// the full set) of entities and reports any replay mismatch.
func (c *Checker) checkChains(ctx context.Context, issues *[]Issue, flagged map[string]bool) error {
	ids, err := c.entities.SampleEntityIDs(ctx, c.sampleSize)
	if err != nil {
		return fmt.Errorf("sample entities: %w", err)
	}

	for _, id := range ids {
		if flagged[id] {
			continue
		}

		entity, err := c.entities.ReadEntity(ctx, id)
		if err != nil {
			return fmt.Errorf("read entity %s: %w", id, err)
		}
		deltas, err := c.facts.DeltasForEntity(ctx, id)
		if err != nil {
			return fmt.Errorf("deltas for %s: %w", id, err)
		}

		if len(deltas) == 0 {
			// An entity with no history at all cannot be reconstructed.
			*issues = append(*issues, Issue{
				Kind:       IssueBrokenChain,
				EntityID:   id,
				ActualHash: entity.Hash,
				Detail:     "entity has no recorded deltas",
			})
			continue
		}

		if err := hashchain.Verify(id, deltas, entity.Hash); err != nil {
			var mismatch *hashchain.MismatchError
			if !errors.As(err, &mismatch) {
				return fmt.Errorf("verify %s: %w", id, err)
			}

			// An internally consistent chain whose tail the entity has not
			// reached yet is an orphaned delta, not corruption.
			if mismatch.Field == "current_hash" && isPrefixState(entity.Version, entity.Hash, deltas) {
				last := deltas[len(deltas)-1]
				*issues = append(*issues, Issue{
					Kind:         IssueOrphanedDelta,
					EntityID:     id,
					DeltaID:      last.FactID,
					ExpectedHash: last.ResultingHash,
					ActualHash:   entity.Hash,
					Detail: fmt.Sprintf("entity at version %d behind latest delta version %d",
						entity.Version, last.EntityVersion),
				})
				continue
			}

			*issues = append(*issues, Issue{
				Kind:         IssueBrokenChain,
				EntityID:     id,
				ExpectedHash: mismatch.Recorded,
				ActualHash:   mismatch.Computed,
				Detail:       mismatch.Error(),
			})
		}
	}
	return nil
}

// isPrefixState reports whether the entity's (version, hash) matches a proper
// prefix of its delta history.
func isPrefixState(version int64, hash string, deltas []types.Delta) bool {
	for _, d := range deltas {
		if d.EntityVersion == version {
			return d.ResultingHash == hash
		}
	}
	return false
}
