// Package hashchain implements the content-addressed versioning primitive for
// entities: each entity hash is a digest over the canonical serialization of
// its content concatenated with the previous hash, so any change to content or
// history changes all downstream hashes.
package hashchain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/hyperengineering/accord/internal/types"
)

// Domain prefixes for content-addressed hashes. The version suffix enables
// future algorithm migration; the null byte separator prevents boundary
// ambiguity between domain, content, and previous hash.
const (
	domainEntity = "accord/entity/v1"
	domainFact   = "accord/fact/v1"
)

// ContentHash computes the integrity hash of a fact's content. Facts are not
// chained; the hash guards a single record against bit rot and tampering.
func ContentHash(content map[string]any) (string, error) {
	canonical, err := MarshalCanonical(content)
	if err != nil {
		return "", fmt.Errorf("canonicalize content: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(domainFact))
	h.Write([]byte{0x00})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Next computes the hash of an entity state: digest(content, previousHash).
// previousHash is empty for the root of a chain.
func Next(content map[string]any, previousHash string) (string, error) {
	canonical, err := MarshalCanonical(content)
	if err != nil {
		return "", fmt.Errorf("canonicalize content: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(domainEntity))
	h.Write([]byte{0x00})
	h.Write(canonical)
	h.Write([]byte{0x00})
	h.Write([]byte(previousHash))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// MismatchError reports a point where a replayed chain disagrees with the
// recorded history. It signals corruption, not a normal-flow failure.
type MismatchError struct {
	EntityID string
	Version  int64
	Field    string // "previous_hash", "resulting_hash", or "current_hash"
	Recorded string
	Computed string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("hash chain mismatch for %s at version %d: recorded %s %s, computed %s",
		e.EntityID, e.Version, e.Field, e.Recorded, e.Computed)
}

// Merge applies a delta's changed-field set onto content. A nil value removes
// the field; Merge never mutates its arguments.
func Merge(content, changed map[string]any) map[string]any {
	merged := make(map[string]any, len(content)+len(changed))
	for k, v := range content {
		merged[k] = v
	}
	for k, v := range changed {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	return merged
}

// Diff computes the changed-field set that transforms old into new: fields
// added or modified carry their new value, fields removed carry nil. Values
// are compared by canonical encoding so JSON round-trips do not register as
// changes.
func Diff(old, new map[string]any) (map[string]any, error) {
	changed := make(map[string]any)

	for k, newVal := range new {
		if newVal == nil {
			// A nil value is indistinguishable from a removal marker; treat
			// the field as absent.
			continue
		}
		oldVal, ok := old[k]
		if !ok {
			changed[k] = newVal
			continue
		}
		equal, err := equalCanonical(oldVal, newVal)
		if err != nil {
			return nil, fmt.Errorf("compare field %q: %w", k, err)
		}
		if !equal {
			changed[k] = newVal
		}
	}

	for k := range old {
		if v, ok := new[k]; !ok || v == nil {
			changed[k] = nil
		}
	}

	return changed, nil
}

func equalCanonical(a, b any) (bool, error) {
	ca, err := MarshalCanonical(a)
	if err != nil {
		return false, err
	}
	cb, err := MarshalCanonical(b)
	if err != nil {
		return false, err
	}
	return string(ca) == string(cb), nil
}

// Replay rebuilds entity state from a delta history ordered by version,
// starting at the null root, asserting every recorded hash against
// recomputation. Returns the final content and hash.
func Replay(entityID string, deltas []types.Delta) (map[string]any, string, error) {
	var content map[string]any
	prev := ""

	for _, d := range deltas {
		if d.PreviousHash != prev {
			return nil, "", &MismatchError{
				EntityID: entityID,
				Version:  d.EntityVersion,
				Field:    "previous_hash",
				Recorded: d.PreviousHash,
				Computed: prev,
			}
		}

		content = Merge(content, d.Changed)
		hash, err := Next(content, prev)
		if err != nil {
			return nil, "", fmt.Errorf("recompute hash at version %d: %w", d.EntityVersion, err)
		}
		if hash != d.ResultingHash {
			return nil, "", &MismatchError{
				EntityID: entityID,
				Version:  d.EntityVersion,
				Field:    "resulting_hash",
				Recorded: d.ResultingHash,
				Computed: hash,
			}
		}
		prev = hash
	}

	return content, prev, nil
}

// Verify replays a delta history from the null root and asserts the final
// hash equals the entity's current hash.
func Verify(entityID string, deltas []types.Delta, currentHash string) error {
	_, final, err := Replay(entityID, deltas)
	if err != nil {
		return err
	}
	if final != currentHash {
		version := int64(0)
		if n := len(deltas); n > 0 {
			version = deltas[n-1].EntityVersion
		}
		return &MismatchError{
			EntityID: entityID,
			Version:  version,
			Field:    "current_hash",
			Recorded: currentHash,
			Computed: final,
		}
	}
	return nil
}
