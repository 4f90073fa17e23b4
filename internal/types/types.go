package types

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// FactKind classifies immutable facts. The set is closed: store and
// coordinator call sites switch over it exhaustively.
type FactKind string

const (
	// FactKindObservation is a directly recorded piece of information.
	FactKindObservation FactKind = "observation"
	// FactKindDelta records one entity mutation (previous/resulting hash pair).
	FactKindDelta FactKind = "delta"
	// FactKindAnnotation is commentary attached to other facts or entities.
	FactKindAnnotation FactKind = "annotation"
)

// Valid reports whether k is a member of the closed fact kind set.
func (k FactKind) Valid() bool {
	switch k {
	case FactKindObservation, FactKindDelta, FactKindAnnotation:
		return true
	}
	return false
}

// EntityKind classifies mutable entities. Closed set, mirroring FactKind.
type EntityKind string

const (
	EntityKindNote    EntityKind = "note"
	EntityKindContact EntityKind = "contact"
	EntityKindProject EntityKind = "project"
	EntityKindTask    EntityKind = "task"
)

// Valid reports whether k is a member of the closed entity kind set.
func (k EntityKind) Valid() bool {
	switch k {
	case EntityKindNote, EntityKindContact, EntityKindProject, EntityKindTask:
		return true
	}
	return false
}

// Fidelity marks how a fact entered the system.
type Fidelity string

const (
	FidelityRecorded Fidelity = "recorded"
	FidelityDerived  Fidelity = "derived"
	FidelityImported Fidelity = "imported"
)

// Valid reports whether f is a known fidelity marker.
func (f Fidelity) Valid() bool {
	switch f {
	case FidelityRecorded, FidelityDerived, FidelityImported:
		return true
	}
	return false
}

// ID namespace prefixes. Facts and entities live in disjoint namespaces so an
// identifier can never be mistaken for the other family.
const (
	FactIDPrefix   = "fct_"
	EntityIDPrefix = "ent_"
)

// NewFactID returns a fresh fact identifier (ULID with namespace prefix).
func NewFactID() string {
	return FactIDPrefix + ulid.Make().String()
}

// NewEntityID returns a fresh entity identifier.
func NewEntityID() string {
	return EntityIDPrefix + ulid.Make().String()
}

// TombstoneField is the reserved content field marking an entity's terminal
// deleted state. Deletion is an ordinary hash-chained mutation that sets this
// field, so replaying an entity's deltas reproduces its deleted state too.
// The "~" prefix keeps it out of the normal field namespace.
const TombstoneField = "~deleted"

// Tombstoned reports whether content carries the terminal deletion marker.
func Tombstoned(content map[string]any) bool {
	v, ok := content[TombstoneField]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// Fact is an immutable, timestamped record: the system of record.
// Only the supersession link may be set after creation.
type Fact struct {
	ID           string         `json:"id"`
	Kind         FactKind       `json:"kind"`
	Content      map[string]any `json:"content"`
	ContentHash  string         `json:"content_hash"`
	Fidelity     Fidelity       `json:"fidelity"`
	SupersededBy *string        `json:"superseded_by,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Delta is the durable proof one entity mutation occurred. It is stored as a
// fact of FactKindDelta; FactID is the owning fact's identifier.
type Delta struct {
	FactID        string         `json:"fact_id"`
	EntityID      string         `json:"entity_id"`
	PreviousHash  string         `json:"previous_hash"`
	ResultingHash string         `json:"resulting_hash"`
	Changed       map[string]any `json:"changed"`
	EntityVersion int64          `json:"entity_version"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Entity is a mutable, hash-chained, versioned record. Entities are never
// row-deleted; Deleted is a terminal-state marker.
type Entity struct {
	ID           string         `json:"id"`
	Kind         EntityKind     `json:"kind"`
	Hash         string         `json:"hash"`
	PreviousHash string         `json:"previous_hash"`
	Version      int64          `json:"version"`
	Deleted      bool           `json:"deleted"`
	Content      map[string]any `json:"content"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// TimeRange bounds a query. A zero Since or Until leaves that side open;
// callers still bound result size with an explicit limit.
type TimeRange struct {
	Since time.Time
	Until time.Time
}

// Contains reports whether t falls inside the range.
func (r TimeRange) Contains(t time.Time) bool {
	if !r.Since.IsZero() && t.Before(r.Since) {
		return false
	}
	if !r.Until.IsZero() && t.After(r.Until) {
		return false
	}
	return true
}
