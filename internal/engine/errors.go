package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Programmer errors: wrong-state transitions. Always propagated, never
// handled internally.
var (
	ErrAlreadyActive       = errors.New("transaction already active")
	ErrNoActiveTransaction = errors.New("no active transaction")
	ErrRepairDuringActive  = errors.New("repair refused while a transaction is active")
)

// OptimisticLockError reports a concurrent-update conflict: the entity's
// current hash no longer matches the hash the caller based its mutation on.
// Expected-retriable; the caller decides whether to re-read and retry or
// abort. The engine's only concurrency-conflict signal.
type OptimisticLockError struct {
	EntityID string
	Expected string
	Actual   string
}

func (e *OptimisticLockError) Error() string {
	return fmt.Sprintf("optimistic lock conflict on %s: expected hash %s, actual %s",
		e.EntityID, e.Expected, e.Actual)
}

// LockTimeoutError reports that a store's exclusive lock could not be
// acquired within the bounded wait. Expected-retriable.
type LockTimeoutError struct {
	Store string // "fact" or "entity"
	Wait  time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("%s store lock not acquired within %s", e.Store, e.Wait)
}

// TransactionAbortedError reports a commit failure that left both stores
// unaffected. Safe to retry verbatim.
type TransactionAbortedError struct {
	Cause error
}

func (e *TransactionAbortedError) Error() string {
	return fmt.Sprintf("transaction aborted, both stores rolled back: %v", e.Cause)
}

func (e *TransactionAbortedError) Unwrap() error {
	return e.Cause
}

// InconsistentStateError reports a partial commit: the fact store holds
// committed deltas the entity store does not reflect. Non-retriable; entity
// mutations are refused until operator-invoked repair succeeds. Reads remain
// available.
type InconsistentStateError struct {
	DeltaIDs  []string
	EntityIDs []string
	Cause     error
}

func (e *InconsistentStateError) Error() string {
	msg := fmt.Sprintf("partial commit: %d orphaned delta(s)", len(e.DeltaIDs))
	if len(e.DeltaIDs) > 0 {
		msg += " [" + strings.Join(e.DeltaIDs, ", ") + "]"
	}
	if len(e.EntityIDs) > 0 {
		msg += " affecting [" + strings.Join(e.EntityIDs, ", ") + "]"
	}
	msg += "; repair required"
	if e.Cause != nil {
		msg += fmt.Sprintf(": %v", e.Cause)
	}
	return msg
}

func (e *InconsistentStateError) Unwrap() error {
	return e.Cause
}
