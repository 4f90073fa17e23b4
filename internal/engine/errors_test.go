package engine

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestOptimisticLockErrorMessage(t *testing.T) {
	err := &OptimisticLockError{EntityID: "ent_a", Expected: "h1", Actual: "h2"}

	msg := err.Error()
	if !strings.Contains(msg, "ent_a") || !strings.Contains(msg, "h1") || !strings.Contains(msg, "h2") {
		t.Errorf("Expected entity and both hashes in message, got %q", msg)
	}
}

func TestLockTimeoutErrorMessage(t *testing.T) {
	err := &LockTimeoutError{Store: "entity", Wait: 5 * time.Second}

	msg := err.Error()
	if !strings.Contains(msg, "entity store") || !strings.Contains(msg, "5s") {
		t.Errorf("Expected store and wait in message, got %q", msg)
	}
}

func TestTransactionAbortedUnwraps(t *testing.T) {
	cause := errors.New("disk full")
	err := &TransactionAbortedError{Cause: cause}

	if !errors.Is(err, cause) {
		t.Error("Expected aborted error to unwrap to its cause")
	}
	if !strings.Contains(err.Error(), "both stores rolled back") {
		t.Errorf("Expected rollback guarantee in message, got %q", err.Error())
	}
}

func TestInconsistentStateErrorNamesOrphans(t *testing.T) {
	cause := errors.New("entity commit failed")
	err := &InconsistentStateError{
		DeltaIDs:  []string{"fct_1", "fct_2"},
		EntityIDs: []string{"ent_1"},
		Cause:     cause,
	}

	msg := err.Error()
	if !strings.Contains(msg, "fct_1") || !strings.Contains(msg, "fct_2") {
		t.Errorf("Expected orphaned delta IDs in message, got %q", msg)
	}
	if !strings.Contains(msg, "ent_1") {
		t.Errorf("Expected affected entity IDs in message, got %q", msg)
	}
	if !strings.Contains(msg, "repair required") {
		t.Errorf("Expected repair instruction in message, got %q", msg)
	}
	if !errors.Is(err, cause) {
		t.Error("Expected inconsistent error to unwrap to its cause")
	}
}

func TestSentinelsSurviveWrapping(t *testing.T) {
	wrapped := fmt.Errorf("begin in state active: %w", ErrAlreadyActive)
	if !errors.Is(wrapped, ErrAlreadyActive) {
		t.Error("Expected ErrAlreadyActive through wrapping")
	}

	wrapped = fmt.Errorf("commit in state idle: %w", ErrNoActiveTransaction)
	if !errors.Is(wrapped, ErrNoActiveTransaction) {
		t.Error("Expected ErrNoActiveTransaction through wrapping")
	}
}
