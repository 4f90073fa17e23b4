package store

import "errors"

var (
	// ErrNotFound is returned when a fact or entity does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrBusy is returned when an exclusive lock could not be acquired within
	// the bounded wait. Retriable.
	ErrBusy = errors.New("store lock busy")
	// ErrAlreadySuperseded is returned when a fact's supersession link is
	// already set; the link is write-once.
	ErrAlreadySuperseded = errors.New("fact already superseded")
	// ErrTxFinished is returned when a committed or rolled-back exclusive
	// transaction is used again.
	ErrTxFinished = errors.New("exclusive transaction already finished")
)
