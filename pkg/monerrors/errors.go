// Package monerrors defines the sentinel error kinds exposed by the engine,
// per the error handling design: callers match them with errors.Is and
// wrap them with fmt.Errorf("...: %w", ...) at the point of failure.
package monerrors

import "errors"

var (
	// ErrLockBusy is returned when the on-disk file is already locked by
	// another engine instance.
	ErrLockBusy = errors.New("monsoon: database file is locked by another engine instance")

	// ErrIO wraps an underlying read, write, or sync failure.
	ErrIO = errors.New("monsoon: i/o failure")

	// ErrDecode is returned when a block's magic or length does not match
	// its expected shape.
	ErrDecode = errors.New("monsoon: block decode failure")

	// ErrNotFound is returned when the block log's read-by-id scan finds no
	// leaf with the requested id. A missing key is not reported with it:
	// Get returns found=false with a nil error, and Remove succeeds without
	// altering the tree.
	ErrNotFound = errors.New("monsoon: key not found")

	// ErrNotTxProc is returned when a caller other than the transaction
	// holder attempts to mutate while a transaction is in flight.
	ErrNotTxProc = errors.New("monsoon: mutation attempted by a caller that does not hold the open transaction")

	// ErrTxAlreadyStarted is returned when the same caller attempts to
	// start a second transaction while already holding one.
	ErrTxAlreadyStarted = errors.New("monsoon: caller already holds an open transaction")

	// ErrTxOccupied is returned when a different caller already holds the
	// single open transaction slot.
	ErrTxOccupied = errors.New("monsoon: another caller holds the open transaction")

	// ErrWrongWritePosition signals an internal write-queue bookkeeping
	// bug: a queued block's recorded offset did not match the expected
	// contiguous write position.
	ErrWrongWritePosition = errors.New("monsoon: write queue position mismatch")
)
