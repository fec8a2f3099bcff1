// Package engine is Monsoon's external façade: the operations a
// dispatcher calls, each taking the caller's opaque identity token for
// transaction gating. It wires the block log, B+tree, vacuum and
// transaction gate together behind the operation table the rest of the
// system depends on.
package engine

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/monsoondb/monsoon/pkg/codec"
	"github.com/monsoondb/monsoon/pkg/txgate"
)

// CallerID is an opaque token identifying a caller to the transaction
// gate. The dispatcher mints one per session with NewCallerID.
type CallerID = txgate.CallerID

// NewCallerID mints a fresh, unique caller identity.
func NewCallerID() CallerID {
	return CallerID(uuid.NewString())
}

// Options configures Open.
type Options struct {
	// Dir is the directory containing db.monsoon (and, transiently,
	// tmp.monsoon during vacuum).
	Dir string
	// Capacity is the B+tree branching factor: even, >= 4.
	Capacity int
	// GenLimit is the commit-generation threshold that triggers vacuum.
	GenLimit int
	// Cmp orders keys. Defaults to codec.Compare if nil.
	Cmp codec.Comparator
}

// Engine is an open Monsoon database.
type Engine struct {
	gate *txgate.Gate
}

// Open opens (or initialises) the database at opts.Dir.
func Open(opts Options) (*Engine, error) {
	if opts.Capacity < 4 || opts.Capacity%2 != 0 {
		return nil, fmt.Errorf("monsoon/engine: capacity must be even and >= 4, got %d", opts.Capacity)
	}
	if opts.GenLimit < 0 {
		return nil, fmt.Errorf("monsoon/engine: gen_limit must be non-negative, got %d", opts.GenLimit)
	}
	if err := os.MkdirAll(opts.Dir, 0700); err != nil {
		return nil, fmt.Errorf("monsoon/engine: create %s: %w", opts.Dir, err)
	}
	cmp := opts.Cmp
	if cmp == nil {
		cmp = codec.Compare
	}
	gate, err := txgate.Open(txgate.Options{
		Dir:      opts.Dir,
		Capacity: opts.Capacity,
		GenLimit: opts.GenLimit,
		Cmp:      cmp,
	})
	if err != nil {
		return nil, err
	}
	return &Engine{gate: gate}, nil
}

// Close releases the engine's file handle.
func (e *Engine) Close() error {
	return e.gate.Close()
}

// Put sets key to value. Fails with ErrNotTxProc if a transaction is open
// and held by a different caller.
func (e *Engine) Put(caller CallerID, key, value any) error {
	return e.gate.Put(caller, key, value)
}

// Remove deletes key. Absence is a success no-op. Fails with
// ErrNotTxProc if a transaction is open and held by a different caller.
func (e *Engine) Remove(caller CallerID, key any) error {
	return e.gate.Remove(caller, key)
}

// Get returns the value for key and whether it was present. A missing
// key is not an error: (nil, false, nil).
func (e *Engine) Get(caller CallerID, key any) (any, bool, error) {
	return e.gate.Get(caller, key)
}

// PutMetadata sets a single (name, value) metadata entry.
func (e *Engine) PutMetadata(caller CallerID, name string, value any) error {
	return e.gate.PutMetadata(caller, name, value)
}

// GetMetadata reads a single metadata entry.
func (e *Engine) GetMetadata(caller CallerID, name string) (any, bool, error) {
	return e.gate.GetMetadata(caller, name)
}

// StartTransaction opens a transaction for caller, failing with
// ErrTxAlreadyStarted or ErrTxOccupied per the gate's state machine.
// liveness should be closed by the dispatcher when caller's owning
// session ends abnormally, so the gate can auto-cancel.
func (e *Engine) StartTransaction(caller CallerID, liveness <-chan struct{}) error {
	return e.gate.StartTransaction(caller, liveness)
}

// EndTransaction publishes and durably commits caller's pending writes.
func (e *Engine) EndTransaction(caller CallerID) error {
	return e.gate.EndTransaction(caller)
}

// CancelTransaction discards caller's pending writes.
func (e *Engine) CancelTransaction(caller CallerID) error {
	return e.gate.CancelTransaction(caller)
}

// Select opens a lazily-pulled ascending stream over [lower, upper]. A
// missing bound is open on that side. The snapshot is captured from the
// gate on the first call to Cursor.Next, not when Select returns.
func (e *Engine) Select(lower any, hasLower bool, upper any, hasUpper bool) *Cursor {
	return &Cursor{
		gate:     e.gate,
		lower:    lower,
		hasLower: hasLower,
		upper:    upper,
		hasUpper: hasUpper,
	}
}
