// Package storage defines the engine contract the coprocessor endpoint
// and the GC worker run against, together with a badger-backed engine
// and an in-memory engine for tests.
package storage

import (
	"fmt"

	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/errorpb"
	"github.com/pingcap/kvproto/pkg/kvrpcpb"
)

// Column families. The default family holds user values, the lock
// family in-flight transaction locks, and the write family commit
// records.
const (
	CFDefault = "default"
	CFLock    = "lock"
	CFWrite   = "write"
)

// ModifyType enumerates write operations.
type ModifyType int

// Write operations applied through Engine.Write.
const (
	ModifyPut ModifyType = iota
	ModifyDelete
)

// Modify is a single mutation.
type Modify struct {
	Type  ModifyType
	CF    string
	Key   []byte
	Value []byte
}

// IterOptions controls snapshot iteration.
type IterOptions struct {
	// Reverse walks keys in descending order.
	Reverse bool
	// FillCache lets the engine populate its block cache while
	// scanning. Analytical scans disable it.
	FillCache bool
}

// Iterator walks keys of one column family within bounds.
type Iterator interface {
	Valid() bool
	Key() []byte
	Value() []byte
	Next()
	Close()
}

// Snapshot is a consistent point-in-time view of the engine.
type Snapshot interface {
	// Get returns the value for key in cf, or nil when absent.
	Get(cf string, key []byte) ([]byte, error)
	// Iter iterates keys in [lower, upper) of cf. A nil upper bound is
	// unbounded; in reverse mode iteration starts just below upper.
	Iter(cf string, lower, upper []byte, opts IterOptions) Iterator
	// Close releases the snapshot.
	Close()
}

// Callback receives the result of an asynchronous snapshot request.
type Callback func(snap Snapshot, err error)

// BatchResult is one entry of a batched snapshot response. A nil entry
// in the result slice means the engine could not serve that region yet
// and the caller should retry it individually.
type BatchResult struct {
	Snap Snapshot
	Err  error
}

// BatchCallback receives the results of a batched snapshot request,
// one entry per requested region context, in order.
type BatchCallback func(results []*BatchResult)

// Engine is the storage engine consumed by the endpoint and GC worker.
// Snapshot acquisition is asynchronous; completion callbacks may fire
// on internal goroutines.
type Engine interface {
	Snapshot(ctx *kvrpcpb.Context, cb Callback) error
	BatchSnapshot(ctxs []*kvrpcpb.Context, cb BatchCallback) error
	Write(ctx *kvrpcpb.Context, batch []Modify) error
	Close() error
}

// RequestError is an engine failure that carries a region error to
// surface to the client.
type RequestError struct {
	Err *errorpb.Error
}

// Error implements error.
func (e *RequestError) Error() string {
	return fmt.Sprintf("request failed: %s", e.Err.GetMessage())
}

// NewRequestError wraps a region error.
func NewRequestError(err *errorpb.Error) *RequestError {
	return &RequestError{Err: err}
}

// ErrClosed is returned by operations on a closed engine.
var ErrClosed = errors.New("storage engine closed")
