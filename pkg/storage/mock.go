package storage

import (
	"sort"
	"sync"

	"github.com/pingcap/kvproto/pkg/errorpb"
	"github.com/pingcap/kvproto/pkg/kvrpcpb"
)

// MockEngine is an in-memory engine for tests. Snapshots copy the data
// so later writes never leak into an open snapshot. Batch snapshot
// misses and per-region errors can be injected to exercise the
// endpoint's retry and failure paths.
type MockEngine struct {
	mu     sync.Mutex
	data   map[string]map[string][]byte
	closed bool

	regionErrs map[uint64]*errorpb.Error
	batchMiss  map[uint64]int
}

// NewMockEngine creates an empty mock engine.
func NewMockEngine() *MockEngine {
	return &MockEngine{
		data:       make(map[string]map[string][]byte),
		regionErrs: make(map[uint64]*errorpb.Error),
		batchMiss:  make(map[uint64]int),
	}
}

// Put stores a value directly, bypassing the write path. Tests use it
// to seed data.
func (e *MockEngine) Put(cf string, key, value []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := e.data[cf]
	if m == nil {
		m = make(map[string][]byte)
		e.data[cf] = m
	}
	m[string(key)] = append([]byte(nil), value...)
}

// FailRegion makes snapshot requests for a region fail with the given
// region error until cleared with a nil error.
func (e *MockEngine) FailRegion(regionID uint64, err *errorpb.Error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.regionErrs, regionID)
		return
	}
	e.regionErrs[regionID] = err
}

// MissBatchSnapshot makes the next n batched snapshot results for a
// region come back unavailable, forcing the caller down the retry path.
func (e *MockEngine) MissBatchSnapshot(regionID uint64, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.batchMiss[regionID] = n
}

func (e *MockEngine) snapshotLocked() *memSnapshot {
	snap := &memSnapshot{data: make(map[string]map[string][]byte, len(e.data))}
	for cf, m := range e.data {
		cp := make(map[string][]byte, len(m))
		for k, v := range m {
			cp[k] = v
		}
		snap.data[cf] = cp
	}
	return snap
}

// Snapshot implements Engine.
func (e *MockEngine) Snapshot(ctx *kvrpcpb.Context, cb Callback) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	var snap Snapshot
	var err error
	if regionErr, ok := e.regionErrs[ctx.GetRegionId()]; ok {
		err = NewRequestError(regionErr)
	} else {
		snap = e.snapshotLocked()
	}
	e.mu.Unlock()
	go cb(snap, err)
	return nil
}

// BatchSnapshot implements Engine.
func (e *MockEngine) BatchSnapshot(ctxs []*kvrpcpb.Context, cb BatchCallback) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	results := make([]*BatchResult, len(ctxs))
	for i, ctx := range ctxs {
		region := ctx.GetRegionId()
		if left := e.batchMiss[region]; left > 0 {
			e.batchMiss[region] = left - 1
			continue
		}
		if regionErr, ok := e.regionErrs[region]; ok {
			results[i] = &BatchResult{Err: NewRequestError(regionErr)}
			continue
		}
		results[i] = &BatchResult{Snap: e.snapshotLocked()}
	}
	e.mu.Unlock()
	go cb(results)
	return nil
}

// Write implements Engine.
func (e *MockEngine) Write(ctx *kvrpcpb.Context, batch []Modify) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	for _, m := range batch {
		cfm := e.data[m.CF]
		if cfm == nil {
			cfm = make(map[string][]byte)
			e.data[m.CF] = cfm
		}
		switch m.Type {
		case ModifyPut:
			cfm[string(m.Key)] = append([]byte(nil), m.Value...)
		case ModifyDelete:
			delete(cfm, string(m.Key))
		}
	}
	return nil
}

// Close implements Engine.
func (e *MockEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

type memSnapshot struct {
	data map[string]map[string][]byte
}

func (s *memSnapshot) Get(cf string, key []byte) ([]byte, error) {
	v, ok := s.data[cf][string(key)]
	if !ok {
		return nil, nil
	}
	return v, nil
}

func (s *memSnapshot) Iter(cf string, lower, upper []byte, opts IterOptions) Iterator {
	m := s.data[cf]
	keys := make([]string, 0, len(m))
	for k := range m {
		if lower != nil && k < string(lower) {
			continue
		}
		if upper != nil && k >= string(upper) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if opts.Reverse {
		for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
			keys[i], keys[j] = keys[j], keys[i]
		}
	}
	return &memIterator{snap: s, cf: cf, keys: keys}
}

func (s *memSnapshot) Close() {}

type memIterator struct {
	snap *memSnapshot
	cf   string
	keys []string
	pos  int
}

func (it *memIterator) Valid() bool { return it.pos < len(it.keys) }

func (it *memIterator) Key() []byte { return []byte(it.keys[it.pos]) }

func (it *memIterator) Value() []byte { return it.snap.data[it.cf][it.keys[it.pos]] }

func (it *memIterator) Next() { it.pos++ }

func (it *memIterator) Close() {}
