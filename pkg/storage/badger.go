package storage

import (
	"bytes"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/kvrpcpb"
)

// cfPrefix maps a column family onto a one-byte key prefix inside the
// single badger keyspace.
func cfPrefix(cf string) byte {
	switch cf {
	case CFLock:
		return 'l'
	case CFWrite:
		return 'w'
	default:
		return 'd'
	}
}

func cfKey(cf string, key []byte) []byte {
	out := make([]byte, 0, len(key)+1)
	out = append(out, cfPrefix(cf))
	return append(out, key...)
}

// BadgerEngine is the default storage engine, a thin Engine adapter
// over a local badger instance. Snapshots map onto read-only
// transactions, which badger serves at a stable read timestamp.
type BadgerEngine struct {
	db *badger.DB

	mu     sync.Mutex
	closed bool
}

// NewBadgerEngine opens (or creates) a badger store at dir.
func NewBadgerEngine(dir string) (*BadgerEngine, error) {
	opts := badger.DefaultOptions(dir)
	opts = opts.WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Annotatef(err, "open badger at %s", dir)
	}
	return &BadgerEngine{db: db}, nil
}

func (e *BadgerEngine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Snapshot implements Engine.
func (e *BadgerEngine) Snapshot(ctx *kvrpcpb.Context, cb Callback) error {
	if e.isClosed() {
		return ErrClosed
	}
	snap := &badgerSnapshot{txn: e.db.NewTransaction(false)}
	go cb(snap, nil)
	return nil
}

// BatchSnapshot implements Engine.
func (e *BadgerEngine) BatchSnapshot(ctxs []*kvrpcpb.Context, cb BatchCallback) error {
	if e.isClosed() {
		return ErrClosed
	}
	results := make([]*BatchResult, len(ctxs))
	for i := range ctxs {
		results[i] = &BatchResult{Snap: &badgerSnapshot{txn: e.db.NewTransaction(false)}}
	}
	go cb(results)
	return nil
}

// Write implements Engine.
func (e *BadgerEngine) Write(ctx *kvrpcpb.Context, batch []Modify) error {
	if e.isClosed() {
		return ErrClosed
	}
	err := e.db.Update(func(txn *badger.Txn) error {
		for _, m := range batch {
			key := cfKey(m.CF, m.Key)
			switch m.Type {
			case ModifyPut:
				if err := txn.Set(key, m.Value); err != nil {
					return err
				}
			case ModifyDelete:
				if err := txn.Delete(key); err != nil {
					return err
				}
			}
		}
		return nil
	})
	return errors.Trace(err)
}

// Close implements Engine.
func (e *BadgerEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	return errors.Trace(e.db.Close())
}

type badgerSnapshot struct {
	txn *badger.Txn
	mu  sync.Mutex
}

func (s *badgerSnapshot) Get(cf string, key []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, err := s.txn.Get(cfKey(cf, key))
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	value, err := item.ValueCopy(nil)
	return value, errors.Trace(err)
}

func (s *badgerSnapshot) Iter(cf string, lower, upper []byte, opts IterOptions) Iterator {
	s.mu.Lock()
	defer s.mu.Unlock()
	iterOpts := badger.DefaultIteratorOptions
	iterOpts.Reverse = opts.Reverse
	iterOpts.PrefetchValues = opts.FillCache
	it := &badgerIterator{
		it:     s.txn.NewIterator(iterOpts),
		prefix: cfPrefix(cf),
		rev:    opts.Reverse,
	}
	if lower != nil {
		it.lower = cfKey(cf, lower)
	} else {
		it.lower = []byte{it.prefix}
	}
	if upper != nil {
		it.upper = cfKey(cf, upper)
	} else {
		it.upper = []byte{it.prefix + 1}
	}
	if opts.Reverse {
		it.it.Seek(it.upper)
		// The upper bound is exclusive; skip it and anything above.
		for it.it.Valid() && bytes.Compare(it.it.Item().Key(), it.upper) >= 0 {
			it.it.Next()
		}
	} else {
		it.it.Seek(it.lower)
	}
	return it
}

func (s *badgerSnapshot) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txn.Discard()
}

type badgerIterator struct {
	it     *badger.Iterator
	prefix byte
	lower  []byte
	upper  []byte
	rev    bool
}

func (it *badgerIterator) Valid() bool {
	if !it.it.Valid() {
		return false
	}
	key := it.it.Item().Key()
	if len(key) == 0 || key[0] != it.prefix {
		return false
	}
	if it.rev {
		return bytes.Compare(key, it.lower) >= 0
	}
	return bytes.Compare(key, it.upper) < 0
}

func (it *badgerIterator) Key() []byte {
	return it.it.Item().KeyCopy(nil)[1:]
}

func (it *badgerIterator) Value() []byte {
	value, err := it.it.Item().ValueCopy(nil)
	if err != nil {
		return nil
	}
	return value
}

func (it *badgerIterator) Next() { it.it.Next() }

func (it *badgerIterator) Close() { it.it.Close() }
