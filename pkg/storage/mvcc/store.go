package mvcc

import (
	"math"

	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/kvrpcpb"

	"github.com/wentaoxu/tikv/pkg/storage"
)

// Store is a transactional read view over an engine snapshot: reads
// observe the newest version committed at or before the start
// timestamp, honoring the requested isolation level.
type Store struct {
	snap      storage.Snapshot
	startTS   uint64
	isolation kvrpcpb.IsolationLevel
	fillCache bool
	stats     storage.Statistics
}

// NewStore wraps a snapshot for reads at startTS.
func NewStore(snap storage.Snapshot, startTS uint64, isolation kvrpcpb.IsolationLevel, fillCache bool) *Store {
	return &Store{
		snap:      snap,
		startTS:   startTS,
		isolation: isolation,
		fillCache: fillCache,
	}
}

// CollectStatistics merges accumulated scan counters into stats and
// resets the local ones.
func (s *Store) CollectStatistics(stats *storage.Statistics) {
	stats.Merge(&s.stats)
	s.stats = storage.Statistics{}
}

func (s *Store) checkLock(key []byte) error {
	if s.isolation != kvrpcpb.IsolationLevel_SI {
		return nil
	}
	s.stats.Lock.Total++
	data, err := s.snap.Get(storage.CFLock, key)
	if err != nil {
		return errors.Trace(err)
	}
	if data == nil {
		return nil
	}
	lock, err := DecodeLock(data)
	if err != nil {
		return errors.Trace(err)
	}
	if lock.StartTS <= s.startTS {
		return &ErrLocked{Info: lock.LockInfo(key)}
	}
	return nil
}

// loadValue resolves the value for a put record.
func (s *Store) loadValue(key []byte, write *Write) ([]byte, error) {
	if write.ShortValue != nil {
		return write.ShortValue, nil
	}
	s.stats.Data.Total++
	value, err := s.snap.Get(storage.CFDefault, EncodeKey(key, write.StartTS))
	if err != nil {
		return nil, errors.Trace(err)
	}
	if value == nil {
		return nil, errors.Errorf("default value missing for key %q at ts %d", key, write.StartTS)
	}
	s.stats.Data.Processed++
	return value, nil
}

// Get returns the value visible at the store's start timestamp, or nil
// when the key does not exist.
func (s *Store) Get(key []byte) ([]byte, error) {
	if err := s.checkLock(key); err != nil {
		return nil, err
	}
	it := s.snap.Iter(storage.CFWrite, EncodeKey(key, s.startTS), nil, storage.IterOptions{FillCache: s.fillCache})
	defer it.Close()
	for ; it.Valid(); it.Next() {
		userKey, _, err := DecodeKey(it.Key())
		if err != nil {
			return nil, errors.Trace(err)
		}
		if !sameUserKey(userKey, key) {
			return nil, nil
		}
		s.stats.Write.Total++
		write, err := DecodeWrite(it.Value())
		if err != nil {
			return nil, errors.Trace(err)
		}
		switch write.Type {
		case WritePut:
			s.stats.Write.Processed++
			return s.loadValue(key, write)
		case WriteDelete:
			return nil, nil
		case WriteRollback, WriteLock:
			// Not a data version; look at the next older one.
		}
	}
	return nil, nil
}

// Scanner iterates committed user keys within [lower, upper) at the
// store's start timestamp.
type Scanner struct {
	store   *Store
	it      storage.Iterator
	lower   []byte
	upper   []byte
	reverse bool
	closed  bool
}

// Scanner opens a range scanner. In reverse mode keys are produced in
// descending order starting just below upper.
func (s *Store) Scanner(lower, upper []byte, reverse bool) *Scanner {
	var it storage.Iterator
	opts := storage.IterOptions{Reverse: reverse, FillCache: s.fillCache}
	if reverse {
		var seekUpper []byte
		if upper != nil {
			seekUpper = EncodeKey(upper, math.MaxUint64)
		}
		it = s.snap.Iter(storage.CFWrite, encodeLowerBound(lower), seekUpper, opts)
	} else {
		it = s.snap.Iter(storage.CFWrite, encodeLowerBound(lower), encodeUpperBound(upper), opts)
	}
	return &Scanner{store: s, it: it, lower: lower, upper: upper, reverse: reverse}
}

func encodeLowerBound(lower []byte) []byte {
	if lower == nil {
		return nil
	}
	return EncodeKey(lower, math.MaxUint64)
}

func encodeUpperBound(upper []byte) []byte {
	if upper == nil {
		return nil
	}
	// All versions of upper sort at or after upper||^maxTS, so this
	// keeps the user-key bound exclusive.
	return EncodeKey(upper, math.MaxUint64)
}

// Next returns the next visible key/value pair, or a nil key at the end
// of the range.
func (sc *Scanner) Next() ([]byte, []byte, error) {
	if sc.closed {
		return nil, nil, nil
	}
	if sc.reverse {
		return sc.nextReverse()
	}
	return sc.nextForward()
}

func (sc *Scanner) nextForward() ([]byte, []byte, error) {
	for sc.it.Valid() {
		userKey, ts, err := DecodeKey(sc.it.Key())
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		key := append([]byte(nil), userKey...)
		if err := sc.store.checkLock(key); err != nil {
			return nil, nil, err
		}
		value, emit, err := sc.resolveForward(key, ts)
		if err != nil {
			return nil, nil, err
		}
		if emit {
			return key, value, nil
		}
	}
	return nil, nil, nil
}

// resolveForward consumes every version of key, deciding whether the
// key is visible. The iterator ends up on the next user key.
func (sc *Scanner) resolveForward(key []byte, firstTS uint64) (value []byte, emit bool, err error) {
	decided := false
	for sc.it.Valid() {
		userKey, ts, err := DecodeKey(sc.it.Key())
		if err != nil {
			return nil, false, errors.Trace(err)
		}
		if !sameUserKey(userKey, key) {
			return value, emit, nil
		}
		if !decided && ts <= sc.store.startTS {
			sc.store.stats.Write.Total++
			write, err := DecodeWrite(sc.it.Value())
			if err != nil {
				return nil, false, errors.Trace(err)
			}
			switch write.Type {
			case WritePut:
				v, err := sc.store.loadValue(key, write)
				if err != nil {
					return nil, false, err
				}
				sc.store.stats.Write.Processed++
				value, emit, decided = v, true, true
			case WriteDelete:
				decided = true
			case WriteRollback, WriteLock:
			}
		}
		sc.it.Next()
	}
	return value, emit, nil
}

func (sc *Scanner) nextReverse() ([]byte, []byte, error) {
	var (
		current []byte
		best    *Write
	)
	for sc.it.Valid() {
		userKey, ts, err := DecodeKey(sc.it.Key())
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		if current != nil && !sameUserKey(userKey, current) {
			key, value, emit, err := sc.finishReverse(current, best)
			if err != nil {
				return nil, nil, err
			}
			if emit {
				return key, value, nil
			}
			best = nil
		}
		if current == nil || !sameUserKey(userKey, current) {
			current = append([]byte(nil), userKey...)
		}
		// Reverse iteration yields versions of one key oldest first;
		// the last qualifying record is the visible one.
		if ts <= sc.store.startTS {
			sc.store.stats.Write.Total++
			write, err := DecodeWrite(sc.it.Value())
			if err != nil {
				return nil, nil, errors.Trace(err)
			}
			if write.Type == WritePut || write.Type == WriteDelete {
				best = write
			}
		}
		sc.it.Next()
	}
	if current != nil {
		key, value, emit, err := sc.finishReverse(current, best)
		current = nil
		if err != nil {
			return nil, nil, err
		}
		if emit {
			return key, value, nil
		}
	}
	return nil, nil, nil
}

func (sc *Scanner) finishReverse(key []byte, best *Write) ([]byte, []byte, bool, error) {
	if err := sc.store.checkLock(key); err != nil {
		return nil, nil, false, err
	}
	if best == nil || best.Type != WritePut {
		return nil, nil, false, nil
	}
	value, err := sc.store.loadValue(key, best)
	if err != nil {
		return nil, nil, false, err
	}
	sc.store.stats.Write.Processed++
	return key, value, true, nil
}

// Close releases the scanner.
func (sc *Scanner) Close() {
	if !sc.closed {
		sc.closed = true
		sc.it.Close()
	}
}
