package mvcc

import (
	"github.com/pingcap/errors"

	"github.com/wentaoxu/tikv/pkg/storage"
)

// Reader walks raw MVCC records of a snapshot. The coprocessor reads
// through Store; the GC worker uses Reader to inspect and reclaim
// versions directly.
type Reader struct {
	snap      storage.Snapshot
	fillCache bool
	stats     storage.Statistics
}

// NewReader creates a reader over snap.
func NewReader(snap storage.Snapshot, fillCache bool) *Reader {
	return &Reader{snap: snap, fillCache: fillCache}
}

// CollectStatistics merges accumulated counters into stats.
func (r *Reader) CollectStatistics(stats *storage.Statistics) {
	stats.Merge(&r.stats)
	r.stats = storage.Statistics{}
}

// NeedGC estimates whether a GC pass over the keyspace from startKey is
// worthwhile: it samples up to sampleKeys user keys and reports true
// when the versions-per-key density at or below safePoint reaches
// ratioThreshold, or when any delete/rollback records are reclaimable.
func (r *Reader) NeedGC(startKey []byte, safePoint uint64, ratioThreshold float64, sampleKeys int) (bool, error) {
	if ratioThreshold < 1.0 {
		return true, nil
	}
	it := r.snap.Iter(storage.CFWrite, encodeLowerBound(startKey), nil, storage.IterOptions{FillCache: r.fillCache})
	defer it.Close()

	var keys, versions int
	var current []byte
	for it.Valid() {
		userKey, ts, err := DecodeKey(it.Key())
		if err != nil {
			return false, errors.Trace(err)
		}
		if current == nil || !sameUserKey(userKey, current) {
			if keys >= sampleKeys {
				break
			}
			current = append(current[:0], userKey...)
			keys++
		}
		if ts <= safePoint {
			r.stats.Write.Total++
			versions++
			write, err := DecodeWrite(it.Value())
			if err != nil {
				return false, errors.Trace(err)
			}
			if write.Type == WriteDelete || write.Type == WriteRollback {
				return true, nil
			}
		}
		it.Next()
	}
	if keys == 0 {
		return false, nil
	}
	return float64(versions)/float64(keys) >= ratioThreshold, nil
}

// GCBatch reclaims obsolete versions of up to batchKeys user keys
// starting at startKey. It returns the mutations to apply and the key
// the next pass should resume from; a nil next key means the end of the
// keyspace was reached.
func (r *Reader) GCBatch(startKey []byte, safePoint uint64, batchKeys int) ([]storage.Modify, []byte, error) {
	it := r.snap.Iter(storage.CFWrite, encodeLowerBound(startKey), nil, storage.IterOptions{FillCache: r.fillCache})
	defer it.Close()

	var (
		mods    []storage.Modify
		current []byte
		keys    int
		keptPut bool
	)
	for it.Valid() {
		userKey, ts, err := DecodeKey(it.Key())
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		if current == nil || !sameUserKey(userKey, current) {
			if keys >= batchKeys {
				// Resume from this key on the next tick.
				return mods, append([]byte(nil), userKey...), nil
			}
			current = append([]byte(nil), userKey...)
			keys++
			keptPut = false
		}
		if ts <= safePoint {
			r.stats.Write.Total++
			write, err := DecodeWrite(it.Value())
			if err != nil {
				return nil, nil, errors.Trace(err)
			}
			mods = r.gcVersion(mods, current, ts, write, &keptPut)
		}
		it.Next()
	}
	return mods, nil, nil
}

// gcVersion decides the fate of one version at or below the safe point.
// The newest put below the safe point stays readable; everything it
// shadows goes, as do deletes and bookkeeping records.
func (r *Reader) gcVersion(mods []storage.Modify, key []byte, commitTS uint64, write *Write, keptPut *bool) []storage.Modify {
	switch write.Type {
	case WritePut:
		if !*keptPut {
			*keptPut = true
			return mods
		}
	case WriteDelete:
		// A delete below the safe point shadows nothing a reader can
		// still want; it is reclaimed along with everything older.
		*keptPut = true
	case WriteRollback, WriteLock:
	}
	r.stats.Write.Processed++
	mods = append(mods, storage.Modify{
		Type: storage.ModifyDelete,
		CF:   storage.CFWrite,
		Key:  EncodeKey(key, commitTS),
	})
	if write.Type == WritePut && write.ShortValue == nil {
		mods = append(mods, storage.Modify{
			Type: storage.ModifyDelete,
			CF:   storage.CFDefault,
			Key:  EncodeKey(key, write.StartTS),
		})
	}
	return mods
}

// FirstKey returns the smallest user key at or after startKey, or nil
// when the keyspace is exhausted.
func (r *Reader) FirstKey(startKey []byte) ([]byte, error) {
	it := r.snap.Iter(storage.CFWrite, encodeLowerBound(startKey), nil, storage.IterOptions{FillCache: r.fillCache})
	defer it.Close()
	if !it.Valid() {
		return nil, nil
	}
	userKey, _, err := DecodeKey(it.Key())
	if err != nil {
		return nil, errors.Trace(err)
	}
	return append([]byte(nil), userKey...), nil
}
