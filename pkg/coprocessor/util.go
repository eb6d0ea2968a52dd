package coprocessor

import (
	coppb "github.com/pingcap/kvproto/pkg/coprocessor"
	"github.com/pingcap/kvproto/pkg/kvrpcpb"
	"github.com/pingcap/tipb/go-tipb"

	"github.com/wentaoxu/tikv/pkg/coprocessor/codec"
)

// Request type tags of the wire envelope.
const (
	ReqTypeDAG      int64 = 103
	ReqTypeAnalyze  int64 = 104
	ReqTypeChecksum int64 = 105
)

// Scan tags classifying reads for metrics.
const (
	ScanTagSelect = "select"
	ScanTagIndex  = "index"
)

// Priority labels.
const (
	priLow    = "low"
	priNormal = "normal"
	priHigh   = "high"
)

func priorityString(pri kvrpcpb.CommandPri) string {
	switch pri {
	case kvrpcpb.CommandPri_Low:
		return priLow
	case kvrpcpb.CommandPri_High:
		return priHigh
	default:
		return priNormal
	}
}

// PrefixNext returns the key that follows key. For a key that is not all
// 0xff, the result is key incremented as a big-endian number of the same
// length, so every key with key as a prefix sorts below it. The empty key
// maps to {0x00}, and the all-0xff key of length n maps to the all-0x00
// key of length n+1.
func PrefixNext(key []byte) []byte {
	next := append([]byte(nil), key...)
	if len(next) == 0 {
		return append(next, 0)
	}
	for i := len(next) - 1; i >= 0; i-- {
		if next[i] != 0xff {
			next[i]++
			return next
		}
		next[i] = 0
	}
	return append(next, 0)
}

// IsPoint reports whether the range covers exactly one key.
func IsPoint(rng *coppb.KeyRange) bool {
	next := PrefixNext(rng.GetStart())
	end := rng.GetEnd()
	if len(next) != len(end) {
		return false
	}
	for i := range next {
		if next[i] != end[i] {
			return false
		}
	}
	return true
}

// GetPK builds the datum for a primary-key handle column.
func GetPK(col *tipb.ColumnInfo, handle int64) codec.Datum {
	if codec.HasUnsignedFlag(uint64(col.GetFlag())) {
		return codec.NewUintDatum(uint64(handle))
	}
	return codec.NewIntDatum(handle)
}
