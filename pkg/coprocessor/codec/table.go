package codec

import (
	"encoding/binary"

	"github.com/pingcap/errors"
)

// MySQL column flags carried in ColumnInfo.Flag.
const (
	NotNullFlag  uint64 = 1
	PriKeyFlag   uint64 = 2
	UnsignedFlag uint64 = 32
)

// HasNotNullFlag reports whether the NOT NULL flag is set.
func HasNotNullFlag(flag uint64) bool { return flag&NotNullFlag > 0 }

// HasUnsignedFlag reports whether the unsigned flag is set.
func HasUnsignedFlag(flag uint64) bool { return flag&UnsignedFlag > 0 }

var (
	tablePrefix  = []byte{'t'}
	recordPrefix = []byte("_r")
)

// EncodeRecordKey builds the record key for a handle in a table.
func EncodeRecordKey(tableID, handle int64) []byte {
	key := make([]byte, 0, len(tablePrefix)+8+len(recordPrefix)+8)
	key = append(key, tablePrefix...)
	key = appendComparableInt(key, tableID)
	key = append(key, recordPrefix...)
	key = appendComparableInt(key, handle)
	return key
}

// DecodeRecordKey splits a record key into table id and handle.
func DecodeRecordKey(key []byte) (tableID, handle int64, err error) {
	if len(key) != len(tablePrefix)+8+len(recordPrefix)+8 {
		return 0, 0, errors.Errorf("invalid record key length %d", len(key))
	}
	rest := key[len(tablePrefix):]
	tableID = decodeComparableInt(rest[:8])
	rest = rest[8+len(recordPrefix):]
	handle = decodeComparableInt(rest)
	return tableID, handle, nil
}

// TableRecordRange returns the key range covering all records of a
// table.
func TableRecordRange(tableID int64) (start, end []byte) {
	start = EncodeRecordKey(tableID, -1<<63)
	end = EncodeRecordKey(tableID, 1<<63-1)
	// The end of a range is exclusive.
	end = append(end, 0)
	return start, end
}

// appendComparableInt encodes v so byte order matches numeric order.
func appendComparableInt(b []byte, v int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v)^(1<<63))
	return append(b, buf[:]...)
}

func decodeComparableInt(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b) ^ (1 << 63))
}

// EncodeRow encodes column values into a row value blob as alternating
// column-id and value datums.
func EncodeRow(colIDs []int64, vals []Datum) ([]byte, error) {
	if len(colIDs) != len(vals) {
		return nil, errors.Errorf("row has %d ids for %d values", len(colIDs), len(vals))
	}
	var (
		row []byte
		err error
	)
	for i, id := range colIDs {
		row, err = EncodeValue(row, NewIntDatum(id), vals[i])
		if err != nil {
			return nil, errors.Trace(err)
		}
	}
	return row, nil
}

// DecodeRow splits a row value blob into per-column raw datum bytes,
// keeping each value in its encoded form.
func DecodeRow(value []byte) (map[int64][]byte, error) {
	row := make(map[int64][]byte)
	for len(value) > 0 {
		id, rest, err := DecodeOne(value)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if id.Kind != KindInt64 {
			return nil, errors.New("invalid column id in row value")
		}
		before := len(rest)
		_, after, err := DecodeOne(rest)
		if err != nil {
			return nil, errors.Trace(err)
		}
		row[id.I] = rest[:before-len(after)]
		value = after
	}
	return row, nil
}
