package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDatumRoundTrip(t *testing.T) {
	vals := []Datum{
		NewNullDatum(),
		NewIntDatum(0),
		NewIntDatum(-1),
		NewIntDatum(1 << 40),
		NewUintDatum(0),
		NewUintDatum(^uint64(0)),
		NewBytesDatum([]byte("hello")),
		NewBytesDatum(nil),
	}
	encoded, err := EncodeValue(nil, vals...)
	require.NoError(t, err)
	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.Len(t, decoded, len(vals))
	for i, d := range decoded {
		require.Equal(t, vals[i].Kind, d.Kind, "datum %d", i)
		require.Equal(t, vals[i].I, d.I, "datum %d", i)
		require.Equal(t, vals[i].U, d.U, "datum %d", i)
		require.True(t, bytes.Equal(vals[i].B, d.B), "datum %d", i)
	}
}

func TestDecodeTruncated(t *testing.T) {
	encoded, err := EncodeValue(nil, NewIntDatum(12345))
	require.NoError(t, err)
	_, err = Decode(encoded[:1])
	require.Error(t, err)
}

func TestRecordKeyRoundTrip(t *testing.T) {
	for _, handle := range []int64{-1 << 62, -1, 0, 1, 1 << 62} {
		key := EncodeRecordKey(7, handle)
		tableID, got, err := DecodeRecordKey(key)
		require.NoError(t, err)
		require.Equal(t, int64(7), tableID)
		require.Equal(t, handle, got)
	}
}

func TestRecordKeyOrdering(t *testing.T) {
	prev := EncodeRecordKey(1, -10)
	for handle := int64(-9); handle < 10; handle++ {
		cur := EncodeRecordKey(1, handle)
		require.Negative(t, bytes.Compare(prev, cur))
		prev = cur
	}
}

func TestRowRoundTrip(t *testing.T) {
	colIDs := []int64{1, 3, 9}
	vals := []Datum{NewIntDatum(-5), NewBytesDatum([]byte("x")), NewUintDatum(42)}
	row, err := EncodeRow(colIDs, vals)
	require.NoError(t, err)

	cols, err := DecodeRow(row)
	require.NoError(t, err)
	require.Len(t, cols, 3)
	for i, id := range colIDs {
		raw, ok := cols[id]
		require.True(t, ok, "column %d", id)
		d, rest, err := DecodeOne(raw)
		require.NoError(t, err)
		require.Empty(t, rest)
		require.Equal(t, vals[i].Kind, d.Kind)
	}
}

func TestTableRecordRange(t *testing.T) {
	start, end := TableRecordRange(3)
	require.Negative(t, bytes.Compare(start, EncodeRecordKey(3, 0)))
	require.Positive(t, bytes.Compare(end, EncodeRecordKey(3, 1<<62)))
}
