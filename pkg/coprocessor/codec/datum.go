// Package codec implements the subset of the tabular value encoding the
// coprocessor needs: datum encode/decode, row values keyed by column id,
// and record keys.
package codec

import (
	"encoding/binary"

	"github.com/pingcap/errors"
)

// Datum kinds.
const (
	KindNull byte = iota
	KindInt64
	KindUint64
	KindBytes
)

// Encoding flags, one per on-wire datum representation.
const (
	nilFlag     byte = 0
	bytesFlag   byte = 1
	intFlag     byte = 3
	uintFlag    byte = 4
	varintFlag  byte = 8
	uvarintFlag byte = 9
)

// Datum is a single typed value.
type Datum struct {
	Kind byte
	I    int64
	U    uint64
	B    []byte
}

// NewIntDatum builds a signed integer datum.
func NewIntDatum(v int64) Datum { return Datum{Kind: KindInt64, I: v} }

// NewUintDatum builds an unsigned integer datum.
func NewUintDatum(v uint64) Datum { return Datum{Kind: KindUint64, U: v} }

// NewBytesDatum builds a bytes datum.
func NewBytesDatum(b []byte) Datum { return Datum{Kind: KindBytes, B: b} }

// NewNullDatum builds the null datum.
func NewNullDatum() Datum { return Datum{Kind: KindNull} }

// EncodeValue appends the non-comparable encoding of vals to b.
func EncodeValue(b []byte, vals ...Datum) ([]byte, error) {
	for _, v := range vals {
		switch v.Kind {
		case KindNull:
			b = append(b, nilFlag)
		case KindInt64:
			b = append(b, varintFlag)
			b = binary.AppendVarint(b, v.I)
		case KindUint64:
			b = append(b, uvarintFlag)
			b = binary.AppendUvarint(b, v.U)
		case KindBytes:
			b = append(b, bytesFlag)
			b = binary.AppendUvarint(b, uint64(len(v.B)))
			b = append(b, v.B...)
		default:
			return nil, errors.Errorf("unknown datum kind %d", v.Kind)
		}
	}
	return b, nil
}

// DecodeOne decodes the first datum in b and returns the remainder.
func DecodeOne(b []byte) (Datum, []byte, error) {
	if len(b) == 0 {
		return Datum{}, nil, errors.New("insufficient bytes to decode value")
	}
	flag := b[0]
	b = b[1:]
	switch flag {
	case nilFlag:
		return NewNullDatum(), b, nil
	case varintFlag:
		v, n := binary.Varint(b)
		if n <= 0 {
			return Datum{}, nil, errors.New("invalid varint datum")
		}
		return NewIntDatum(v), b[n:], nil
	case uvarintFlag:
		v, n := binary.Uvarint(b)
		if n <= 0 {
			return Datum{}, nil, errors.New("invalid uvarint datum")
		}
		return NewUintDatum(v), b[n:], nil
	case intFlag:
		if len(b) < 8 {
			return Datum{}, nil, errors.New("invalid int datum")
		}
		return NewIntDatum(int64(binary.BigEndian.Uint64(b))), b[8:], nil
	case uintFlag:
		if len(b) < 8 {
			return Datum{}, nil, errors.New("invalid uint datum")
		}
		return NewUintDatum(binary.BigEndian.Uint64(b)), b[8:], nil
	case bytesFlag:
		l, n := binary.Uvarint(b)
		if n <= 0 || uint64(len(b)-n) < l {
			return Datum{}, nil, errors.New("invalid bytes datum")
		}
		return NewBytesDatum(b[n : n+int(l)]), b[n+int(l):], nil
	default:
		return Datum{}, nil, errors.Errorf("invalid encoded key flag %d", flag)
	}
}

// Decode decodes every datum in b.
func Decode(b []byte) ([]Datum, error) {
	var vals []Datum
	for len(b) > 0 {
		var (
			d   Datum
			err error
		)
		d, b, err = DecodeOne(b)
		if err != nil {
			return nil, errors.Trace(err)
		}
		vals = append(vals, d)
	}
	return vals, nil
}
