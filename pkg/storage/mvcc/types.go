// Package mvcc implements the multi-version layer the coprocessor reads
// through and the GC worker reclaims: versioned key encoding, write and
// lock records, a snapshot store for transactional reads, and a reader
// with garbage-collection support.
package mvcc

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/kvrpcpb"
)

// WriteType tags a commit record in the write column family.
type WriteType byte

// Commit record kinds.
const (
	WritePut      WriteType = 'P'
	WriteDelete   WriteType = 'D'
	WriteRollback WriteType = 'R'
	WriteLock     WriteType = 'L'
)

// EncodeKey appends the inverted commit timestamp to a user key so that
// newer versions of a key sort first in forward iteration.
func EncodeKey(key []byte, ts uint64) []byte {
	out := make([]byte, 0, len(key)+8)
	out = append(out, key...)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], ^ts)
	return append(out, buf[:]...)
}

// DecodeKey splits a versioned key into the user key and timestamp.
func DecodeKey(versioned []byte) (key []byte, ts uint64, err error) {
	if len(versioned) < 8 {
		return nil, 0, errors.Errorf("invalid versioned key length %d", len(versioned))
	}
	split := len(versioned) - 8
	return versioned[:split], ^binary.BigEndian.Uint64(versioned[split:]), nil
}

// Write is a decoded commit record.
type Write struct {
	Type    WriteType
	StartTS uint64
	// ShortValue inlines small values to save a default-CF lookup.
	ShortValue []byte
}

// Encode serializes the record.
func (w *Write) Encode() []byte {
	buf := make([]byte, 0, 2+binary.MaxVarintLen64+len(w.ShortValue))
	buf = append(buf, byte(w.Type))
	buf = binary.AppendUvarint(buf, w.StartTS)
	if len(w.ShortValue) > 0 {
		buf = append(buf, byte(len(w.ShortValue)))
		buf = append(buf, w.ShortValue...)
	}
	return buf
}

// DecodeWrite parses a commit record.
func DecodeWrite(data []byte) (*Write, error) {
	if len(data) < 2 {
		return nil, errors.Errorf("write record too short: %d bytes", len(data))
	}
	w := &Write{Type: WriteType(data[0])}
	switch w.Type {
	case WritePut, WriteDelete, WriteRollback, WriteLock:
	default:
		return nil, errors.Errorf("invalid write type %q", data[0])
	}
	startTS, n := binary.Uvarint(data[1:])
	if n <= 0 {
		return nil, errors.New("invalid write start ts")
	}
	w.StartTS = startTS
	rest := data[1+n:]
	if len(rest) > 0 {
		size := int(rest[0])
		if len(rest)-1 < size {
			return nil, errors.New("invalid write short value")
		}
		w.ShortValue = rest[1 : 1+size]
	}
	return w, nil
}

// Lock is a decoded in-flight transaction lock.
type Lock struct {
	Primary []byte
	StartTS uint64
	TTL     uint64
}

// Encode serializes the lock.
func (l *Lock) Encode() []byte {
	buf := make([]byte, 0, 2*binary.MaxVarintLen64+len(l.Primary))
	buf = binary.AppendUvarint(buf, l.StartTS)
	buf = binary.AppendUvarint(buf, l.TTL)
	buf = append(buf, l.Primary...)
	return buf
}

// DecodeLock parses a lock record.
func DecodeLock(data []byte) (*Lock, error) {
	startTS, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, errors.New("invalid lock start ts")
	}
	ttl, m := binary.Uvarint(data[n:])
	if m <= 0 {
		return nil, errors.New("invalid lock ttl")
	}
	return &Lock{StartTS: startTS, TTL: ttl, Primary: data[n+m:]}, nil
}

// LockInfo converts the lock into its wire representation.
func (l *Lock) LockInfo(key []byte) *kvrpcpb.LockInfo {
	return &kvrpcpb.LockInfo{
		PrimaryLock: l.Primary,
		LockVersion: l.StartTS,
		Key:         key,
		LockTtl:     l.TTL,
	}
}

// ErrLocked is returned when a snapshot-isolation read hits a lock.
type ErrLocked struct {
	Info *kvrpcpb.LockInfo
}

// Error implements error.
func (e *ErrLocked) Error() string {
	return fmt.Sprintf("key %q is locked by ts %d", e.Info.GetKey(), e.Info.GetLockVersion())
}

func sameUserKey(a, b []byte) bool {
	return bytes.Equal(a, b)
}
