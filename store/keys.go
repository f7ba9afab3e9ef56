// Copyright (C) 2025 Heerozh.
// See LICENSE for copying information.

package store

import (
	"encoding/binary"
	"math"

	"github.com/Heerozh/HeTu-sub001/schema"
)

// Index member keys are order-preserving byte encodings of the indexed value,
// a terminator, and the big-endian row id. Comparing member keys bytewise
// yields (value asc, row id asc), which is exactly the query order contract.
//
//	member := escape(encode(value)) 0x00 0x00 rowid[8]
//
// escape rewrites 0x00 inside the encoded value as {0x00 0xFF} so the
// terminator {0x00 0x00} sorts before any continuation of a longer value.

// EncodeValue encodes a coerced field value into order-preserving bytes.
func EncodeValue(field schema.Field, value any) ([]byte, error) {
	switch field.Kind {
	case schema.Int8, schema.Int16, schema.Int32, schema.Int64:
		v, ok := value.(int64)
		if !ok {
			return nil, Error.New("field %q: encode expects int64, got %T", field.Name, value)
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(v)^(1<<63))
		return buf[:], nil

	case schema.Uint8, schema.Uint16, schema.Uint32, schema.Uint64:
		v, ok := value.(uint64)
		if !ok {
			return nil, Error.New("field %q: encode expects uint64, got %T", field.Name, value)
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], v)
		return buf[:], nil

	case schema.Float32, schema.Float64:
		v, ok := value.(float64)
		if !ok {
			return nil, Error.New("field %q: encode expects float64, got %T", field.Name, value)
		}
		bits := math.Float64bits(v)
		if bits&(1<<63) != 0 {
			bits = ^bits
		} else {
			bits |= 1 << 63
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], bits)
		return buf[:], nil

	case schema.Bool:
		v, ok := value.(bool)
		if !ok {
			return nil, Error.New("field %q: encode expects bool, got %T", field.Name, value)
		}
		if v {
			return []byte{1}, nil
		}
		return []byte{0}, nil

	case schema.Bytes:
		v, ok := value.([]byte)
		if !ok {
			return nil, Error.New("field %q: encode expects bytes, got %T", field.Name, value)
		}
		return escape(v), nil

	case schema.String, schema.Enum:
		v, ok := value.(string)
		if !ok {
			return nil, Error.New("field %q: encode expects string, got %T", field.Name, value)
		}
		return escape([]byte(v)), nil
	}
	return nil, Error.New("field %q: cannot encode kind %s", field.Name, field.Kind)
}

func escape(raw []byte) []byte {
	out := make([]byte, 0, len(raw)+2)
	for _, b := range raw {
		if b == 0x00 {
			out = append(out, 0x00, 0xFF)
			continue
		}
		out = append(out, b)
	}
	return out
}

// MemberKey builds the full index member key for (value, rowID).
func MemberKey(field schema.Field, value any, rowID uint64) ([]byte, error) {
	enc, err := EncodeValue(field, value)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(enc)+10)
	out = append(out, enc...)
	out = append(out, 0x00, 0x00)
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], rowID)
	return append(out, id[:]...), nil
}

// MemberRowID extracts the row id from a member key.
func MemberRowID(member []byte) uint64 {
	if len(member) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(member[len(member)-8:])
}

// MemberValueKey returns the member key without its trailing row id, which
// identifies the tie group of entries sharing one indexed value.
func MemberValueKey(member []byte) []byte {
	if len(member) < 10 {
		return member
	}
	return member[:len(member)-8]
}

// PointBounds returns bounds that select exactly the entries whose indexed
// value equals value.
func PointBounds(field schema.Field, value any) (Bounds, error) {
	enc, err := EncodeValue(field, value)
	if err != nil {
		return Bounds{}, err
	}
	left := append(append([]byte{}, enc...), 0x00, 0x00)
	right := append(append([]byte{}, enc...), 0x00, 0x01)
	return Bounds{Left: left, Right: right}, nil
}

// RangeBounds returns bounds for the half-open value window [left, right).
// A nil side means unbounded.
func RangeBounds(field schema.Field, left, right any) (Bounds, error) {
	var bounds Bounds
	if left != nil {
		enc, err := EncodeValue(field, left)
		if err != nil {
			return Bounds{}, err
		}
		bounds.Left = append(append([]byte{}, enc...), 0x00, 0x00)
	}
	if right != nil {
		enc, err := EncodeValue(field, right)
		if err != nil {
			return Bounds{}, err
		}
		bounds.Right = append(append([]byte{}, enc...), 0x00, 0x00)
	}
	return bounds, nil
}

// Contains reports whether the member key falls inside the bounds.
func (bounds Bounds) Contains(member []byte) bool {
	if bounds.Left != nil && compareBytes(member, bounds.Left) < 0 {
		return false
	}
	if bounds.Right != nil && compareBytes(member, bounds.Right) >= 0 {
		return false
	}
	return true
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}
