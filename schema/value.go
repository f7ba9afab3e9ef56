// Copyright (C) 2025 Heerozh.
// See LICENSE for copying information.

package schema

import (
	"math"
	"slices"
)

// Coerce converts a dynamically typed value (for example one decoded from a
// wire message) into the canonical Go representation for the field's kind.
// Signed integers normalize to int64, unsigned to uint64, floats to float64.
// Out-of-range and wrong-typed values are rejected.
func Coerce(field Field, value any) (any, error) {
	switch field.Kind {
	case Int8, Int16, Int32, Int64:
		v, ok := asInt64(value)
		if !ok {
			return nil, Error.New("field %q: expected %s, got %T", field.Name, field.Kind, value)
		}
		if !intFits(v, field.Kind) {
			return nil, Error.New("field %q: value %d out of range for %s", field.Name, v, field.Kind)
		}
		return v, nil

	case Uint8, Uint16, Uint32, Uint64:
		v, ok := asUint64(value)
		if !ok {
			return nil, Error.New("field %q: expected %s, got %T", field.Name, field.Kind, value)
		}
		if !uintFits(v, field.Kind) {
			return nil, Error.New("field %q: value %d out of range for %s", field.Name, v, field.Kind)
		}
		return v, nil

	case Float32, Float64:
		switch v := value.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case int:
			return float64(v), nil
		case uint64:
			return float64(v), nil
		}
		return nil, Error.New("field %q: expected %s, got %T", field.Name, field.Kind, value)

	case Bool:
		v, ok := value.(bool)
		if !ok {
			return nil, Error.New("field %q: expected bool, got %T", field.Name, value)
		}
		return v, nil

	case Bytes:
		v, ok := value.([]byte)
		if !ok {
			if s, sok := value.(string); sok {
				v, ok = []byte(s), true
			}
		}
		if !ok {
			return nil, Error.New("field %q: expected bytes, got %T", field.Name, value)
		}
		if field.Size > 0 && len(v) > field.Size {
			return nil, Error.New("field %q: %d bytes exceeds fixed length %d", field.Name, len(v), field.Size)
		}
		return v, nil

	case String:
		v, ok := value.(string)
		if !ok {
			if b, bok := value.([]byte); bok {
				v, ok = string(b), true
			}
		}
		if !ok {
			return nil, Error.New("field %q: expected string, got %T", field.Name, value)
		}
		return v, nil

	case Enum:
		v, ok := value.(string)
		if !ok {
			return nil, Error.New("field %q: expected enum tag, got %T", field.Name, value)
		}
		if !slices.Contains(field.Values, v) {
			return nil, Error.New("field %q: %q is not a declared enum value", field.Name, v)
		}
		return v, nil
	}
	return nil, Error.New("field %q: invalid kind", field.Name)
}

func asInt64(value any) (int64, bool) {
	switch v := value.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int16:
		return int64(v), true
	case int8:
		return int64(v), true
	case uint64:
		if v > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint8:
		return int64(v), true
	case uint:
		if uint64(v) > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int64(v), true
	}
	return 0, false
}

func asUint64(value any) (uint64, bool) {
	switch v := value.(type) {
	case uint64:
		return v, true
	case uint:
		return uint64(v), true
	case uint32:
		return uint64(v), true
	case uint16:
		return uint64(v), true
	case uint8:
		return uint64(v), true
	case int64:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case int:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case int32:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case float64:
		if v < 0 || v != math.Trunc(v) {
			return 0, false
		}
		return uint64(v), true
	}
	return 0, false
}

func intFits(v int64, kind Kind) bool {
	switch kind {
	case Int8:
		return v >= math.MinInt8 && v <= math.MaxInt8
	case Int16:
		return v >= math.MinInt16 && v <= math.MaxInt16
	case Int32:
		return v >= math.MinInt32 && v <= math.MaxInt32
	}
	return true
}

func uintFits(v uint64, kind Kind) bool {
	switch kind {
	case Uint8:
		return v <= math.MaxUint8
	case Uint16:
		return v <= math.MaxUint16
	case Uint32:
		return v <= math.MaxUint32
	}
	return true
}
