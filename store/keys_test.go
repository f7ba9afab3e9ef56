// Copyright (C) 2025 Heerozh.
// See LICENSE for copying information.

package store_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Heerozh/HeTu-sub001/schema"
	"github.com/Heerozh/HeTu-sub001/store"
)

func TestEncodeValueOrder(t *testing.T) {
	// for every kind, encoding must preserve the value order bytewise
	cases := []struct {
		field  schema.Field
		sorted []any
	}{
		{
			schema.Field{Name: "i", Kind: schema.Int64},
			[]any{int64(-1 << 62), int64(-2), int64(-1), int64(0), int64(1), int64(1 << 62)},
		},
		{
			schema.Field{Name: "u", Kind: schema.Uint64},
			[]any{uint64(0), uint64(1), uint64(255), uint64(256), uint64(1 << 63)},
		},
		{
			schema.Field{Name: "f", Kind: schema.Float64},
			[]any{-1e30, -1.5, -0.0, 1e-9, 1.5, 1e30},
		},
		{
			schema.Field{Name: "b", Kind: schema.Bool},
			[]any{false, true},
		},
		{
			schema.Field{Name: "s", Kind: schema.String},
			[]any{"", "a", "a\x00b", "aa", "ab", "b"},
		},
		{
			schema.Field{Name: "r", Kind: schema.Bytes},
			[]any{[]byte{}, []byte{0x00}, []byte{0x00, 0x01}, []byte{0x01}, []byte{0xFF}},
		},
	}

	for _, tc := range cases {
		t.Run(tc.field.Kind.String(), func(t *testing.T) {
			var prev []byte
			for i, value := range tc.sorted {
				enc, err := store.EncodeValue(tc.field, value)
				require.NoError(t, err)
				if i > 0 {
					require.Negative(t, bytes.Compare(prev, enc),
						"%v must sort before %v", tc.sorted[i-1], value)
				}
				prev = enc
			}
		})
	}
}

func TestMemberKeyTieBreak(t *testing.T) {
	field := schema.Field{Name: "score", Kind: schema.Int64}

	low, err := store.MemberKey(field, int64(10), 200)
	require.NoError(t, err)
	high, err := store.MemberKey(field, int64(10), 201)
	require.NoError(t, err)
	next, err := store.MemberKey(field, int64(11), 1)
	require.NoError(t, err)

	// same value: ascending row id; value dominates the id
	require.Negative(t, bytes.Compare(low, high))
	require.Negative(t, bytes.Compare(high, next))

	require.Equal(t, uint64(200), store.MemberRowID(low))
	require.Equal(t, store.MemberValueKey(low), store.MemberValueKey(high))
	require.NotEqual(t, store.MemberValueKey(low), store.MemberValueKey(next))
}

func TestEmbeddedZeroEscaping(t *testing.T) {
	field := schema.Field{Name: "name", Kind: schema.String}

	// "a" must sort before "a\x00b" even though the terminator is 0x00 0x00
	short, err := store.MemberKey(field, "a", 1)
	require.NoError(t, err)
	long, err := store.MemberKey(field, "a\x00b", 1)
	require.NoError(t, err)
	require.Negative(t, bytes.Compare(short, long))

	// a point query for "a" must not capture "a\x00b"
	bounds, err := store.PointBounds(field, "a")
	require.NoError(t, err)
	require.True(t, bounds.Contains(short))
	require.False(t, bounds.Contains(long))
}

func TestPointBounds(t *testing.T) {
	field := schema.Field{Name: "owner", Kind: schema.Int64}

	bounds, err := store.PointBounds(field, int64(7))
	require.NoError(t, err)

	for _, rowID := range []uint64{0, 1, 1 << 40, ^uint64(0)} {
		member, err := store.MemberKey(field, int64(7), rowID)
		require.NoError(t, err)
		require.True(t, bounds.Contains(member), "row %d", rowID)
	}
	for _, other := range []int64{6, 8, -7} {
		member, err := store.MemberKey(field, other, 1)
		require.NoError(t, err)
		require.False(t, bounds.Contains(member), "value %d", other)
	}
}

func TestRangeBounds(t *testing.T) {
	field := schema.Field{Name: "score", Kind: schema.Int64}

	bounds, err := store.RangeBounds(field, int64(10), int64(20))
	require.NoError(t, err)

	in := func(v int64) bool {
		member, err := store.MemberKey(field, v, 1)
		require.NoError(t, err)
		return bounds.Contains(member)
	}
	require.False(t, in(9))
	require.True(t, in(10)) // inclusive left
	require.True(t, in(15))
	require.True(t, in(19))
	require.False(t, in(20)) // exclusive right

	open, err := store.RangeBounds(field, nil, nil)
	require.NoError(t, err)
	require.Nil(t, open.Left)
	require.Nil(t, open.Right)
}

func TestEncodeValueTypeMismatch(t *testing.T) {
	_, err := store.EncodeValue(schema.Field{Name: "i", Kind: schema.Int64}, "nope")
	require.Error(t, err)
	_, err = store.EncodeValue(schema.Field{Name: "s", Kind: schema.String}, int64(1))
	require.Error(t, err)
}
