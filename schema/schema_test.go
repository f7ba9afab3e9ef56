// Copyright (C) 2025 Heerozh.
// See LICENSE for copying information.

package schema_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Heerozh/HeTu-sub001/schema"
)

func TestComponentValidate(t *testing.T) {
	valid := &schema.Component{
		Name: "HP",
		Fields: []schema.Field{
			{Name: "owner", Kind: schema.Int64},
			{Name: "value", Kind: schema.Int32, Default: int64(100)},
		},
		Indexes: []schema.Index{{Field: "owner", Unique: true}},
	}
	require.NoError(t, valid.Validate())

	bad := []*schema.Component{
		{Name: "", Fields: []schema.Field{{Name: "a", Kind: schema.Int64}}},
		{Name: "Empty"},
		{Name: "NoName", Fields: []schema.Field{{Kind: schema.Int64}}},
		{Name: "BadKind", Fields: []schema.Field{{Name: "a"}}},
		{Name: "EmptyEnum", Fields: []schema.Field{{Name: "a", Kind: schema.Enum}}},
		{Name: "DupField", Fields: []schema.Field{
			{Name: "a", Kind: schema.Int64}, {Name: "a", Kind: schema.Int64},
		}},
		{Name: "GhostIndex",
			Fields:  []schema.Field{{Name: "a", Kind: schema.Int64}},
			Indexes: []schema.Index{{Field: "b"}}},
		{Name: "DupIndex",
			Fields:  []schema.Field{{Name: "a", Kind: schema.Int64}},
			Indexes: []schema.Index{{Field: "a"}, {Field: "a", Unique: true}}},
	}
	for _, component := range bad {
		assert.Error(t, component.Validate(), component.Name)
	}
}

func TestComponentDefaults(t *testing.T) {
	component := &schema.Component{
		Name: "Profile",
		Fields: []schema.Field{
			{Name: "hp", Kind: schema.Int32, Default: int64(100)},
			{Name: "speed", Kind: schema.Float64},
			{Name: "name", Kind: schema.String},
			{Name: "alive", Kind: schema.Bool},
			{Name: "faction", Kind: schema.Enum, Values: []string{"red", "blue"}},
		},
	}
	require.NoError(t, component.Validate())

	defaults := component.Defaults()
	assert.Equal(t, int64(100), defaults["hp"])
	assert.Equal(t, float64(0), defaults["speed"])
	assert.Equal(t, "", defaults["name"])
	assert.Equal(t, false, defaults["alive"])
	assert.Equal(t, "red", defaults["faction"]) // first declared value

	// Defaults returns a fresh map every call
	defaults["hp"] = int64(1)
	assert.Equal(t, int64(100), component.Defaults()["hp"])
}

func TestCoerce(t *testing.T) {
	intField := schema.Field{Name: "i", Kind: schema.Int8}
	uintField := schema.Field{Name: "u", Kind: schema.Uint16}
	floatField := schema.Field{Name: "f", Kind: schema.Float64}
	bytesField := schema.Field{Name: "b", Kind: schema.Bytes, Size: 4}
	enumField := schema.Field{Name: "e", Kind: schema.Enum, Values: []string{"on", "off"}}

	v, err := schema.Coerce(intField, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)

	v, err = schema.Coerce(intField, float64(-3))
	require.NoError(t, err)
	assert.Equal(t, int64(-3), v)

	_, err = schema.Coerce(intField, 128) // out of int8 range
	assert.Error(t, err)
	_, err = schema.Coerce(intField, 1.5) // not integral
	assert.Error(t, err)
	_, err = schema.Coerce(intField, "5")
	assert.Error(t, err)

	v, err = schema.Coerce(uintField, int64(65535))
	require.NoError(t, err)
	assert.Equal(t, uint64(65535), v)
	_, err = schema.Coerce(uintField, -1)
	assert.Error(t, err)
	_, err = schema.Coerce(uintField, 65536)
	assert.Error(t, err)

	v, err = schema.Coerce(floatField, 2)
	require.NoError(t, err)
	assert.Equal(t, float64(2), v)

	v, err = schema.Coerce(bytesField, "abcd")
	require.NoError(t, err)
	assert.Equal(t, []byte("abcd"), v)
	_, err = schema.Coerce(bytesField, []byte("abcde")) // exceeds fixed length
	assert.Error(t, err)

	v, err = schema.Coerce(enumField, "off")
	require.NoError(t, err)
	assert.Equal(t, "off", v)
	_, err = schema.Coerce(enumField, "blink")
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	reg := schema.NewRegistry()
	require.NoError(t, reg.Define(&schema.Component{
		Name:   "B",
		Fields: []schema.Field{{Name: "x", Kind: schema.Int64}},
	}))
	require.NoError(t, reg.Define(&schema.Component{
		Name:   "A",
		Fields: []schema.Field{{Name: "x", Kind: schema.Int64}},
	}))
	require.Error(t, reg.Define(&schema.Component{
		Name:   "A",
		Fields: []schema.Field{{Name: "x", Kind: schema.Int64}},
	}))

	reg.Freeze()
	require.Error(t, reg.Define(&schema.Component{
		Name:   "C",
		Fields: []schema.Field{{Name: "x", Kind: schema.Int64}},
	}))

	_, ok := reg.Get("A")
	assert.True(t, ok)
	_, ok = reg.Get("C")
	assert.False(t, ok)
	assert.Equal(t, []string{"A", "B"}, reg.Names())
}

func TestFingerprint(t *testing.T) {
	build := func(indexed bool) *schema.Registry {
		reg := schema.NewRegistry()
		require.NoError(t, reg.Define(&schema.Component{
			Name: "HP",
			Fields: []schema.Field{
				{Name: "owner", Kind: schema.Int64},
				{Name: "value", Kind: schema.Int32},
			},
			Indexes: []schema.Index{{Field: "owner", Unique: indexed}},
		}))
		reg.Freeze()
		return reg
	}

	// identical definitions digest identically
	assert.Equal(t, build(true).Fingerprint(), build(true).Fingerprint())
	// any definition change moves the fingerprint
	assert.NotEqual(t, build(true).Fingerprint(), build(false).Fingerprint())
}

func TestParsePermission(t *testing.T) {
	for _, level := range []schema.Permission{
		schema.PermGuest, schema.PermUser, schema.PermAdmin, schema.PermOwner,
	} {
		parsed, err := schema.ParsePermission(level.String())
		require.NoError(t, err)
		assert.Equal(t, level, parsed)
	}
	_, err := schema.ParsePermission("root")
	assert.Error(t, err)

	assert.True(t, schema.PermGuest < schema.PermUser)
	assert.True(t, schema.PermUser < schema.PermAdmin)
	assert.True(t, schema.PermAdmin < schema.PermOwner)
}
