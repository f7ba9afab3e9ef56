// Copyright (C) 2025 Heerozh.
// See LICENSE for copying information.

// Package schema holds typed component definitions: fields, indexes,
// uniqueness constraints and permission classes. A Registry is built once at
// startup and frozen before the server starts serving; nothing in the hot
// path mutates it.
package schema

import (
	"github.com/zeebo/errs"
)

// Error is a schema error class.
var Error = errs.Class("schema")

// Kind is the scalar type of a component field.
type Kind byte

// Scalar kinds supported by component fields.
const (
	Invalid Kind = iota
	Int8
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Uint32
	Uint64
	Float32
	Float64
	Bool
	Bytes
	String
	Enum
)

// String implements the Stringer interface.
func (k Kind) String() string {
	switch k {
	case Int8:
		return "int8"
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Uint8:
		return "uint8"
	case Uint16:
		return "uint16"
	case Uint32:
		return "uint32"
	case Uint64:
		return "uint64"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Bool:
		return "bool"
	case Bytes:
		return "bytes"
	case String:
		return "string"
	case Enum:
		return "enum"
	default:
		return "invalid"
	}
}

// Numeric reports whether the kind stores a numeric value.
func (k Kind) Numeric() bool {
	switch k {
	case Int8, Int16, Int32, Int64, Uint8, Uint16, Uint32, Uint64, Float32, Float64:
		return true
	}
	return false
}

// Field describes one column of a component row.
type Field struct {
	Name    string
	Kind    Kind
	Size    int      // fixed length for Bytes, 0 means unbounded
	Default any      // zero value of the kind when nil
	Values  []string // allowed values for Enum
}

// Index declares an ordered index over a single field. Unique additionally
// enforces that at most one row holds any given value.
type Index struct {
	Field  string
	Unique bool
}

// Persistency selects whether rows survive a restart.
type Persistency byte

// Persistency values.
const (
	Transient Persistency = iota
	Persistent
)

// Permission is the totally ordered identity level required for an operation.
type Permission byte

// Permission levels, lowest first.
const (
	PermGuest Permission = iota
	PermUser
	PermAdmin
	PermOwner
)

// String implements the Stringer interface.
func (p Permission) String() string {
	switch p {
	case PermGuest:
		return "guest"
	case PermUser:
		return "user"
	case PermAdmin:
		return "admin"
	case PermOwner:
		return "owner"
	default:
		return "unknown"
	}
}

// ParsePermission parses a permission level name.
func ParsePermission(s string) (Permission, error) {
	switch s {
	case "guest":
		return PermGuest, nil
	case "user":
		return PermUser, nil
	case "admin":
		return PermAdmin, nil
	case "owner":
		return PermOwner, nil
	}
	return PermGuest, Error.New("unknown permission level %q", s)
}

// Component is a named typed row schema.
type Component struct {
	Name       string
	Fields     []Field
	Indexes    []Index
	Persist    Persistency
	Permission Permission // minimum level required to mutate rows
	ReadPerm   Permission // minimum level required to query or subscribe

	byName  map[string]int
	byIndex map[string]Index
}

// Validate checks the definition for internal consistency.
func (c *Component) Validate() error {
	if c.Name == "" {
		return Error.New("component name must not be empty")
	}
	if len(c.Fields) == 0 {
		return Error.New("component %q has no fields", c.Name)
	}

	c.byName = make(map[string]int, len(c.Fields))
	for i, field := range c.Fields {
		if field.Name == "" {
			return Error.New("component %q: field %d has no name", c.Name, i)
		}
		if field.Kind == Invalid || field.Kind > Enum {
			return Error.New("component %q: field %q has invalid kind", c.Name, field.Name)
		}
		if field.Kind == Enum && len(field.Values) == 0 {
			return Error.New("component %q: enum field %q declares no values", c.Name, field.Name)
		}
		if _, ok := c.byName[field.Name]; ok {
			return Error.New("component %q: duplicate field %q", c.Name, field.Name)
		}
		c.byName[field.Name] = i
	}

	c.byIndex = make(map[string]Index, len(c.Indexes))
	for _, index := range c.Indexes {
		if _, ok := c.byName[index.Field]; !ok {
			return Error.New("component %q: index over unknown field %q", c.Name, index.Field)
		}
		if _, ok := c.byIndex[index.Field]; ok {
			return Error.New("component %q: duplicate index over %q", c.Name, index.Field)
		}
		c.byIndex[index.Field] = index
	}
	return nil
}

// Field returns the field definition by name.
func (c *Component) Field(name string) (Field, bool) {
	i, ok := c.byName[name]
	if !ok {
		return Field{}, false
	}
	return c.Fields[i], true
}

// Index returns the index declaration over the named field.
func (c *Component) Index(field string) (Index, bool) {
	index, ok := c.byIndex[field]
	return index, ok
}

// Defaults returns a fresh field map with every field set to its default.
func (c *Component) Defaults() map[string]any {
	fields := make(map[string]any, len(c.Fields))
	for _, field := range c.Fields {
		if field.Default != nil {
			fields[field.Name] = field.Default
			continue
		}
		fields[field.Name] = zeroOf(field)
	}
	return fields
}

func zeroOf(field Field) any {
	switch field.Kind {
	case Int8, Int16, Int32, Int64:
		return int64(0)
	case Uint8, Uint16, Uint32, Uint64:
		return uint64(0)
	case Float32, Float64:
		return float64(0)
	case Bool:
		return false
	case Bytes:
		return []byte(nil)
	case String:
		return ""
	case Enum:
		return field.Values[0]
	default:
		return nil
	}
}
