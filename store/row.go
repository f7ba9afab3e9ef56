// Copyright (C) 2025 Heerozh.
// See LICENSE for copying information.

package store

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/Heerozh/HeTu-sub001/schema"
)

// PackFields serializes the generic map view of a row's fields. The version
// travels separately so backends can validate it without unpacking.
func PackFields(fields map[string]any) ([]byte, error) {
	data, err := msgpack.Marshal(fields)
	return data, Error.Wrap(err)
}

// UnpackFields deserializes a packed field map. The component schema
// re-coerces every field so the in-memory representation is canonical
// regardless of how msgpack decoded the numbers.
func UnpackFields(component *schema.Component, data []byte) (map[string]any, error) {
	var raw map[string]any
	if err := msgpack.Unmarshal(data, &raw); err != nil {
		return nil, Error.Wrap(err)
	}
	fields := make(map[string]any, len(component.Fields))
	for _, field := range component.Fields {
		value, ok := raw[field.Name]
		if !ok {
			fields[field.Name] = component.Defaults()[field.Name]
			continue
		}
		coerced, err := schema.Coerce(field, value)
		if err != nil {
			return nil, err
		}
		fields[field.Name] = coerced
	}
	return fields, nil
}
