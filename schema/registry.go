// Copyright (C) 2025 Heerozh.
// See LICENSE for copying information.

package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
)

// Registry holds every component definition known to a cluster. It is built
// with explicit Define calls at startup and frozen before use; the read path
// needs no locking.
type Registry struct {
	components map[string]*Component
	frozen     bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{components: make(map[string]*Component)}
}

// Define validates and adds a component definition. Names are unique within
// the registry.
func (registry *Registry) Define(component *Component) error {
	if registry.frozen {
		return Error.New("registry is frozen")
	}
	if err := component.Validate(); err != nil {
		return err
	}
	if _, ok := registry.components[component.Name]; ok {
		return Error.New("component %q already defined", component.Name)
	}
	registry.components[component.Name] = component
	return nil
}

// Freeze marks the registry immutable. Further Define calls fail.
func (registry *Registry) Freeze() { registry.frozen = true }

// Get returns the named component definition.
func (registry *Registry) Get(name string) (*Component, bool) {
	component, ok := registry.components[name]
	return component, ok
}

// Names returns all component names in sorted order.
func (registry *Registry) Names() []string {
	names := make([]string, 0, len(registry.components))
	for name := range registry.components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Fingerprint digests every component definition. Two registries share a
// fingerprint exactly when their schemas are identical, which is how the
// server detects that a deployed cluster needs migration.
func (registry *Registry) Fingerprint() string {
	digest := sha256.New()
	for _, name := range registry.Names() {
		component := registry.components[name]
		fmt.Fprintf(digest, "%s/%d/%d|", component.Name, component.Persist, component.Permission)
		for _, field := range component.Fields {
			fmt.Fprintf(digest, "%s:%s:%d:%v;", field.Name, field.Kind, field.Size, field.Values)
		}
		for _, index := range component.Indexes {
			fmt.Fprintf(digest, "@%s:%v;", index.Field, index.Unique)
		}
	}
	return hex.EncodeToString(digest.Sum(nil)[:16])
}
