// Copyright (C) 2025 Heerozh.
// See LICENSE for copying information.

// Package system implements the registry and executor for server-defined
// procedures. A System runs as one optimistic store transaction; the executor
// retries version conflicts transparently and surfaces everything else.
package system

import (
	"context"

	"github.com/zeebo/errs"

	"github.com/Heerozh/HeTu-sub001/schema"
)

var (
	// Error is a system error class.
	Error = errs.Class("system")
	// ErrUnknown means no System is registered under the called name.
	ErrUnknown = errs.Class("unknown system")
	// ErrBadArgs means the call arguments do not match the parameter schema.
	ErrBadArgs = errs.Class("bad args")
	// ErrExhausted means the transaction kept conflicting past the retry cap.
	ErrExhausted = errs.Class("conflict exhausted")
	// ErrAborted carries a System body's explicit abort reason.
	ErrAborted = errs.Class("aborted")
	// ErrTimeout means the call exceeded its deadline.
	ErrTimeout = errs.Class("timeout")
	// ErrInternal wraps an unexpected body failure, tagged with a correlation
	// id in the log.
	ErrInternal = errs.Class("internal")
)

// Body is the procedure of a System. It reads and stages writes through the
// call's transaction; the executor commits afterwards. Bodies must be safe to
// re-run, since a conflicted commit re-executes them from scratch.
type Body func(ctx context.Context, call *Call) (any, error)

// System is one registered server procedure.
type System struct {
	Name       string
	Params     []schema.Field
	Reads      []string // components the body may read
	Writes     []string // components the body may mutate
	Permission schema.Permission
	Body       Body
}

// Registry holds every System known to the server, built at startup and
// frozen before serving.
type Registry struct {
	schema  *schema.Registry
	systems map[string]*System
	frozen  bool
}

// NewRegistry creates an empty System registry validating component access
// sets against the schema registry.
func NewRegistry(components *schema.Registry) *Registry {
	return &Registry{
		schema:  components,
		systems: make(map[string]*System),
	}
}

// Register validates and adds a System. Names are globally unique.
func (registry *Registry) Register(sys *System) error {
	if registry.frozen {
		return Error.New("registry is frozen")
	}
	if sys.Name == "" {
		return Error.New("system name must not be empty")
	}
	if sys.Body == nil {
		return Error.New("system %q has no body", sys.Name)
	}
	if _, ok := registry.systems[sys.Name]; ok {
		return Error.New("system %q already registered", sys.Name)
	}
	seen := make(map[string]bool, len(sys.Params))
	for _, param := range sys.Params {
		if param.Name == "" {
			return Error.New("system %q: unnamed parameter", sys.Name)
		}
		if seen[param.Name] {
			return Error.New("system %q: duplicate parameter %q", sys.Name, param.Name)
		}
		seen[param.Name] = true
	}
	for _, component := range append(append([]string{}, sys.Reads...), sys.Writes...) {
		if _, ok := registry.schema.Get(component); !ok {
			return Error.New("system %q: unknown component %q", sys.Name, component)
		}
	}
	registry.systems[sys.Name] = sys
	return nil
}

// Freeze marks the registry immutable.
func (registry *Registry) Freeze() { registry.frozen = true }

// Get returns the named System.
func (registry *Registry) Get(name string) (*System, bool) {
	sys, ok := registry.systems[name]
	return sys, ok
}

// bindArgs coerces positional call arguments against the parameter schema.
func bindArgs(sys *System, args []any) (map[string]any, error) {
	if len(args) != len(sys.Params) {
		return nil, ErrBadArgs.New("system %q takes %d arguments, got %d",
			sys.Name, len(sys.Params), len(args))
	}
	bound := make(map[string]any, len(args))
	for i, param := range sys.Params {
		value, err := schema.Coerce(param, args[i])
		if err != nil {
			return nil, ErrBadArgs.New("system %q argument %q: %v", sys.Name, param.Name, err)
		}
		bound[param.Name] = value
	}
	return bound, nil
}
