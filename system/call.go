// Copyright (C) 2025 Heerozh.
// See LICENSE for copying information.

package system

import (
	"context"

	"github.com/Heerozh/HeTu-sub001/schema"
	"github.com/Heerozh/HeTu-sub001/store"
)

// Session is the caller's identity as seen by the executor.
type Session interface {
	// Identity returns the identity bound by Elevate; ok is false for
	// unbound guests.
	Identity() (identity uint64, ok bool)
	// Permission returns the session's current level.
	Permission() schema.Permission
	// Elevate binds an identity and level to the session. It takes effect
	// for subsequent calls; the executor invokes it only after a successful
	// commit.
	Elevate(identity uint64, level schema.Permission)
}

// Call is the handle a System body works through: the transaction, the bound
// arguments, and effect hooks that fire only if the commit succeeds.
type Call struct {
	tx      *store.Tx
	session Session
	args    map[string]any

	deferred  []func()
	elevation *elevation
}

type elevation struct {
	identity uint64
	level    schema.Permission
}

// Tx returns the transaction this invocation runs under.
func (call *Call) Tx() *store.Tx { return call.tx }

// Identity returns the caller's bound identity. An elevation staged earlier
// in the same call is already visible.
func (call *Call) Identity() (uint64, bool) {
	if call.elevation != nil {
		return call.elevation.identity, call.elevation.level > schema.PermGuest
	}
	return call.session.Identity()
}

// Arg returns a bound argument by parameter name.
func (call *Call) Arg(name string) any { return call.args[name] }

// Select reads a row by id through the call's transaction.
func (call *Call) Select(ctx context.Context, component string, rowID uint64) (store.Row, bool, error) {
	return call.tx.Select(ctx, component, rowID)
}

// Get reads the single row whose indexed field equals value.
func (call *Call) Get(ctx context.Context, component, field string, value any) (store.Row, bool, error) {
	return call.tx.Get(ctx, component, field, value)
}

// Query reads an ordered window of rows over an indexed field.
func (call *Call) Query(ctx context.Context, component, field string, left, right any, limit int, desc bool) ([]store.Row, error) {
	return call.tx.Query(ctx, component, field, left, right, limit, desc)
}

// Insert stages a new row.
func (call *Call) Insert(ctx context.Context, component string, fields map[string]any) (uint64, error) {
	return call.tx.Insert(ctx, component, fields)
}

// Update stages field changes on an observed row.
func (call *Call) Update(ctx context.Context, component string, rowID uint64, fields map[string]any) error {
	return call.tx.Update(ctx, component, rowID, fields)
}

// Delete stages the removal of an observed row.
func (call *Call) Delete(ctx context.Context, component string, rowID uint64) error {
	return call.tx.Delete(ctx, component, rowID)
}

// Abort returns an error that stops the call without retry; the reason is
// surfaced verbatim to the client as a constraint sub-reason.
func (call *Call) Abort(reason string) error {
	return ErrAborted.New("%s", reason)
}

// Defer schedules fn to run after a successful commit. Conflicted attempts
// discard their deferred effects along with the staged writes.
func (call *Call) Defer(fn func()) {
	call.deferred = append(call.deferred, fn)
}

// Elevate requests the session be bound to identity at level once the call
// commits. Later registrations of the same call win.
func (call *Call) Elevate(identity uint64, level schema.Permission) {
	call.elevation = &elevation{identity: identity, level: level}
}
