// Copyright (C) 2025 Heerozh.
// See LICENSE for copying information.

// Package subscribe implements the subscription broker: it converts committed
// store change events into per-subscription row and window deltas.
//
// The broker owns a central table of live subscriptions keyed by id; sessions
// hold only ids. Each subscription drains its own bus registration on one
// goroutine, so deltas for one subscription are delivered in commit order and
// at most once. Snapshots and deltas flow through the same Sink, snapshot
// first.
package subscribe

import (
	"bytes"
	"context"
	"sync"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/Heerozh/HeTu-sub001/schema"
	"github.com/Heerozh/HeTu-sub001/store"
)

var (
	mon = monkit.Package()

	// Error is a subscribe error class.
	Error = errs.Class("subscribe")
)

// Delta is one change delivered to a subscriber. Inserts and updates carry
// the full row; deletes only the row id. A non-empty Err is terminal: the
// subscription is dead and will deliver nothing further.
type Delta struct {
	Op    store.Op
	RowID uint64
	Row   store.Row
	Err   string
}

// Sink receives the output of one subscription. Snapshot is called exactly
// once before any Delta. Calls arrive from a single goroutine.
type Sink interface {
	Snapshot(rows []store.Row)
	Delta(delta Delta)
}

// Broker routes store change events into live subscriptions.
type Broker struct {
	log     *zap.Logger
	backend store.Backend
	reg     *schema.Registry

	mu     sync.Mutex
	subs   map[uint64]*subscription
	nextID uint64
	closed bool

	wg sync.WaitGroup
}

// NewBroker creates a broker over the backend's event bus.
func NewBroker(log *zap.Logger, backend store.Backend, reg *schema.Registry) *Broker {
	return &Broker{
		log:     log,
		backend: backend,
		reg:     reg,
		subs:    make(map[uint64]*subscription),
	}
}

// applier computes deltas for one subscription variant. The snapshot method
// returns the initial rows and primes the retained state; apply folds one
// change event into the state and emits deltas through the sink.
type applier interface {
	snapshot(ctx context.Context, tx *store.Tx) ([]store.Row, error)
	apply(ctx context.Context, event store.Event, sink Sink) error
}

type subscription struct {
	id        uint64
	component string
	broker    *Broker
	sink      Sink
	events    *store.BusSub
	state     applier
	quit      chan struct{}
	once      sync.Once
}

// SubscribeRow registers a live point lookup: the single row whose indexed
// field equals value. The snapshot and all deltas are delivered through sink
// from the subscription's own goroutine.
func (broker *Broker) SubscribeRow(ctx context.Context, level schema.Permission, componentName, fieldName string, value any, sink Sink) (_ uint64, err error) {
	defer mon.Task()(&ctx)(&err)

	component, field, err := broker.admit(level, componentName, fieldName)
	if err != nil {
		return 0, err
	}
	coerced, err := schema.Coerce(field, value)
	if err != nil {
		return 0, err
	}
	target, err := store.EncodeValue(field, coerced)
	if err != nil {
		return 0, err
	}

	return broker.start(componentName, sink, &rowState{
		broker:    broker,
		component: component.Name,
		field:     fieldName,
		fieldDef:  field,
		value:     coerced,
		target:    target,
	})
}

// SubscribeRange registers a live window query over an indexed field: up to
// limit rows inside the half-open window [left, right), ordered by the field
// with ties broken by ascending row id.
func (broker *Broker) SubscribeRange(ctx context.Context, level schema.Permission, componentName, fieldName string, left, right any, limit int, desc bool, sink Sink) (_ uint64, err error) {
	defer mon.Task()(&ctx)(&err)

	if limit < 1 {
		return 0, Error.New("range limit must be >= 1")
	}
	component, field, err := broker.admit(level, componentName, fieldName)
	if err != nil {
		return 0, err
	}

	var cleft, cright any
	if left != nil {
		if cleft, err = schema.Coerce(field, left); err != nil {
			return 0, err
		}
	}
	if right != nil {
		if cright, err = schema.Coerce(field, right); err != nil {
			return 0, err
		}
	}
	bounds, err := store.RangeBounds(field, cleft, cright)
	if err != nil {
		return 0, err
	}

	return broker.start(componentName, sink, &rangeState{
		broker:    broker,
		component: component.Name,
		field:     fieldName,
		fieldDef:  field,
		left:      cleft,
		right:     cright,
		bounds:    bounds,
		limit:     limit,
		desc:      desc,
	})
}

// admit validates the target and gates on the component's read permission.
func (broker *Broker) admit(level schema.Permission, componentName, fieldName string) (*schema.Component, schema.Field, error) {
	component, ok := broker.reg.Get(componentName)
	if !ok {
		return nil, schema.Field{}, store.ErrNotFound.New("component %q", componentName)
	}
	if level < component.ReadPerm {
		return nil, schema.Field{}, store.ErrForbidden.New("component %q requires %s to read, session is %s",
			componentName, component.ReadPerm, level)
	}
	field, ok := component.Field(fieldName)
	if !ok {
		return nil, schema.Field{}, store.ErrNotFound.New("component %q has no field %q", componentName, fieldName)
	}
	if _, ok := component.Index(fieldName); !ok {
		return nil, schema.Field{}, Error.New("component %q: field %q is not indexed", componentName, fieldName)
	}
	return component, field, nil
}

// start registers the subscription with the event bus before taking the
// snapshot, so no committed transition can fall between the two; the state
// appliers suppress events the snapshot already reflects.
func (broker *Broker) start(component string, sink Sink, state applier) (uint64, error) {
	broker.mu.Lock()
	if broker.closed {
		broker.mu.Unlock()
		return 0, Error.New("broker is closed")
	}
	broker.nextID++
	sub := &subscription{
		id:        broker.nextID,
		component: component,
		broker:    broker,
		sink:      sink,
		events:    broker.backend.Events().Subscribe(64, component),
		state:     state,
		quit:      make(chan struct{}),
	}
	broker.subs[sub.id] = sub
	broker.mu.Unlock()

	broker.wg.Add(1)
	go sub.run()
	return sub.id, nil
}

// Unsubscribe removes a subscription. Unknown or already-removed ids are a
// no-op.
func (broker *Broker) Unsubscribe(id uint64) {
	broker.mu.Lock()
	sub, ok := broker.subs[id]
	delete(broker.subs, id)
	broker.mu.Unlock()
	if ok {
		sub.stop()
	}
}

// Close tears down every live subscription and waits for their goroutines.
func (broker *Broker) Close() {
	broker.mu.Lock()
	broker.closed = true
	subs := make([]*subscription, 0, len(broker.subs))
	for _, sub := range broker.subs {
		subs = append(subs, sub)
	}
	broker.subs = make(map[uint64]*subscription)
	broker.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	broker.wg.Wait()
}

func (sub *subscription) stop() {
	sub.once.Do(func() {
		close(sub.quit)
		sub.events.Close()
	})
}

func (sub *subscription) run() {
	defer sub.broker.wg.Done()
	defer sub.stop()

	ctx := context.Background()
	tx := store.NewTx(sub.broker.backend, sub.broker.reg, schema.PermOwner)
	rows, err := sub.state.snapshot(ctx, tx)
	if err != nil {
		sub.fail(err)
		return
	}
	sub.sink.Snapshot(rows)

	for {
		select {
		case <-sub.quit:
			return
		case event := <-sub.events.C:
			if err := sub.state.apply(ctx, event, sub.sink); err != nil {
				sub.fail(err)
				return
			}
		}
	}
}

// fail delivers a terminal delta and removes the subscription.
func (sub *subscription) fail(err error) {
	select {
	case <-sub.quit:
		return
	default:
	}
	sub.broker.log.Warn("subscription cancelled",
		zap.Uint64("sub", sub.id),
		zap.String("component", sub.component),
		zap.Error(err))
	sub.sink.Delta(Delta{Err: err.Error()})
	sub.broker.Unsubscribe(sub.id)
}

func (broker *Broker) freshTx() *store.Tx {
	return store.NewTx(broker.backend, broker.reg, schema.PermOwner)
}

// rowState tracks a single-row subscription: at most one row whose indexed
// field equals the target value. When more than one row matches a non-unique
// index the row with the lowest id wins, matching what Get returns.
type rowState struct {
	broker    *Broker
	component string
	field     string
	fieldDef  schema.Field
	value     any
	target    []byte // encoded value, for comparing event payloads

	cur *store.Row
}

func (state *rowState) snapshot(ctx context.Context, tx *store.Tx) ([]store.Row, error) {
	row, ok, err := tx.Get(ctx, state.component, state.field, state.value)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []store.Row{}, nil
	}
	state.cur = &row
	return []store.Row{row.Clone()}, nil
}

func (state *rowState) matches(fields map[string]any) bool {
	if fields == nil {
		return false
	}
	enc, err := store.EncodeValue(state.fieldDef, fields[state.field])
	if err != nil {
		return false
	}
	return bytes.Equal(enc, state.target)
}

func (state *rowState) apply(ctx context.Context, event store.Event, sink Sink) error {
	matchesNew := state.matches(event.Fields)

	if state.cur != nil && event.RowID == state.cur.ID {
		if event.Op != store.OpDelete && event.Version <= state.cur.Version {
			// the snapshot or an earlier rescan already reflects this commit
			return nil
		}
		switch {
		case event.Op == store.OpDelete:
			sink.Delta(Delta{Op: store.OpDelete, RowID: event.RowID})
			state.cur = nil
			// a shadowed row may match now
			return state.rescan(ctx, sink)
		case matchesNew:
			row := store.Row{ID: event.RowID, Version: event.Version, Fields: event.Fields}
			state.cur = &row
			sink.Delta(Delta{Op: store.OpUpdate, RowID: event.RowID, Row: row.Clone()})
			return nil
		default:
			sink.Delta(Delta{Op: store.OpDelete, RowID: event.RowID})
			state.cur = nil
			return state.rescan(ctx, sink)
		}
	}

	if !matchesNew {
		return nil
	}

	// a different row took on the target value
	row := store.Row{ID: event.RowID, Version: event.Version, Fields: event.Fields}
	switch {
	case state.cur == nil:
		state.cur = &row
		sink.Delta(Delta{Op: store.OpInsert, RowID: row.ID, Row: row.Clone()})
	case row.ID < state.cur.ID:
		// lower ids shadow higher ones, same as Get's ordering
		sink.Delta(Delta{Op: store.OpDelete, RowID: state.cur.ID})
		state.cur = &row
		sink.Delta(Delta{Op: store.OpInsert, RowID: row.ID, Row: row.Clone()})
	}
	return nil
}

// rescan re-resolves the point lookup after the matching row went away.
func (state *rowState) rescan(ctx context.Context, sink Sink) error {
	tx := state.broker.freshTx()
	row, ok, err := tx.Get(ctx, state.component, state.field, state.value)
	if err != nil {
		return err
	}
	if ok && state.cur == nil {
		state.cur = &row
		sink.Delta(Delta{Op: store.OpInsert, RowID: row.ID, Row: row.Clone()})
	}
	return nil
}
