// Copyright (C) 2025 Heerozh.
// See LICENSE for copying information.

package subscribe_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Heerozh/HeTu-sub001/private/testcontext"
	"github.com/Heerozh/HeTu-sub001/schema"
	"github.com/Heerozh/HeTu-sub001/store"
	"github.com/Heerozh/HeTu-sub001/store/memstore"
	"github.com/Heerozh/HeTu-sub001/subscribe"
)

func worldSchema(t testing.TB) *schema.Registry {
	reg := schema.NewRegistry()
	require.NoError(t, reg.Define(&schema.Component{
		Name: "Position",
		Fields: []schema.Field{
			{Name: "owner", Kind: schema.Int64},
			{Name: "x", Kind: schema.Float64},
			{Name: "y", Kind: schema.Float64},
		},
		Indexes: []schema.Index{{Field: "owner", Unique: true}},
	}))
	require.NoError(t, reg.Define(&schema.Component{
		Name: "Secret",
		Fields: []schema.Field{
			{Name: "owner", Kind: schema.Int64},
		},
		Indexes:  []schema.Index{{Field: "owner"}},
		ReadPerm: schema.PermAdmin,
	}))
	reg.Freeze()
	return reg
}

type recordingSink struct {
	snaps  chan []store.Row
	deltas chan subscribe.Delta
}

func newSink() *recordingSink {
	return &recordingSink{
		snaps:  make(chan []store.Row, 1),
		deltas: make(chan subscribe.Delta, 64),
	}
}

func (sink *recordingSink) Snapshot(rows []store.Row)   { sink.snaps <- rows }
func (sink *recordingSink) Delta(delta subscribe.Delta) { sink.deltas <- delta }

func (sink *recordingSink) waitSnap(t testing.TB) []store.Row {
	t.Helper()
	select {
	case rows := <-sink.snaps:
		return rows
	case <-time.After(5 * time.Second):
		t.Fatal("no snapshot arrived")
		return nil
	}
}

func (sink *recordingSink) waitDelta(t testing.TB) subscribe.Delta {
	t.Helper()
	select {
	case delta := <-sink.deltas:
		return delta
	case <-time.After(5 * time.Second):
		t.Fatal("no delta arrived")
		return subscribe.Delta{}
	}
}

func (sink *recordingSink) expectNone(t testing.TB) {
	t.Helper()
	select {
	case delta := <-sink.deltas:
		t.Fatalf("unexpected delta %v for row %d", delta.Op, delta.RowID)
	case <-time.After(50 * time.Millisecond):
	}
}

func setup(t *testing.T) (*testcontext.Context, *schema.Registry, store.Backend, *subscribe.Broker) {
	ctx := testcontext.New(t)
	t.Cleanup(ctx.Cleanup)
	reg := worldSchema(t)
	backend := memstore.New(reg)
	t.Cleanup(func() { _ = backend.Close() })
	broker := subscribe.NewBroker(zaptest.NewLogger(t), backend, reg)
	t.Cleanup(broker.Close)
	return ctx, reg, backend, broker
}

func commit(t testing.TB, ctx *testcontext.Context, tx *store.Tx) {
	t.Helper()
	_, err := tx.Commit(ctx)
	require.NoError(t, err)
}

func insertPosition(t testing.TB, ctx *testcontext.Context, backend store.Backend, reg *schema.Registry, owner int64, x, y float64) uint64 {
	t.Helper()
	tx := store.NewTx(backend, reg, schema.PermOwner)
	id, err := tx.Insert(ctx, "Position", map[string]any{"owner": owner, "x": x, "y": y})
	require.NoError(t, err)
	commit(t, ctx, tx)
	return id
}

func TestRowSubscriptionLifecycle(t *testing.T) {
	ctx, reg, backend, broker := setup(t)

	sink := newSink()
	_, err := broker.SubscribeRow(ctx, schema.PermGuest, "Position", "owner", 1, sink)
	require.NoError(t, err)
	require.Empty(t, sink.waitSnap(t))

	// matching insert
	id := insertPosition(t, ctx, backend, reg, 1, 0, 0)
	delta := sink.waitDelta(t)
	require.Equal(t, store.OpInsert, delta.Op)
	require.Equal(t, id, delta.RowID)
	require.Equal(t, int64(1), delta.Row.Fields["owner"])

	// update while still matching
	tx := store.NewTx(backend, reg, schema.PermOwner)
	_, _, err = tx.Select(ctx, "Position", id)
	require.NoError(t, err)
	require.NoError(t, tx.Update(ctx, "Position", id, map[string]any{"x": 3.0, "y": 4.0}))
	commit(t, ctx, tx)

	delta = sink.waitDelta(t)
	require.Equal(t, store.OpUpdate, delta.Op)
	require.Equal(t, 3.0, delta.Row.Fields["x"])
	require.Equal(t, uint64(2), delta.Row.Version)

	// the owner value moves away: the row stops matching
	tx = store.NewTx(backend, reg, schema.PermOwner)
	_, _, err = tx.Select(ctx, "Position", id)
	require.NoError(t, err)
	require.NoError(t, tx.Update(ctx, "Position", id, map[string]any{"owner": int64(9)}))
	commit(t, ctx, tx)

	delta = sink.waitDelta(t)
	require.Equal(t, store.OpDelete, delta.Op)
	require.Equal(t, id, delta.RowID)

	// a different row takes the value
	id2 := insertPosition(t, ctx, backend, reg, 1, 7, 7)
	delta = sink.waitDelta(t)
	require.Equal(t, store.OpInsert, delta.Op)
	require.Equal(t, id2, delta.RowID)

	// deletion of the matching row
	tx = store.NewTx(backend, reg, schema.PermOwner)
	_, _, err = tx.Select(ctx, "Position", id2)
	require.NoError(t, err)
	require.NoError(t, tx.Delete(ctx, "Position", id2))
	commit(t, ctx, tx)

	delta = sink.waitDelta(t)
	require.Equal(t, store.OpDelete, delta.Op)
	require.Equal(t, id2, delta.RowID)

	// non-matching traffic stays silent
	insertPosition(t, ctx, backend, reg, 42, 0, 0)
	sink.expectNone(t)
}

func TestRowSubscriptionSnapshot(t *testing.T) {
	ctx, reg, backend, broker := setup(t)

	id := insertPosition(t, ctx, backend, reg, 5, 1, 2)

	sink := newSink()
	_, err := broker.SubscribeRow(ctx, schema.PermGuest, "Position", "owner", 5, sink)
	require.NoError(t, err)

	rows := sink.waitSnap(t)
	require.Len(t, rows, 1)
	require.Equal(t, id, rows[0].ID)
	require.Equal(t, 1.0, rows[0].Fields["x"])
}

func TestRangeDisplacement(t *testing.T) {
	ctx, reg, backend, broker := setup(t)

	ids := make(map[int64]uint64)
	for owner := int64(1); owner <= 30; owner++ {
		ids[owner] = insertPosition(t, ctx, backend, reg, owner, 0, 0)
	}

	sink := newSink()
	_, err := broker.SubscribeRange(ctx, schema.PermGuest, "Position", "owner", 0, 20, 10, false, sink)
	require.NoError(t, err)
	require.Len(t, sink.waitSnap(t), 10)

	// owner=0 enters at the front, owner=10 is displaced past the limit
	id0 := insertPosition(t, ctx, backend, reg, 0, 0, 0)

	delta := sink.waitDelta(t)
	require.Equal(t, store.OpInsert, delta.Op)
	require.Equal(t, id0, delta.RowID)
	require.Equal(t, int64(0), delta.Row.Fields["owner"])

	delta = sink.waitDelta(t)
	require.Equal(t, store.OpDelete, delta.Op)
	require.Equal(t, ids[10], delta.RowID)

	sink.expectNone(t)
}

func TestRangeBackfillOnExit(t *testing.T) {
	ctx, reg, backend, broker := setup(t)

	ids := make(map[int64]uint64)
	for owner := int64(1); owner <= 5; owner++ {
		ids[owner] = insertPosition(t, ctx, backend, reg, owner, 0, 0)
	}

	sink := newSink()
	_, err := broker.SubscribeRange(ctx, schema.PermGuest, "Position", "owner", nil, nil, 3, false, sink)
	require.NoError(t, err)
	require.Len(t, sink.waitSnap(t), 3) // owners 1..3

	// deleting a window row pulls owner=4 in from beyond the limit
	tx := store.NewTx(backend, reg, schema.PermOwner)
	_, _, err = tx.Select(ctx, "Position", ids[2])
	require.NoError(t, err)
	require.NoError(t, tx.Delete(ctx, "Position", ids[2]))
	commit(t, ctx, tx)

	delta := sink.waitDelta(t)
	require.Equal(t, store.OpDelete, delta.Op)
	require.Equal(t, ids[2], delta.RowID)

	delta = sink.waitDelta(t)
	require.Equal(t, store.OpInsert, delta.Op)
	require.Equal(t, ids[4], delta.RowID)

	// an in-window mutation that does not touch the indexed field
	tx = store.NewTx(backend, reg, schema.PermOwner)
	_, _, err = tx.Select(ctx, "Position", ids[1])
	require.NoError(t, err)
	require.NoError(t, tx.Update(ctx, "Position", ids[1], map[string]any{"x": 8.0}))
	commit(t, ctx, tx)

	delta = sink.waitDelta(t)
	require.Equal(t, store.OpUpdate, delta.Op)
	require.Equal(t, ids[1], delta.RowID)
	require.Equal(t, 8.0, delta.Row.Fields["x"])
}

func TestRangeValueMoveOut(t *testing.T) {
	ctx, reg, backend, broker := setup(t)

	ids := make(map[int64]uint64)
	for owner := int64(1); owner <= 4; owner++ {
		ids[owner] = insertPosition(t, ctx, backend, reg, owner, 0, 0)
	}

	sink := newSink()
	_, err := broker.SubscribeRange(ctx, schema.PermGuest, "Position", "owner", 1, 3, 10, false, sink)
	require.NoError(t, err)
	require.Len(t, sink.waitSnap(t), 2) // owners 1, 2

	// owner moves from 2 to 9: out of the window
	tx := store.NewTx(backend, reg, schema.PermOwner)
	_, _, err = tx.Select(ctx, "Position", ids[2])
	require.NoError(t, err)
	require.NoError(t, tx.Update(ctx, "Position", ids[2], map[string]any{"owner": int64(9)}))
	commit(t, ctx, tx)

	delta := sink.waitDelta(t)
	require.Equal(t, store.OpDelete, delta.Op)
	require.Equal(t, ids[2], delta.RowID)

	// owner moves from 9 back to 2: into the window
	tx = store.NewTx(backend, reg, schema.PermOwner)
	_, _, err = tx.Select(ctx, "Position", ids[2])
	require.NoError(t, err)
	require.NoError(t, tx.Update(ctx, "Position", ids[2], map[string]any{"owner": int64(2)}))
	commit(t, ctx, tx)

	delta = sink.waitDelta(t)
	require.Equal(t, store.OpInsert, delta.Op)
	require.Equal(t, ids[2], delta.RowID)
}

func TestRangeDescending(t *testing.T) {
	ctx, reg, backend, broker := setup(t)

	ids := make(map[int64]uint64)
	for owner := int64(1); owner <= 5; owner++ {
		ids[owner] = insertPosition(t, ctx, backend, reg, owner, 0, 0)
	}

	sink := newSink()
	_, err := broker.SubscribeRange(ctx, schema.PermGuest, "Position", "owner", nil, nil, 3, true, sink)
	require.NoError(t, err)

	snap := sink.waitSnap(t)
	require.Len(t, snap, 3)
	require.Equal(t, int64(5), snap[0].Fields["owner"])
	require.Equal(t, int64(3), snap[2].Fields["owner"])

	// a new maximum enters at the top, displacing owner=3
	id9 := insertPosition(t, ctx, backend, reg, 9, 0, 0)

	delta := sink.waitDelta(t)
	require.Equal(t, store.OpInsert, delta.Op)
	require.Equal(t, id9, delta.RowID)

	delta = sink.waitDelta(t)
	require.Equal(t, store.OpDelete, delta.Op)
	require.Equal(t, ids[3], delta.RowID)
}

func TestSubscribePermissionAndValidation(t *testing.T) {
	ctx, _, _, broker := setup(t)

	sink := newSink()
	_, err := broker.SubscribeRow(ctx, schema.PermUser, "Secret", "owner", 1, sink)
	require.True(t, store.ErrForbidden.Has(err), "expected forbidden, got %v", err)

	_, err = broker.SubscribeRow(ctx, schema.PermAdmin, "Secret", "owner", 1, sink)
	require.NoError(t, err)

	_, err = broker.SubscribeRow(ctx, schema.PermGuest, "Nope", "owner", 1, sink)
	require.True(t, store.ErrNotFound.Has(err), "expected not found, got %v", err)

	_, err = broker.SubscribeRow(ctx, schema.PermGuest, "Position", "x", 1.0, sink)
	require.Error(t, err) // x is not indexed

	_, err = broker.SubscribeRange(ctx, schema.PermGuest, "Position", "owner", nil, nil, 0, false, sink)
	require.Error(t, err) // limit must be >= 1
}

func TestUnsubscribeIdempotent(t *testing.T) {
	ctx, reg, backend, broker := setup(t)

	sink := newSink()
	id, err := broker.SubscribeRow(ctx, schema.PermGuest, "Position", "owner", 1, sink)
	require.NoError(t, err)
	sink.waitSnap(t)

	broker.Unsubscribe(id)
	broker.Unsubscribe(id)     // repeated
	broker.Unsubscribe(999999) // unknown

	// no deltas after unsubscribe
	insertPosition(t, ctx, backend, reg, 1, 0, 0)
	sink.expectNone(t)
}
