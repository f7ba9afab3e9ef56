// Copyright (C) 2025 Heerozh.
// See LICENSE for copying information.

package store_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Heerozh/HeTu-sub001/private/testcontext"
	"github.com/Heerozh/HeTu-sub001/schema"
	"github.com/Heerozh/HeTu-sub001/store"
	"github.com/Heerozh/HeTu-sub001/store/memstore"
)

func txFixture(t *testing.T) (*testcontext.Context, *schema.Registry, store.Backend) {
	ctx := testcontext.New(t)
	t.Cleanup(ctx.Cleanup)

	reg := schema.NewRegistry()
	require.NoError(t, reg.Define(&schema.Component{
		Name: "Position",
		Fields: []schema.Field{
			{Name: "owner", Kind: schema.Int64},
			{Name: "x", Kind: schema.Float64},
			{Name: "y", Kind: schema.Float64},
		},
		Indexes: []schema.Index{{Field: "owner"}},
	}))
	reg.Freeze()

	backend := memstore.New(reg)
	t.Cleanup(func() { _ = backend.Close() })
	return ctx, reg, backend
}

func TestTxReadYourWrites(t *testing.T) {
	ctx, reg, backend := txFixture(t)

	tx := store.NewTx(backend, reg, schema.PermOwner)
	id, err := tx.Insert(ctx, "Position", map[string]any{"owner": 1, "x": 1.0})
	require.NoError(t, err)

	// the staged insert is visible inside the transaction before commit
	row, ok, err := tx.Select(ctx, "Position", id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1.0, row.Fields["x"])

	require.NoError(t, tx.Update(ctx, "Position", id, map[string]any{"x": 2.0}))
	row, ok, err = tx.Select(ctx, "Position", id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2.0, row.Fields["x"])

	// but invisible to other transactions
	other := store.NewTx(backend, reg, schema.PermOwner)
	_, ok, err = other.Select(ctx, "Position", id)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTxCoalescing(t *testing.T) {
	ctx, reg, backend := txFixture(t)

	sub := backend.Events().Subscribe(16, "Position")
	defer sub.Close()

	// update-after-insert folds into one insert carrying the final fields
	tx := store.NewTx(backend, reg, schema.PermOwner)
	id, err := tx.Insert(ctx, "Position", map[string]any{"owner": 1, "x": 1.0})
	require.NoError(t, err)
	require.NoError(t, tx.Update(ctx, "Position", id, map[string]any{"x": 5.0}))
	_, err = tx.Commit(ctx)
	require.NoError(t, err)

	event := <-sub.C
	require.Equal(t, store.OpInsert, event.Op)
	require.Equal(t, 5.0, event.Fields["x"])
	select {
	case event = <-sub.C:
		t.Fatalf("unexpected extra event %v", event.Op)
	default:
	}

	// delete-after-insert cancels out entirely
	tx = store.NewTx(backend, reg, schema.PermOwner)
	ghost, err := tx.Insert(ctx, "Position", map[string]any{"owner": 2})
	require.NoError(t, err)
	require.NoError(t, tx.Delete(ctx, "Position", ghost))
	info, err := tx.Commit(ctx)
	require.NoError(t, err)
	require.Zero(t, info.Seq) // nothing to commit

	check := store.NewTx(backend, reg, schema.PermOwner)
	_, ok, err := check.Select(ctx, "Position", ghost)
	require.NoError(t, err)
	require.False(t, ok)

	// delete-after-update becomes one delete
	tx = store.NewTx(backend, reg, schema.PermOwner)
	_, _, err = tx.Select(ctx, "Position", id)
	require.NoError(t, err)
	require.NoError(t, tx.Update(ctx, "Position", id, map[string]any{"x": 7.0}))
	require.NoError(t, tx.Delete(ctx, "Position", id))
	_, err = tx.Commit(ctx)
	require.NoError(t, err)

	event = <-sub.C
	require.Equal(t, store.OpDelete, event.Op)
	require.Equal(t, id, event.RowID)
}

func TestTxRequiresObservation(t *testing.T) {
	ctx, reg, backend := txFixture(t)

	tx := store.NewTx(backend, reg, schema.PermOwner)
	id, err := tx.Insert(ctx, "Position", map[string]any{"owner": 1})
	require.NoError(t, err)
	_, err = tx.Commit(ctx)
	require.NoError(t, err)

	// blind writes are rejected: the row must be read in this transaction
	tx = store.NewTx(backend, reg, schema.PermOwner)
	require.Error(t, tx.Update(ctx, "Position", id, map[string]any{"x": 1.0}))
	require.Error(t, tx.Delete(ctx, "Position", id))
}

func TestTxDoubleDelete(t *testing.T) {
	ctx, reg, backend := txFixture(t)

	tx := store.NewTx(backend, reg, schema.PermOwner)
	id, err := tx.Insert(ctx, "Position", map[string]any{"owner": 1})
	require.NoError(t, err)
	_, err = tx.Commit(ctx)
	require.NoError(t, err)

	tx = store.NewTx(backend, reg, schema.PermOwner)
	_, _, err = tx.Select(ctx, "Position", id)
	require.NoError(t, err)
	require.NoError(t, tx.Delete(ctx, "Position", id))
	require.Error(t, tx.Delete(ctx, "Position", id))
	require.Error(t, tx.Update(ctx, "Position", id, map[string]any{"x": 1.0}))
}

func TestTxUnusableAfterFinish(t *testing.T) {
	ctx, reg, backend := txFixture(t)

	tx := store.NewTx(backend, reg, schema.PermOwner)
	_, err := tx.Commit(ctx)
	require.NoError(t, err)
	_, err = tx.Insert(ctx, "Position", map[string]any{"owner": 1})
	require.Error(t, err)
	_, err = tx.Commit(ctx)
	require.Error(t, err)

	tx = store.NewTx(backend, reg, schema.PermOwner)
	tx.Rollback()
	_, _, err = tx.Select(ctx, "Position", 1)
	require.Error(t, err)
	_, err = tx.Commit(ctx)
	require.Error(t, err)
}

func TestTxUnknownComponentAndField(t *testing.T) {
	ctx, reg, backend := txFixture(t)

	tx := store.NewTx(backend, reg, schema.PermOwner)
	_, _, err := tx.Select(ctx, "Ghost", 1)
	require.True(t, store.ErrNotFound.Has(err))
	_, err = tx.Insert(ctx, "Position", map[string]any{"ghost": 1})
	require.Error(t, err)
	_, err = tx.Query(ctx, "Position", "x", nil, nil, 10, false) // x is not indexed
	require.Error(t, err)
}
