// Copyright (C) 2025 Heerozh.
// See LICENSE for copying information.

// Package testsuite is a conformance suite every store backend must pass.
package testsuite

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Heerozh/HeTu-sub001/private/testcontext"
	"github.com/Heerozh/HeTu-sub001/schema"
	"github.com/Heerozh/HeTu-sub001/store"
)

// Registry returns the component definitions used by the suite.
func Registry(t testing.TB) *schema.Registry {
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
		Name: "Player",
		Fields: []schema.Field{
			{Name: "name", Kind: schema.String},
			{Name: "score", Kind: schema.Int64},
		},
		Indexes: []schema.Index{
			{Field: "name", Unique: true},
			{Field: "score"},
		},
	}))
	require.NoError(t, reg.Define(&schema.Component{
		Name: "Vault",
		Fields: []schema.Field{
			{Name: "gold", Kind: schema.Int64},
		},
		Indexes:    []schema.Index{{Field: "gold"}},
		Permission: schema.PermAdmin,
	}))
	reg.Freeze()
	return reg
}

// Open creates a fresh backend for one test.
type Open func(t *testing.T, reg *schema.Registry) store.Backend

// RunTests runs the conformance suite against the backend.
func RunTests(t *testing.T, open Open) {
	t.Run("InsertSelect", func(t *testing.T) { testInsertSelect(t, open) })
	t.Run("VersionMonotonic", func(t *testing.T) { testVersionMonotonic(t, open) })
	t.Run("QueryOrdering", func(t *testing.T) { testQueryOrdering(t, open) })
	t.Run("QueryBounds", func(t *testing.T) { testQueryBounds(t, open) })
	t.Run("WriteConflict", func(t *testing.T) { testWriteConflict(t, open) })
	t.Run("RangeConflict", func(t *testing.T) { testRangeConflict(t, open) })
	t.Run("UniqueConstraint", func(t *testing.T) { testUniqueConstraint(t, open) })
	t.Run("UniqueHandoff", func(t *testing.T) { testUniqueHandoff(t, open) })
	t.Run("Forbidden", func(t *testing.T) { testForbidden(t, open) })
	t.Run("Events", func(t *testing.T) { testEvents(t, open) })
	t.Run("Clear", func(t *testing.T) { testClear(t, open) })
}

func setup(t *testing.T, open Open) (*testcontext.Context, *schema.Registry, store.Backend) {
	ctx := testcontext.New(t)
	t.Cleanup(ctx.Cleanup)
	reg := Registry(t)
	backend := open(t, reg)
	t.Cleanup(func() { _ = backend.Close() })
	return ctx, reg, backend
}

func commitOne(t *testing.T, ctx *testcontext.Context, tx *store.Tx) store.CommitInfo {
	info, err := tx.Commit(ctx)
	require.NoError(t, err)
	return info
}

func testInsertSelect(t *testing.T, open Open) {
	ctx, reg, backend := setup(t, open)

	tx := store.NewTx(backend, reg, schema.PermOwner)
	id, err := tx.Insert(ctx, "Position", map[string]any{"owner": 7, "x": 1.5})
	require.NoError(t, err)
	require.NotZero(t, id)
	commitOne(t, ctx, tx)

	tx = store.NewTx(backend, reg, schema.PermOwner)
	row, ok, err := tx.Select(ctx, "Position", id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), row.Version)
	require.Equal(t, int64(7), row.Fields["owner"])
	require.Equal(t, 1.5, row.Fields["x"])
	require.Equal(t, float64(0), row.Fields["y"]) // default

	// point lookup through the index
	row, ok, err = tx.Get(ctx, "Position", "owner", 7)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, row.ID)

	_, ok, err = tx.Get(ctx, "Position", "owner", 8)
	require.NoError(t, err)
	require.False(t, ok)
}

func testVersionMonotonic(t *testing.T, open Open) {
	ctx, reg, backend := setup(t, open)

	tx := store.NewTx(backend, reg, schema.PermOwner)
	id, err := tx.Insert(ctx, "Position", map[string]any{"owner": 1})
	require.NoError(t, err)
	commitOne(t, ctx, tx)

	last := uint64(1)
	for i := 0; i < 3; i++ {
		tx = store.NewTx(backend, reg, schema.PermOwner)
		row, ok, err := tx.Select(ctx, "Position", id)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, last, row.Version)
		require.NoError(t, tx.Update(ctx, "Position", id, map[string]any{"x": float64(i)}))
		commitOne(t, ctx, tx)
		last++
	}

	tx = store.NewTx(backend, reg, schema.PermOwner)
	row, _, err := tx.Select(ctx, "Position", id)
	require.NoError(t, err)
	require.Equal(t, uint64(4), row.Version)

	// deletion frees the row and its id is never reassigned
	require.NoError(t, tx.Delete(ctx, "Position", id))
	commitOne(t, ctx, tx)

	tx = store.NewTx(backend, reg, schema.PermOwner)
	_, ok, err := tx.Select(ctx, "Position", id)
	require.NoError(t, err)
	require.False(t, ok)
	id2, err := tx.Insert(ctx, "Position", map[string]any{"owner": 2})
	require.NoError(t, err)
	require.Greater(t, id2, id)
	commitOne(t, ctx, tx)
}

func testQueryOrdering(t *testing.T, open Open) {
	ctx, reg, backend := setup(t, open)

	// two score ties to exercise the row-id tie-break
	scores := []int64{30, 10, 20, 10, 30}
	ids := make([]uint64, len(scores))
	tx := store.NewTx(backend, reg, schema.PermOwner)
	for i, score := range scores {
		id, err := tx.Insert(ctx, "Player", map[string]any{
			"name": string(rune('a' + i)), "score": score,
		})
		require.NoError(t, err)
		ids[i] = id
	}
	commitOne(t, ctx, tx)

	tx = store.NewTx(backend, reg, schema.PermOwner)
	rows, err := tx.Query(ctx, "Player", "score", nil, nil, 10, false)
	require.NoError(t, err)
	require.Equal(t, []uint64{ids[1], ids[3], ids[2], ids[0], ids[4]}, rowIDs(rows))

	// descending still breaks ties by ascending row id
	rows, err = tx.Query(ctx, "Player", "score", nil, nil, 10, true)
	require.NoError(t, err)
	require.Equal(t, []uint64{ids[0], ids[4], ids[2], ids[1], ids[3]}, rowIDs(rows))

	// descending with a limit cutting into a tie group keeps the lowest ids
	rows, err = tx.Query(ctx, "Player", "score", nil, nil, 3, true)
	require.NoError(t, err)
	require.Equal(t, []uint64{ids[0], ids[4], ids[2]}, rowIDs(rows))
}

func testQueryBounds(t *testing.T, open Open) {
	ctx, reg, backend := setup(t, open)

	tx := store.NewTx(backend, reg, schema.PermOwner)
	for owner := int64(1); owner <= 5; owner++ {
		_, err := tx.Insert(ctx, "Position", map[string]any{"owner": owner})
		require.NoError(t, err)
	}
	commitOne(t, ctx, tx)

	tx = store.NewTx(backend, reg, schema.PermOwner)

	rows, err := tx.Query(ctx, "Position", "owner", 2, 4, 10, false)
	require.NoError(t, err)
	require.Equal(t, []int64{2, 3}, owners(rows)) // [left, right)

	rows, err = tx.Query(ctx, "Position", "owner", 3, nil, 10, false)
	require.NoError(t, err)
	require.Equal(t, []int64{3, 4, 5}, owners(rows))

	rows, err = tx.Query(ctx, "Position", "owner", nil, 3, 10, false)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, owners(rows))

	rows, err = tx.Query(ctx, "Position", "owner", nil, nil, 2, false)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, owners(rows))

	_, err = tx.Query(ctx, "Position", "owner", nil, nil, 0, false)
	require.Error(t, err)
}

func testWriteConflict(t *testing.T, open Open) {
	ctx, reg, backend := setup(t, open)

	tx := store.NewTx(backend, reg, schema.PermOwner)
	id, err := tx.Insert(ctx, "Position", map[string]any{"owner": 1})
	require.NoError(t, err)
	commitOne(t, ctx, tx)

	txA := store.NewTx(backend, reg, schema.PermOwner)
	txB := store.NewTx(backend, reg, schema.PermOwner)

	_, _, err = txA.Select(ctx, "Position", id)
	require.NoError(t, err)
	_, _, err = txB.Select(ctx, "Position", id)
	require.NoError(t, err)

	require.NoError(t, txA.Update(ctx, "Position", id, map[string]any{"x": 1.0}))
	require.NoError(t, txB.Update(ctx, "Position", id, map[string]any{"x": 2.0}))

	commitOne(t, ctx, txA)
	_, err = txB.Commit(ctx)
	require.True(t, store.ErrConflict.Has(err), "expected conflict, got %v", err)

	// the losing transaction applied nothing
	tx = store.NewTx(backend, reg, schema.PermOwner)
	row, _, err := tx.Select(ctx, "Position", id)
	require.NoError(t, err)
	require.Equal(t, 1.0, row.Fields["x"])
	require.Equal(t, uint64(2), row.Version)
}

func testRangeConflict(t *testing.T, open Open) {
	ctx, reg, backend := setup(t, open)

	tx := store.NewTx(backend, reg, schema.PermOwner)
	_, err := tx.Insert(ctx, "Position", map[string]any{"owner": 1})
	require.NoError(t, err)
	commitOne(t, ctx, tx)

	// reader consults the owner index, then a concurrent insert lands in it
	reader := store.NewTx(backend, reg, schema.PermOwner)
	rows, err := reader.Query(ctx, "Position", "owner", nil, nil, 10, false)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	writer := store.NewTx(backend, reg, schema.PermOwner)
	_, err = writer.Insert(ctx, "Position", map[string]any{"owner": 2})
	require.NoError(t, err)
	commitOne(t, ctx, writer)

	require.NoError(t, reader.Update(ctx, "Position", rows[0].ID, map[string]any{"x": 9.0}))
	_, err = reader.Commit(ctx)
	require.True(t, store.ErrConflict.Has(err), "expected conflict, got %v", err)
}

func testUniqueConstraint(t *testing.T, open Open) {
	ctx, reg, backend := setup(t, open)

	tx := store.NewTx(backend, reg, schema.PermOwner)
	_, err := tx.Insert(ctx, "Player", map[string]any{"name": "alice"})
	require.NoError(t, err)
	commitOne(t, ctx, tx)

	// duplicate insert
	tx = store.NewTx(backend, reg, schema.PermOwner)
	_, err = tx.Insert(ctx, "Player", map[string]any{"name": "alice"})
	require.NoError(t, err)
	_, err = tx.Commit(ctx)
	require.True(t, store.ErrConstraint.Has(err), "expected constraint, got %v", err)

	// update onto a taken value
	tx = store.NewTx(backend, reg, schema.PermOwner)
	id, err := tx.Insert(ctx, "Player", map[string]any{"name": "bob"})
	require.NoError(t, err)
	commitOne(t, ctx, tx)

	tx = store.NewTx(backend, reg, schema.PermOwner)
	_, _, err = tx.Select(ctx, "Player", id)
	require.NoError(t, err)
	require.NoError(t, tx.Update(ctx, "Player", id, map[string]any{"name": "alice"}))
	_, err = tx.Commit(ctx)
	require.True(t, store.ErrConstraint.Has(err), "expected constraint, got %v", err)

	// duplicate within one commit
	tx = store.NewTx(backend, reg, schema.PermOwner)
	_, err = tx.Insert(ctx, "Player", map[string]any{"name": "carol"})
	require.NoError(t, err)
	_, err = tx.Insert(ctx, "Player", map[string]any{"name": "carol"})
	require.NoError(t, err)
	_, err = tx.Commit(ctx)
	require.True(t, store.ErrConstraint.Has(err), "expected constraint, got %v", err)
}

func testUniqueHandoff(t *testing.T, open Open) {
	ctx, reg, backend := setup(t, open)

	tx := store.NewTx(backend, reg, schema.PermOwner)
	id, err := tx.Insert(ctx, "Player", map[string]any{"name": "alice"})
	require.NoError(t, err)
	commitOne(t, ctx, tx)

	// one commit renames the holder and reuses the freed value
	tx = store.NewTx(backend, reg, schema.PermOwner)
	_, _, err = tx.Select(ctx, "Player", id)
	require.NoError(t, err)
	require.NoError(t, tx.Update(ctx, "Player", id, map[string]any{"name": "alice2"}))
	_, err = tx.Insert(ctx, "Player", map[string]any{"name": "alice"})
	require.NoError(t, err)
	commitOne(t, ctx, tx)

	tx = store.NewTx(backend, reg, schema.PermOwner)
	row, ok, err := tx.Get(ctx, "Player", "name", "alice2")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, row.ID)
	_, ok, err = tx.Get(ctx, "Player", "name", "alice")
	require.NoError(t, err)
	require.True(t, ok)
}

func testForbidden(t *testing.T, open Open) {
	ctx, reg, backend := setup(t, open)

	tx := store.NewTx(backend, reg, schema.PermUser)
	_, err := tx.Insert(ctx, "Vault", map[string]any{"gold": 100})
	require.True(t, store.ErrForbidden.Has(err), "expected forbidden, got %v", err)

	// the transaction is aborted outright
	_, err = tx.Commit(ctx)
	require.Error(t, err)

	tx = store.NewTx(backend, reg, schema.PermAdmin)
	_, err = tx.Insert(ctx, "Vault", map[string]any{"gold": 100})
	require.NoError(t, err)
	commitOne(t, ctx, tx)
}

func testEvents(t *testing.T, open Open) {
	ctx, reg, backend := setup(t, open)

	sub := backend.Events().Subscribe(16, "Position")
	defer sub.Close()

	tx := store.NewTx(backend, reg, schema.PermOwner)
	id, err := tx.Insert(ctx, "Position", map[string]any{"owner": 1})
	require.NoError(t, err)
	info := commitOne(t, ctx, tx)

	event := <-sub.C
	require.Equal(t, store.OpInsert, event.Op)
	require.Equal(t, id, event.RowID)
	require.Equal(t, info.Seq, event.Seq)
	require.Equal(t, uint64(1), event.Version)
	require.Equal(t, int64(1), event.Fields["owner"])

	tx = store.NewTx(backend, reg, schema.PermOwner)
	_, _, err = tx.Select(ctx, "Position", id)
	require.NoError(t, err)
	require.NoError(t, tx.Update(ctx, "Position", id, map[string]any{"x": 3.0}))
	commitOne(t, ctx, tx)

	event = <-sub.C
	require.Equal(t, store.OpUpdate, event.Op)
	require.Equal(t, uint64(2), event.Version)
	require.Equal(t, []string{"x"}, event.Changed)
	require.Equal(t, 3.0, event.Fields["x"])
	require.Equal(t, float64(0), event.Old["x"])

	tx = store.NewTx(backend, reg, schema.PermOwner)
	_, _, err = tx.Select(ctx, "Position", id)
	require.NoError(t, err)
	require.NoError(t, tx.Delete(ctx, "Position", id))
	commitOne(t, ctx, tx)

	event = <-sub.C
	require.Equal(t, store.OpDelete, event.Op)
	require.Equal(t, id, event.RowID)
	require.Equal(t, 3.0, event.Old["x"])
}

func testClear(t *testing.T, open Open) {
	ctx, reg, backend := setup(t, open)

	tx := store.NewTx(backend, reg, schema.PermOwner)
	for owner := int64(1); owner <= 3; owner++ {
		_, err := tx.Insert(ctx, "Position", map[string]any{"owner": owner})
		require.NoError(t, err)
	}
	commitOne(t, ctx, tx)

	require.NoError(t, backend.Clear(ctx, "Position"))

	tx = store.NewTx(backend, reg, schema.PermOwner)
	rows, err := tx.Query(ctx, "Position", "owner", nil, nil, 10, false)
	require.NoError(t, err)
	require.Empty(t, rows)

	// the row counter is dropped with the rows; numbering restarts
	id, err := backend.NextID(ctx, "Position")
	require.NoError(t, err)
	require.Equal(t, uint64(1), id)
}

func rowIDs(rows []store.Row) []uint64 {
	ids := make([]uint64, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	return ids
}

func owners(rows []store.Row) []int64 {
	out := make([]int64, len(rows))
	for i, row := range rows {
		out[i] = row.Fields["owner"].(int64)
	}
	return out
}
