// Copyright (C) 2025 Heerozh.
// See LICENSE for copying information.

package store

import (
	"context"

	"github.com/Heerozh/HeTu-sub001/schema"
)

type rowKey struct {
	component string
	rowID     uint64
}

type indexKey struct {
	component string
	index     string
}

// Tx is one optimistic transaction. Reads record the observed row versions
// and consulted index clocks; writes are staged and coalesced per row.
// Nothing is locked between operations; Commit validates the whole read set
// atomically and applies the staged writes, or fails with ErrConflict.
//
// Tx is not safe for concurrent use; a transaction belongs to one handler.
type Tx struct {
	backend Backend
	reg     *schema.Registry
	level   schema.Permission

	reads    map[rowKey]uint64
	ranges   map[indexKey]uint64
	observed map[rowKey]Row
	writes   []*Write
	staged   map[rowKey]*Write

	aborted   bool
	committed bool
}

// NewTx opens a transaction against the backend with the caller's identity
// level used for mutation permission checks.
func NewTx(backend Backend, reg *schema.Registry, level schema.Permission) *Tx {
	return &Tx{
		backend:  backend,
		reg:      reg,
		level:    level,
		reads:    make(map[rowKey]uint64),
		ranges:   make(map[indexKey]uint64),
		observed: make(map[rowKey]Row),
		staged:   make(map[rowKey]*Write),
	}
}

func (tx *Tx) component(name string) (*schema.Component, error) {
	component, ok := tx.reg.Get(name)
	if !ok {
		return nil, ErrNotFound.New("component %q", name)
	}
	return component, nil
}

func (tx *Tx) usable() error {
	if tx.committed {
		return Error.New("transaction already committed")
	}
	if tx.aborted {
		return Error.New("transaction aborted")
	}
	return nil
}

// stampRead records the first observation of a row version. Version 0 means
// the row was observed absent.
func (tx *Tx) stampRead(component string, rowID, version uint64) {
	key := rowKey{component, rowID}
	if _, ok := tx.reads[key]; !ok {
		tx.reads[key] = version
	}
}

func (tx *Tx) stampRange(component, index string, clock uint64) {
	key := indexKey{component, index}
	if _, ok := tx.ranges[key]; !ok {
		tx.ranges[key] = clock
	}
}

// Select returns the row by id, or false if it does not exist. Rows staged
// by this transaction are visible.
func (tx *Tx) Select(ctx context.Context, componentName string, rowID uint64) (_ Row, _ bool, err error) {
	defer mon.Task()(&ctx)(&err)
	if err := tx.usable(); err != nil {
		return Row{}, false, err
	}
	if _, err := tx.component(componentName); err != nil {
		return Row{}, false, err
	}

	key := rowKey{componentName, rowID}
	if write, ok := tx.staged[key]; ok {
		if write.Op == OpDelete {
			return Row{}, false, nil
		}
		return tx.stagedView(write), true, nil
	}

	row, err := tx.backend.Load(ctx, componentName, rowID)
	if ErrNotFound.Has(err) {
		tx.stampRead(componentName, rowID, 0)
		return Row{}, false, nil
	}
	if err != nil {
		return Row{}, false, err
	}
	tx.stampRead(componentName, rowID, row.Version)
	tx.observed[key] = row
	return row.Clone(), true, nil
}

// stagedView reconstructs the current in-transaction view of a staged row.
func (tx *Tx) stagedView(write *Write) Row {
	row := Row{ID: write.RowID, Fields: make(map[string]any)}
	if write.Old != nil {
		row.Version = write.Old.Version
		for name, value := range write.Old.Fields {
			row.Fields[name] = value
		}
	}
	for name, value := range write.Fields {
		row.Fields[name] = value
	}
	return row
}

// Get returns the single row whose indexed field equals value, or false.
// The field must be indexed.
func (tx *Tx) Get(ctx context.Context, componentName, fieldName string, value any) (_ Row, _ bool, err error) {
	defer mon.Task()(&ctx)(&err)
	if err := tx.usable(); err != nil {
		return Row{}, false, err
	}
	component, err := tx.component(componentName)
	if err != nil {
		return Row{}, false, err
	}
	field, _, err := indexedField(component, fieldName)
	if err != nil {
		return Row{}, false, err
	}

	coerced, err := schema.Coerce(field, value)
	if err != nil {
		return Row{}, false, err
	}
	bounds, err := PointBounds(field, coerced)
	if err != nil {
		return Row{}, false, err
	}

	entries, clock, err := tx.backend.ScanIndex(ctx, componentName, fieldName, bounds, 1, false)
	if err != nil {
		return Row{}, false, err
	}
	tx.stampRange(componentName, fieldName, clock)
	if len(entries) == 0 {
		return Row{}, false, nil
	}

	row, err := tx.backend.Load(ctx, componentName, entries[0].RowID)
	if ErrNotFound.Has(err) {
		// the row vanished between scan and load; the clock stamp will
		// surface this as a conflict at commit
		return Row{}, false, nil
	}
	if err != nil {
		return Row{}, false, err
	}
	tx.stampRead(componentName, row.ID, row.Version)
	tx.observed[rowKey{componentName, row.ID}] = row
	return row.Clone(), true, nil
}

// Query returns up to limit rows whose indexed field falls in the half-open
// window [left, right), ordered by the field (descending when desc is set)
// with ties broken by ascending row id. A nil bound is unbounded.
func (tx *Tx) Query(ctx context.Context, componentName, fieldName string, left, right any, limit int, desc bool) (_ []Row, err error) {
	defer mon.Task()(&ctx)(&err)
	if err := tx.usable(); err != nil {
		return nil, err
	}
	if limit < 1 {
		return nil, Error.New("query limit must be >= 1")
	}
	component, err := tx.component(componentName)
	if err != nil {
		return nil, err
	}
	field, _, err := indexedField(component, fieldName)
	if err != nil {
		return nil, err
	}

	bounds, err := queryBounds(field, left, right)
	if err != nil {
		return nil, err
	}

	entries, clock, err := tx.backend.ScanIndex(ctx, componentName, fieldName, bounds, limit, desc)
	if err != nil {
		return nil, err
	}
	tx.stampRange(componentName, fieldName, clock)

	if desc {
		entries, err = tx.normalizeDesc(ctx, componentName, fieldName, entries, limit)
		if err != nil {
			return nil, err
		}
	}

	ids := make([]uint64, len(entries))
	for i, entry := range entries {
		ids[i] = entry.RowID
	}
	rows, err := tx.backend.LoadMany(ctx, componentName, ids)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		tx.stampRead(componentName, rows[i].ID, rows[i].Version)
		tx.observed[rowKey{componentName, rows[i].ID}] = rows[i]
		rows[i] = rows[i].Clone()
	}
	return rows, nil
}

func queryBounds(field schema.Field, left, right any) (Bounds, error) {
	var cleft, cright any
	var err error
	if left != nil {
		cleft, err = schema.Coerce(field, left)
		if err != nil {
			return Bounds{}, err
		}
	}
	if right != nil {
		cright, err = schema.Coerce(field, right)
		if err != nil {
			return Bounds{}, err
		}
	}
	return RangeBounds(field, cleft, cright)
}

// normalizeDesc reorders a reversed member scan so ties sort by ascending
// row id. The scan yields (value desc, id desc); runs of one value are
// reversed in place, and the final run is re-fetched forward in case the
// limit cut it short.
func (tx *Tx) normalizeDesc(ctx context.Context, component, index string, entries []IndexEntry, limit int) ([]IndexEntry, error) {
	if len(entries) == 0 {
		return entries, nil
	}

	runs := make([][]IndexEntry, 0, len(entries))
	start := 0
	for i := 1; i <= len(entries); i++ {
		if i == len(entries) || compareBytes(MemberValueKey(entries[i].Key), MemberValueKey(entries[start].Key)) != 0 {
			runs = append(runs, entries[start:i])
			start = i
		}
	}

	for _, run := range runs[:len(runs)-1] {
		reverseEntries(run)
	}

	last := runs[len(runs)-1]
	kept := len(entries) - len(last)
	want := limit - kept
	if len(entries) == limit {
		// the last run may be truncated: fetch it forward to pick the
		// lowest row ids of the tie group
		// valueKey ends with the 0x00 0x00 terminator; bumping the final
		// byte bounds exactly this tie group
		valueKey := MemberValueKey(last[0].Key)
		right := append([]byte{}, valueKey...)
		right[len(right)-1] = 0x01
		runBounds := Bounds{Left: valueKey, Right: right}

		refetched, _, err := tx.backend.ScanIndex(ctx, component, index, runBounds, want, false)
		if err != nil {
			return nil, err
		}
		last = refetched
	} else {
		reverseEntries(last)
		if len(last) > want {
			last = last[:want]
		}
	}

	out := make([]IndexEntry, 0, limit)
	for _, run := range runs[:len(runs)-1] {
		out = append(out, run...)
	}
	out = append(out, last...)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func reverseEntries(entries []IndexEntry) {
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
}

func indexedField(component *schema.Component, fieldName string) (schema.Field, schema.Index, error) {
	field, ok := component.Field(fieldName)
	if !ok {
		return schema.Field{}, schema.Index{}, ErrNotFound.New("component %q has no field %q", component.Name, fieldName)
	}
	index, ok := component.Index(fieldName)
	if !ok {
		return schema.Field{}, schema.Index{}, Error.New("component %q: field %q is not indexed", component.Name, fieldName)
	}
	return field, index, nil
}

func (tx *Tx) checkMutable(component *schema.Component) error {
	if tx.level < component.Permission {
		tx.aborted = true
		return ErrForbidden.New("component %q requires %s, session is %s",
			component.Name, component.Permission, tx.level)
	}
	return nil
}

// Insert stages a new row and returns its freshly assigned id. Missing
// fields take their declared defaults. The id is burned even if the
// transaction never commits; row ids are never reused.
func (tx *Tx) Insert(ctx context.Context, componentName string, fields map[string]any) (_ uint64, err error) {
	defer mon.Task()(&ctx)(&err)
	if err := tx.usable(); err != nil {
		return 0, err
	}
	component, err := tx.component(componentName)
	if err != nil {
		return 0, err
	}
	if err := tx.checkMutable(component); err != nil {
		return 0, err
	}

	full := component.Defaults()
	for name, value := range fields {
		field, ok := component.Field(name)
		if !ok {
			return 0, Error.New("component %q has no field %q", componentName, name)
		}
		coerced, err := schema.Coerce(field, value)
		if err != nil {
			return 0, err
		}
		full[name] = coerced
	}

	rowID, err := tx.backend.NextID(ctx, componentName)
	if err != nil {
		return 0, err
	}

	write := &Write{Op: OpInsert, Component: componentName, RowID: rowID, Fields: full}
	tx.writes = append(tx.writes, write)
	tx.staged[rowKey{componentName, rowID}] = write
	return rowID, nil
}

// Update stages changes to the given fields of a row. The row must have been
// observed (Select/Get/Query) or inserted by this transaction.
func (tx *Tx) Update(ctx context.Context, componentName string, rowID uint64, fields map[string]any) (err error) {
	defer mon.Task()(&ctx)(&err)
	if err := tx.usable(); err != nil {
		return err
	}
	component, err := tx.component(componentName)
	if err != nil {
		return err
	}
	if err := tx.checkMutable(component); err != nil {
		return err
	}

	changed := make(map[string]any, len(fields))
	for name, value := range fields {
		field, ok := component.Field(name)
		if !ok {
			return Error.New("component %q has no field %q", componentName, name)
		}
		coerced, err := schema.Coerce(field, value)
		if err != nil {
			return err
		}
		changed[name] = coerced
	}

	key := rowKey{componentName, rowID}
	if write, ok := tx.staged[key]; ok {
		if write.Op == OpDelete {
			return Error.New("row %d of %q already deleted in this transaction", rowID, componentName)
		}
		for name, value := range changed {
			write.Fields[name] = value
		}
		return nil
	}

	observed, ok := tx.observed[key]
	if !ok {
		return Error.New("update of unobserved row %d of %q; read it first", rowID, componentName)
	}
	write := &Write{Op: OpUpdate, Component: componentName, RowID: rowID, Fields: changed, Old: &observed}
	tx.writes = append(tx.writes, write)
	tx.staged[key] = write
	return nil
}

// Delete stages the removal of a row. The row must have been observed or
// inserted by this transaction; deleting a row inserted in the same
// transaction cancels the insert.
func (tx *Tx) Delete(ctx context.Context, componentName string, rowID uint64) (err error) {
	defer mon.Task()(&ctx)(&err)
	if err := tx.usable(); err != nil {
		return err
	}
	component, err := tx.component(componentName)
	if err != nil {
		return err
	}
	if err := tx.checkMutable(component); err != nil {
		return err
	}

	key := rowKey{componentName, rowID}
	if write, ok := tx.staged[key]; ok {
		switch write.Op {
		case OpInsert:
			tx.removeWrite(write)
			delete(tx.staged, key)
			return nil
		case OpDelete:
			return Error.New("row %d of %q already deleted in this transaction", rowID, componentName)
		case OpUpdate:
			write.Op = OpDelete
			write.Fields = nil
			return nil
		}
	}

	observed, ok := tx.observed[key]
	if !ok {
		return Error.New("delete of unobserved row %d of %q; read it first", rowID, componentName)
	}
	write := &Write{Op: OpDelete, Component: componentName, RowID: rowID, Old: &observed}
	tx.writes = append(tx.writes, write)
	tx.staged[key] = write
	return nil
}

func (tx *Tx) removeWrite(write *Write) {
	for i, w := range tx.writes {
		if w == write {
			tx.writes = append(tx.writes[:i:i], tx.writes[i+1:]...)
			return
		}
	}
}

// Commit validates the read set and applies the staged writes atomically.
// It returns ErrConflict when any observed version or consulted index clock
// moved, and ErrConstraint on a unique-index violation; in both cases
// nothing was applied.
func (tx *Tx) Commit(ctx context.Context) (_ CommitInfo, err error) {
	defer mon.Task()(&ctx)(&err)
	if err := tx.usable(); err != nil {
		return CommitInfo{}, err
	}
	tx.committed = true

	if len(tx.writes) == 0 {
		return CommitInfo{}, nil
	}

	ws := &WriteSet{
		Writes: make([]Write, 0, len(tx.writes)),
	}
	for key, version := range tx.reads {
		ws.Reads = append(ws.Reads, ReadStamp{Component: key.component, RowID: key.rowID, Version: version})
	}
	for key, clock := range tx.ranges {
		ws.Ranges = append(ws.Ranges, RangeStamp{Component: key.component, Index: key.index, Clock: clock})
	}
	for _, write := range tx.writes {
		ws.Writes = append(ws.Writes, *write)
	}

	return tx.backend.Commit(ctx, ws)
}

// Rollback discards the transaction. Since nothing is held between
// operations this only marks the handle unusable.
func (tx *Tx) Rollback() {
	tx.aborted = true
}
