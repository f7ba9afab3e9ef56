// Copyright (C) 2025 Heerozh.
// See LICENSE for copying information.

package subscribe

import (
	"bytes"
	"context"

	"github.com/Heerozh/HeTu-sub001/schema"
	"github.com/Heerozh/HeTu-sub001/store"
)

// rangeState tracks a windowed range subscription. It retains the full
// ordered window (member key + row per entry, at most limit entries) so that
// window entry and exit can be decided locally; the store is re-queried only
// when a vacancy opens in a full window or a row moves past its known edge.
type rangeState struct {
	broker    *Broker
	component string
	field     string
	fieldDef  schema.Field
	left      any
	right     any
	bounds    store.Bounds
	limit     int
	desc      bool

	entries []windowEntry
}

type windowEntry struct {
	member []byte
	row    store.Row
}

// cmp orders member keys the way the window is sorted: by indexed value in
// the subscription's direction, ties by ascending row id.
func (state *rangeState) cmp(a, b []byte) int {
	if !state.desc {
		return bytes.Compare(a, b)
	}
	if c := bytes.Compare(store.MemberValueKey(a), store.MemberValueKey(b)); c != 0 {
		return -c
	}
	ai, bi := store.MemberRowID(a), store.MemberRowID(b)
	switch {
	case ai < bi:
		return -1
	case ai > bi:
		return 1
	}
	return 0
}

func (state *rangeState) snapshot(ctx context.Context, tx *store.Tx) ([]store.Row, error) {
	rows, err := tx.Query(ctx, state.component, state.field, state.left, state.right, state.limit, state.desc)
	if err != nil {
		return nil, err
	}
	state.entries = make([]windowEntry, 0, len(rows))
	for _, row := range rows {
		member, err := store.MemberKey(state.fieldDef, row.Fields[state.field], row.ID)
		if err != nil {
			return nil, err
		}
		state.entries = append(state.entries, windowEntry{member: member, row: row})
	}
	out := make([]store.Row, len(rows))
	for i, row := range rows {
		out[i] = row.Clone()
	}
	return out, nil
}

func (state *rangeState) pos(rowID uint64) int {
	for i := range state.entries {
		if state.entries[i].row.ID == rowID {
			return i
		}
	}
	return -1
}

func (state *rangeState) insertSorted(entry windowEntry) int {
	i := 0
	for ; i < len(state.entries); i++ {
		if state.cmp(entry.member, state.entries[i].member) < 0 {
			break
		}
	}
	state.entries = append(state.entries, windowEntry{})
	copy(state.entries[i+1:], state.entries[i:])
	state.entries[i] = entry
	return i
}

func (state *rangeState) remove(i int) windowEntry {
	entry := state.entries[i]
	state.entries = append(state.entries[:i:i], state.entries[i+1:]...)
	return entry
}

func (state *rangeState) apply(ctx context.Context, event store.Event, sink Sink) error {
	var newMember []byte
	inBounds := false
	if event.Fields != nil {
		member, err := store.MemberKey(state.fieldDef, event.Fields[state.field], event.RowID)
		if err != nil {
			return err
		}
		newMember = member
		inBounds = state.bounds.Contains(member)
	}

	pos := state.pos(event.RowID)
	full := len(state.entries) == state.limit

	if pos >= 0 {
		if event.Op != store.OpDelete && event.Version <= state.entries[pos].row.Version {
			// already reflected by the snapshot or a re-query
			return nil
		}

		if event.Op == store.OpDelete || !inBounds {
			// the row left the window
			state.remove(pos)
			sink.Delta(Delta{Op: store.OpDelete, RowID: event.RowID})
			if full {
				// a vacancy opened in a full window; backfill from the store
				return state.requery(ctx, sink)
			}
			return nil
		}

		row := store.Row{ID: event.RowID, Version: event.Version, Fields: event.Fields}
		old := state.remove(pos)
		if bytes.Equal(old.member, newMember) {
			state.insertSorted(windowEntry{member: newMember, row: row})
			sink.Delta(Delta{Op: store.OpUpdate, RowID: row.ID, Row: row.Clone()})
			return nil
		}
		if full && len(state.entries) > 0 &&
			state.cmp(newMember, state.entries[len(state.entries)-1].member) > 0 {
			// moved past the retained edge of a full window; rows unknown to
			// us may now outrank it
			state.entries = append(state.entries, old) // restore for the diff
			return state.requery(ctx, sink)
		}
		state.insertSorted(windowEntry{member: newMember, row: row})
		sink.Delta(Delta{Op: store.OpUpdate, RowID: row.ID, Row: row.Clone()})
		return nil
	}

	if !inBounds || event.Op == store.OpDelete {
		return nil
	}

	// a candidate row appeared outside the retained window
	row := store.Row{ID: event.RowID, Version: event.Version, Fields: event.Fields}
	if !full {
		state.insertSorted(windowEntry{member: newMember, row: row})
		sink.Delta(Delta{Op: store.OpInsert, RowID: row.ID, Row: row.Clone()})
		return nil
	}
	if state.cmp(newMember, state.entries[len(state.entries)-1].member) < 0 {
		state.insertSorted(windowEntry{member: newMember, row: row})
		evicted := state.remove(len(state.entries) - 1)
		sink.Delta(Delta{Op: store.OpInsert, RowID: row.ID, Row: row.Clone()})
		sink.Delta(Delta{Op: store.OpDelete, RowID: evicted.row.ID})
	}
	return nil
}

// requery re-runs the window query and emits the difference between the
// retained window and the fresh result: exits as deletes, entries as inserts,
// surviving rows with a newer version as updates.
func (state *rangeState) requery(ctx context.Context, sink Sink) error {
	old := state.entries

	fresh := &rangeState{
		broker: state.broker, component: state.component,
		field: state.field, fieldDef: state.fieldDef,
		left: state.left, right: state.right,
		bounds: state.bounds, limit: state.limit, desc: state.desc,
	}
	if _, err := fresh.snapshot(ctx, state.broker.freshTx()); err != nil {
		return err
	}
	state.entries = fresh.entries

	known := make(map[uint64]store.Row, len(old))
	for _, entry := range old {
		known[entry.row.ID] = entry.row
	}
	current := make(map[uint64]bool, len(state.entries))
	for _, entry := range state.entries {
		current[entry.row.ID] = true
	}

	for _, entry := range old {
		if !current[entry.row.ID] {
			sink.Delta(Delta{Op: store.OpDelete, RowID: entry.row.ID})
		}
	}
	for _, entry := range state.entries {
		before, ok := known[entry.row.ID]
		switch {
		case !ok:
			sink.Delta(Delta{Op: store.OpInsert, RowID: entry.row.ID, Row: entry.row.Clone()})
		case entry.row.Version > before.Version:
			sink.Delta(Delta{Op: store.OpUpdate, RowID: entry.row.ID, Row: entry.row.Clone()})
		}
	}
	return nil
}
