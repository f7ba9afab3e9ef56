// Copyright (C) 2025 Heerozh.
// See LICENSE for copying information.

// Package memstore implements the component store backend in process memory.
// It backs tests and single-node deployments that do not need persistence.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/spacemonkeygo/monkit/v3"

	"github.com/Heerozh/HeTu-sub001/schema"
	"github.com/Heerozh/HeTu-sub001/store"
)

var mon = monkit.Package()

// Store is an in-memory backend. All commits serialize on one mutex; index
// entries are kept as sorted member-key slices.
type Store struct {
	reg *schema.Registry
	bus *store.Bus

	mu     sync.RWMutex
	pubMu  sync.Mutex
	tables map[string]*table
	seq    uint64
}

type table struct {
	rows    map[uint64]store.Row
	indexes map[string][]store.IndexEntry
	clocks  map[string]uint64
	nextID  uint64
}

// New creates an empty in-memory backend for the given schema registry.
func New(reg *schema.Registry) *Store {
	s := &Store{
		reg:    reg,
		bus:    store.NewBus(),
		tables: make(map[string]*table),
	}
	for _, name := range reg.Names() {
		component, _ := reg.Get(name)
		t := &table{
			rows:    make(map[uint64]store.Row),
			indexes: make(map[string][]store.IndexEntry),
			clocks:  make(map[string]uint64),
		}
		for _, index := range component.Indexes {
			t.indexes[index.Field] = nil
		}
		s.tables[name] = t
	}
	return s
}

func (s *Store) table(component string) (*table, error) {
	t, ok := s.tables[component]
	if !ok {
		return nil, store.ErrNotFound.New("component %q", component)
	}
	return t, nil
}

// Load returns the current committed row.
func (s *Store) Load(ctx context.Context, component string, rowID uint64) (_ store.Row, err error) {
	defer mon.Task()(&ctx)(&err)
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, err := s.table(component)
	if err != nil {
		return store.Row{}, err
	}
	row, ok := t.rows[rowID]
	if !ok {
		return store.Row{}, store.ErrNotFound.New("%q row %d", component, rowID)
	}
	return row.Clone(), nil
}

// LoadMany returns current rows for ids, skipping missing rows.
func (s *Store) LoadMany(ctx context.Context, component string, ids []uint64) (_ []store.Row, err error) {
	defer mon.Task()(&ctx)(&err)
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, err := s.table(component)
	if err != nil {
		return nil, err
	}
	rows := make([]store.Row, 0, len(ids))
	for _, id := range ids {
		if row, ok := t.rows[id]; ok {
			rows = append(rows, row.Clone())
		}
	}
	return rows, nil
}

// ScanIndex returns up to limit entries inside bounds in member-key order.
func (s *Store) ScanIndex(ctx context.Context, component, index string, bounds store.Bounds, limit int, reverse bool) (_ []store.IndexEntry, _ uint64, err error) {
	defer mon.Task()(&ctx)(&err)
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, err := s.table(component)
	if err != nil {
		return nil, 0, err
	}
	entries, ok := t.indexes[index]
	if !ok {
		return nil, 0, store.Error.New("component %q has no index %q", component, index)
	}

	lo := 0
	if bounds.Left != nil {
		lo = sort.Search(len(entries), func(i int) bool {
			return compare(entries[i].Key, bounds.Left) >= 0
		})
	}
	hi := len(entries)
	if bounds.Right != nil {
		hi = sort.Search(len(entries), func(i int) bool {
			return compare(entries[i].Key, bounds.Right) >= 0
		})
	}

	var out []store.IndexEntry
	if reverse {
		for i := hi - 1; i >= lo && len(out) < limit; i-- {
			out = append(out, cloneEntry(entries[i]))
		}
	} else {
		for i := lo; i < hi && len(out) < limit; i++ {
			out = append(out, cloneEntry(entries[i]))
		}
	}
	return out, t.clocks[index], nil
}

// IndexClock returns the mutation clock of an index.
func (s *Store) IndexClock(ctx context.Context, component, index string) (_ uint64, err error) {
	defer mon.Task()(&ctx)(&err)
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, err := s.table(component)
	if err != nil {
		return 0, err
	}
	return t.clocks[index], nil
}

// NextID reserves a fresh row id.
func (s *Store) NextID(ctx context.Context, component string) (_ uint64, err error) {
	defer mon.Task()(&ctx)(&err)
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.table(component)
	if err != nil {
		return 0, err
	}
	t.nextID++
	return t.nextID, nil
}

// Commit validates the write set and applies it atomically.
func (s *Store) Commit(ctx context.Context, ws *store.WriteSet) (_ store.CommitInfo, err error) {
	defer mon.Task()(&ctx)(&err)

	s.mu.Lock()

	if err := s.validate(ws); err != nil {
		s.mu.Unlock()
		return store.CommitInfo{}, err
	}

	s.seq++
	info := store.CommitInfo{Seq: s.seq, Versions: make([]uint64, len(ws.Writes))}
	events := make([]store.Event, 0, len(ws.Writes))

	for i, write := range ws.Writes {
		t := s.tables[write.Component]
		component, _ := s.reg.Get(write.Component)

		switch write.Op {
		case store.OpInsert:
			row := store.Row{ID: write.RowID, Version: 1, Fields: cloneFields(write.Fields)}
			t.rows[row.ID] = row
			s.indexRow(t, component, nil, &row)
			info.Versions[i] = 1
			events = append(events, store.Event{
				Seq: info.Seq, Component: write.Component, Op: store.OpInsert,
				RowID: row.ID, Version: 1,
				Changed: fieldNames(row.Fields), Fields: cloneFields(row.Fields),
			})

		case store.OpUpdate:
			old := t.rows[write.RowID]
			row := old.Clone()
			for name, value := range write.Fields {
				row.Fields[name] = value
			}
			row.Version = old.Version + 1
			t.rows[row.ID] = row
			s.indexRow(t, component, &old, &row)
			info.Versions[i] = row.Version
			events = append(events, store.Event{
				Seq: info.Seq, Component: write.Component, Op: store.OpUpdate,
				RowID: row.ID, Version: row.Version,
				Changed: fieldNames(write.Fields),
				Fields:  cloneFields(row.Fields), Old: cloneFields(old.Fields),
			})

		case store.OpDelete:
			old := t.rows[write.RowID]
			delete(t.rows, write.RowID)
			s.indexRow(t, component, &old, nil)
			events = append(events, store.Event{
				Seq: info.Seq, Component: write.Component, Op: store.OpDelete,
				RowID: write.RowID, Version: old.Version,
				Changed: fieldNames(old.Fields), Old: cloneFields(old.Fields),
			})
		}
	}

	// publish in commit order: take the publish lock before releasing the
	// table lock so no later commit can overtake this batch on the bus
	s.pubMu.Lock()
	s.mu.Unlock()
	s.bus.Publish(events)
	s.pubMu.Unlock()

	return info, nil
}

// validate checks read stamps, range clocks and uniqueness under the lock.
func (s *Store) validate(ws *store.WriteSet) error {
	for _, read := range ws.Reads {
		t, err := s.table(read.Component)
		if err != nil {
			return err
		}
		current := uint64(0)
		if row, ok := t.rows[read.RowID]; ok {
			current = row.Version
		}
		if current != read.Version {
			return store.ErrConflict.New("%q row %d: version %d, read at %d",
				read.Component, read.RowID, current, read.Version)
		}
	}
	for _, rng := range ws.Ranges {
		t, err := s.table(rng.Component)
		if err != nil {
			return err
		}
		if t.clocks[rng.Index] != rng.Clock {
			return store.ErrConflict.New("%q index %q moved", rng.Component, rng.Index)
		}
	}
	return s.validateUnique(ws)
}

type uniqueKey struct {
	component string
	index     string
	value     string // encoded value bytes
}

func (s *Store) validateUnique(ws *store.WriteSet) error {
	added := make(map[uniqueKey]uint64)
	freed := make(map[uniqueKey]bool)

	for _, write := range ws.Writes {
		component, ok := s.reg.Get(write.Component)
		if !ok {
			return store.ErrNotFound.New("component %q", write.Component)
		}
		for _, index := range component.Indexes {
			if !index.Unique {
				continue
			}
			field, _ := component.Field(index.Field)

			var oldEnc, newEnc []byte
			if write.Old != nil {
				enc, err := store.EncodeValue(field, write.Old.Fields[index.Field])
				if err != nil {
					return err
				}
				oldEnc = enc
			}
			switch write.Op {
			case store.OpInsert:
				enc, err := store.EncodeValue(field, write.Fields[index.Field])
				if err != nil {
					return err
				}
				newEnc = enc
			case store.OpUpdate:
				if value, changed := write.Fields[index.Field]; changed {
					enc, err := store.EncodeValue(field, value)
					if err != nil {
						return err
					}
					newEnc = enc
				}
			}

			if oldEnc != nil && (write.Op == store.OpDelete || newEnc != nil) {
				freed[uniqueKey{write.Component, index.Field, string(oldEnc)}] = true
			}
			if newEnc != nil {
				key := uniqueKey{write.Component, index.Field, string(newEnc)}
				if _, dup := added[key]; dup {
					return store.ErrConstraint.New("%q.%s duplicated in one commit",
						write.Component, index.Field)
				}
				added[key] = write.RowID
			}
		}
	}

	for key, rowID := range added {
		if freed[key] {
			continue
		}
		holder, ok := s.uniqueHolder(key)
		if ok && holder != rowID {
			return store.ErrConstraint.New("unique index %q.%s already holds this value",
				key.component, key.index)
		}
	}
	return nil
}

// uniqueHolder finds the current row holding an encoded value in an index.
func (s *Store) uniqueHolder(key uniqueKey) (uint64, bool) {
	t := s.tables[key.component]
	entries := t.indexes[key.index]
	prefix := append([]byte(key.value), 0x00, 0x00)
	i := sort.Search(len(entries), func(k int) bool {
		return compare(entries[k].Key, prefix) >= 0
	})
	if i < len(entries) && hasPrefix(entries[i].Key, prefix) {
		return entries[i].RowID, true
	}
	return 0, false
}

// indexRow maintains index entries and clocks for one row transition.
func (s *Store) indexRow(t *table, component *schema.Component, oldRow, newRow *store.Row) {
	for _, index := range component.Indexes {
		field, _ := component.Field(index.Field)

		var oldKey, newKey []byte
		if oldRow != nil {
			oldKey, _ = store.MemberKey(field, oldRow.Fields[index.Field], oldRow.ID)
		}
		if newRow != nil {
			newKey, _ = store.MemberKey(field, newRow.Fields[index.Field], newRow.ID)
		}
		if oldRow != nil && newRow != nil && compare(oldKey, newKey) == 0 {
			continue
		}

		entries := t.indexes[index.Field]
		if oldKey != nil {
			i := sort.Search(len(entries), func(k int) bool {
				return compare(entries[k].Key, oldKey) >= 0
			})
			if i < len(entries) && compare(entries[i].Key, oldKey) == 0 {
				entries = append(entries[:i], entries[i+1:]...)
			}
		}
		if newKey != nil {
			i := sort.Search(len(entries), func(k int) bool {
				return compare(entries[k].Key, newKey) >= 0
			})
			entries = append(entries, store.IndexEntry{})
			copy(entries[i+1:], entries[i:])
			entries[i] = store.IndexEntry{Key: newKey, RowID: newRow.ID}
		}
		t.indexes[index.Field] = entries
		t.clocks[index.Field]++
	}
}

// Clear drops all rows, entries and counters of a component.
func (s *Store) Clear(ctx context.Context, component string) (err error) {
	defer mon.Task()(&ctx)(&err)
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.table(component)
	if err != nil {
		return err
	}
	t.rows = make(map[uint64]store.Row)
	for index := range t.indexes {
		t.indexes[index] = nil
		t.clocks[index]++
	}
	t.nextID = 0
	return nil
}

// Events returns the change-event bus.
func (s *Store) Events() *store.Bus { return s.bus }

// Close shuts down the bus.
func (s *Store) Close() error {
	s.bus.Close()
	return nil
}

func cloneEntry(entry store.IndexEntry) store.IndexEntry {
	return store.IndexEntry{Key: append([]byte{}, entry.Key...), RowID: entry.RowID}
}

func cloneFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for name, value := range fields {
		out[name] = value
	}
	return out
}

func fieldNames(fields map[string]any) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func compare(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

func hasPrefix(b, prefix []byte) bool {
	return len(b) >= len(prefix) && compare(b[:len(prefix)], prefix) == 0
}
