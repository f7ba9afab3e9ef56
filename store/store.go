// Copyright (C) 2025 Heerozh.
// See LICENSE for copying information.

// Package store implements the component store: a schema-typed, indexed,
// versioned row store with optimistic multi-row transactions and per-row
// change notifications.
//
// The store is split into a backend-agnostic contract (Backend) and the
// transaction layer (Tx) built on top of it. A conforming backend supplies
// atomic multi-row commit with version CAS, indexed range scans, uniqueness
// enforcement and change-event fan-out; everything else lives here.
package store

import (
	"context"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var mon = monkit.Package()

var (
	// Error is a generic store error class.
	Error = errs.Class("store")

	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errs.Class("not found")

	// ErrConflict is returned by Commit when the transaction's read set is
	// stale. The caller may retry the whole transaction.
	ErrConflict = errs.Class("conflict")

	// ErrConstraint is returned by Commit when a unique index would end up
	// with two rows holding the same value.
	ErrConstraint = errs.Class("constraint violated")

	// ErrForbidden is returned when the transaction's identity level is below
	// the component's mutation permission.
	ErrForbidden = errs.Class("forbidden")

	// ErrBackend is returned when the backing store is unreachable.
	ErrBackend = errs.Class("backend unavailable")
)

// Op is a row mutation kind.
type Op byte

// Row mutation kinds.
const (
	OpInsert Op = iota + 1
	OpUpdate
	OpDelete
)

// String implements the Stringer interface.
func (op Op) String() string {
	switch op {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Row is one instance of a component. ID is assigned on insert and never
// reused; Version starts at 1 and increases on every mutation.
type Row struct {
	ID      uint64
	Version uint64
	Fields  map[string]any
}

// Clone returns a deep-enough copy of the row for handing to other goroutines.
func (row Row) Clone() Row {
	fields := make(map[string]any, len(row.Fields))
	for name, value := range row.Fields {
		fields[name] = value
	}
	return Row{ID: row.ID, Version: row.Version, Fields: fields}
}

// Bounds is a half-open window [Left, Right) over encoded index member keys.
// A nil side is unbounded.
type Bounds struct {
	Left  []byte
	Right []byte
}

// IndexEntry is one member of an ordered index: the encoded member key and
// the row it points at.
type IndexEntry struct {
	Key   []byte
	RowID uint64
}

// ReadStamp records one observed row version. Version 0 means the row was
// observed to be absent.
type ReadStamp struct {
	Component string
	RowID     uint64
	Version   uint64
}

// RangeStamp records the mutation clock of a consulted index. Commit fails
// with ErrConflict if the clock moved since the scan.
type RangeStamp struct {
	Component string
	Index     string
	Clock     uint64
}

// Write is one staged mutation. For updates and deletes Old carries the row
// as observed by the transaction; the backend derives index maintenance and
// change events from it.
type Write struct {
	Op        Op
	Component string
	RowID     uint64
	Fields    map[string]any // full new field set (nil for delete)
	Old       *Row           // nil for insert
}

// WriteSet is everything a transaction hands to the backend at commit time.
type WriteSet struct {
	Reads  []ReadStamp
	Ranges []RangeStamp
	Writes []Write
}

// CommitInfo describes a successful commit.
type CommitInfo struct {
	// Seq is the global commit sequence number; commits are totally ordered.
	Seq uint64
	// Versions holds the new version of each written row, aligned with
	// WriteSet.Writes (0 for deletes).
	Versions []uint64
}

// Backend is the storage engine contract. Implementations must make Commit
// atomic: validation and application happen with no interleaved commit.
type Backend interface {
	// Load returns the current committed row, or ErrNotFound.
	Load(ctx context.Context, component string, rowID uint64) (Row, error)

	// LoadMany returns the current committed rows for ids, skipping rows that
	// no longer exist, preserving the order of ids.
	LoadMany(ctx context.Context, component string, ids []uint64) ([]Row, error)

	// ScanIndex returns up to limit index entries inside bounds in member-key
	// order (reversed when reverse is set), along with the index mutation
	// clock observed at the same moment.
	ScanIndex(ctx context.Context, component, index string, bounds Bounds, limit int, reverse bool) ([]IndexEntry, uint64, error)

	// IndexClock returns the current mutation clock of an index.
	IndexClock(ctx context.Context, component, index string) (uint64, error)

	// NextID reserves and returns a fresh row id for the component. Reserved
	// ids are burned even if the transaction never commits.
	NextID(ctx context.Context, component string) (uint64, error)

	// Commit atomically validates the read set and applies the writes,
	// returning ErrConflict or ErrConstraint on validation failure. On
	// success all change events of the commit are published contiguously.
	Commit(ctx context.Context, ws *WriteSet) (CommitInfo, error)

	// Clear drops all rows, index entries and counters of a component.
	Clear(ctx context.Context, component string) error

	// Events returns the change-event bus fed by this backend.
	Events() *Bus

	// Close releases resources.
	Close() error
}
