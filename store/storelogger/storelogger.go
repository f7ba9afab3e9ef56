// Copyright (C) 2025 Heerozh.
// See LICENSE for copying information.

// Package storelogger implements a zap logging decorator for store backends.
package storelogger

import (
	"context"
	"strconv"
	"sync/atomic"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"github.com/Heerozh/HeTu-sub001/store"
)

var mon = monkit.Package()

var id int64

// Logger wraps a store.Backend and logs every call at debug level.
type Logger struct {
	log     *zap.Logger
	backend store.Backend
}

// New creates a new Logger around backend.
func New(log *zap.Logger, backend store.Backend) *Logger {
	loggerid := atomic.AddInt64(&id, 1)
	name := strconv.Itoa(int(loggerid))
	return &Logger{log: log.Named(name), backend: backend}
}

// Load returns the current committed row.
func (logger *Logger) Load(ctx context.Context, component string, rowID uint64) (_ store.Row, err error) {
	defer mon.Task()(&ctx)(&err)
	logger.log.Debug("Load", zap.String("component", component), zap.Uint64("row", rowID))
	return logger.backend.Load(ctx, component, rowID)
}

// LoadMany returns current rows for ids.
func (logger *Logger) LoadMany(ctx context.Context, component string, ids []uint64) (_ []store.Row, err error) {
	defer mon.Task()(&ctx)(&err)
	logger.log.Debug("LoadMany", zap.String("component", component), zap.Int("rows", len(ids)))
	return logger.backend.LoadMany(ctx, component, ids)
}

// ScanIndex returns index entries inside bounds.
func (logger *Logger) ScanIndex(ctx context.Context, component, index string, bounds store.Bounds, limit int, reverse bool) (_ []store.IndexEntry, _ uint64, err error) {
	defer mon.Task()(&ctx)(&err)
	logger.log.Debug("ScanIndex",
		zap.String("component", component), zap.String("index", index),
		zap.Int("limit", limit), zap.Bool("reverse", reverse))
	return logger.backend.ScanIndex(ctx, component, index, bounds, limit, reverse)
}

// IndexClock returns the mutation clock of an index.
func (logger *Logger) IndexClock(ctx context.Context, component, index string) (_ uint64, err error) {
	defer mon.Task()(&ctx)(&err)
	return logger.backend.IndexClock(ctx, component, index)
}

// NextID reserves a fresh row id.
func (logger *Logger) NextID(ctx context.Context, component string) (_ uint64, err error) {
	defer mon.Task()(&ctx)(&err)
	id, err := logger.backend.NextID(ctx, component)
	logger.log.Debug("NextID", zap.String("component", component), zap.Uint64("id", id))
	return id, err
}

// Commit validates and applies the write set.
func (logger *Logger) Commit(ctx context.Context, ws *store.WriteSet) (_ store.CommitInfo, err error) {
	defer mon.Task()(&ctx)(&err)
	info, err := logger.backend.Commit(ctx, ws)
	logger.log.Debug("Commit",
		zap.Int("reads", len(ws.Reads)), zap.Int("ranges", len(ws.Ranges)),
		zap.Int("writes", len(ws.Writes)), zap.Uint64("seq", info.Seq),
		zap.Error(err))
	return info, err
}

// Clear drops a component's data.
func (logger *Logger) Clear(ctx context.Context, component string) (err error) {
	defer mon.Task()(&ctx)(&err)
	logger.log.Debug("Clear", zap.String("component", component))
	return logger.backend.Clear(ctx, component)
}

// Events returns the wrapped backend's bus.
func (logger *Logger) Events() *store.Bus { return logger.backend.Events() }

// Close closes the wrapped backend.
func (logger *Logger) Close() error { return logger.backend.Close() }
