// Copyright (C) 2025 Heerozh.
// See LICENSE for copying information.

// Package redisstore implements the component store backend on Redis.
//
// Layout, per cluster prefix:
//
//	{p}:c:{component}:{id}      hash {v: version, d: packed fields}
//	{p}:i:{component}:{field}   zset of order-preserving member keys
//	{p}:k:{component}:{field}   index mutation clock
//	{p}:n:{component}           row id counter
//	{p}:seq                     global commit sequence
//
// Commits run as a single Lua script (see script.go) so validation and
// application are atomic. Change events are published in process after the
// script succeeds.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"github.com/Heerozh/HeTu-sub001/schema"
	"github.com/Heerozh/HeTu-sub001/store"
)

var (
	mon = monkit.Package()

	// Error is a redisstore error class.
	Error = errs.Class("redisstore")
)

// Store is a Redis-backed component store backend.
type Store struct {
	db     *redis.Client
	reg    *schema.Registry
	bus    *store.Bus
	prefix string

	pubMu  sync.Mutex
	commit *redis.Script
}

// Open connects to redis at address and verifies the connection.
func Open(ctx context.Context, address, password string, db int, cluster string, reg *schema.Registry) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, Error.New("ping failed: %v", err)
	}
	return &Store{
		db:     client,
		reg:    reg,
		bus:    store.NewBus(),
		prefix: cluster,
		commit: redis.NewScript(commitScript),
	}, nil
}

// OpenFrom connects using a redis:// URL, e.g. redis://host:port?db=0.
func OpenFrom(ctx context.Context, address, cluster string, reg *schema.Registry) (*Store, error) {
	opts, err := redis.ParseURL(address)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, Error.New("ping failed: %v", err)
	}
	return &Store{
		db:     client,
		reg:    reg,
		bus:    store.NewBus(),
		prefix: cluster,
		commit: redis.NewScript(commitScript),
	}, nil
}

func (s *Store) rowKey(component string, rowID uint64) string {
	return fmt.Sprintf("%s:c:%s:%d", s.prefix, component, rowID)
}

func (s *Store) indexKey(component, index string) string {
	return fmt.Sprintf("%s:i:%s:%s", s.prefix, component, index)
}

func (s *Store) clockKey(component, index string) string {
	return fmt.Sprintf("%s:k:%s:%s", s.prefix, component, index)
}

func (s *Store) counterKey(component string) string {
	return fmt.Sprintf("%s:n:%s", s.prefix, component)
}

func (s *Store) seqKey() string {
	return s.prefix + ":seq"
}

// Load returns the current committed row.
func (s *Store) Load(ctx context.Context, component string, rowID uint64) (_ store.Row, err error) {
	defer mon.Task()(&ctx)(&err)

	comp, ok := s.reg.Get(component)
	if !ok {
		return store.Row{}, store.ErrNotFound.New("component %q", component)
	}
	values, err := s.db.HMGet(ctx, s.rowKey(component, rowID), "v", "d").Result()
	if err != nil {
		return store.Row{}, store.ErrBackend.Wrap(err)
	}
	return parseRow(comp, rowID, values)
}

func parseRow(comp *schema.Component, rowID uint64, values []any) (store.Row, error) {
	if len(values) != 2 || values[0] == nil || values[1] == nil {
		return store.Row{}, store.ErrNotFound.New("%q row %d", comp.Name, rowID)
	}
	version, err := strconv.ParseUint(values[0].(string), 10, 64)
	if err != nil {
		return store.Row{}, Error.New("corrupt version for %q row %d: %v", comp.Name, rowID, err)
	}
	fields, err := store.UnpackFields(comp, []byte(values[1].(string)))
	if err != nil {
		return store.Row{}, err
	}
	return store.Row{ID: rowID, Version: version, Fields: fields}, nil
}

// LoadMany returns current rows for ids in order, skipping missing rows.
func (s *Store) LoadMany(ctx context.Context, component string, ids []uint64) (_ []store.Row, err error) {
	defer mon.Task()(&ctx)(&err)

	comp, ok := s.reg.Get(component)
	if !ok {
		return nil, store.ErrNotFound.New("component %q", component)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.SliceCmd, len(ids))
	_, err = s.db.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HMGet(ctx, s.rowKey(component, id), "v", "d")
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, store.ErrBackend.Wrap(err)
	}

	rows := make([]store.Row, 0, len(ids))
	for i, cmd := range cmds {
		row, err := parseRow(comp, ids[i], cmd.Val())
		if store.ErrNotFound.Has(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// ScanIndex returns up to limit entries inside bounds in member-key order.
// The clock is read before the scan so any interleaved mutation surfaces as
// a commit conflict rather than a silently torn read.
func (s *Store) ScanIndex(ctx context.Context, component, index string, bounds store.Bounds, limit int, reverse bool) (_ []store.IndexEntry, _ uint64, err error) {
	defer mon.Task()(&ctx)(&err)

	min, max := "-", "+"
	if bounds.Left != nil {
		min = "[" + string(bounds.Left)
	}
	if bounds.Right != nil {
		max = "(" + string(bounds.Right)
	}
	by := &redis.ZRangeBy{Min: min, Max: max, Offset: 0, Count: int64(limit)}

	var clockCmd *redis.StringCmd
	var scanCmd *redis.StringSliceCmd
	_, err = s.db.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		clockCmd = pipe.Get(ctx, s.clockKey(component, index))
		if reverse {
			scanCmd = pipe.ZRevRangeByLex(ctx, s.indexKey(component, index), by)
		} else {
			scanCmd = pipe.ZRangeByLex(ctx, s.indexKey(component, index), by)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, 0, store.ErrBackend.Wrap(err)
	}

	clock := uint64(0)
	if clockCmd.Err() == nil {
		clock, err = strconv.ParseUint(clockCmd.Val(), 10, 64)
		if err != nil {
			return nil, 0, Error.New("corrupt clock for %q.%s: %v", component, index, err)
		}
	}

	members := scanCmd.Val()
	entries := make([]store.IndexEntry, 0, len(members))
	for _, member := range members {
		key := []byte(member)
		entries = append(entries, store.IndexEntry{Key: key, RowID: store.MemberRowID(key)})
	}
	return entries, clock, nil
}

// IndexClock returns the current mutation clock of an index.
func (s *Store) IndexClock(ctx context.Context, component, index string) (_ uint64, err error) {
	defer mon.Task()(&ctx)(&err)

	value, err := s.db.Get(ctx, s.clockKey(component, index)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, store.ErrBackend.Wrap(err)
	}
	clock, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, Error.New("corrupt clock for %q.%s: %v", component, index, err)
	}
	return clock, nil
}

// NextID reserves a fresh row id. Ids are burned even when the transaction
// never commits, so they are never reused.
func (s *Store) NextID(ctx context.Context, component string) (_ uint64, err error) {
	defer mon.Task()(&ctx)(&err)

	id, err := s.db.Incr(ctx, s.counterKey(component)).Result()
	if err != nil {
		return 0, store.ErrBackend.Wrap(err)
	}
	return uint64(id), nil
}

// Commit validates and applies the write set atomically via the commit
// script, then publishes the change events of the commit in order.
func (s *Store) Commit(ctx context.Context, ws *store.WriteSet) (_ store.CommitInfo, err error) {
	defer mon.Task()(&ctx)(&err)

	plan, versions, err := s.buildPlan(ws)
	if err != nil {
		return store.CommitInfo{}, err
	}

	// the publish lock spans the script so events reach the bus in commit
	// order
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	result, err := s.commit.Run(ctx, s.db, []string{s.seqKey()}, plan...).Result()
	if err != nil {
		msg := err.Error()
		switch {
		case strings.HasPrefix(msg, "conflict:"):
			return store.CommitInfo{}, store.ErrConflict.New("%s", strings.TrimSpace(strings.TrimPrefix(msg, "conflict:")))
		case strings.HasPrefix(msg, "constraint:"):
			return store.CommitInfo{}, store.ErrConstraint.New("%s", strings.TrimSpace(strings.TrimPrefix(msg, "constraint:")))
		default:
			return store.CommitInfo{}, store.ErrBackend.Wrap(err)
		}
	}

	seq, ok := result.(int64)
	if !ok {
		return store.CommitInfo{}, Error.New("unexpected commit reply %T", result)
	}
	info := store.CommitInfo{Seq: uint64(seq), Versions: versions}
	s.bus.Publish(store.EventsForCommit(ws, info.Seq, versions))
	return info, nil
}

// buildPlan flattens the write set into the script's token stream. All index
// maintenance is precomputed here from the observed old rows; the version
// checks in the script guarantee those observations are still current when
// the plan applies.
func (s *Store) buildPlan(ws *store.WriteSet) (plan []any, versions []uint64, err error) {
	for _, read := range ws.Reads {
		plan = append(plan, "R", s.rowKey(read.Component, read.RowID), strconv.FormatUint(read.Version, 10))
	}
	for _, rng := range ws.Ranges {
		plan = append(plan, "C", s.clockKey(rng.Component, rng.Index), strconv.FormatUint(rng.Clock, 10))
	}

	var mutations []any
	touched := make(map[string]bool)
	versions = make([]uint64, len(ws.Writes))

	// the script checks uniqueness against pre-apply state, so duplicates
	// staged within this same commit must be rejected here
	dup := make(map[string]bool)

	for i, write := range ws.Writes {
		comp, ok := s.reg.Get(write.Component)
		if !ok {
			return nil, nil, store.ErrNotFound.New("component %q", write.Component)
		}

		switch write.Op {
		case store.OpInsert:
			versions[i] = 1
			data, err := store.PackFields(write.Fields)
			if err != nil {
				return nil, nil, err
			}
			mutations = append(mutations, "S", s.rowKey(write.Component, write.RowID), "1", string(data))

			for _, index := range comp.Indexes {
				field, _ := comp.Field(index.Field)
				member, err := store.MemberKey(field, write.Fields[index.Field], write.RowID)
				if err != nil {
					return nil, nil, err
				}
				mutations = append(mutations, "A", s.indexKey(write.Component, index.Field), string(member))
				touched[write.Component+"\x00"+index.Field] = true
				if index.Unique {
					plan, err = s.uniqueCheck(plan, dup, comp, index, write.Fields[index.Field], member)
					if err != nil {
						return nil, nil, err
					}
				}
			}

		case store.OpUpdate:
			versions[i] = write.Old.Version + 1
			merged := make(map[string]any, len(write.Old.Fields))
			for name, value := range write.Old.Fields {
				merged[name] = value
			}
			for name, value := range write.Fields {
				merged[name] = value
			}
			data, err := store.PackFields(merged)
			if err != nil {
				return nil, nil, err
			}
			mutations = append(mutations, "S", s.rowKey(write.Component, write.RowID),
				strconv.FormatUint(versions[i], 10), string(data))

			for _, index := range comp.Indexes {
				field, _ := comp.Field(index.Field)
				oldMember, err := store.MemberKey(field, write.Old.Fields[index.Field], write.RowID)
				if err != nil {
					return nil, nil, err
				}
				newMember, err := store.MemberKey(field, merged[index.Field], write.RowID)
				if err != nil {
					return nil, nil, err
				}
				if string(oldMember) == string(newMember) {
					continue
				}
				zkey := s.indexKey(write.Component, index.Field)
				mutations = append(mutations, "X", zkey, string(oldMember), "A", zkey, string(newMember))
				touched[write.Component+"\x00"+index.Field] = true
				if index.Unique {
					plan, err = s.uniqueCheck(plan, dup, comp, index, merged[index.Field], newMember)
					if err != nil {
						return nil, nil, err
					}
				}
			}

		case store.OpDelete:
			versions[i] = 0
			mutations = append(mutations, "D", s.rowKey(write.Component, write.RowID))
			for _, index := range comp.Indexes {
				field, _ := comp.Field(index.Field)
				member, err := store.MemberKey(field, write.Old.Fields[index.Field], write.RowID)
				if err != nil {
					return nil, nil, err
				}
				mutations = append(mutations, "X", s.indexKey(write.Component, index.Field), string(member))
				touched[write.Component+"\x00"+index.Field] = true
			}
		}
	}

	plan = append(plan, mutations...)
	for key := range touched {
		parts := strings.SplitN(key, "\x00", 2)
		plan = append(plan, "I", s.clockKey(parts[0], parts[1]))
	}
	return plan, versions, nil
}

func (s *Store) uniqueCheck(plan []any, dup map[string]bool, comp *schema.Component, index schema.Index, value any, self []byte) ([]any, error) {
	field, _ := comp.Field(index.Field)
	bounds, err := store.PointBounds(field, value)
	if err != nil {
		return nil, err
	}
	group := comp.Name + "\x00" + index.Field + "\x00" + string(bounds.Left)
	if dup[group] {
		return nil, store.ErrConstraint.New("unique index %q.%s duplicated in one commit",
			comp.Name, index.Field)
	}
	dup[group] = true
	return append(plan, "U", s.indexKey(comp.Name, index.Field),
		"["+string(bounds.Left), "("+string(bounds.Right), string(self)), nil
}

// Clear drops all rows, index entries and counters of a component.
func (s *Store) Clear(ctx context.Context, component string) (err error) {
	defer mon.Task()(&ctx)(&err)

	comp, ok := s.reg.Get(component)
	if !ok {
		return store.ErrNotFound.New("component %q", component)
	}

	it := s.db.Scan(ctx, 0, s.prefix+":c:"+component+":*", 0).Iterator()
	for it.Next(ctx) {
		if err := s.db.Del(ctx, it.Val()).Err(); err != nil {
			return store.ErrBackend.Wrap(err)
		}
	}
	if err := it.Err(); err != nil {
		return store.ErrBackend.Wrap(err)
	}

	keys := []string{s.counterKey(component)}
	for _, index := range comp.Indexes {
		keys = append(keys, s.indexKey(component, index.Field), s.clockKey(component, index.Field))
	}
	return store.ErrBackend.Wrap(s.db.Del(ctx, keys...).Err())
}

// Events returns the change-event bus fed by this backend.
func (s *Store) Events() *store.Bus { return s.bus }

// Close closes the redis client and the bus.
func (s *Store) Close() error {
	s.bus.Close()
	return Error.Wrap(s.db.Close())
}
