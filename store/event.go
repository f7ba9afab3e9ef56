// Copyright (C) 2025 Heerozh.
// See LICENSE for copying information.

package store

import (
	"sort"
	"sync"
)

// Event is one committed row mutation fanned out to interested subscribers.
// Fields holds the full row after the mutation (nil for deletes), Old the
// full row before it (nil for inserts). All events of one commit share Seq
// and are published contiguously.
type Event struct {
	Seq       uint64
	Component string
	Op        Op
	RowID     uint64
	Version   uint64
	Changed   []string
	Fields    map[string]any
	Old       map[string]any
}

// Bus routes committed change events to subscribers by component name.
// Delivery to a live subscriber blocks until accepted, which is what
// guarantees no subscription misses a transition; subscribers must keep
// draining and push backpressure handling (disconnecting slow clients) to
// their own send queues.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]*BusSub
	closed      bool
}

// BusSub is one registration on the bus. Events arrive on C in publish order.
type BusSub struct {
	C chan Event

	bus        *Bus
	components []string
	done       chan struct{}
	once       sync.Once
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[string][]*BusSub)}
}

// Subscribe registers interest in the given components. The returned
// subscription must be drained until Close is called on it.
func (bus *Bus) Subscribe(buffer int, components ...string) *BusSub {
	sub := &BusSub{
		C:          make(chan Event, buffer),
		bus:        bus,
		components: components,
		done:       make(chan struct{}),
	}
	bus.mu.Lock()
	defer bus.mu.Unlock()
	for _, component := range components {
		bus.subscribers[component] = append(bus.subscribers[component], sub)
	}
	return sub
}

// Close unregisters the subscription and releases any publisher blocked on
// it. Pending events on C are discarded by the subscriber.
func (sub *BusSub) Close() {
	sub.once.Do(func() {
		close(sub.done)
		sub.bus.remove(sub)
	})
}

func (bus *Bus) remove(sub *BusSub) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	for _, component := range sub.components {
		subs := bus.subscribers[component]
		for i, s := range subs {
			if s == sub {
				bus.subscribers[component] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Publish delivers the events of one commit, in order, to every subscriber
// of each event's component. Delivery blocks until each subscriber accepts
// the event or unsubscribes, so a stalled consumer stalls later commits
// until its session hits the write timeout and is torn down. Publish is a
// no-op after Close.
func (bus *Bus) Publish(events []Event) {
	for _, event := range events {
		bus.mu.RLock()
		subs := make([]*BusSub, len(bus.subscribers[event.Component]))
		copy(subs, bus.subscribers[event.Component])
		closed := bus.closed
		bus.mu.RUnlock()
		if closed {
			return
		}

		for _, sub := range subs {
			select {
			case sub.C <- event:
			case <-sub.done:
			}
		}
	}
}

// Close marks the bus closed. Subscriber channels stay open and owned by
// their subscribers.
func (bus *Bus) Close() {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	bus.closed = true
}

// EventsForCommit derives the contiguous event batch of one commit from its
// write set. Versions is aligned with ws.Writes as returned in CommitInfo.
func EventsForCommit(ws *WriteSet, seq uint64, versions []uint64) []Event {
	events := make([]Event, 0, len(ws.Writes))
	for i, write := range ws.Writes {
		event := Event{
			Seq:       seq,
			Component: write.Component,
			Op:        write.Op,
			RowID:     write.RowID,
		}
		switch write.Op {
		case OpInsert:
			event.Version = versions[i]
			event.Changed = sortedNames(write.Fields)
			event.Fields = copyFields(write.Fields)
		case OpUpdate:
			event.Version = versions[i]
			event.Changed = sortedNames(write.Fields)
			event.Old = copyFields(write.Old.Fields)
			merged := copyFields(write.Old.Fields)
			for name, value := range write.Fields {
				merged[name] = value
			}
			event.Fields = merged
		case OpDelete:
			event.Version = write.Old.Version
			event.Changed = sortedNames(write.Old.Fields)
			event.Old = copyFields(write.Old.Fields)
		}
		events = append(events, event)
	}
	return events
}

func copyFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for name, value := range fields {
		out[name] = value
	}
	return out
}

func sortedNames(fields map[string]any) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
