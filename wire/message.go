// Copyright (C) 2025 Heerozh.
// See LICENSE for copying information.

// Package wire implements the client protocol: tagged msgpack messages, the
// ephemeral-key handshake and the compressed, encrypted frame envelope.
//
// Every post-handshake frame carries exactly one message packed as an array
// whose first element is the tag. Rows travel in their generic map view.
package wire

import (
	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeebo/errs"
)

// Error is a wire protocol error class. Frames failing to decode close the
// connection.
var Error = errs.Class("wire")

// Message tags.
const (
	TagCall        = "sys"
	TagSubscribe   = "sub"
	TagUnsubscribe = "unsub"
	TagResponse    = "rsp"
	TagSnapshot    = "snap"
	TagDelta       = "delta"
	TagEvent       = "evt"
	TagClose       = "close"
)

// Subscription kinds carried in the sub message.
const (
	KindRow   = "row"
	KindRange = "range"
)

// Call asks the server to run a System. The server answers with exactly one
// Response bearing the same ID.
type Call struct {
	ID     uint32
	System string
	Args   []any
}

// Subscribe opens a row or range subscription. For KindRow, Args is
// [value]; for KindRange, Args is [left, right, limit, desc] with nil for an
// unbounded side. The server answers with one Snapshot bearing the same ID,
// then zero or more Delta.
type Subscribe struct {
	ID        uint32
	Kind      string
	Component string
	Index     string
	Args      []any
}

// Unsubscribe tears down a subscription. It is not acknowledged and is a
// no-op for unknown ids.
type Unsubscribe struct {
	ID uint32
}

// Response answers one Call. Err is empty on success; on failure it carries
// the error taxonomy code optionally followed by ": detail".
type Response struct {
	ID    uint32
	Err   string
	Value any
}

// Row is the wire view of one component row.
type Row struct {
	ID      uint64
	Version uint64
	Fields  map[string]any
}

// Snapshot is the initial full result of a subscription.
type Snapshot struct {
	ID   uint32
	Rows []Row
}

// Delta is one live change of a subscription. Row is nil for deletes. A
// non-empty Err is terminal: the subscription was cancelled server-side.
type Delta struct {
	ID    uint32
	Op    string
	RowID uint64
	Row   *Row
	Err   string
}

// Event is a server-initiated notification (kick, motd and similar).
type Event struct {
	Name string
	Data any
}

// Close announces an orderly shutdown of the connection.
type Close struct {
	Reason string
}

// Encode packs one message into its tagged array form.
func Encode(msg any) ([]byte, error) {
	var body []any
	switch m := msg.(type) {
	case *Call:
		body = []any{TagCall, m.ID, m.System, m.Args}
	case *Subscribe:
		body = []any{TagSubscribe, m.ID, m.Kind, m.Component, m.Index, m.Args}
	case *Unsubscribe:
		body = []any{TagUnsubscribe, m.ID}
	case *Response:
		body = []any{TagResponse, m.ID, m.Err, m.Value}
	case *Snapshot:
		rows := make([]any, len(m.Rows))
		for i, row := range m.Rows {
			rows[i] = packRow(row)
		}
		body = []any{TagSnapshot, m.ID, rows}
	case *Delta:
		var row any
		if m.Row != nil {
			row = packRow(*m.Row)
		}
		body = []any{TagDelta, m.ID, m.Op, m.RowID, row, m.Err}
	case *Event:
		body = []any{TagEvent, m.Name, m.Data}
	case *Close:
		body = []any{TagClose, m.Reason}
	default:
		return nil, Error.New("cannot encode %T", msg)
	}
	data, err := msgpack.Marshal(body)
	return data, Error.Wrap(err)
}

func packRow(row Row) []any {
	return []any{row.ID, row.Version, row.Fields}
}

// Decode unpacks one tagged message. The result is a pointer to one of the
// message structs above.
func Decode(data []byte) (any, error) {
	var body []any
	if err := msgpack.Unmarshal(data, &body); err != nil {
		return nil, Error.Wrap(err)
	}
	if len(body) == 0 {
		return nil, Error.New("empty message")
	}
	tag, ok := body[0].(string)
	if !ok {
		return nil, Error.New("message tag is %T, want string", body[0])
	}

	switch tag {
	case TagCall:
		if len(body) != 4 {
			return nil, Error.New("sys arity %d", len(body))
		}
		id, err := asUint32(body[1])
		if err != nil {
			return nil, err
		}
		name, ok := body[2].(string)
		if !ok {
			return nil, Error.New("sys name is %T", body[2])
		}
		args, err := asList(body[3])
		if err != nil {
			return nil, err
		}
		return &Call{ID: id, System: name, Args: args}, nil

	case TagSubscribe:
		if len(body) != 6 {
			return nil, Error.New("sub arity %d", len(body))
		}
		id, err := asUint32(body[1])
		if err != nil {
			return nil, err
		}
		kind, ok := body[2].(string)
		if !ok {
			return nil, Error.New("sub kind is %T", body[2])
		}
		component, ok := body[3].(string)
		if !ok {
			return nil, Error.New("sub component is %T", body[3])
		}
		index, ok := body[4].(string)
		if !ok {
			return nil, Error.New("sub index is %T", body[4])
		}
		args, err := asList(body[5])
		if err != nil {
			return nil, err
		}
		return &Subscribe{ID: id, Kind: kind, Component: component, Index: index, Args: args}, nil

	case TagUnsubscribe:
		if len(body) != 2 {
			return nil, Error.New("unsub arity %d", len(body))
		}
		id, err := asUint32(body[1])
		if err != nil {
			return nil, err
		}
		return &Unsubscribe{ID: id}, nil

	case TagResponse:
		if len(body) != 4 {
			return nil, Error.New("rsp arity %d", len(body))
		}
		id, err := asUint32(body[1])
		if err != nil {
			return nil, err
		}
		errcode, ok := body[2].(string)
		if !ok {
			return nil, Error.New("rsp err is %T", body[2])
		}
		return &Response{ID: id, Err: errcode, Value: body[3]}, nil

	case TagSnapshot:
		if len(body) != 3 {
			return nil, Error.New("snap arity %d", len(body))
		}
		id, err := asUint32(body[1])
		if err != nil {
			return nil, err
		}
		list, err := asList(body[2])
		if err != nil {
			return nil, err
		}
		rows := make([]Row, len(list))
		for i, item := range list {
			row, err := unpackRow(item)
			if err != nil {
				return nil, err
			}
			rows[i] = row
		}
		return &Snapshot{ID: id, Rows: rows}, nil

	case TagDelta:
		if len(body) != 6 {
			return nil, Error.New("delta arity %d", len(body))
		}
		id, err := asUint32(body[1])
		if err != nil {
			return nil, err
		}
		op, ok := body[2].(string)
		if !ok {
			return nil, Error.New("delta op is %T", body[2])
		}
		rowID, err := asUint64(body[3])
		if err != nil {
			return nil, err
		}
		var row *Row
		if body[4] != nil {
			r, err := unpackRow(body[4])
			if err != nil {
				return nil, err
			}
			row = &r
		}
		reason, ok := body[5].(string)
		if !ok {
			return nil, Error.New("delta err is %T", body[5])
		}
		return &Delta{ID: id, Op: op, RowID: rowID, Row: row, Err: reason}, nil

	case TagEvent:
		if len(body) != 3 {
			return nil, Error.New("evt arity %d", len(body))
		}
		name, ok := body[1].(string)
		if !ok {
			return nil, Error.New("evt name is %T", body[1])
		}
		return &Event{Name: name, Data: body[2]}, nil

	case TagClose:
		if len(body) != 2 {
			return nil, Error.New("close arity %d", len(body))
		}
		reason, ok := body[1].(string)
		if !ok {
			return nil, Error.New("close reason is %T", body[1])
		}
		return &Close{Reason: reason}, nil
	}
	return nil, Error.New("unknown message tag %q", tag)
}

func unpackRow(item any) (Row, error) {
	parts, err := asList(item)
	if err != nil || len(parts) != 3 {
		return Row{}, Error.New("malformed row")
	}
	id, err := asUint64(parts[0])
	if err != nil {
		return Row{}, err
	}
	version, err := asUint64(parts[1])
	if err != nil {
		return Row{}, err
	}
	fields, err := asMap(parts[2])
	if err != nil {
		return Row{}, err
	}
	return Row{ID: id, Version: version, Fields: fields}, nil
}

func asList(value any) ([]any, error) {
	if value == nil {
		return nil, nil
	}
	list, ok := value.([]any)
	if !ok {
		return nil, Error.New("expected list, got %T", value)
	}
	return list, nil
}

func asMap(value any) (map[string]any, error) {
	switch m := value.(type) {
	case map[string]any:
		return m, nil
	case map[any]any:
		out := make(map[string]any, len(m))
		for key, item := range m {
			name, ok := key.(string)
			if !ok {
				return nil, Error.New("map key is %T", key)
			}
			out[name] = item
		}
		return out, nil
	}
	return nil, Error.New("expected map, got %T", value)
}

func asUint64(value any) (uint64, error) {
	switch v := value.(type) {
	case uint64:
		return v, nil
	case int64:
		if v < 0 {
			return 0, Error.New("negative id %d", v)
		}
		return uint64(v), nil
	case int8:
		if v < 0 {
			return 0, Error.New("negative id %d", v)
		}
		return uint64(v), nil
	case uint8:
		return uint64(v), nil
	case int16:
		if v < 0 {
			return 0, Error.New("negative id %d", v)
		}
		return uint64(v), nil
	case uint16:
		return uint64(v), nil
	case int32:
		if v < 0 {
			return 0, Error.New("negative id %d", v)
		}
		return uint64(v), nil
	case uint32:
		return uint64(v), nil
	case int:
		if v < 0 {
			return 0, Error.New("negative id %d", v)
		}
		return uint64(v), nil
	case uint:
		return uint64(v), nil
	}
	return 0, Error.New("expected integer, got %T", value)
}

func asUint32(value any) (uint32, error) {
	v, err := asUint64(value)
	if err != nil {
		return 0, err
	}
	if v > 1<<32-1 {
		return 0, Error.New("id %d out of range", v)
	}
	return uint32(v), nil
}
