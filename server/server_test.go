// Copyright (C) 2025 Heerozh.
// See LICENSE for copying information.

package server_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Heerozh/HeTu-sub001/private/testcontext"
	"github.com/Heerozh/HeTu-sub001/schema"
	"github.com/Heerozh/HeTu-sub001/server"
	"github.com/Heerozh/HeTu-sub001/store"
	"github.com/Heerozh/HeTu-sub001/store/memstore"
	"github.com/Heerozh/HeTu-sub001/subscribe"
	"github.com/Heerozh/HeTu-sub001/system"
	"github.com/Heerozh/HeTu-sub001/wire"
)

type world struct {
	reg     *schema.Registry
	backend store.Backend
	broker  *subscribe.Broker
	http    *httptest.Server
}

func startWorld(t *testing.T) *world {
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
		Name: "User",
		Fields: []schema.Field{
			{Name: "name", Kind: schema.String},
		},
		Indexes: []schema.Index{{Field: "name", Unique: true}},
	}))
	reg.Freeze()

	backend := memstore.New(reg)
	t.Cleanup(func() { _ = backend.Close() })

	systems := system.NewRegistry(reg)
	require.NoError(t, systems.Register(&system.System{
		Name:   "login",
		Params: []schema.Field{{Name: "who", Kind: schema.Int64}},
		Writes: []string{"Position"},
		Body: func(ctx context.Context, call *system.Call) (any, error) {
			who := call.Arg("who").(int64)
			if _, ok, err := call.Get(ctx, "Position", "owner", who); err != nil {
				return nil, err
			} else if !ok {
				if _, err := call.Insert(ctx, "Position", map[string]any{"owner": who}); err != nil {
					return nil, err
				}
			}
			call.Elevate(uint64(who), schema.PermUser)
			return who, nil
		},
	}))
	require.NoError(t, systems.Register(&system.System{
		Name:       "move_to",
		Params:     []schema.Field{{Name: "who", Kind: schema.Int64}, {Name: "x", Kind: schema.Float64}, {Name: "y", Kind: schema.Float64}},
		Writes:     []string{"Position"},
		Permission: schema.PermUser,
		Body: func(ctx context.Context, call *system.Call) (any, error) {
			row, ok, err := call.Get(ctx, "Position", "owner", call.Arg("who"))
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, call.Abort("no such player")
			}
			return nil, call.Update(ctx, "Position", row.ID, map[string]any{
				"x": call.Arg("x"), "y": call.Arg("y"),
			})
		},
	}))
	require.NoError(t, systems.Register(&system.System{
		Name:   "register",
		Params: []schema.Field{{Name: "name", Kind: schema.String}},
		Writes: []string{"User"},
		Body: func(ctx context.Context, call *system.Call) (any, error) {
			return call.Insert(ctx, "User", map[string]any{"name": call.Arg("name")})
		},
	}))
	require.NoError(t, systems.Register(&system.System{
		Name:       "wipe",
		Permission: schema.PermAdmin,
		Body: func(ctx context.Context, call *system.Call) (any, error) {
			return nil, nil
		},
	}))
	require.NoError(t, systems.Register(&system.System{
		Name:   "slow_trade",
		Writes: []string{"User"},
		Body: func(ctx context.Context, call *system.Call) (any, error) {
			if _, err := call.Insert(ctx, "User", map[string]any{"name": "trader"}); err != nil {
				return nil, err
			}
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
			}
			return nil, ctx.Err()
		},
	}))
	systems.Freeze()

	log := zaptest.NewLogger(t)
	executor := system.NewExecutor(log, backend, systems, system.Config{})
	broker := subscribe.NewBroker(log, backend, reg)
	t.Cleanup(broker.Close)

	srv := server.New(log, server.Config{}, reg, executor, broker)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	return &world{reg: reg, backend: backend, broker: broker, http: ts}
}

type client struct {
	t      *testing.T
	conn   *websocket.Conn
	cipher *wire.Cipher
}

func dial(t *testing.T, w *world, compress bool) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(w.http.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	hello, priv, err := wire.NewHello(compress)
	require.NoError(t, err)
	data, err := wire.EncodeHello(hello)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, data))

	_, reply, err := conn.ReadMessage()
	require.NoError(t, err)
	welcome, err := wire.DecodeWelcome(reply)
	require.NoError(t, err)
	cipher, err := wire.Finish(hello, priv, welcome)
	require.NoError(t, err)

	return &client{t: t, conn: conn, cipher: cipher}
}

func (c *client) send(msg any) {
	c.t.Helper()
	data, err := wire.Encode(msg)
	require.NoError(c.t, err)
	frame, err := c.cipher.Seal(data)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.BinaryMessage, frame))
}

func (c *client) recv() any {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, frame, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	plain, err := c.cipher.Open(frame)
	require.NoError(c.t, err)
	msg, err := wire.Decode(plain)
	require.NoError(c.t, err)
	return msg
}

func (c *client) call(id uint32, name string, args ...any) *wire.Response {
	c.t.Helper()
	c.send(&wire.Call{ID: id, System: name, Args: args})
	rsp := c.recv().(*wire.Response)
	require.Equal(c.t, id, rsp.ID)
	return rsp
}

func TestLoginThenMove(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	w := startWorld(t)

	watcher := dial(t, w, true)
	watcher.send(&wire.Subscribe{
		ID: 1, Kind: wire.KindRow, Component: "Position", Index: "owner",
		Args: []any{int64(1)},
	})
	snap := watcher.recv().(*wire.Snapshot)
	require.Equal(t, uint32(1), snap.ID)
	require.Empty(t, snap.Rows)

	player := dial(t, w, false)

	// guests cannot move yet
	rsp := player.call(1, "move_to", int64(1), 3.0, 4.0)
	require.Equal(t, "forbidden", rsp.Err)

	rsp = player.call(2, "login", int64(1))
	require.Empty(t, rsp.Err)

	delta := watcher.recv().(*wire.Delta)
	require.Equal(t, "insert", delta.Op)
	require.NotNil(t, delta.Row)

	rsp = player.call(3, "move_to", int64(1), 3.0, 4.0)
	require.Empty(t, rsp.Err)

	delta = watcher.recv().(*wire.Delta)
	require.Equal(t, "update", delta.Op)
	require.Equal(t, 3.0, delta.Row.Fields["x"])
	require.Equal(t, 4.0, delta.Row.Fields["y"])
	require.Equal(t, uint64(2), delta.Row.Version)
}

func TestCallErrors(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	w := startWorld(t)
	c := dial(t, w, false)

	rsp := c.call(1, "no_such_system")
	require.Equal(t, "unknown-system", rsp.Err)

	rsp = c.call(2, "login")
	require.Equal(t, "bad-args", rsp.Err)

	rsp = c.call(3, "wipe")
	require.Equal(t, "forbidden", rsp.Err)

	rsp = c.call(4, "move_to", int64(9), 0.0, 0.0)
	require.Equal(t, "forbidden", rsp.Err)

	// the connection survives rejected calls
	rsp = c.call(5, "register", "alice")
	require.Empty(t, rsp.Err)
}

func TestUniqueConflictOverWire(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	w := startWorld(t)

	a := dial(t, w, false)
	b := dial(t, w, false)

	rsp := a.call(1, "register", "alice")
	require.Empty(t, rsp.Err)
	rsp = b.call(1, "register", "alice")
	require.Equal(t, "constraint-violated", rsp.Err)
}

func TestPerSessionFIFO(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	w := startWorld(t)
	c := dial(t, w, false)

	c.send(&wire.Call{ID: 10, System: "register", Args: []any{"first"}})
	c.send(&wire.Call{ID: 11, System: "register", Args: []any{"second"}})

	rsp := c.recv().(*wire.Response)
	require.Equal(t, uint32(10), rsp.ID)
	rsp = c.recv().(*wire.Response)
	require.Equal(t, uint32(11), rsp.ID)
}

func TestUnsubscribe(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	w := startWorld(t)
	c := dial(t, w, false)

	c.send(&wire.Subscribe{
		ID: 7, Kind: wire.KindRange, Component: "Position", Index: "owner",
		Args: []any{nil, nil, 10, false},
	})
	snap := c.recv().(*wire.Snapshot)
	require.Equal(t, uint32(7), snap.ID)

	c.send(&wire.Unsubscribe{ID: 7})
	c.send(&wire.Unsubscribe{ID: 7})  // repeated
	c.send(&wire.Unsubscribe{ID: 99}) // unknown

	// mutations after unsubscribe produce no deltas; the next response is
	// the call's own
	rsp := c.call(1, "login", int64(5))
	require.Empty(t, rsp.Err)
}

func TestSubscribeErrors(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	w := startWorld(t)
	c := dial(t, w, false)

	c.send(&wire.Subscribe{
		ID: 1, Kind: wire.KindRow, Component: "Nope", Index: "owner",
		Args: []any{int64(1)},
	})
	delta := c.recv().(*wire.Delta)
	require.Equal(t, uint32(1), delta.ID)
	require.NotEmpty(t, delta.Err)
}

func TestDisconnectMidSystem(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	w := startWorld(t)
	c := dial(t, w, false)

	c.send(&wire.Call{ID: 1, System: "slow_trade"})
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, c.conn.Close())

	// the transaction is rolled back: the insert never becomes visible
	require.Never(t, func() bool {
		tx := store.NewTx(w.backend, w.reg, schema.PermOwner)
		_, ok, err := tx.Get(ctx, "User", "name", "trader")
		return err == nil && ok
	}, time.Second, 100*time.Millisecond)
}

func TestHandshakeGarbage(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	w := startWorld(t)

	url := "ws" + strings.TrimPrefix(w.http.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("not a hello")))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err) // the server closed the connection
}
