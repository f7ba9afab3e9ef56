// Copyright (C) 2025 Heerozh.
// See LICENSE for copying information.

package server

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Heerozh/HeTu-sub001/schema"
	"github.com/Heerozh/HeTu-sub001/store"
	"github.com/Heerozh/HeTu-sub001/subscribe"
	"github.com/Heerozh/HeTu-sub001/system"
	"github.com/Heerozh/HeTu-sub001/wire"
)

// Error taxonomy codes surfaced in rsp.err.
const (
	codeUnknownSystem = "unknown-system"
	codeBadArgs       = "bad-args"
	codeForbidden     = "forbidden"
	codeTimeout       = "timeout"
	codeExhausted     = "conflict-exhausted"
	codeConstraint    = "constraint-violated"
	codeBackend       = "backend-unavailable"
	codeInternal      = "internal"
)

// Session is the server-side state of one connection. The read pump, the
// handler and the writer are three goroutines: the pump preserves arrival
// order and watches for disconnects, the handler serializes request
// processing, the writer serializes sealing and sending.
type Session struct {
	id     uint64
	log    *zap.Logger
	server *Server
	conn   *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	cipher  *wire.Cipher
	limiter *rate.Limiter
	inbox   chan []byte
	send    chan []byte

	// identity, owned by the handler goroutine; Elevate runs inside a
	// handler-invoked system commit
	mu       sync.Mutex
	identity uint64
	level    schema.Permission

	// client sub id -> broker sub id, handler goroutine only
	subs map[uint32]uint64
}

func newSession(server *Server, id uint64, conn *websocket.Conn) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:      id,
		log:     server.log.Named("session").With(zap.Uint64("id", id)),
		server:  server,
		conn:    conn,
		ctx:     ctx,
		cancel:  cancel,
		limiter: server.newLimiter(),
		inbox:   make(chan []byte, 16),
		send:    make(chan []byte, server.config.SendQueue),
		level:   schema.PermGuest,
		subs:    make(map[uint32]uint64),
	}
}

// Identity returns the identity bound by a committed Elevate; ok is false
// while the session is still a guest.
func (session *Session) Identity() (uint64, bool) {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.identity, session.level > schema.PermGuest
}

// Permission returns the session's current identity level.
func (session *Session) Permission() schema.Permission {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.level
}

// Elevate binds an identity to the session. The executor calls it after a
// successful login-style commit; it applies to subsequent requests.
func (session *Session) Elevate(identity uint64, level schema.Permission) {
	session.mu.Lock()
	defer session.mu.Unlock()
	session.identity, session.level = identity, level
}

// Kick sends a server-initiated close and tears the session down.
func (session *Session) Kick(reason string) {
	if data, err := wire.Encode(&wire.Close{Reason: reason}); err == nil {
		session.enqueue(data)
	}
	// give the writer a moment to flush before the hard close
	time.AfterFunc(100*time.Millisecond, session.cancel)
}

// serve runs the session to completion: handshake, then the three pumps.
func (session *Session) serve() {
	defer session.teardown()

	if err := session.handshake(); err != nil {
		session.log.Debug("handshake failed", zap.Error(err))
		return
	}

	var group sync.WaitGroup
	group.Add(2)
	go func() {
		defer group.Done()
		session.writePump()
	}()
	go func() {
		defer group.Done()
		session.handlePump()
	}()

	session.readPump()
	session.cancel()
	group.Wait()
}

// handshake performs the plaintext hello/welcome exchange and derives the
// session cipher. Any failure closes the connection.
func (session *Session) handshake() error {
	deadline := time.Now().Add(session.server.config.HandshakeTimeout)
	if err := session.conn.SetReadDeadline(deadline); err != nil {
		return Error.Wrap(err)
	}

	_, data, err := session.conn.ReadMessage()
	if err != nil {
		return Error.Wrap(err)
	}
	hello, err := wire.DecodeHello(data)
	if err != nil {
		return err
	}
	welcome, cipher, err := wire.Accept(hello)
	if err != nil {
		return err
	}
	reply, err := wire.EncodeWelcome(welcome)
	if err != nil {
		return err
	}
	if err := session.conn.SetWriteDeadline(deadline); err != nil {
		return Error.Wrap(err)
	}
	if err := session.conn.WriteMessage(websocket.BinaryMessage, reply); err != nil {
		return Error.Wrap(err)
	}

	session.cipher = cipher
	if err := session.conn.SetReadDeadline(time.Time{}); err != nil {
		return Error.Wrap(err)
	}
	return session.conn.SetWriteDeadline(time.Time{})
}

// readPump feeds decrypted payloads to the handler in arrival order. It
// returns when the connection drops, which cancels the session and aborts
// any in-flight system.
func (session *Session) readPump() {
	defer close(session.inbox)
	for {
		_, frame, err := session.conn.ReadMessage()
		if err != nil {
			return
		}
		plain, err := session.cipher.Open(frame)
		if err != nil {
			// undecryptable traffic is a protocol error; drop the connection
			session.log.Debug("bad frame", zap.Error(err))
			return
		}
		select {
		case session.inbox <- plain:
		case <-session.ctx.Done():
			return
		}
	}
}

// handlePump processes requests strictly in order, one at a time.
func (session *Session) handlePump() {
	for {
		select {
		case <-session.ctx.Done():
			return
		case plain, ok := <-session.inbox:
			if !ok {
				return
			}
			if !session.handle(plain) {
				session.cancel()
				return
			}
		}
	}
}

// handle dispatches one decoded message. It returns false on protocol
// errors, which close the connection.
func (session *Session) handle(plain []byte) bool {
	msg, err := wire.Decode(plain)
	if err != nil {
		session.log.Debug("undecodable message", zap.Error(err))
		return false
	}

	switch m := msg.(type) {
	case *wire.Call:
		session.handleCall(m)
	case *wire.Subscribe:
		session.handleSubscribe(m)
	case *wire.Unsubscribe:
		if brokerID, ok := session.subs[m.ID]; ok {
			session.server.broker.Unsubscribe(brokerID)
			delete(session.subs, m.ID)
		}
	case *wire.Close:
		return false
	default:
		session.log.Debug("unexpected message", zap.String("type", typeName(msg)))
		return false
	}
	return true
}

func (session *Session) handleCall(m *wire.Call) {
	if err := session.limiter.Wait(session.ctx); err != nil {
		return
	}
	value, err := session.server.executor.Call(session.ctx, session, m.System, m.Args)
	if session.ctx.Err() != nil {
		// the connection is gone; the transaction was rolled back and the
		// client must not observe a response
		return
	}
	rsp := &wire.Response{ID: m.ID, Value: value}
	if err != nil {
		rsp.Err = errorCode(err)
		rsp.Value = err.Error()
	}
	session.send1(rsp)
}

func (session *Session) handleSubscribe(m *wire.Subscribe) {
	if err := session.limiter.Wait(session.ctx); err != nil {
		return
	}
	if _, taken := session.subs[m.ID]; taken {
		session.send1(&wire.Delta{ID: m.ID, Err: "subscription id already in use"})
		return
	}

	sink := &subSink{session: session, clientID: m.ID}
	brokerID, err := session.subscribeVariant(m, sink)
	if err != nil {
		session.send1(&wire.Delta{ID: m.ID, Err: errorCode(err) + ": " + err.Error()})
		return
	}
	session.subs[m.ID] = brokerID
}

func (session *Session) subscribeVariant(m *wire.Subscribe, sink subscribe.Sink) (uint64, error) {
	broker := session.server.broker
	level := session.Permission()
	switch m.Kind {
	case wire.KindRow:
		if len(m.Args) != 1 {
			return 0, Error.New("row subscription takes 1 argument, got %d", len(m.Args))
		}
		return broker.SubscribeRow(session.ctx, level, m.Component, m.Index, m.Args[0], sink)

	case wire.KindRange:
		if len(m.Args) != 4 {
			return 0, Error.New("range subscription takes 4 arguments, got %d", len(m.Args))
		}
		limit, err := asInt(m.Args[2])
		if err != nil {
			return 0, err
		}
		desc, ok := m.Args[3].(bool)
		if !ok {
			return 0, Error.New("range direction is %T, want bool", m.Args[3])
		}
		return broker.SubscribeRange(session.ctx, level, m.Component, m.Index,
			m.Args[0], m.Args[1], limit, desc, sink)
	}
	return 0, Error.New("unknown subscription kind %q", m.Kind)
}

// writePump seals and writes outgoing frames in queue order.
func (session *Session) writePump() {
	for {
		select {
		case <-session.ctx.Done():
			return
		case plain := <-session.send:
			frame, err := session.cipher.Seal(plain)
			if err != nil {
				session.log.Error("seal failed", zap.Error(err))
				session.cancel()
				return
			}
			deadline := time.Now().Add(session.server.config.WriteTimeout)
			_ = session.conn.SetWriteDeadline(deadline)
			if err := session.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				session.cancel()
				return
			}
		}
	}
}

// send1 encodes and enqueues one message.
func (session *Session) send1(msg any) {
	data, err := wire.Encode(msg)
	if err != nil {
		session.log.Error("encode failed", zap.Error(err))
		return
	}
	session.enqueue(data)
}

// enqueue blocks when the send queue is full, which backpressures the
// producing subscription through the event bus.
func (session *Session) enqueue(data []byte) {
	select {
	case session.send <- data:
	case <-session.ctx.Done():
	}
}

// teardown unsubscribes everything and drops the connection.
func (session *Session) teardown() {
	session.cancel()
	for _, brokerID := range session.subs {
		session.server.broker.Unsubscribe(brokerID)
	}
	session.subs = make(map[uint32]uint64)
	_ = session.conn.Close()
	session.log.Debug("session closed")
}

// subSink forwards one subscription's output into the session send queue.
// The broker calls it from the subscription's own goroutine.
type subSink struct {
	session  *Session
	clientID uint32
}

func (sink *subSink) Snapshot(rows []store.Row) {
	msg := &wire.Snapshot{ID: sink.clientID, Rows: make([]wire.Row, len(rows))}
	for i, row := range rows {
		msg.Rows[i] = wire.Row{ID: row.ID, Version: row.Version, Fields: row.Fields}
	}
	sink.session.send1(msg)
}

func (sink *subSink) Delta(delta subscribe.Delta) {
	msg := &wire.Delta{ID: sink.clientID, Err: delta.Err}
	if delta.Err == "" {
		msg.Op = delta.Op.String()
		msg.RowID = delta.RowID
		if delta.Op != store.OpDelete {
			msg.Row = &wire.Row{ID: delta.Row.ID, Version: delta.Row.Version, Fields: delta.Row.Fields}
		}
	}
	sink.session.send1(msg)
}

// errorCode maps internal error classes onto the client-visible taxonomy.
func errorCode(err error) string {
	switch {
	case system.ErrUnknown.Has(err):
		return codeUnknownSystem
	case system.ErrBadArgs.Has(err), store.ErrNotFound.Has(err):
		return codeBadArgs
	case store.ErrForbidden.Has(err):
		return codeForbidden
	case system.ErrTimeout.Has(err):
		return codeTimeout
	case system.ErrExhausted.Has(err):
		return codeExhausted
	case store.ErrConstraint.Has(err), system.ErrAborted.Has(err):
		return codeConstraint
	case store.ErrBackend.Has(err):
		return codeBackend
	default:
		return codeInternal
	}
}

func asInt(value any) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int8:
		return int(v), nil
	case int16:
		return int(v), nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case uint8:
		return int(v), nil
	case uint16:
		return int(v), nil
	case uint32:
		return int(v), nil
	case uint64:
		return int(v), nil
	}
	return 0, Error.New("expected integer, got %T", value)
}

func typeName(v any) string {
	switch v.(type) {
	case *wire.Response:
		return wire.TagResponse
	case *wire.Snapshot:
		return wire.TagSnapshot
	case *wire.Delta:
		return wire.TagDelta
	case *wire.Event:
		return wire.TagEvent
	default:
		return "unknown"
	}
}
