// Copyright (C) 2025 Heerozh.
// See LICENSE for copying information.

// Package server ties the executor, the broker and the wire protocol
// together behind one WebSocket endpoint. Each connection becomes a session:
// incoming messages are handled strictly in order, different sessions run in
// parallel on the Go scheduler.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Heerozh/HeTu-sub001/schema"
	"github.com/Heerozh/HeTu-sub001/subscribe"
	"github.com/Heerozh/HeTu-sub001/system"
)

var (
	mon = monkit.Package()

	// Error is a server error class.
	Error = errs.Class("server")
)

// Config holds server tunables.
type Config struct {
	// Address is the host:port to listen on.
	Address string
	// HandshakeTimeout bounds the time from upgrade to a completed key
	// exchange.
	HandshakeTimeout time.Duration
	// WriteTimeout bounds one outgoing frame write.
	WriteTimeout time.Duration
	// SendQueue is the per-session outgoing frame buffer.
	SendQueue int
	// RateLimit and RateBurst throttle incoming requests per session.
	RateLimit float64
	RateBurst int
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		Address:          ":2466",
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		SendQueue:        256,
		RateLimit:        100,
		RateBurst:        200,
	}
}

// Server accepts WebSocket connections and serves sessions.
type Server struct {
	log      *zap.Logger
	config   Config
	reg      *schema.Registry
	executor *system.Executor
	broker   *subscribe.Broker
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[uint64]*Session
	nextID   uint64
	closed   bool

	wg sync.WaitGroup
}

// New creates a server over a frozen registry, an executor and a broker.
func New(log *zap.Logger, config Config, reg *schema.Registry, executor *system.Executor, broker *subscribe.Broker) *Server {
	def := DefaultConfig()
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = def.HandshakeTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.SendQueue <= 0 {
		config.SendQueue = def.SendQueue
	}
	if config.RateLimit <= 0 {
		config.RateLimit = def.RateLimit
	}
	if config.RateBurst <= 0 {
		config.RateBurst = def.RateBurst
	}
	return &Server{
		log:      log,
		config:   config,
		reg:      reg,
		executor: executor,
		broker:   broker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions: make(map[uint64]*Session),
	}
}

// Run listens on the configured address and serves until ctx is cancelled.
func (server *Server) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	listener, err := net.Listen("tcp", server.config.Address)
	if err != nil {
		return Error.Wrap(err)
	}
	server.log.Info("listening", zap.Stringer("address", listener.Addr()))

	httpServer := &http.Server{Handler: server}
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		server.closeAll("server shutting down")
		return Error.Wrap(err)
	})
	group.Go(func() error {
		err := httpServer.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return Error.Wrap(err)
	})
	return group.Wait()
}

// ServeHTTP upgrades one connection and runs its session to completion.
func (server *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := server.upgrader.Upgrade(w, r, nil)
	if err != nil {
		server.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	session, err := server.register(conn)
	if err != nil {
		_ = conn.Close()
		return
	}

	server.wg.Add(1)
	defer server.wg.Done()
	session.serve()
	server.unregister(session.id)
}

func (server *Server) register(conn *websocket.Conn) (*Session, error) {
	server.mu.Lock()
	defer server.mu.Unlock()
	if server.closed {
		return nil, Error.New("server is closed")
	}
	server.nextID++
	session := newSession(server, server.nextID, conn)
	server.sessions[session.id] = session
	return session, nil
}

func (server *Server) unregister(id uint64) {
	server.mu.Lock()
	defer server.mu.Unlock()
	delete(server.sessions, id)
}

// closeAll kicks every live session.
func (server *Server) closeAll(reason string) {
	server.mu.Lock()
	server.closed = true
	sessions := make([]*Session, 0, len(server.sessions))
	for _, session := range server.sessions {
		sessions = append(sessions, session)
	}
	server.mu.Unlock()

	for _, session := range sessions {
		session.Kick(reason)
	}
	server.wg.Wait()
}

// Sessions returns the number of live sessions.
func (server *Server) Sessions() int {
	server.mu.Lock()
	defer server.mu.Unlock()
	return len(server.sessions)
}

func (server *Server) newLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(server.config.RateLimit), server.config.RateBurst)
}
