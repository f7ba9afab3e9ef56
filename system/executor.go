// Copyright (C) 2025 Heerozh.
// See LICENSE for copying information.

package system

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"github.com/Heerozh/HeTu-sub001/store"
)

var mon = monkit.Package()

// Config holds executor tunables.
type Config struct {
	// MaxRetries bounds how many times a conflicted commit is re-attempted.
	MaxRetries int
	// CallTimeout bounds one invocation end to end, retries included.
	CallTimeout time.Duration
}

// DefaultConfig returns the executor defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:  3,
		CallTimeout: 5 * time.Second,
	}
}

// Executor resolves and runs Systems as optimistic store transactions.
type Executor struct {
	log      *zap.Logger
	backend  store.Backend
	registry *Registry
	config   Config
}

// NewExecutor creates an executor over the given backend and registry. The
// registry must be frozen before the first Call.
func NewExecutor(log *zap.Logger, backend store.Backend, registry *Registry, config Config) *Executor {
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultConfig().MaxRetries
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = DefaultConfig().CallTimeout
	}
	return &Executor{
		log:      log,
		backend:  backend,
		registry: registry,
		config:   config,
	}
}

// Call runs one System invocation. Preflight failures (unknown system, bad
// args, insufficient permission) are reported without opening a transaction.
// Commit conflicts are retried with jittered exponential backoff up to
// MaxRetries; every other failure surfaces as is. Deferred effects and
// session elevation apply only after a successful commit.
func (exec *Executor) Call(ctx context.Context, session Session, name string, args []any) (_ any, err error) {
	defer mon.Task()(&ctx)(&err)

	sys, ok := exec.registry.Get(name)
	if !ok {
		return nil, ErrUnknown.New("%q", name)
	}
	bound, err := bindArgs(sys, args)
	if err != nil {
		return nil, err
	}
	if session.Permission() < sys.Permission {
		return nil, store.ErrForbidden.New("system %q requires %s, session is %s",
			name, sys.Permission, session.Permission())
	}

	ctx, cancel := context.WithTimeout(ctx, exec.config.CallTimeout)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Microsecond
	bo.MaxInterval = 50 * time.Millisecond
	bo.Reset()

	for attempt := 0; ; attempt++ {
		result, err := exec.attempt(ctx, session, sys, bound)
		if err == nil {
			return result, nil
		}
		if !store.ErrConflict.Has(err) {
			return nil, exec.classify(ctx, sys, err)
		}

		mon.Counter("commit_conflicts").Inc(1)
		if attempt >= exec.config.MaxRetries {
			mon.Counter("commit_exhausted").Inc(1)
			return nil, ErrExhausted.New("system %q after %d retries", name, attempt)
		}
		if err := sleep(ctx, bo.NextBackOff()); err != nil {
			return nil, ErrTimeout.New("system %q", name)
		}
	}
}

// attempt runs the body once on a fresh transaction and tries to commit.
func (exec *Executor) attempt(ctx context.Context, session Session, sys *System, bound map[string]any) (any, error) {
	tx := store.NewTx(exec.backend, exec.registry.schema, session.Permission())
	call := &Call{tx: tx, session: session, args: bound}

	result, err := sys.Body(ctx, call)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		// the connection went away or the deadline hit mid-body; nothing
		// staged may become visible
		tx.Rollback()
		return nil, err
	}
	if _, err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	if call.elevation != nil {
		session.Elevate(call.elevation.identity, call.elevation.level)
	}
	for _, fn := range call.deferred {
		fn()
	}
	return result, nil
}

// classify maps an attempt failure onto the client-visible error taxonomy.
func (exec *Executor) classify(ctx context.Context, sys *System, err error) error {
	switch {
	case ErrAborted.Has(err),
		store.ErrConstraint.Has(err),
		store.ErrForbidden.Has(err),
		store.ErrBackend.Has(err),
		ErrBadArgs.Has(err),
		store.ErrNotFound.Has(err):
		return err
	case ctx.Err() != nil:
		return ErrTimeout.New("system %q", sys.Name)
	default:
		id := uuid.NewString()
		exec.log.Error("system body failed",
			zap.String("system", sys.Name),
			zap.String("correlation", id),
			zap.Error(err))
		return ErrInternal.New("correlation %s", id)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
