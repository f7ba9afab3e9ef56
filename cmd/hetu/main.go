// Copyright (C) 2025 Heerozh.
// See LICENSE for copying information.

// hetu is a data-driven game server: components live in a transactional
// store, game logic runs as named systems, and clients follow row changes
// through live subscriptions.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Heerozh/HeTu-sub001/private/process"
	"github.com/Heerozh/HeTu-sub001/schema"
	"github.com/Heerozh/HeTu-sub001/server"
	"github.com/Heerozh/HeTu-sub001/store"
	"github.com/Heerozh/HeTu-sub001/store/memstore"
	"github.com/Heerozh/HeTu-sub001/store/redisstore"
	"github.com/Heerozh/HeTu-sub001/store/storelogger"
	"github.com/Heerozh/HeTu-sub001/subscribe"
	"github.com/Heerozh/HeTu-sub001/system"
)

func main() {
	root := &cobra.Command{
		Use:           "hetu",
		Short:         "HeTu game server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	process.Bind(root)

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "serve the game world",
			RunE:  func(cmd *cobra.Command, args []string) error { return cmdRun(cmd.Context()) },
		},
		&cobra.Command{
			Use:   "setup [path]",
			Short: "write a config file with the effective settings",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				path := "config.yaml"
				if len(args) == 1 {
					path = args[0]
				}
				return cmdSetup(path)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "prepare the backend for the current schema",
			RunE:  func(cmd *cobra.Command, args []string) error { return cmdMigrate(cmd.Context()) },
		},
		&cobra.Command{
			Use:   "shell",
			Short: "diagnostic REPL against the backend",
			RunE:  func(cmd *cobra.Command, args []string) error { return cmdShell(cmd.Context()) },
		},
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	root.SetContext(ctx)
	process.Exec(root)
}

// boot loads config, builds the logger and opens the backend against the
// world schema.
func boot(ctx context.Context) (process.Config, *zap.Logger, *schema.Registry, store.Backend, error) {
	config, err := process.Load()
	if err != nil {
		return process.Config{}, nil, nil, nil, err
	}
	log, err := process.NewLogger(config.LogLevel)
	if err != nil {
		return process.Config{}, nil, nil, nil, err
	}

	components, err := worldRegistry()
	if err != nil {
		return process.Config{}, nil, nil, nil, process.ErrConfig.Wrap(err)
	}

	backend, err := openBackend(ctx, log, config, components)
	if err != nil {
		return process.Config{}, nil, nil, nil, err
	}
	return config, log, components, backend, nil
}

func openBackend(ctx context.Context, log *zap.Logger, config process.Config, components *schema.Registry) (store.Backend, error) {
	switch {
	case config.BackendURL == "mem":
		return memstore.New(components), nil
	case strings.HasPrefix(config.BackendURL, "redis://"), strings.HasPrefix(config.BackendURL, "rediss://"):
		backend, err := redisstore.OpenFrom(ctx, config.BackendURL, config.Cluster, components)
		if err != nil {
			return nil, process.ErrBackend.Wrap(err)
		}
		if log.Core().Enabled(zap.DebugLevel) {
			return storelogger.New(log.Named("store"), backend), nil
		}
		return backend, nil
	}
	return nil, process.ErrConfig.New("unsupported backend url %q", config.BackendURL)
}

func cmdRun(ctx context.Context) error {
	config, log, components, backend, err := boot(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	defer func() { _ = backend.Close() }()

	// the in-memory backend starts empty every run, nothing to migrate
	if config.BackendURL != "mem" {
		if err := checkFingerprint(ctx, components, backend); err != nil {
			return err
		}
	}

	systems, err := worldSystems(components)
	if err != nil {
		return process.ErrConfig.Wrap(err)
	}

	executor := system.NewExecutor(log.Named("system"), backend, systems, system.Config{
		MaxRetries: config.MaxRetries,
	})
	broker := subscribe.NewBroker(log.Named("subscribe"), backend, components)
	defer broker.Close()

	srv := server.New(log.Named("server"), server.Config{Address: config.Listen},
		components, executor, broker)
	return srv.Run(ctx)
}

func cmdSetup(path string) error {
	if err := viper.WriteConfigAs(path); err != nil {
		return process.ErrConfig.Wrap(err)
	}
	return nil
}

// cmdMigrate wipes transient components and stamps the backend with the
// current schema fingerprint.
func cmdMigrate(ctx context.Context) error {
	_, log, components, backend, err := boot(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	defer func() { _ = backend.Close() }()

	for _, name := range components.Names() {
		component, _ := components.Get(name)
		if component.Persist != schema.Transient {
			continue
		}
		if err := backend.Clear(ctx, name); err != nil {
			return process.ErrBackend.Wrap(err)
		}
		log.Info("cleared transient component", zap.String("component", name))
	}

	tx := store.NewTx(backend, components, schema.PermOwner)
	row, ok, err := tx.Get(ctx, metaComponent, "key", fingerprintKey)
	if err != nil {
		return process.ErrBackend.Wrap(err)
	}
	fingerprint := components.Fingerprint()
	if ok {
		err = tx.Update(ctx, metaComponent, row.ID, map[string]any{"value": fingerprint})
	} else {
		_, err = tx.Insert(ctx, metaComponent, map[string]any{
			"key": fingerprintKey, "value": fingerprint,
		})
	}
	if err != nil {
		return process.ErrBackend.Wrap(err)
	}
	if _, err := tx.Commit(ctx); err != nil {
		return process.ErrBackend.Wrap(err)
	}
	log.Info("schema stamped", zap.String("fingerprint", fingerprint))
	return nil
}

// checkFingerprint compares the deployed schema stamp against the linked
// definitions. A mismatch means `hetu migrate` must run first.
func checkFingerprint(ctx context.Context, components *schema.Registry, backend store.Backend) error {
	tx := store.NewTx(backend, components, schema.PermOwner)
	defer tx.Rollback()

	row, ok, err := tx.Get(ctx, metaComponent, "key", fingerprintKey)
	if err != nil {
		return process.ErrBackend.Wrap(err)
	}
	if !ok {
		return process.ErrMigrate.New("backend has no schema stamp, run `hetu migrate`")
	}
	if stamp, _ := row.Fields["value"].(string); stamp != components.Fingerprint() {
		return process.ErrMigrate.New("backend schema stamp %q does not match, run `hetu migrate`", row.Fields["value"])
	}
	return nil
}
