// Copyright (C) 2025 Heerozh.
// See LICENSE for copying information.

// Package process holds the logger, configuration and exit-code plumbing
// shared by the hetu commands.
package process

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Process exit codes.
const (
	ExitOK      = 0
	ExitConfig  = 1
	ExitBackend = 2
	ExitMigrate = 3
)

var (
	// ErrConfig marks configuration failures (exit 1).
	ErrConfig = errs.Class("config")
	// ErrBackend marks backend connectivity failures (exit 2).
	ErrBackend = errs.Class("backend")
	// ErrMigrate marks a cluster whose schema needs migration (exit 3).
	ErrMigrate = errs.Class("migration required")
)

// Config is the process configuration, fed from flags and HETU_* environment
// variables.
type Config struct {
	Listen     string `mapstructure:"listen"`
	BackendURL string `mapstructure:"backend_url"`
	Cluster    string `mapstructure:"cluster"`
	LogLevel   string `mapstructure:"log_level"`
	MaxRetries int    `mapstructure:"max_retries"`
}

// DefaultConfig returns the configuration defaults.
func DefaultConfig() Config {
	return Config{
		Listen:     ":2466",
		BackendURL: "redis://localhost:6379",
		Cluster:    "hetu",
		LogLevel:   "info",
		MaxRetries: 3,
	}
}

// Bind registers the configuration with viper and the command's flags.
func Bind(cmd *cobra.Command) {
	def := DefaultConfig()
	flags := cmd.PersistentFlags()
	flags.String("listen", def.Listen, "host:port to serve on")
	flags.String("backend-url", def.BackendURL, "component store url (redis://... or mem)")
	flags.String("cluster", def.Cluster, "cluster key prefix")
	flags.String("log-level", def.LogLevel, "log level (debug, info, warn, error)")
	flags.Int("max-retries", def.MaxRetries, "commit conflict retries per system call")

	viper.SetEnvPrefix("hetu")
	viper.AutomaticEnv()
	_ = viper.BindPFlag("listen", flags.Lookup("listen"))
	_ = viper.BindPFlag("backend_url", flags.Lookup("backend-url"))
	_ = viper.BindPFlag("cluster", flags.Lookup("cluster"))
	_ = viper.BindPFlag("log_level", flags.Lookup("log-level"))
	_ = viper.BindPFlag("max_retries", flags.Lookup("max-retries"))
}

// Load resolves the effective configuration: defaults, then config.yaml in
// the working directory if present, then environment and flags.
func Load() (Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, ErrConfig.Wrap(err)
		}
	}

	config := DefaultConfig()
	if err := viper.Unmarshal(&config); err != nil {
		return Config{}, ErrConfig.Wrap(err)
	}
	if config.Listen == "" || config.Cluster == "" || config.BackendURL == "" {
		return Config{}, ErrConfig.New("listen, cluster and backend_url must not be empty")
	}
	return config, nil
}

// NewLogger builds the process logger at the given level.
func NewLogger(level string) (*zap.Logger, error) {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, ErrConfig.New("unknown log level %q", level)
	}
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(parsed)
	log, err := config.Build()
	return log, ErrConfig.Wrap(err)
}

// Exec runs the command and exits the process with the code matching the
// error class.
func Exec(cmd *cobra.Command) {
	err := cmd.Execute()
	if err == nil {
		os.Exit(ExitOK)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(ExitCode(err))
}

// ExitCode maps an error onto the process exit codes.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case ErrMigrate.Has(err):
		return ExitMigrate
	case ErrBackend.Has(err):
		return ExitBackend
	default:
		return ExitConfig
	}
}
