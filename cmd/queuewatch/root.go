package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/patrickspencer/queuewatch/internal/config"
	"github.com/patrickspencer/queuewatch/internal/monitor"
	"github.com/patrickspencer/queuewatch/internal/observability"
	"github.com/patrickspencer/queuewatch/internal/publish"
	"github.com/patrickspencer/queuewatch/internal/realtime"
	"github.com/patrickspencer/queuewatch/internal/store"
)

const defaultConfigFile = "queuewatch.yaml"

var rootCmd = &cobra.Command{
	Use:   "queuewatch",
	Short: "Monitor batch clusters by submitting test jobs and tracking their outcomes",
	Long: `queuewatch keeps a stream of test jobs flowing through a batch scheduler,
reconciles their completions, and turns the results into statistics and
reports.

Configuration is read from queuewatch.yaml. Every option can be overridden
with a QUEUEWATCH_ environment variable or a flag.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("config", defaultConfigFile, "path to configuration file")
	pf.String("account-name", "", "scheduler account jobs are charged to")
	pf.String("user-name", "", "scheduler user whose jobs are queried")
	pf.String("base-dir", "", "directory holding per-test scripts and job logs")
	pf.String("log-level", "", "log level (debug, info, warn, error)")
	pf.String("log-format", "", "log format (console, json)")

	for key, flag := range map[string]string{
		"config":       "config",
		"account_name": "account-name",
		"user_name":    "user-name",
		"base_dir":     "base-dir",
		"log_level":    "log-level",
		"log_format":   "log-format",
	} {
		_ = viper.BindPFlag(key, pf.Lookup(flag))
	}
	setDefaults()
	viper.SetEnvPrefix("QUEUEWATCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func setDefaults() {
	viper.SetDefault("config", defaultConfigFile)
}

// loadConfig reads the configuration file and applies environment and flag
// overrides. A missing file is only an error when it was named explicitly.
func loadConfig() (*config.Config, error) {
	path := viper.GetString("config")
	cfg, err := config.LoadConfig(path)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist) && path == defaultConfigFile:
		cfg = config.Default()
	default:
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}

	for key, dst := range map[string]*string{
		"account_name": &cfg.AccountName,
		"user_name":    &cfg.UserName,
		"log_level":    &cfg.LogLevel,
		"log_format":   &cfg.LogFormat,
	} {
		if v := viper.GetString(key); v != "" {
			*dst = v
		}
	}
	if v := viper.GetString("base_dir"); v != "" {
		cfg.SetBaseDir(v)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func initLogging(cfg *config.Config) (*zap.Logger, error) {
	if err := observability.Init(observability.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	}); err != nil {
		return nil, err
	}
	return observability.Logger, nil
}

func openStore(cfg *config.Config) (store.RecordStore, error) {
	if cfg.Store == "memory" {
		return store.NewMemoryStore(), nil
	}
	return store.NewSQLiteStore(cfg.DBPath())
}

// runtime is everything a command needs to act on tests.
type runtime struct {
	cfg    *config.Config
	log    *zap.Logger
	store  store.RecordStore
	events *realtime.Broker
	mon    *monitor.Monitor
}

func (rt *runtime) Close() {
	if err := rt.store.Close(); err != nil {
		rt.log.Warn("closing store", zap.Error(err))
	}
	_ = rt.log.Sync()
}

// openRuntime loads configuration and tests, opens the store, and builds
// the monitor. Every test's backend is resolved here, so an unsupported
// backend stops the command before any scheduler call.
func openRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := initLogging(cfg)
	if err != nil {
		return nil, err
	}

	tests, err := config.LoadTests(cfg.TestsDir)
	if err != nil {
		return nil, err
	}
	enabled := tests[:0]
	for _, t := range tests {
		if t.IsEnabled() {
			enabled = append(enabled, t)
		}
	}

	sinks, err := publish.FromConfig(ctx, cfg.Publish)
	if err != nil {
		return nil, err
	}

	st, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	events := realtime.NewBroker()
	mon, err := monitor.New(cfg, enabled, st,
		monitor.WithLogger(log.Named("monitor")),
		monitor.WithEvents(events),
		monitor.WithSinks(sinks...))
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	log.Debug("runtime ready",
		zap.String("config", cfg.Path),
		zap.Int("tests", len(enabled)),
		zap.String("store", cfg.Store))
	return &runtime{cfg: cfg, log: log, store: st, events: events, mon: mon}, nil
}
