// Command flow-sensor counts water flow sensor pulses, keeps the cumulative
// volume in a durable store and reports rate and volume every second.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sweeney/flow-sensor/internal/config"
	"github.com/sweeney/flow-sensor/internal/store"
)

// rootFlags holds values for flags that override the config file.
type rootFlags struct {
	configPath    string
	logLevel      string
	logFormat     string
	device        string
	kFactor       float64
	period        time.Duration
	engine        string
	storePath     string
	commitTimeout time.Duration
	broker        string
	httpAddr      string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}

	rootCmd := &cobra.Command{
		Use:          "flow-sensor",
		Short:        "Water flow meter daemon",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer logger.Sync()
			return run(cmd.Context(), cfg, logger)
		},
	}

	f.register(rootCmd)

	rootCmd.AddCommand(newShowCmd(f))
	rootCmd.AddCommand(newResetCmd(f))
	rootCmd.AddCommand(newConfigCmd())

	return rootCmd
}

// register binds the flags to cmd. Store and logging flags are persistent
// so the maintenance subcommands see them too.
func (f *rootFlags) register(cmd *cobra.Command) {
	d := config.Default()

	pf := cmd.PersistentFlags()
	pf.StringVar(&f.configPath, "config", config.DefaultConfigPath(), "path to TOML config file")
	pf.StringVar(&f.logLevel, "log-level", d.Log.Level, "log level (debug, info, warn, error)")
	pf.StringVar(&f.logFormat, "log-format", d.Log.Format, "log format (console or json)")
	pf.StringVar(&f.engine, "engine", d.Storage.Engine, "storage engine (sqlite, badger, memory, none)")
	pf.StringVar(&f.storePath, "store-path", "", "storage file or directory (default under XDG data home)")
	pf.DurationVar(&f.commitTimeout, "commit-timeout", d.Storage.CommitTimeout, "bound on one store write (0 waits forever)")

	cmd.Flags().StringVar(&f.device, "device", d.Device.Name, "device label in telemetry")
	cmd.Flags().Float64Var(&f.kFactor, "k-factor", d.Sensor.KFactor, "sensor pulses per second per L/min")
	cmd.Flags().DurationVar(&f.period, "period", d.Loop.Period, "integration interval")
	cmd.Flags().StringVar(&f.broker, "broker", "", `MQTT broker address, e.g. "tcp://192.168.1.200:1883" (empty disables)`)
	cmd.Flags().StringVar(&f.httpAddr, "http", "", `HTTP status address, e.g. ":8080" (empty disables)`)
}

func newShowCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the persisted volume and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, f, func(ctx context.Context, h *store.Hidrometer) error {
				fmt.Fprintf(cmd.OutOrStdout(), "%.3f L\n", h.Load(ctx))
				return nil
			})
		},
	}
}

func newResetCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Zero the persisted volume (the reset button's effect, offline)",
		Long: "Zero the persisted volume. Stop the daemon first: the running\n" +
			"meter keeps its own total and overwrites the store every cycle.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, f, func(ctx context.Context, h *store.Hidrometer) error {
				before := h.Load(ctx)
				if err := h.Reset(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reset: %.3f L -> 0.000 L\n", before)
				return nil
			})
		},
	}
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print a config file template with defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprint(cmd.OutOrStdout(), config.Template())
			return err
		},
	}
}

// withStore opens the configured store strictly (no memory-only fallback)
// and runs fn against it.
func withStore(cmd *cobra.Command, f *rootFlags, fn func(context.Context, *store.Hidrometer) error) error {
	cfg, err := loadConfig(cmd, f)
	if err != nil {
		return err
	}
	if cfg.Storage.Engine == config.EngineNone {
		return fmt.Errorf("storage engine is %q, nothing is persisted", config.EngineNone)
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ns, err := store.Open(cfg.StoreConfig(), logger.Named("store"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	h := store.NewHidrometer(ns, cfg.Storage.CommitTimeout, logger.Named("store"))
	defer func() {
		if err := h.Close(); err != nil && !errors.Is(err, store.ErrWriteInFlight) {
			logger.Warn("close store failed", zap.Error(err))
		}
	}()
	return fn(cmd.Context(), h)
}

// loadConfig resolves file, env and explicitly set flags, then validates.
func loadConfig(cmd *cobra.Command, f *rootFlags) (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	applyFlags(cmd, f, &cfg)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func applyFlags(cmd *cobra.Command, f *rootFlags, cfg *config.Config) {
	applyString(cmd, "log-level", &cfg.Log.Level, f.logLevel)
	applyString(cmd, "log-format", &cfg.Log.Format, f.logFormat)
	applyString(cmd, "engine", &cfg.Storage.Engine, f.engine)
	applyString(cmd, "store-path", &cfg.Storage.Path, f.storePath)
	applyDuration(cmd, "commit-timeout", &cfg.Storage.CommitTimeout, f.commitTimeout)
	applyString(cmd, "device", &cfg.Device.Name, f.device)
	applyDuration(cmd, "period", &cfg.Loop.Period, f.period)
	applyString(cmd, "broker", &cfg.MQTT.Broker, f.broker)
	applyString(cmd, "http", &cfg.HTTP.Addr, f.httpAddr)
	if changed(cmd, "k-factor") {
		cfg.Sensor.KFactor = f.kFactor
	}
}

func applyString(cmd *cobra.Command, name string, target *string, value string) {
	if changed(cmd, name) {
		*target = value
	}
}

func applyDuration(cmd *cobra.Command, name string, target *time.Duration, value time.Duration) {
	if changed(cmd, name) {
		*target = value
	}
}

func changed(cmd *cobra.Command, name string) bool {
	fl := cmd.Flags().Lookup(name)
	return fl != nil && fl.Changed
}

func newLogger(lc config.LogConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(strings.ToLower(lc.Level))
	if err != nil {
		return nil, fmt.Errorf("%w: log.level: %v", config.ErrInvalid, err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = level
	zc.Encoding = lc.Format
	zc.DisableStacktrace = true
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if lc.Format == "console" {
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		zc.DisableCaller = true
	}
	return zc.Build()
}
