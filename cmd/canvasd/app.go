package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/canvasd"
	"pkt.systems/canvasd/internal/loggingutil"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("CANVASD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "canvasd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			loggingutil.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg canvasd.Config

	cmd := &cobra.Command{
		Use:           "canvasd",
		Short:         "canvasd relays collaborative canvas mutations, presence, and advisory shape locks between clients",
		SilenceErrors: true,
		Example: `
  # In-memory store, in-process bus (single relay, dev)
  canvasd --store mem://

  # Bolt-backed documents, redis bus shared by several relays
  canvasd --store bolt:///var/lib/canvasd/canvases.db --redis localhost:6379

  # Postgres documents with Prometheus metrics
  CANVASD_STORE=postgres://canvasd@db/canvasd canvasd --metrics-listen :9441

  # MinIO documents (append ?insecure=1 for HTTP endpoints)
  canvasd --store s3://localhost:9000/canvasd-data?insecure=1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := loggingutil.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
				watchConfigFile(cliLogger)
			}

			if err := bindConfig(&cfg); err != nil {
				return err
			}
			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
			}

			if err := cfg.Validate(); err != nil {
				return err
			}
			loggingutil.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to canvasd",
				"pid", os.Getpid(),
				"listen", cfg.Listen,
				"store", cfg.Store,
			)
			return runServe(ctx, logger, cfg)
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.canvasd/"+canvasd.DefaultConfigFileName+")")

	flags := cmd.Flags()
	flags.String("listen", canvasd.DefaultListen, "relay listen address")
	flags.String("metrics-listen", canvasd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("store", canvasd.DefaultStore, "document store URL (mem://, bolt://path, postgres://..., s3://host[:port]/bucket)")
	flags.String("redis", "", "redis address for the shared mutation bus (empty runs the in-process bus)")
	flags.Duration("lock-ttl", canvasd.DefaultLockTTL, "advisory shape lock timeout")
	flags.Duration("sweep-interval", 0, "lock-expiry sweep interval (0 derives half the lock ttl)")
	flags.Duration("presence-ttl", canvasd.DefaultPresenceTTL, "peer liveness window")
	flags.Duration("heartbeat-interval", canvasd.DefaultHeartbeatInterval, "presence republish cadence")
	flags.Duration("autosave-debounce", canvasd.DefaultAutosaveDebounce, "settle time before a mutated canvas is persisted")
	flags.Duration("drain-grace", canvasd.DefaultDrainGrace, "grace period to drain client connections on shutdown")
	flags.String("log-level", "", "log level (trace, debug, info, warn, error)")

	lookupFlag := func(name string) *pflag.Flag {
		if f := flags.Lookup(name); f != nil {
			return f
		}
		return persistentFlags.Lookup(name)
	}
	bindFlag := func(name string) {
		flag := lookupFlag(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("CANVASD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	for _, name := range []string{
		"config",
		"listen", "metrics-listen", "store", "redis",
		"lock-ttl", "sweep-interval", "presence-ttl", "heartbeat-interval",
		"autosave-debounce", "drain-grace", "log-level",
	} {
		bindFlag(name)
	}

	cmd.AddCommand(newVersionCommand())

	return cmd
}

func bindConfig(cfg *canvasd.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.Store = viper.GetString("store")
	cfg.Redis = viper.GetString("redis")
	cfg.LockTTL = viper.GetDuration("lock-ttl")
	cfg.SweepInterval = viper.GetDuration("sweep-interval")
	cfg.PresenceTTL = viper.GetDuration("presence-ttl")
	cfg.HeartbeatInterval = viper.GetDuration("heartbeat-interval")
	cfg.AutosaveDebounce = viper.GetDuration("autosave-debounce")
	cfg.DrainGrace = viper.GetDuration("drain-grace")
	return nil
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := canvasd.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, canvasd.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

// watchConfigFile logs edits to the loaded config file. Settings are
// bound once at startup, so the notice tells the operator a restart is
// needed for the change to take effect.
func watchConfigFile(logger pslog.Logger) {
	viper.OnConfigChange(func(e fsnotify.Event) {
		logger.Warn("config file changed on disk, restart to apply", "path", e.Name, "op", e.Op.String())
	})
	viper.WatchConfig()
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return abs, nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
