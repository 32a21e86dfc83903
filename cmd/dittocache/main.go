package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/marmos91/dittocache/internal/logger"
	"github.com/marmos91/dittocache/pkg/adapter/memcache"
	"github.com/marmos91/dittocache/pkg/config"
	"github.com/marmos91/dittocache/pkg/cuckoo"
	"github.com/marmos91/dittocache/pkg/server"
	"github.com/spf13/pflag"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const usage = `DittoCache - memcached-compatible cuckoo hash cache

Usage:
  dittocache [--config path]          Start the server
  dittocache init [--output path] [--force]
                                      Write a default config file
  dittocache --version                Print the version

Flags:
`

func main() {
	if len(os.Args) > 1 && os.Args[1] == "init" {
		if err := runInit(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	flags := pflag.NewFlagSet("dittocache", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "", "Path to config file (default: $XDG_CONFIG_HOME/dittocache/config.yaml)")
	showVersion := flags.BoolP("version", "v", false, "Print version and exit")
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flags.PrintDefaults()
	}
	_ = flags.Parse(os.Args[1:])

	if *showVersion {
		fmt.Printf("dittocache %s\n", version)
		return
	}

	if err := run(*configPath); err != nil {
		logger.Error("%v", err)
		_ = logger.Sync()
		os.Exit(1)
	}
}

func runInit(args []string) error {
	flags := pflag.NewFlagSet("init", pflag.ExitOnError)
	output := flags.StringP("output", "o", "", "Destination path (default: $XDG_CONFIG_HOME/dittocache/config.yaml)")
	force := flags.BoolP("force", "f", false, "Overwrite an existing file")
	_ = flags.Parse(args)

	path := *output
	if path == "" {
		path = config.GetDefaultConfigPath()
	}
	if err := config.InitConfigToPath(path, *force); err != nil {
		return err
	}
	fmt.Printf("Configuration written to %s\n", path)
	return nil
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return err
	}

	logger.Info("DittoCache %s starting", version)
	if configPath == "" && !config.ConfigExists() {
		logger.Info("No config file found, using defaults (run 'dittocache init' to create one)")
	}

	m := config.InitializeMetrics(cfg)

	table, err := cuckoo.New(cfg.Cuckoo.Table(), m.Storage)
	if err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	logger.Info("Table: %d slots of %s, policy %s, cas %t",
		table.Capacity(), humanize.IBytes(uint64(table.ItemSize())), cfg.Cuckoo.Policy, cfg.Cuckoo.CAS)

	serverCfg := cfg.Server
	serverCfg.Version = version
	adapter, err := memcache.New(serverCfg, m.Network, m.Process)
	if err != nil {
		table.Close()
		return fmt.Errorf("failed to create memcache adapter: %w", err)
	}
	logServerConfig(serverCfg)

	// Adapters drain within ShutdownTimeout; leave headroom for the rest.
	srv := server.New(table, serverCfg.ShutdownTimeout+5*time.Second)
	srv.OnClose("logger", func() error {
		// stdout and stderr report EINVAL on sync.
		if err := logger.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) {
			return err
		}
		return nil
	})
	srv.OnClose("cuckoo table", func() error {
		table.Close()
		return nil
	})
	if err := srv.AddAdapter(adapter); err != nil {
		return err
	}
	if m.Server != nil {
		srv.SetMetricsServer(m.Server)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Press Ctrl+C to stop")
	if err := srv.Serve(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func logServerConfig(cfg memcache.Config) {
	logger.Info("Server configuration:")
	logger.Info("  Listen: %s:%d", cfg.Host, cfg.Port)
	logger.Info("  Workers: %d", cfg.Workers)
	logger.Info("  Connections: %s", cfg.MaxConnections)
	logger.Info("  Idle timeout: %v", cfg.IdleTimeout)
	logger.Info("  Shutdown timeout: %v", cfg.ShutdownTimeout)
	logger.Info("  Write high water: %s", humanize.IBytes(uint64(cfg.WriteHighWater)))
	if cfg.AcceptRate > 0 {
		logger.Info("  Accept rate: %.0f/s (burst %d)", cfg.AcceptRate, cfg.AcceptBurst)
	}
	if cfg.MetricsLogInterval == 0 {
		logger.Info("  (metrics logging disabled)")
	}
}
