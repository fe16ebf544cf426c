package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/driftline/driftline/internal/config"
	"github.com/driftline/driftline/internal/core/observability/log"
	"github.com/driftline/driftline/internal/daemon"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	serverURL := flag.String("server", "", "websocket endpoint, overrides the configured server_url")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "config:", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *serverURL != "" {
		cfg.ServerURL = *serverURL
	}
	if cfg.ServerURL == "" {
		fmt.Fprintln(os.Stderr, "config: server_url is required (set it in the config file or with -server)")
		os.Exit(1)
	}

	lg := log.New(log.ParseLevel(cfg.LogLevel))
	defer func() { _ = lg.Sync() }()

	d, err := daemon.New(cfg, lg)
	if err != nil {
		lg.Error("startup failed", log.Err(err))
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	lg.Info("syncd starting",
		log.String("server_url", cfg.ServerURL),
		log.String("conflict_resolution", cfg.ConflictResolution))

	if err = d.Run(ctx); err != nil {
		lg.Error("daemon stopped", log.Err(err))
	}
	if err = d.Close(); err != nil {
		lg.Error("shutdown incomplete", log.Err(err))
	}
}
