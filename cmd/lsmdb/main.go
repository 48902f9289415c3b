package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	httpapi "lsmkv/internal/http"
	"lsmkv/pkg/db"
)

func main() {
	configPath := flag.String("config", "", "path to the yaml config (default $LSMDB_CONFIG or config.yaml)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := initConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	opts, err := db.OptionsFromConfig(cfg.DB)
	if err != nil {
		slog.Error("invalid db config", "error", err)
		os.Exit(1)
	}
	opts.Logger = slog.Default()

	store, err := db.Open(cfg.DB.Path, opts)
	if err != nil {
		slog.Error("failed to open database", "path", cfg.DB.Path, "error", err)
		os.Exit(1)
	}

	server := httpapi.NewServer(store, strconv.Itoa(cfg.Server.Port),
		httpapi.WithMetrics(store.Metrics().Handler(store.Gauges)),
		httpapi.WithReadHeaderTimeout(cfg.Server.ReadHeaderTimeout))
	if err := server.Start(); err != nil {
		slog.Error("failed to start server", "error", err)
		_ = store.Close()
		os.Exit(1)
	}

	<-ctx.Done()
	slog.Info("shutting down")

	exitCode := 0
	if err := server.Stop(); err != nil {
		slog.Error("failed to stop server", "error", err)
		exitCode = 1
	}
	if err := store.Close(); err != nil {
		slog.Error("failed to close database", "error", err)
		exitCode = 1
	}
	os.Exit(exitCode)
}
