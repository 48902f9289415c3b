package main

import (
	"log/slog"
	"os"

	"lsmkv/pkg/config"
)

// initConfig loads the yaml config at path. A missing file yields config.Default().
func initConfig(path string) (config.Config, error) {
	if env := os.Getenv("LSMDB_CONFIG"); env != "" && path == "" {
		path = env
	}
	if path == "" {
		path = "config.yaml"
	}
	return config.Load(path)
}

// initLogger sets up the global slog.Logger (JSON or text).
func initLogger(cfg *config.Config) {
	level, err := cfg.Logger.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{AddSource: true, Level: level}
	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)
}
