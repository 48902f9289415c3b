package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"lsmkv/pkg/compression"
	"lsmkv/pkg/wal"
)

// Config is the root of the yaml configuration.
// validate tags document the constraints checked by Validate.
type Config struct {
	Logger LoggerConfig `yaml:"logger" validate:"required"`
	Server ServerConfig `yaml:"http-server" validate:"required"`
	DB     `yaml:"db" validate:"required"`
}

type ServerConfig struct {
	Port              int           `yaml:"port" validate:"required,min=1,max=65535"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

type DB struct {
	Path        string            `yaml:"path" validate:"required"`
	Memtable    MemtableConfig    `yaml:"memtable" validate:"required"`
	WAL         WALConfig         `yaml:"wal"`
	SSTable     SSTableConfig     `yaml:"sstable" validate:"required"`
	BloomFilter BloomFilterConfig `yaml:"bloom_filter" validate:"required"`
	Cache       CacheConfig       `yaml:"cache"`
	Compaction  CompactionConfig  `yaml:"compaction" validate:"required"`
}

type MemtableConfig struct {
	FlushThresholdBytes int64 `yaml:"flush_threshold" validate:"required,min=1"`
	MaxImmTables        int   `yaml:"max_imm_tables" validate:"min=1"`
}

type WALConfig struct {
	SyncMode string `yaml:"sync_mode" validate:"oneof=always none"`
}

type SSTableConfig struct {
	BlockSize      int    `yaml:"block_size" validate:"required,min=256"`
	TargetFileSize int64  `yaml:"target_file_size" validate:"required,min=1"`
	Compression    string `yaml:"compression" validate:"oneof=none snappy s2 zstd"`
}

type BloomFilterConfig struct {
	BitsPerKey int `yaml:"bits_per_key" validate:"required,min=1"`
}

type CacheConfig struct {
	CapacityBlocks int `yaml:"capacity_blocks" validate:"min=0"`
}

type CompactionConfig struct {
	L0Trigger       int   `yaml:"l0_trigger" validate:"required,min=2"`
	LevelBaseBytes  int64 `yaml:"level_base_bytes" validate:"required,min=1"`
	LevelMultiplier int   `yaml:"level_multiplier" validate:"required,min=2"`
	MaxLevels       int   `yaml:"max_levels" validate:"required,min=2,max=16"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
		},
		DB: DB{
			Path: "./data",
			Memtable: MemtableConfig{
				FlushThresholdBytes: 64 << 20,
				MaxImmTables:        2,
			},
			WAL: WALConfig{
				SyncMode: "always",
			},
			SSTable: SSTableConfig{
				BlockSize:      64 << 10,
				TargetFileSize: 2 << 20,
				Compression:    "snappy",
			},
			BloomFilter: BloomFilterConfig{
				BitsPerKey: 10,
			},
			Cache: CacheConfig{
				CapacityBlocks: 1024,
			},
			Compaction: CompactionConfig{
				L0Trigger:       4,
				LevelBaseBytes:  10 << 20,
				LevelMultiplier: 10,
				MaxLevels:       7,
			},
		},
	}
}

// Load reads the yaml file at path on top of Default. A missing file yields
// the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using default config", "path", path)
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the constraints of the validate tags.
func (c *Config) Validate() error {
	if _, err := c.Logger.SlogLevel(); err != nil {
		return err
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("http-server.port %d out of range", c.Server.Port)
	}
	return c.DB.Validate()
}

func (db *DB) Validate() error {
	switch {
	case db.Path == "":
		return fmt.Errorf("db.path is required")
	case db.Memtable.FlushThresholdBytes < 1:
		return fmt.Errorf("db.memtable.flush_threshold must be positive")
	case db.Memtable.MaxImmTables < 1:
		return fmt.Errorf("db.memtable.max_imm_tables must be at least 1")
	case db.SSTable.BlockSize < 256:
		return fmt.Errorf("db.sstable.block_size %d is below 256", db.SSTable.BlockSize)
	case db.SSTable.TargetFileSize < 1:
		return fmt.Errorf("db.sstable.target_file_size must be positive")
	case db.BloomFilter.BitsPerKey < 1:
		return fmt.Errorf("db.bloom_filter.bits_per_key must be positive")
	case db.Cache.CapacityBlocks < 0:
		return fmt.Errorf("db.cache.capacity_blocks must not be negative")
	case db.Compaction.L0Trigger < 2:
		return fmt.Errorf("db.compaction.l0_trigger must be at least 2")
	case db.Compaction.LevelBaseBytes < 1:
		return fmt.Errorf("db.compaction.level_base_bytes must be positive")
	case db.Compaction.LevelMultiplier < 2:
		return fmt.Errorf("db.compaction.level_multiplier must be at least 2")
	case db.Compaction.MaxLevels < 2 || db.Compaction.MaxLevels > 16:
		return fmt.Errorf("db.compaction.max_levels %d not in [2, 16]", db.Compaction.MaxLevels)
	}
	if _, err := wal.ParseSyncMode(db.WAL.SyncMode); err != nil {
		return fmt.Errorf("db.wal.sync_mode: %w", err)
	}
	if _, err := compression.ParseCodec(db.SSTable.Compression); err != nil {
		return fmt.Errorf("db.sstable.compression: %w", err)
	}
	return nil
}

// SlogLevel maps the configured level name to a slog level.
func (l LoggerConfig) SlogLevel() (slog.Level, error) {
	switch strings.ToUpper(l.Level) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO", "":
		return slog.LevelInfo, nil
	case "WARN":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown logger.level %q", l.Level)
	}
}
