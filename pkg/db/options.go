package db

import (
	"fmt"
	"log/slog"

	"lsmkv/pkg/compaction"
	"lsmkv/pkg/compression"
	"lsmkv/pkg/config"
	"lsmkv/pkg/metrics"
	"lsmkv/pkg/wal"
)

type Options struct {
	// MemtableSize is the approximate size at which the active memtable is
	// frozen and handed to the flusher.
	MemtableSize int64
	// MaxImmutableMemtables bounds the frozen memtables waiting for flush.
	// Writers stall while the bound is reached.
	MaxImmutableMemtables int
	SyncMode              wal.SyncMode
	// CacheBlocks is the block cache capacity; zero disables the cache.
	CacheBlocks int
	Compaction  compaction.Options

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func DefaultOptions() Options {
	return Options{
		MemtableSize:          64 << 20,
		MaxImmutableMemtables: 2,
		SyncMode:              wal.SyncAlways,
		CacheBlocks:           1024,
		Compaction:            compaction.DefaultOptions(),
	}
}

// OptionsFromConfig maps the db section of the yaml config to Options.
func OptionsFromConfig(cfg config.DB) (Options, error) {
	if err := cfg.Validate(); err != nil {
		return Options{}, err
	}
	mode, err := wal.ParseSyncMode(cfg.WAL.SyncMode)
	if err != nil {
		return Options{}, err
	}
	codec, err := compression.ParseCodec(cfg.SSTable.Compression)
	if err != nil {
		return Options{}, err
	}

	opts := DefaultOptions()
	opts.MemtableSize = cfg.Memtable.FlushThresholdBytes
	opts.MaxImmutableMemtables = cfg.Memtable.MaxImmTables
	opts.SyncMode = mode
	opts.CacheBlocks = cfg.Cache.CapacityBlocks
	opts.Compaction.L0Trigger = cfg.Compaction.L0Trigger
	opts.Compaction.LevelBaseBytes = uint64(cfg.Compaction.LevelBaseBytes)
	opts.Compaction.LevelMultiplier = cfg.Compaction.LevelMultiplier
	opts.Compaction.MaxLevels = cfg.Compaction.MaxLevels
	opts.Compaction.TargetFileSize = uint64(cfg.SSTable.TargetFileSize)
	opts.Compaction.Table.BlockSize = cfg.SSTable.BlockSize
	opts.Compaction.Table.BitsPerKey = cfg.BloomFilter.BitsPerKey
	opts.Compaction.Table.Codec = codec
	return opts, nil
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.MemtableSize <= 0 {
		o.MemtableSize = def.MemtableSize
	}
	if o.MaxImmutableMemtables <= 0 {
		o.MaxImmutableMemtables = def.MaxImmutableMemtables
	}
	if o.Compaction.L0Trigger <= 0 {
		o.Compaction.L0Trigger = def.Compaction.L0Trigger
	}
	if o.Compaction.LevelBaseBytes == 0 {
		o.Compaction.LevelBaseBytes = def.Compaction.LevelBaseBytes
	}
	if o.Compaction.LevelMultiplier <= 1 {
		o.Compaction.LevelMultiplier = def.Compaction.LevelMultiplier
	}
	if o.Compaction.MaxLevels <= 0 {
		o.Compaction.MaxLevels = def.Compaction.MaxLevels
	}
	if o.Compaction.TargetFileSize == 0 {
		o.Compaction.TargetFileSize = def.Compaction.TargetFileSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.New()
	}
	return o
}

func (o Options) validate() error {
	switch {
	case o.Compaction.MaxLevels < 2 || o.Compaction.MaxLevels > 16:
		return fmt.Errorf("%w: max levels %d not in [2, 16]", errInvalidOptions, o.Compaction.MaxLevels)
	case o.Compaction.L0Trigger < 2:
		return fmt.Errorf("%w: l0 trigger must be at least 2", errInvalidOptions)
	case !o.Compaction.Table.Codec.Valid():
		return fmt.Errorf("%w: unknown codec %d", errInvalidOptions, o.Compaction.Table.Codec)
	}
	return nil
}
