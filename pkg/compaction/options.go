package compaction

import (
	"lsmkv/pkg/sstable"
)

type Options struct {
	// L0Trigger is the level 0 file count that schedules a compaction.
	L0Trigger int
	// LevelBaseBytes is the size target of level 1; level n targets
	// LevelBaseBytes * LevelMultiplier^(n-1).
	LevelBaseBytes  uint64
	LevelMultiplier int
	MaxLevels       int
	// TargetFileSize splits compaction output into tables of about this size.
	TargetFileSize uint64
	Table          sstable.WriterOptions
}

func DefaultOptions() Options {
	return Options{
		L0Trigger:       4,
		LevelBaseBytes:  10 << 20,
		LevelMultiplier: 10,
		MaxLevels:       7,
		TargetFileSize:  2 << 20,
		Table: sstable.WriterOptions{
			BlockSize:  64 << 10,
			BitsPerKey: 10,
		},
	}
}

// MaxBytesForLevel is the size above which level (>= 1) needs compaction.
func (o Options) MaxBytesForLevel(level int) uint64 {
	n := o.LevelBaseBytes
	for l := 1; l < level; l++ {
		n *= uint64(o.LevelMultiplier)
	}
	return n
}
