package db

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"lsmkv/pkg/cache"
	"lsmkv/pkg/clock"
	"lsmkv/pkg/manifest"
	"lsmkv/pkg/memtable"
	"lsmkv/pkg/sstable"
	"lsmkv/pkg/wal"
)

// recover loads the manifest, drops files no version references and rebuilds
// the memtable from the log segments that were not flushed.
func (d *DB) recover() error {
	d.tables = sstable.NewTableCache(d.dir, cache.NewBlockCache(d.opts.CacheBlocks))

	vs, err := manifest.Open(d.dir, d.opts.Compaction.MaxLevels,
		manifest.WithLogger(d.logger),
		manifest.WithObsoleteHandler(d.removeTable))
	if err != nil {
		return fmt.Errorf("failed to open manifest: %w", err)
	}
	d.vs = vs

	if err := d.removeOrphans(); err != nil {
		return err
	}

	segments, err := wal.Segments(d.walDir)
	if err != nil {
		return fmt.Errorf("failed to list wal segments: %w", err)
	}
	for _, num := range segments {
		vs.MarkFileIDUsed(num)
	}

	v := vs.Current()
	d.seq = clock.NewAtomic(v.LastSeq)

	logNum := vs.NewFileID()
	mem := memtable.New(logNum)
	if err := d.replay(mem, segments, v.LogNumber); err != nil {
		return err
	}

	log, err := wal.Create(d.walDir, logNum, d.opts.SyncMode)
	if err != nil {
		return fmt.Errorf("failed to create wal segment: %w", err)
	}
	d.log = log
	d.state.Store(&memState{mem: mem})

	if mem.Empty() {
		if removed, err := wal.RemoveBelow(d.walDir, logNum); err != nil {
			d.logger.Warn("failed to remove empty wal segments", "error", err)
		} else if len(removed) > 0 {
			d.logger.Debug("removed empty wal segments", "segments", removed)
		}
	}
	return nil
}

// replay applies every record of the segments numbered logNumber or above to
// mem, in log order. Replay stops at the first torn record: later segments
// are removed since nothing after the tear is durable.
func (d *DB) replay(mem *memtable.Memtable, segments []uint64, logNumber uint64) error {
	// segments below logNumber were flushed before a crash cut their removal
	if removed, err := wal.RemoveBelow(d.walDir, logNumber); err != nil {
		d.logger.Warn("failed to remove flushed wal segments", "error", err)
	} else if len(removed) > 0 {
		d.logger.Info("removed flushed wal segments", "segments", removed)
	}

	for i, num := range segments {
		if num < logNumber {
			continue
		}
		path := wal.SegmentPath(d.walDir, num)
		res, err := wal.Replay(path, mem.Apply)
		if err != nil {
			return fmt.Errorf("failed to replay wal segment %d: %w", num, err)
		}
		d.seq.AdvanceTo(res.MaxSeq)
		d.logger.Info("replayed wal segment", "segment", num, "records", res.Records, "truncated", res.Truncated)

		if res.Truncated && i < len(segments)-1 {
			for _, later := range segments[i+1:] {
				d.logger.Warn("dropping wal segment written after a torn record", "segment", later)
				if err := os.Remove(wal.SegmentPath(d.walDir, later)); err != nil {
					return fmt.Errorf("failed to remove wal segment %d: %w", later, err)
				}
			}
			return nil
		}
	}
	return nil
}

// removeOrphans deletes tables no live version references, such as outputs
// of a compaction interrupted before install, and stale temp files.
func (d *DB) removeOrphans() error {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return fmt.Errorf("failed to list data directory: %w", err)
	}
	live := d.vs.LiveFiles()

	for _, e := range entries {
		name := e.Name()
		path := filepath.Join(d.dir, name)
		switch {
		case strings.HasSuffix(name, ".tmp"):
			if err := os.Remove(path); err != nil {
				d.logger.Warn("failed to remove temp file", "path", path, "error", err)
			}
		case strings.HasSuffix(name, ".sst"):
			id, err := strconv.ParseUint(strings.TrimSuffix(name, ".sst"), 10, 64)
			if err != nil {
				continue
			}
			d.vs.MarkFileIDUsed(id)
			if _, ok := live[id]; ok {
				continue
			}
			d.logger.Warn("removing orphaned table", "file", id)
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("failed to remove orphaned table %d: %w", id, err)
			}
		}
	}
	return nil
}

// removeTable deletes a table that dropped out of every live version.
func (d *DB) removeTable(f *manifest.FileMeta) {
	d.tables.Evict(f.ID)
	path := filepath.Join(d.dir, sstable.FileName(f.ID))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		d.logger.Warn("failed to remove obsolete table", "file", f.ID, "error", err)
		return
	}
	d.logger.Debug("removed obsolete table", "file", f.ID, "level", f.Level)
}
