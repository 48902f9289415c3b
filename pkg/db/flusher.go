package db

import (
	"context"
	"fmt"
	"os"
	"time"

	"lsmkv/pkg/manifest"
	"lsmkv/pkg/sstable"
	"lsmkv/pkg/wal"
)

const (
	flushAttempts = 3
	flushBackoff  = 100 * time.Millisecond
)

func (d *DB) notifyFlusher() {
	select {
	case d.flushCh <- struct{}{}:
	default:
	}
}

// flushPending writes frozen memtables to level 0, oldest first, until none
// is left.
func (d *DB) flushPending(ctx context.Context, _ struct{}) error {
	for {
		if d.backgroundError() != nil {
			return nil
		}
		st := d.state.Load()
		if len(st.imm) == 0 {
			return nil
		}
		oldest := st.imm[len(st.imm)-1]

		var err error
		for attempt := 1; attempt <= flushAttempts; attempt++ {
			if err = d.flush(oldest); err == nil {
				break
			}
			d.logger.Warn("memtable flush failed", "attempt", attempt, "error", err)
			select {
			case <-time.After(flushBackoff * time.Duration(attempt)):
			case <-ctx.Done():
				return fmt.Errorf("failed to flush memtable: %w", err)
			}
		}
		if err != nil {
			d.stats.RecordBackgroundError()
			d.setBackgroundError(fmt.Errorf("failed to flush memtable: %w", err))
			return err
		}
	}
}

// flush writes imm to a level 0 table, installs it and retires the log
// segments it covered.
func (d *DB) flush(imm *immutable) error {
	start := time.Now()
	entries := imm.mem.Sorted()

	// the flushed memtable's log is no longer needed once the next newer
	// memtable's segment is the oldest one replayed
	edit := &manifest.VersionEdit{
		LogNumber: d.successorLog(imm),
		LastSeq:   imm.mem.MaxSeq(),
	}

	var meta sstable.Meta
	if len(entries) > 0 {
		var err error
		meta, err = sstable.Build(d.dir, d.vs.NewFileID(), d.opts.Compaction.Table, entries)
		if err != nil {
			return fmt.Errorf("failed to write table: %w", err)
		}
		edit.AddFile(manifest.FromTable(meta, 0))
	}

	if _, err := d.vs.Install(edit); err != nil {
		if meta.Path != "" {
			d.removeUninstalled(meta)
		}
		return fmt.Errorf("failed to install flushed table: %w", err)
	}

	d.stateMu.Lock()
	cur := d.state.Load()
	next := &memState{mem: cur.mem}
	for _, other := range cur.imm {
		if other != imm {
			next.imm = append(next.imm, other)
		}
	}
	d.state.Store(next)
	d.roomCond.Broadcast()
	d.stateMu.Unlock()
	close(imm.done)

	if removed, err := wal.RemoveBelow(d.walDir, edit.LogNumber); err != nil {
		d.logger.Warn("failed to remove flushed wal segments", "error", err)
	} else {
		d.logger.Debug("removed flushed wal segments", "segments", removed)
	}

	d.stats.RecordFlush(meta.Size)
	d.logger.Info("memtable flushed",
		"file", meta.ID,
		"entries", len(entries),
		"bytes", meta.Size,
		"last_seq", edit.LastSeq,
		"duration", time.Since(start))

	d.worker.Trigger()
	return nil
}

// successorLog returns the log number of the memtable that became active
// right after imm was frozen.
func (d *DB) successorLog(imm *immutable) uint64 {
	st := d.state.Load()
	for i, other := range st.imm {
		if other == imm {
			if i == 0 {
				return st.mem.LogNumber()
			}
			return st.imm[i-1].mem.LogNumber()
		}
	}
	return st.mem.LogNumber()
}

func (d *DB) removeUninstalled(meta sstable.Meta) {
	if err := os.Remove(meta.Path); err != nil && !os.IsNotExist(err) {
		d.logger.Warn("failed to remove uninstalled table", "file", meta.ID, "error", err)
	}
}
