package compaction

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"lsmkv/pkg/iterator"
	"lsmkv/pkg/manifest"
	"lsmkv/pkg/sstable"
	"lsmkv/pkg/types"
)

// cancellation is checked every checkEvery entries
const checkEvery = 1024

// Stats describes the work done by one task.
type Stats struct {
	BytesIn           uint64
	BytesOut          uint64
	EntriesIn         uint64
	EntriesOut        uint64
	TombstonesDropped uint64
	BlocksSkipped     int
	Outputs           []types.FileID
	TrivialMove       bool
}

// Compactor executes tasks. It never installs anything itself: Run returns
// the edit describing the result, and on failure leaves no output behind.
type Compactor struct {
	dir       string
	opts      Options
	tables    *sstable.TableCache
	newFileID func() types.FileID
	logger    *slog.Logger
}

func NewCompactor(dir string, opts Options, tables *sstable.TableCache, newFileID func() types.FileID, logger *slog.Logger) *Compactor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{dir: dir, opts: opts, tables: tables, newFileID: newFileID, logger: logger}
}

// Run executes t against v. v must be held by the caller for the duration.
func (c *Compactor) Run(ctx context.Context, v *manifest.Version, t *Task) (*manifest.VersionEdit, Stats, error) {
	var stats Stats
	edit := &manifest.VersionEdit{}

	if t.IsTrivialMove(v) {
		for _, f := range t.Inputs {
			edit.MoveFile(f, t.OutputLevel)
			stats.BytesIn += f.Size
		}
		stats.TrivialMove = true
		return edit, stats, nil
	}

	var children []iterator.Iterator
	var salvageIters []*sstable.Iterator
	for _, f := range append(append([]*manifest.FileMeta(nil), t.Inputs...), t.Targets...) {
		r, err := c.tables.Get(f.ID)
		if err != nil {
			return nil, stats, errors.Wrapf(err, "open compaction input %d", f.ID)
		}
		var it *sstable.Iterator
		if t.Salvage {
			it = r.SalvageIterator()
			salvageIters = append(salvageIters, it)
		} else {
			it = r.NewIterator()
		}
		children = append(children, it)
		stats.BytesIn += f.Size
		stats.EntriesIn += f.NumEntries
	}

	merged := iterator.NewDedup(iterator.NewMerging(children...), false)
	defer merged.Close()

	out := &outputSet{c: c, level: t.OutputLevel}
	n := 0
	for merged.First(); merged.Valid(); merged.Next() {
		if n++; n%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				out.abort()
				return nil, stats, err
			}
		}

		e := merged.Entry()
		if e.IsTombstone() && !t.Salvage && !c.keyMayExistBelow(v, t.OutputLevel, e.Key) {
			stats.TombstonesDropped++
			continue
		}
		if err := out.add(e); err != nil {
			out.abort()
			return nil, stats, err
		}
	}
	if err := merged.Err(); err != nil {
		out.abort()
		return nil, stats, errors.Wrap(err, "read compaction inputs")
	}
	if err := ctx.Err(); err != nil {
		out.abort()
		return nil, stats, err
	}
	if err := out.finish(); err != nil {
		out.abort()
		return nil, stats, err
	}

	for _, f := range t.Inputs {
		edit.DeleteFile(t.Level, f.ID)
	}
	for _, f := range t.Targets {
		edit.DeleteFile(t.OutputLevel, f.ID)
	}
	for _, m := range out.metas {
		fm := manifest.FromTable(m, t.OutputLevel)
		if t.Salvage && t.OutputLevel == 0 {
			// keep the table's place in the level 0 recency order
			fm.MaxSeq = max(fm.MaxSeq, t.Inputs[0].MaxSeq)
		}
		edit.AddFile(fm)
		stats.BytesOut += m.Size
		stats.EntriesOut += m.Props.NumEntries
		stats.Outputs = append(stats.Outputs, m.ID)
	}
	for _, it := range salvageIters {
		for _, b := range it.Skipped() {
			c.logger.Warn("salvage dropped corrupt block, older versions of its keys may resurface",
				"file", t.Inputs[0].ID,
				"offset", b.Offset,
				"after_key", string(b.After),
				"last_key", string(b.Last))
		}
		stats.BlocksSkipped += len(it.Skipped())
	}
	return edit, stats, nil
}

// keyMayExistBelow reports whether a level deeper than level has a table
// whose range covers key. Tombstones are only dropped when it does not.
func (c *Compactor) keyMayExistBelow(v *manifest.Version, level int, key []byte) bool {
	for l := level + 1; l < v.NumLevels(); l++ {
		for _, f := range v.Files(l) {
			if f.Contains(key) {
				return true
			}
		}
	}
	return false
}

// outputSet writes the compaction output, rolling over to a new table at the
// target file size.
type outputSet struct {
	c     *Compactor
	level int
	cur   *sstable.Writer
	metas []sstable.Meta
}

func (o *outputSet) add(e types.Entry) error {
	if o.cur == nil {
		w, err := sstable.NewWriter(o.c.dir, o.c.newFileID(), o.c.opts.Table)
		if err != nil {
			return err
		}
		o.cur = w
	}
	if err := o.cur.Add(e); err != nil {
		return err
	}
	if o.c.opts.TargetFileSize > 0 && o.cur.EstimatedSize() >= o.c.opts.TargetFileSize {
		return o.finish()
	}
	return nil
}

func (o *outputSet) finish() error {
	if o.cur == nil {
		return nil
	}
	m, err := o.cur.Finish()
	if err != nil {
		return err
	}
	o.cur = nil
	o.metas = append(o.metas, m)
	return nil
}

// abort removes every output written so far.
func (o *outputSet) abort() {
	if o.cur != nil {
		if err := o.cur.Abort(); err != nil {
			o.c.logger.Warn("failed to abort compaction output", "error", err)
		}
		o.cur = nil
	}
	for _, m := range o.metas {
		if err := os.Remove(m.Path); err != nil && !os.IsNotExist(err) {
			o.c.logger.Warn("failed to remove compaction output", "path", m.Path, "error", err)
		}
	}
	o.metas = nil
}

// discard removes outputs of a task whose edit could not be installed.
func (c *Compactor) discard(ids []types.FileID) {
	for _, id := range ids {
		path := filepath.Join(c.dir, sstable.FileName(id))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("failed to remove uninstalled compaction output", "path", path, "error", err)
		}
	}
}
