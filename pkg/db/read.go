package db

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"

	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/iterator"
	"lsmkv/pkg/manifest"
	"lsmkv/pkg/sstable"
	"lsmkv/pkg/types"
)

// Get returns the newest value of key. A missing or deleted key yields
// found == false and no error.
func (d *DB) Get(key []byte) (value []byte, found bool, err error) {
	if len(key) == 0 {
		return nil, false, fmt.Errorf("%w: empty key", dberrors.ErrInvalidArgument)
	}
	exit, err := d.enter()
	if err != nil {
		return nil, false, err
	}
	defer exit()

	e, ok, err := d.lookup(key)
	d.stats.RecordGet(ok && !e.IsTombstone())
	if err != nil || !ok || e.IsTombstone() {
		return nil, false, err
	}
	return bytes.Clone(e.Value), true, nil
}

// lookup finds the newest entry for key, tombstones included.
func (d *DB) lookup(key []byte) (types.Entry, bool, error) {
	// state must be loaded before the version: a flush installs its table
	// before it drops the memtable
	st := d.state.Load()
	if e, ok := st.mem.Get(key); ok {
		return e, true, nil
	}
	for _, imm := range st.imm {
		if e, ok := imm.mem.Get(key); ok {
			return e, true, nil
		}
	}

	v := d.vs.Acquire()
	defer d.vs.Release(v)

	for _, f := range v.FilesForKey(key) {
		e, ok, err := d.tableGet(f, key)
		if err != nil {
			return types.Entry{}, false, err
		}
		if ok {
			return e, true, nil
		}
	}
	return types.Entry{}, false, nil
}

func (d *DB) tableGet(f *manifest.FileMeta, key []byte) (types.Entry, bool, error) {
	r, err := d.tables.Get(f.ID)
	if err == nil {
		var e types.Entry
		var ok bool
		if e, ok, err = r.Get(key); err == nil {
			return e, ok, nil
		}
	}
	if dberrors.IsCorruption(err) {
		d.stats.RecordCorruption()
		d.logger.Warn("corrupt table on read, scheduling rewrite", "file", f.ID, "level", f.Level, "error", err)
		d.worker.ReportCorruption(f.ID)
	}
	return types.Entry{}, false, fmt.Errorf("failed to read table %d: %w", f.ID, err)
}

// Scan calls fn for every live key in [start, end) in key order, with the
// newest value of each. A nil bound is open. fn must not retain key or value
// and returning false stops the scan.
func (d *DB) Scan(start, end []byte, fn func(key, value []byte) bool) error {
	exit, err := d.enter()
	if err != nil {
		return err
	}
	defer exit()

	st := d.state.Load()
	v := d.vs.Acquire()
	defer d.vs.Release(v)

	// children are ordered newest first so the merge resolves equal
	// sequence numbers in their favour
	children := []iterator.Iterator{iterator.NewSlice(st.mem.Range(start, end))}
	for _, imm := range st.imm {
		children = append(children, iterator.NewSlice(imm.mem.Range(start, end)))
	}
	for level := 0; level < v.NumLevels(); level++ {
		for _, f := range v.Overlapping(level, start, end) {
			r, err := d.tables.Get(f.ID)
			if err != nil {
				return fmt.Errorf("failed to open table %d: %w", f.ID, err)
			}
			children = append(children, r.Scan(start, end))
		}
	}

	it := iterator.NewVisible(iterator.NewMerging(children...))
	defer it.Close()

	for it.First(); it.Valid(); it.Next() {
		if !fn(it.Key(), it.Value()) {
			return nil
		}
	}
	if err := it.Err(); err != nil {
		var ce *dberrors.CorruptionError
		if errors.As(err, &ce) {
			d.stats.RecordCorruption()
			d.reportCorruptPath(v, ce.Path)
		}
		return fmt.Errorf("failed to scan: %w", err)
	}
	return nil
}

// reportCorruptPath schedules the live table stored at path for a rewrite.
func (d *DB) reportCorruptPath(v *manifest.Version, path string) {
	for level := 0; level < v.NumLevels(); level++ {
		for _, f := range v.Files(level) {
			if filepath.Base(path) == sstable.FileName(f.ID) {
				d.logger.Warn("corrupt table on scan, scheduling rewrite", "file", f.ID, "level", level)
				d.worker.ReportCorruption(f.ID)
				return
			}
		}
	}
}
