package db

import (
	"context"
	"fmt"

	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/encoding"
	"lsmkv/pkg/memtable"
	"lsmkv/pkg/types"
	"lsmkv/pkg/wal"
)

// Put stores value under key. It returns once the mutation is in the log
// with the configured durability.
func (d *DB) Put(key, value []byte) error {
	return d.write(types.Entry{Key: key, Value: value, Kind: types.KindPut})
}

// Delete records a tombstone for key. Deleting a missing key is not an error.
func (d *DB) Delete(key []byte) error {
	return d.write(types.Entry{Key: key, Kind: types.KindDelete})
}

func (d *DB) write(e types.Entry) error {
	if len(e.Key) == 0 {
		return fmt.Errorf("%w: empty key", dberrors.ErrInvalidArgument)
	}
	exit, err := d.enter()
	if err != nil {
		return err
	}
	defer exit()

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	if d.walErr != nil {
		return d.walErr
	}
	if err := d.backgroundError(); err != nil {
		return err
	}
	if d.state.Load().mem.ApproximateSize() >= d.opts.MemtableSize {
		if err := d.makeRoom(); err != nil {
			return err
		}
	}

	e.Seq = d.seq.Next()
	if err := d.log.Append(e); err != nil {
		d.walErr = fmt.Errorf("failed to append to wal, writes disabled: %w", err)
		d.logger.Error("wal append failed", "segment", d.log.Number(), "error", err)
		return d.walErr
	}

	mem := d.state.Load().mem
	if err := mem.Apply(e); err != nil {
		return fmt.Errorf("failed to apply to memtable: %w", err)
	}
	if e.IsTombstone() {
		d.stats.RecordDelete(encoding.EncodedLen(e))
	} else {
		d.stats.RecordPut(encoding.EncodedLen(e))
	}

	// hand the full memtable to the flusher now if there is room; otherwise
	// the next write stalls in makeRoom
	if mem.ApproximateSize() >= d.opts.MemtableSize && d.hasRoom() {
		if _, err := d.rotate(); err != nil {
			return err
		}
	}
	return nil
}

func (d *DB) hasRoom() bool {
	return len(d.state.Load().imm) < d.opts.MaxImmutableMemtables
}

// makeRoom stalls until the flusher has room for another memtable, then
// rotates. Caller holds writeMu.
func (d *DB) makeRoom() error {
	if !d.hasRoom() {
		d.stats.RecordWriteStall()
		d.logger.Debug("write stalled on pending flushes", "pending", len(d.state.Load().imm))

		d.stateMu.Lock()
		for !d.hasRoom() && !d.closed.Load() && d.backgroundError() == nil {
			d.roomCond.Wait()
		}
		d.stateMu.Unlock()

		if d.closed.Load() {
			return ErrClosed
		}
		if err := d.backgroundError(); err != nil {
			return err
		}
	}
	_, err := d.rotate()
	return err
}

// rotate freezes the active memtable, starts a new log segment for its
// successor and wakes the flusher. Caller holds writeMu.
func (d *DB) rotate() (*immutable, error) {
	num := d.vs.NewFileID()
	log, err := wal.Create(d.walDir, num, d.opts.SyncMode)
	if err != nil {
		d.walErr = fmt.Errorf("failed to rotate wal, writes disabled: %w", err)
		return nil, d.walErr
	}
	if err := d.log.Close(); err != nil {
		d.logger.Warn("failed to close wal segment", "segment", d.log.Number(), "error", err)
	}
	d.log = log

	d.stateMu.Lock()
	old := d.state.Load()
	old.mem.Freeze()
	imm := &immutable{mem: old.mem, done: make(chan struct{})}
	next := &memState{
		mem: memtable.New(num),
		imm: append([]*immutable{imm}, old.imm...),
	}
	d.state.Store(next)
	d.stateMu.Unlock()

	d.logger.Debug("memtable rotated",
		"size", imm.mem.ApproximateSize(),
		"entries", imm.mem.Len(),
		"segment", num)

	d.notifyFlusher()
	return imm, nil
}

// Flush writes the active memtable to a table and waits until it and every
// older pending memtable are installed.
func (d *DB) Flush(ctx context.Context) error {
	exit, err := d.enter()
	if err != nil {
		return err
	}
	defer exit()

	d.writeMu.Lock()
	var target *immutable
	st := d.state.Load()
	switch {
	case !st.mem.Empty():
		if d.walErr != nil {
			d.writeMu.Unlock()
			return d.walErr
		}
		if err := d.makeRoom(); err != nil {
			d.writeMu.Unlock()
			return err
		}
		target = d.state.Load().imm[0]
	case len(st.imm) > 0:
		target = st.imm[0]
	}
	d.writeMu.Unlock()

	if target == nil {
		return nil
	}
	return d.waitFlushed(ctx, target)
}

// waitFlushed blocks until every given memtable is installed as a table.
func (d *DB) waitFlushed(ctx context.Context, imms ...*immutable) error {
	for _, imm := range imms {
		select {
		case <-imm.done:
		case <-d.bgDone:
			return d.bgErr
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Compact flushes the memtables and compacts every level down to the last
// one, waiting for the result.
func (d *DB) Compact(ctx context.Context) error {
	if err := d.Flush(ctx); err != nil {
		return err
	}
	exit, err := d.enter()
	if err != nil {
		return err
	}
	defer exit()
	return d.worker.CompactAll(ctx)
}
