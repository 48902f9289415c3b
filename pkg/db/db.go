package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"lsmkv/pkg/clock"
	"lsmkv/pkg/compaction"
	"lsmkv/pkg/listener"
	"lsmkv/pkg/manifest"
	"lsmkv/pkg/memtable"
	"lsmkv/pkg/metrics"
	"lsmkv/pkg/sstable"
	"lsmkv/pkg/wal"
)

const (
	lockFileName = "LOCK"
	walDirName   = "wal"
)

// immutable is a frozen memtable waiting for flush. done is closed once its
// table is installed.
type immutable struct {
	mem  *memtable.Memtable
	done chan struct{}
}

// memState is the set of memtables visible to readers. It is replaced as a
// whole, never mutated.
type memState struct {
	mem *memtable.Memtable
	// imm is ordered newest first.
	imm []*immutable
}

type DB struct {
	dir    string
	walDir string
	opts   Options
	logger *slog.Logger
	stats  *metrics.Metrics

	lock    *fileLock
	vs      *manifest.VersionSet
	tables  *sstable.TableCache
	worker  *compaction.Worker
	flusher *listener.Listener[struct{}]
	seq     *clock.AtomicClock

	// writeMu serializes writers. log and walErr are guarded by it.
	writeMu sync.Mutex
	log     *wal.Writer
	walErr  error

	// stateMu guards swaps of state and is the lock of roomCond.
	stateMu  sync.Mutex
	state    atomic.Pointer[memState]
	roomCond *sync.Cond

	flushCh chan struct{}

	bgOnce sync.Once
	bgErr  error
	bgDone chan struct{}

	// closeMu is held shared by every operation and exclusively by Close.
	closeMu   sync.RWMutex
	closed    atomic.Bool
	closeOnce sync.Once
	quit      chan struct{}
	wg        sync.WaitGroup
}

// Open opens the database in dir, creating it when needed, and replays the
// write-ahead log of every memtable that was not flushed.
func Open(dir string, opts Options) (*DB, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	d := &DB{
		dir:     dir,
		walDir:  filepath.Join(dir, walDirName),
		opts:    opts,
		logger:  opts.Logger,
		stats:   opts.Metrics,
		flushCh: make(chan struct{}, 1),
		bgDone:  make(chan struct{}),
		quit:    make(chan struct{}),
	}
	d.roomCond = sync.NewCond(&d.stateMu)

	if err := os.MkdirAll(d.walDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	lock, err := lockFile(filepath.Join(dir, lockFileName))
	if err != nil {
		return nil, err
	}
	d.lock = lock

	if err := d.recover(); err != nil {
		_ = d.releaseResources()
		return nil, err
	}

	compactor := compaction.NewCompactor(dir, opts.Compaction, d.tables, d.vs.NewFileID, d.logger)
	d.worker = compaction.NewWorker(d.vs, compactor, opts.Compaction, d.logger)
	d.flusher = listener.New("flusher", d.flushCh, d.flushPending)

	for _, job := range d.jobs() {
		job.Start(context.Background())
	}
	d.wg.Add(1)
	go d.consumeResults()

	v := d.vs.Current()
	d.logger.Info("database opened",
		"dir", dir,
		"db_id", d.vs.DBID(),
		"sequence", d.seq.Val(),
		"tables", v.NumFiles(),
		"memtable_entries", d.state.Load().mem.Len())

	// tables left over from before the restart may already need work
	d.worker.Trigger()
	return d, nil
}

// Close flushes the active memtable, stops background work, records the
// final sequence number and releases every file. Closing twice is a no-op.
func (d *DB) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		d.wakeStalledWriters()

		d.closeMu.Lock()
		defer d.closeMu.Unlock()

		if err = d.shutdown(); err != nil {
			d.logger.Warn("database closed with errors", "dir", d.dir, "error", err)
			return
		}
		d.logger.Info("database closed", "dir", d.dir, "sequence", d.seq.Val())
	})
	return err
}

func (d *DB) shutdown() error {
	var errs []error

	if err := d.flushForClose(); err != nil {
		errs = append(errs, fmt.Errorf("failed to flush memtable: %w", err))
	}

	for _, job := range d.jobs() {
		job.Stop()
	}
	close(d.quit)
	d.wg.Wait()

	edit := &manifest.VersionEdit{LastSeq: d.seq.Val()}
	if _, err := d.vs.Install(edit); err != nil {
		errs = append(errs, fmt.Errorf("failed to record last sequence: %w", err))
	}

	d.writeMu.Lock()
	if err := d.log.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close wal: %w", err))
	}
	d.writeMu.Unlock()

	if err := d.releaseResources(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// flushForClose writes every memtable to a table. It runs with closeMu held
// exclusively, so no writer is active.
func (d *DB) flushForClose() error {
	if err := d.waitFlushed(context.Background(), d.state.Load().imm...); err != nil {
		return err
	}
	d.writeMu.Lock()
	if d.walErr != nil || d.state.Load().mem.Empty() {
		d.writeMu.Unlock()
		return nil
	}
	imm, err := d.rotate()
	d.writeMu.Unlock()
	if err != nil {
		return err
	}
	return d.waitFlushed(context.Background(), imm)
}

func (d *DB) releaseResources() error {
	var errs []error
	if d.tables != nil {
		if err := d.tables.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close tables: %w", err))
		}
	}
	if d.lock != nil {
		if err := d.lock.release(); err != nil {
			errs = append(errs, fmt.Errorf("failed to release lock: %w", err))
		}
		d.lock = nil
	}
	return errors.Join(errs...)
}

// jobs are the background workers, in start order.
func (d *DB) jobs() []listener.Job {
	return []listener.Job{d.worker, d.flusher}
}

// enter marks the start of an operation. The returned func must be called
// when it ends.
func (d *DB) enter() (func(), error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	d.closeMu.RLock()
	if d.closed.Load() {
		d.closeMu.RUnlock()
		return nil, ErrClosed
	}
	return d.closeMu.RUnlock, nil
}

// consumeResults turns compaction notifications into metrics.
func (d *DB) consumeResults() {
	defer d.wg.Done()
	for {
		select {
		case res := <-d.worker.Results():
			if errors.Is(res.Err, context.Canceled) {
				continue
			}
			if res.Err != nil {
				d.stats.RecordBackgroundError()
				continue
			}
			d.stats.RecordCompaction(res.Stats.BytesIn, res.Stats.BytesOut, res.Stats.TombstonesDropped)
		case <-d.quit:
			return
		}
	}
}

// setBackgroundError records a failure that makes further writes unsafe.
func (d *DB) setBackgroundError(err error) {
	d.bgOnce.Do(func() {
		d.bgErr = err
		close(d.bgDone)
		d.logger.Error("background error, database is read-only", "error", err)
	})
	d.wakeStalledWriters()
}

func (d *DB) backgroundError() error {
	select {
	case <-d.bgDone:
		return d.bgErr
	default:
		return nil
	}
}

func (d *DB) wakeStalledWriters() {
	d.stateMu.Lock()
	d.roomCond.Broadcast()
	d.stateMu.Unlock()
}
