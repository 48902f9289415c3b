package compaction

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/listener"
	"lsmkv/pkg/manifest"
	"lsmkv/pkg/sstable"
	"lsmkv/pkg/types"
)

type RequestKind int

const (
	// KindTrigger asks the worker to compact until no level is over its target.
	KindTrigger RequestKind = iota
	// KindManual pushes every level down to the last one.
	KindManual
	// KindSuspect schedules a salvage rewrite of a table that failed a read.
	KindSuspect
)

type Request struct {
	Kind   RequestKind
	FileID types.FileID
	Done   chan error
}

// Result is published after every installed task.
type Result struct {
	Task     *Task
	Stats    Stats
	Duration time.Duration
	Err      error
}

// Worker runs compactions one at a time on a dedicated goroutine. Since it is
// the only compactor, tasks never conflict with each other.
type Worker struct {
	*listener.Listener[Request]

	vs        *manifest.VersionSet
	picker    *Picker
	compactor *Compactor
	logger    *slog.Logger

	reqCh   chan Request
	results chan Result
	stopped chan struct{}
}

func NewWorker(vs *manifest.VersionSet, compactor *Compactor, opts Options, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		vs:        vs,
		picker:    NewPicker(opts),
		compactor: compactor,
		logger:    logger,
		reqCh:     make(chan Request, 16),
		results:   make(chan Result, 64),
		stopped:   make(chan struct{}),
	}
	w.Listener = listener.New("compaction", w.reqCh, w.handle, func() { close(w.stopped) })
	return w
}

// Trigger schedules a compaction check. It never blocks; pending triggers
// coalesce.
func (w *Worker) Trigger() {
	select {
	case w.reqCh <- Request{Kind: KindTrigger}:
	default:
	}
}

// ReportCorruption schedules table id for a salvage rewrite.
func (w *Worker) ReportCorruption(id types.FileID) {
	select {
	case w.reqCh <- Request{Kind: KindSuspect, FileID: id}:
	default:
		w.logger.Warn("compaction queue full, dropping corruption report", "file", id)
	}
}

// CompactAll runs a manual compaction and waits for it. Cancelling ctx stops
// the wait, not the compaction.
func (w *Worker) CompactAll(ctx context.Context) error {
	done := make(chan error, 1)
	select {
	case w.reqCh <- Request{Kind: KindManual, Done: done}:
	case <-w.stopped:
		return dberrors.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-w.stopped:
		return dberrors.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Results delivers a notification per completed task. Notifications are
// dropped when nobody drains the channel.
func (w *Worker) Results() <-chan Result {
	return w.results
}

func (w *Worker) handle(ctx context.Context, req Request) error {
	var err error
	switch req.Kind {
	case KindTrigger:
		err = w.compactUntilStable(ctx)
	case KindManual:
		err = w.compactManual(ctx)
	case KindSuspect:
		if err = w.salvage(ctx, req.FileID); err == nil {
			w.Trigger()
		}
	}
	if req.Done != nil {
		req.Done <- err
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) compactUntilStable(ctx context.Context) error {
	for ctx.Err() == nil {
		ran, err := w.runOne(ctx, func(v *manifest.Version) *Task { return w.picker.Pick(v) })
		if err != nil || !ran {
			return err
		}
	}
	return nil
}

func (w *Worker) compactManual(ctx context.Context) error {
	for level := 0; level < w.vs.NumLevels()-1; level++ {
		if _, err := w.runOne(ctx, func(v *manifest.Version) *Task { return w.picker.PickLevel(v, level) }); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) salvage(ctx context.Context, id types.FileID) error {
	_, err := w.runOne(ctx, func(v *manifest.Version) *Task { return Salvage(v, id) })
	return err
}

// runOne picks a task from a fresh version, runs it and installs the result.
func (w *Worker) runOne(ctx context.Context, pick func(*manifest.Version) *Task) (bool, error) {
	v := w.vs.Acquire()
	defer w.vs.Release(v)

	task := pick(v)
	if task == nil {
		return false, nil
	}

	start := time.Now()
	edit, stats, err := w.compactor.Run(ctx, v, task)
	if err == nil {
		_, err = w.vs.Install(edit)
		if err != nil {
			w.compactor.discard(stats.Outputs)
		}
	}
	res := Result{Task: task, Stats: stats, Duration: time.Since(start), Err: err}
	w.publish(res)

	if err != nil {
		w.reportCorruptInput(task, err)
		return false, errors.Wrapf(err, "compaction %s", task)
	}
	w.logger.Info("compaction finished",
		"task", task.String(),
		"trivial", stats.TrivialMove,
		"bytes_in", stats.BytesIn,
		"bytes_out", stats.BytesOut,
		"tombstones_dropped", stats.TombstonesDropped,
		"blocks_skipped", stats.BlocksSkipped,
		"outputs", len(stats.Outputs),
		"duration", res.Duration)
	return true, nil
}

// reportCorruptInput schedules a salvage of the input that made a task fail.
func (w *Worker) reportCorruptInput(task *Task, err error) {
	var ce *dberrors.CorruptionError
	if task.Salvage || !errors.As(err, &ce) {
		return
	}
	for _, f := range append(append([]*manifest.FileMeta(nil), task.Inputs...), task.Targets...) {
		if filepath.Base(ce.Path) == sstable.FileName(f.ID) {
			w.logger.Warn("compaction input is corrupt, scheduling salvage", "file", f.ID, "error", err)
			w.ReportCorruption(f.ID)
			return
		}
	}
}

func (w *Worker) publish(res Result) {
	select {
	case w.results <- res:
	default:
	}
}
