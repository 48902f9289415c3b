package db

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/listener"
	"lsmkv/pkg/sstable"
)

func TestWALFailureDisablesWrites(t *testing.T) {
	dir := t.TempDir()
	d := openDB(t, dir, testOptions())
	mustPut(t, d, "a", "1")

	d.writeMu.Lock()
	_ = d.log.Close()
	d.writeMu.Unlock()

	first := d.Put([]byte("b"), []byte("2"))
	if first == nil {
		t.Fatal("expected put to fail once the wal is unwritable")
	}
	if err := d.Put([]byte("c"), []byte("3")); !errors.Is(err, first) {
		t.Fatalf("expected the same wal error on later writes, got %v", err)
	}
	if err := d.Delete([]byte("a")); !errors.Is(err, first) {
		t.Fatalf("expected delete to fail with the wal error, got %v", err)
	}

	if v, ok := mustGet(t, d, "a"); !ok || v != "1" {
		t.Fatalf("a must stay readable, got %q, %v", v, ok)
	}
	if _, ok := mustGet(t, d, "b"); ok {
		t.Fatal("a failed put must not become visible")
	}
	mustStats(t, d)

	if err := d.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	d = openDB(t, dir, testOptions())
	if v, ok := mustGet(t, d, "a"); !ok || v != "1" {
		t.Fatalf("a lost after reopen, got %q, %v", v, ok)
	}
	for _, k := range []string{"b", "c"} {
		if _, ok := mustGet(t, d, k); ok {
			t.Fatalf("%s must not survive a failed wal append", k)
		}
	}
}

func TestFailedFlushMakesDatabaseReadOnly(t *testing.T) {
	dir := t.TempDir()
	d := openDB(t, dir, testOptions())

	// a directory in place of every upcoming temp table makes each build fail
	next := d.vs.NewFileID()
	for id := next; id < next+32; id++ {
		if err := os.Mkdir(filepath.Join(dir, sstable.FileName(id)+".tmp"), 0755); err != nil {
			t.Fatal(err)
		}
	}

	mustPut(t, d, "a", "1")
	mustPut(t, d, "b", "2")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	flushErr := d.Flush(ctx)
	if !errors.Is(flushErr, dberrors.ErrIO) {
		t.Fatalf("expected flush to fail with an io error, got %v", flushErr)
	}

	if err := d.Put([]byte("c"), []byte("3")); !errors.Is(err, dberrors.ErrIO) {
		t.Fatalf("expected writes to be rejected, got %v", err)
	}
	if err := d.Delete([]byte("a")); err == nil {
		t.Fatal("expected delete to be rejected")
	}
	for k, want := range map[string]string{"a": "1", "b": "2"} {
		if v, ok := mustGet(t, d, k); !ok || v != want {
			t.Fatalf("%s must stay readable, got %q, %v", k, v, ok)
		}
	}
	if s := mustStats(t, d); s.NumSSTables != 0 || s.ImmutableMemtables != 1 {
		t.Fatalf("unexpected stats after failed flush: %+v", s)
	}
	if n := d.Metrics().Snapshot().BackgroundErrors; n == 0 {
		t.Fatal("expected a background error to be recorded")
	}

	if err := d.Close(); err == nil {
		t.Fatal("expected close to report the unflushed memtable")
	}

	d = openDB(t, dir, testOptions())
	for k, want := range map[string]string{"a": "1", "b": "2"} {
		if v, ok := mustGet(t, d, k); !ok || v != want {
			t.Fatalf("%s lost after reopen, got %q, %v", k, v, ok)
		}
	}
	if _, ok := mustGet(t, d, "c"); ok {
		t.Fatal("a rejected put must not survive reopen")
	}
}

// stallWriter stops the flusher, fills the active memtable and the single
// immutable slot, and starts a put that has to wait for room. It returns the
// channel the stalled put reports on.
func stallWriter(t *testing.T, d *DB) <-chan error {
	t.Helper()
	d.flusher.Stop()

	value := bytes.Repeat([]byte("v"), 600)
	for i := 1; i <= 4; i++ {
		mustPut(t, d, fmt.Sprintf("k%d", i), string(value))
	}
	if s := mustStats(t, d); s.ImmutableMemtables != 1 {
		t.Fatalf("expected one pending memtable, got %d", s.ImmutableMemtables)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Put([]byte("k5"), value)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for d.Metrics().Snapshot().WriteStalls == 0 {
		if time.Now().After(deadline) {
			t.Fatal("writer never stalled")
		}
		time.Sleep(5 * time.Millisecond)
	}
	select {
	case err := <-errCh:
		t.Fatalf("stalled put returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	return errCh
}

func stallOptions() Options {
	opts := testOptions()
	opts.MemtableSize = 1024
	opts.MaxImmutableMemtables = 1
	return opts
}

// startFlusher runs a replacement flusher on the database's flush channel.
func startFlusher(d *DB) *listener.Listener[struct{}] {
	l := listener.New("flusher", d.flushCh, d.flushPending)
	l.Start(context.Background())
	return l
}

func TestWritersStallUntilFlushFreesRoom(t *testing.T) {
	d := openDB(t, t.TempDir(), stallOptions())
	errCh := stallWriter(t, d)

	flusher := startFlusher(d)
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("stalled put failed: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("stalled put never resumed")
	}

	for i := 1; i <= 5; i++ {
		if _, ok := mustGet(t, d, fmt.Sprintf("k%d", i)); !ok {
			t.Fatalf("k%d missing", i)
		}
	}
	if err := d.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	flusher.Stop()
}

func TestCloseWakesStalledWriters(t *testing.T) {
	dir := t.TempDir()
	d := openDB(t, dir, stallOptions())
	errCh := stallWriter(t, d)

	closeErr := make(chan error, 1)
	go func() {
		closeErr <- d.Close()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed for the stalled put, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("close did not wake the stalled put")
	}

	// close still has to flush the pending memtables
	flusher := startFlusher(d)
	defer flusher.Stop()
	select {
	case err := <-closeErr:
		if err != nil {
			t.Fatalf("close failed: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("close never finished")
	}

	d = openDB(t, dir, testOptions())
	for i := 1; i <= 4; i++ {
		if _, ok := mustGet(t, d, fmt.Sprintf("k%d", i)); !ok {
			t.Fatalf("k%d lost", i)
		}
	}
	if _, ok := mustGet(t, d, "k5"); ok {
		t.Fatal("a put rejected by close must not be stored")
	}
}
