package db

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"lsmkv/pkg/compression"
	"lsmkv/pkg/config"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/sstable"
	"lsmkv/pkg/wal"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.MemtableSize = 1 << 20
	opts.CacheBlocks = 64
	opts.Compaction.L0Trigger = 2
	opts.Compaction.LevelBaseBytes = 64 << 10
	opts.Compaction.TargetFileSize = 16 << 10
	opts.Compaction.MaxLevels = 4
	opts.Compaction.Table.BlockSize = 512
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return opts
}

func openDB(t *testing.T, dir string, opts Options) *DB {
	t.Helper()
	d, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

// abandon drops the database the way a crash would: nothing is flushed and
// no final manifest edit is written.
func (d *DB) abandon() {
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		d.wakeStalledWriters()
		d.closeMu.Lock()
		defer d.closeMu.Unlock()

		d.worker.Stop()
		d.flusher.Stop()
		close(d.quit)
		d.wg.Wait()
		_ = d.log.Close()
		_ = d.releaseResources()
	})
}

func mustPut(t *testing.T, d *DB, key, value string) {
	t.Helper()
	if err := d.Put([]byte(key), []byte(value)); err != nil {
		t.Fatalf("put %s failed: %v", key, err)
	}
}

func mustGet(t *testing.T, d *DB, key string) (string, bool) {
	t.Helper()
	v, ok, err := d.Get([]byte(key))
	if err != nil {
		t.Fatalf("get %s failed: %v", key, err)
	}
	return string(v), ok
}

func mustStats(t *testing.T, d *DB) Stats {
	t.Helper()
	s, err := d.Stats()
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	return s
}

func TestUserScenario(t *testing.T) {
	d := openDB(t, t.TempDir(), testOptions())

	mustPut(t, d, "user:1", "A")
	mustPut(t, d, "user:2", "B")
	mustPut(t, d, "user:3", "C")
	if err := d.Delete([]byte("user:2")); err != nil {
		t.Fatal(err)
	}

	if _, ok := mustGet(t, d, "user:2"); ok {
		t.Fatal("user:2 must be absent after delete")
	}
	if v, ok := mustGet(t, d, "user:1"); !ok || v != "A" {
		t.Fatalf("user:1 = %q, %v", v, ok)
	}
	if v, ok := mustGet(t, d, "user:3"); !ok || v != "C" {
		t.Fatalf("user:3 = %q, %v", v, ok)
	}

	before := mustStats(t, d)
	if before.NumSSTables != 0 {
		t.Fatalf("expected no tables before flush, got %d", before.NumSSTables)
	}
	if before.SequenceNumber != 4 {
		t.Fatalf("expected sequence 4, got %d", before.SequenceNumber)
	}

	if err := d.Flush(context.Background()); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	after := mustStats(t, d)
	if after.NumSSTables != before.NumSSTables+1 {
		t.Fatalf("expected exactly one new table, got %d", after.NumSSTables)
	}
	if after.MemtableEntries != 0 || after.MemtableSize != 0 {
		t.Fatalf("memtable must be empty after flush, got %+v", after)
	}

	// same answers from the table
	if _, ok := mustGet(t, d, "user:2"); ok {
		t.Fatal("user:2 must stay deleted after flush")
	}
	if v, ok := mustGet(t, d, "user:1"); !ok || v != "A" {
		t.Fatalf("user:1 after flush = %q, %v", v, ok)
	}
}

func TestLastWriterWins(t *testing.T) {
	d := openDB(t, t.TempDir(), testOptions())

	mustPut(t, d, "k", "v1")
	mustPut(t, d, "k", "v2")
	if v, _ := mustGet(t, d, "k"); v != "v2" {
		t.Fatalf("expected v2, got %q", v)
	}

	if err := d.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	mustPut(t, d, "k", "v3")
	if v, _ := mustGet(t, d, "k"); v != "v3" {
		t.Fatalf("memtable must shadow the table, got %q", v)
	}
}

func TestDeleteMissingKey(t *testing.T) {
	d := openDB(t, t.TempDir(), testOptions())
	if err := d.Delete([]byte("never-written")); err != nil {
		t.Fatalf("delete of a missing key failed: %v", err)
	}
	if _, ok := mustGet(t, d, "never-written"); ok {
		t.Fatal("expected absent")
	}
}

func TestEmptyKeyAndValue(t *testing.T) {
	d := openDB(t, t.TempDir(), testOptions())

	if err := d.Put(nil, []byte("v")); !errors.Is(err, dberrors.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if _, _, err := d.Get([]byte{}); !errors.Is(err, dberrors.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}

	mustPut(t, d, "empty", "")
	if v, ok := mustGet(t, d, "empty"); !ok || v != "" {
		t.Fatalf("empty value must be stored, got %q, %v", v, ok)
	}
}

func TestDurabilityAfterCrash(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir, testOptions())
	if err != nil {
		t.Fatal(err)
	}

	want := make(map[string]string)
	for i := 0; i < 200; i++ {
		k, v := fmt.Sprintf("key-%03d", i), fmt.Sprintf("value-%d", i)
		mustPut(t, d, k, v)
		want[k] = v
	}
	for i := 0; i < 200; i += 3 {
		k := fmt.Sprintf("key-%03d", i)
		if err := d.Delete([]byte(k)); err != nil {
			t.Fatal(err)
		}
		delete(want, k)
	}
	seq := mustStats(t, d).SequenceNumber
	d.abandon()

	d = openDB(t, dir, testOptions())
	for i := 0; i < 200; i++ {
		k := fmt.Sprintf("key-%03d", i)
		got, ok := mustGet(t, d, k)
		if w, exists := want[k]; exists != ok || got != w {
			t.Fatalf("%s: got %q, %v, want %q, %v", k, got, ok, w, exists)
		}
	}
	if s := mustStats(t, d); s.SequenceNumber != seq {
		t.Fatalf("replay must restore sequence %d, got %d", seq, s.SequenceNumber)
	}
}

func TestTornWALTailIsDiscarded(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	mustPut(t, d, "a", "1")
	mustPut(t, d, "b", "2")
	segment := d.log.Path()
	d.abandon()

	// half a record, as left by a crash in the middle of an append
	f, err := os.OpenFile(segment, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte{0xde, 0xad, 0xbe, 0xef, 0x01}); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()

	d = openDB(t, dir, testOptions())
	if v, ok := mustGet(t, d, "b"); !ok || v != "2" {
		t.Fatalf("records before the tear must survive, got %q, %v", v, ok)
	}
	mustPut(t, d, "c", "3")
	if v, _ := mustGet(t, d, "c"); v != "3" {
		t.Fatal("writes must work after a truncated replay")
	}
}

func TestSequenceNeverReused(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		mustPut(t, d, fmt.Sprintf("k%d", i), "v")
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}

	d, err = Open(dir, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	if s := mustStats(t, d); s.SequenceNumber != 5 {
		t.Fatalf("expected sequence 5 after clean restart, got %d", s.SequenceNumber)
	}
	mustPut(t, d, "k5", "v")
	if s := mustStats(t, d); s.SequenceNumber != 6 {
		t.Fatalf("expected sequence 6, got %d", s.SequenceNumber)
	}
	d.abandon()

	d = openDB(t, dir, testOptions())
	if s := mustStats(t, d); s.SequenceNumber != 6 {
		t.Fatalf("expected sequence 6 after crash, got %d", s.SequenceNumber)
	}
}

func TestCompactionPreservesMapping(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.MemtableSize = 16 << 10
	d := openDB(t, dir, opts)

	rng := rand.New(rand.NewSource(7))
	want := make(map[string]string)
	for i := 0; i < 4000; i++ {
		k := fmt.Sprintf("key-%04d", rng.Intn(500))
		if rng.Intn(5) == 0 {
			if err := d.Delete([]byte(k)); err != nil {
				t.Fatal(err)
			}
			delete(want, k)
			continue
		}
		v := fmt.Sprintf("value-%d-%d", i, rng.Int63())
		mustPut(t, d, k, v)
		want[k] = v

		if i%1000 == 999 {
			if err := d.Flush(context.Background()); err != nil {
				t.Fatal(err)
			}
		}
	}

	check := func(stage string) {
		t.Helper()
		for i := 0; i < 500; i++ {
			k := fmt.Sprintf("key-%04d", i)
			got, ok := mustGet(t, d, k)
			if w, exists := want[k]; exists != ok || got != w {
				t.Fatalf("%s: %s got %q, %v, want %q, %v", stage, k, got, ok, w, exists)
			}
		}
	}
	check("before compaction")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.Compact(ctx); err != nil {
		t.Fatalf("compact failed: %v", err)
	}
	check("after compaction")

	s := mustStats(t, d)
	if s.L0Files != 0 || s.NumSSTables == 0 {
		t.Fatalf("manual compaction must empty level 0, got %+v", s)
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	d = openDB(t, dir, opts)
	check("after reopen")
}

func TestScan(t *testing.T) {
	d := openDB(t, t.TempDir(), testOptions())

	for _, k := range []string{"a", "b", "c", "d", "e"} {
		mustPut(t, d, k, k+"1")
	}
	if err := d.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	mustPut(t, d, "b", "b2")
	if err := d.Delete([]byte("c")); err != nil {
		t.Fatal(err)
	}

	var got []string
	err := d.Scan([]byte("b"), []byte("e"), func(k, v []byte) bool {
		got = append(got, string(k)+"="+string(v))
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(got) != "[b=b2 d=d1]" {
		t.Fatalf("unexpected scan result %v", got)
	}

	got = got[:0]
	err = d.Scan(nil, nil, func(k, v []byte) bool {
		got = append(got, string(k))
		return len(got) < 2
	})
	if err != nil || fmt.Sprint(got) != "[a b]" {
		t.Fatalf("scan must stop when fn returns false, got %v, %v", got, err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	d, err := Open(t.TempDir(), testOptions())
	if err != nil {
		t.Fatal(err)
	}
	mustPut(t, d, "k", "v")

	if err := d.Close(); err != nil {
		t.Fatalf("first close failed: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("second close must be a no-op, got %v", err)
	}

	if err := d.Put([]byte("k"), []byte("v")); !errors.Is(err, ErrClosed) {
		t.Fatalf("put: expected ErrClosed, got %v", err)
	}
	if err := d.Delete([]byte("k")); !errors.Is(err, ErrClosed) {
		t.Fatalf("delete: expected ErrClosed, got %v", err)
	}
	if _, _, err := d.Get([]byte("k")); !errors.Is(err, ErrClosed) {
		t.Fatalf("get: expected ErrClosed, got %v", err)
	}
	if _, err := d.Stats(); !errors.Is(err, ErrClosed) {
		t.Fatalf("stats: expected ErrClosed, got %v", err)
	}
	if err := d.Flush(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("flush: expected ErrClosed, got %v", err)
	}
	if err := d.Scan(nil, nil, func(k, v []byte) bool { return true }); !errors.Is(err, ErrClosed) {
		t.Fatalf("scan: expected ErrClosed, got %v", err)
	}
}

func TestCloseFlushesMemtable(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	mustPut(t, d, "k", "v")
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}

	segments, err := wal.Segments(filepath.Join(dir, walDirName))
	if err != nil {
		t.Fatal(err)
	}
	if len(segments) != 1 {
		t.Fatalf("only the empty active segment may remain, got %v", segments)
	}

	d = openDB(t, dir, testOptions())
	s := mustStats(t, d)
	if s.NumSSTables != 1 || s.MemtableEntries != 0 {
		t.Fatalf("expected the memtable in one table, got %+v", s)
	}
	if v, ok := mustGet(t, d, "k"); !ok || v != "v" {
		t.Fatalf("got %q, %v", v, ok)
	}
}

func TestAutomaticFlush(t *testing.T) {
	opts := testOptions()
	opts.MemtableSize = 4 << 10
	d := openDB(t, t.TempDir(), opts)

	for i := 0; i < 500; i++ {
		mustPut(t, d, fmt.Sprintf("key-%04d", i), "some reasonably sized value")
	}

	deadline := time.Now().Add(10 * time.Second)
	for d.Metrics().Snapshot().Flushes == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no background flush happened")
		}
		time.Sleep(10 * time.Millisecond)
	}
	for i := 0; i < 500; i++ {
		if _, ok := mustGet(t, d, fmt.Sprintf("key-%04d", i)); !ok {
			t.Fatalf("key-%04d lost", i)
		}
	}
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	opts := testOptions()
	opts.MemtableSize = 8 << 10
	opts.MaxImmutableMemtables = 1
	d := openDB(t, t.TempDir(), opts)

	const writers, perWriter = 4, 300
	var wg sync.WaitGroup
	errCh := make(chan error, writers*2)

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				k := fmt.Sprintf("w%d-%04d", w, i)
				if err := d.Put([]byte(k), []byte(k)); err != nil {
					errCh <- err
					return
				}
			}
		}(w)
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				k := fmt.Sprintf("w%d-%04d", w, i)
				v, ok, err := d.Get([]byte(k))
				if err != nil {
					errCh <- err
					return
				}
				if ok && string(v) != k {
					errCh <- fmt.Errorf("torn read of %s: %q", k, v)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}

	for w := 0; w < writers; w++ {
		for i := 0; i < perWriter; i++ {
			k := fmt.Sprintf("w%d-%04d", w, i)
			if v, ok := mustGet(t, d, k); !ok || v != k {
				t.Fatalf("%s: got %q, %v", k, v, ok)
			}
		}
	}
	if s := mustStats(t, d); s.SequenceNumber != writers*perWriter {
		t.Fatalf("expected %d sequence numbers, got %d", writers*perWriter, s.SequenceNumber)
	}
}

func TestCorruptTableFailsRead(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.CacheBlocks = 0
	d, err := Open(dir, opts)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 200; i++ {
		mustPut(t, d, fmt.Sprintf("key-%04d", i), fmt.Sprintf("value-%04d", i))
	}
	if err := d.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	s := mustStats(t, d)
	if s.NumSSTables != 1 {
		t.Fatalf("expected one table, got %d", s.NumSSTables)
	}
	d.abandon()

	matches, err := filepath.Glob(filepath.Join(dir, "*.sst"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected one table file, got %v, %v", matches, err)
	}
	raw, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	raw[20] ^= 0xff
	if err := os.WriteFile(matches[0], raw, 0644); err != nil {
		t.Fatal(err)
	}

	d = openDB(t, dir, opts)
	_, _, err = d.Get([]byte("key-0000"))
	if !errors.Is(err, dberrors.ErrCorruption) {
		t.Fatalf("expected ErrCorruption, got %v", err)
	}
	if d.Metrics().Snapshot().Corruptions == 0 {
		t.Fatal("corruption must be counted")
	}
}

func TestOrphanedTablesAreRemoved(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	mustPut(t, d, "k", "v")
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}

	orphan := filepath.Join(dir, sstable.FileName(9999))
	if err := os.WriteFile(orphan, []byte("leftover"), 0644); err != nil {
		t.Fatal(err)
	}
	tmp := filepath.Join(dir, "000123.sst.tmp")
	if err := os.WriteFile(tmp, []byte("partial"), 0644); err != nil {
		t.Fatal(err)
	}

	d = openDB(t, dir, testOptions())
	for _, p := range []string{orphan, tmp} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("%s must be removed, stat err %v", p, err)
		}
	}
	if v, ok := mustGet(t, d, "k"); !ok || v != "v" {
		t.Fatal("live table must survive orphan cleanup")
	}
	// ids of removed orphans are never handed out again
	if id := d.vs.NewFileID(); id <= 9999 {
		t.Fatalf("expected a file id above 9999, got %d", id)
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.DB.WAL.SyncMode = "none"
	cfg.DB.SSTable.Compression = "zstd"
	cfg.DB.Compaction.L0Trigger = 6

	opts, err := OptionsFromConfig(cfg.DB)
	if err != nil {
		t.Fatal(err)
	}
	if opts.SyncMode != wal.SyncNone || opts.Compaction.Table.Codec != compression.Zstd {
		t.Fatalf("unexpected modes %+v", opts)
	}
	if opts.Compaction.L0Trigger != 6 || opts.MemtableSize != cfg.DB.Memtable.FlushThresholdBytes {
		t.Fatalf("unexpected thresholds %+v", opts)
	}

	cfg.DB.Compaction.MaxLevels = 1
	if _, err := OptionsFromConfig(cfg.DB); err == nil {
		t.Fatal("expected invalid config to be rejected")
	}
}

func TestCompactDropsTombstonesWithNothingBelow(t *testing.T) {
	d := openDB(t, t.TempDir(), testOptions())
	ctx := context.Background()

	mustPut(t, d, "a", "1")
	if err := d.Compact(ctx); err != nil {
		t.Fatal(err)
	}
	if err := d.Delete([]byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := d.Compact(ctx); err != nil {
		t.Fatal(err)
	}

	s := mustStats(t, d)
	if s.NumSSTables != 1 {
		t.Fatalf("expected only the table holding a, got %d tables", s.NumSSTables)
	}
	if v, ok := mustGet(t, d, "a"); !ok || v != "1" {
		t.Fatalf("a = %q, %v", v, ok)
	}
}
