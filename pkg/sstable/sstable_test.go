package sstable

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"lsmkv/pkg/cache"
	"lsmkv/pkg/compression"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/types"
)

func genEntries(n int) []types.Entry {
	entries := make([]types.Entry, 0, n)
	for i := 0; i < n; i++ {
		e := types.Entry{
			Key:   []byte(fmt.Sprintf("key-%05d", i)),
			Value: []byte(fmt.Sprintf("value-%05d", i)),
			Seq:   types.SeqN(i + 1),
			Kind:  types.KindPut,
		}
		if i%10 == 9 {
			e.Kind, e.Value = types.KindDelete, nil
		}
		entries = append(entries, e)
	}
	return entries
}

func buildTable(t *testing.T, dir string, id types.FileID, opts WriterOptions, entries []types.Entry) *Reader {
	t.Helper()
	meta, err := Build(dir, id, opts, entries)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	r, err := Open(meta.Path, id, cache.NewBlockCache(64))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestBuildAndGet(t *testing.T) {
	for _, codec := range []compression.Codec{compression.None, compression.Snappy, compression.S2, compression.Zstd} {
		t.Run(codec.String(), func(t *testing.T) {
			entries := genEntries(1000)
			r := buildTable(t, t.TempDir(), 1, WriterOptions{BlockSize: 512, BitsPerKey: 10, Codec: codec}, entries)

			for _, want := range entries {
				got, ok, err := r.Get(want.Key)
				if err != nil || !ok {
					t.Fatalf("get %s: ok=%v err=%v", want.Key, ok, err)
				}
				if got.Kind != want.Kind || string(got.Value) != string(want.Value) || got.Seq != want.Seq {
					t.Fatalf("get %s: got %+v want %+v", want.Key, got, want)
				}
			}
			for _, k := range []string{"key-", "key-00000a", "zzz", "a"} {
				if _, ok, err := r.Get([]byte(k)); ok || err != nil {
					t.Fatalf("expected %q to be absent, ok=%v err=%v", k, ok, err)
				}
			}

			p := r.Properties()
			if p.NumEntries != 1000 || p.NumTombstones != 100 || p.MinSeq != 1 || p.MaxSeq != 1000 {
				t.Fatalf("unexpected properties %+v", p)
			}
			if string(p.Smallest) != "key-00000" || string(p.Largest) != "key-00999" {
				t.Fatalf("unexpected key range %s..%s", p.Smallest, p.Largest)
			}
			if p.NumBlocks < 2 {
				t.Fatalf("expected several blocks, got %d", p.NumBlocks)
			}
		})
	}
}

func TestScanRangeIsRestartable(t *testing.T) {
	r := buildTable(t, t.TempDir(), 1, WriterOptions{BlockSize: 256}, genEntries(300))

	it := r.Scan([]byte("key-00100"), []byte("key-00200"))
	for pass := 0; pass < 2; pass++ {
		n := 0
		var first, last string
		for it.First(); it.Valid(); it.Next() {
			if n == 0 {
				first = string(it.Key())
			}
			last = string(it.Key())
			n++
		}
		if it.Err() != nil {
			t.Fatal(it.Err())
		}
		if n != 100 || first != "key-00100" || last != "key-00199" {
			t.Fatalf("pass %d: got %d entries %s..%s", pass, n, first, last)
		}
	}

	it.Seek([]byte("key-00150"))
	if !it.Valid() || string(it.Key()) != "key-00150" {
		t.Fatalf("seek landed on %q", it.Key())
	}
	it.Seek([]byte("key-00050"))
	if !it.Valid() || string(it.Key()) != "key-00100" {
		t.Fatalf("seek below start must clamp to start, got %q", it.Key())
	}
}

func TestFullIteration(t *testing.T) {
	entries := genEntries(257)
	r := buildTable(t, t.TempDir(), 1, WriterOptions{BlockSize: 100}, entries)

	i := 0
	it := r.NewIterator()
	for it.First(); it.Valid(); it.Next() {
		if string(it.Key()) != string(entries[i].Key) {
			t.Fatalf("position %d: got %s want %s", i, it.Key(), entries[i].Key)
		}
		i++
	}
	if i != len(entries) {
		t.Fatalf("iterated %d of %d entries", i, len(entries))
	}
}

func TestWriterRejectsOutOfOrderKeys(t *testing.T) {
	w, err := NewWriter(t.TempDir(), 1, WriterOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Abort()

	if err := w.Add(types.Entry{Key: []byte("b"), Seq: 1, Kind: types.KindPut}); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"a", "b"} {
		if err := w.Add(types.Entry{Key: []byte(k), Seq: 2, Kind: types.KindPut}); !errors.Is(err, ErrOutOfOrder) {
			t.Fatalf("adding %q: expected ErrOutOfOrder, got %v", k, err)
		}
	}
}

func TestEmptyTableAndAbort(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, 3, WriterOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Finish(); !errors.Is(err, ErrEmptyTable) {
		t.Fatalf("expected ErrEmptyTable, got %v", err)
	}
	if err := w.Abort(); err != nil {
		t.Fatal(err)
	}
	files, _ := os.ReadDir(dir)
	if len(files) != 0 {
		t.Fatalf("abort must leave no files, found %d", len(files))
	}
}

func TestCorruptBlockIsDetected(t *testing.T) {
	dir := t.TempDir()
	entries := genEntries(200)
	meta, err := Build(dir, 1, WriterOptions{BlockSize: 128}, entries)
	if err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(meta.Path)
	if err != nil {
		t.Fatal(err)
	}
	data[10] ^= 0xff
	if err := os.WriteFile(meta.Path, data, 0644); err != nil {
		t.Fatal(err)
	}

	r, err := Open(meta.Path, 1, nil)
	if err != nil {
		t.Fatalf("metadata is intact, open should succeed: %v", err)
	}
	defer r.Close()

	_, _, err = r.Get(entries[0].Key)
	if !errors.Is(err, dberrors.ErrCorruption) {
		t.Fatalf("expected corruption on first block, got %v", err)
	}
	if _, ok, err := r.Get(entries[150].Key); !ok || err != nil {
		t.Fatalf("other blocks must stay readable, ok=%v err=%v", ok, err)
	}
	if err := r.Verify(); !errors.Is(err, dberrors.ErrCorruption) {
		t.Fatalf("verify must report corruption, got %v", err)
	}

	it := r.NewIterator()
	it.First()
	if it.Valid() || !errors.Is(it.Err(), dberrors.ErrCorruption) {
		t.Fatalf("plain iterator must stop with corruption, got %v", it.Err())
	}

	salvage := r.SalvageIterator()
	n := 0
	var firstKey []byte
	for salvage.First(); salvage.Valid(); salvage.Next() {
		if n == 0 {
			firstKey = bytes.Clone(salvage.Key())
		}
		n++
	}
	if salvage.Err() != nil {
		t.Fatalf("salvage must not fail: %v", salvage.Err())
	}
	skipped := salvage.Skipped()
	if len(skipped) != 1 || n == 0 || n >= len(entries) {
		t.Fatalf("expected one skipped block, got skipped=%d recovered=%d", len(skipped), n)
	}

	// the lost range ends right before the first recovered key
	lost := len(entries) - n
	if skipped[0].After != nil || !bytes.Equal(skipped[0].Last, entries[lost-1].Key) || !bytes.Equal(firstKey, entries[lost].Key) {
		t.Fatalf("unexpected lost range (%q, %q], first recovered %q", skipped[0].After, skipped[0].Last, firstKey)
	}
}

func TestOpenRejectsBadFooter(t *testing.T) {
	dir := t.TempDir()

	short := filepath.Join(dir, "short.sst")
	if err := os.WriteFile(short, []byte("tiny"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(short, 1, nil); !errors.Is(err, dberrors.ErrCorruption) {
		t.Fatalf("expected corruption for short file, got %v", err)
	}

	meta, err := Build(dir, 2, WriterOptions{}, genEntries(10))
	if err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(meta.Path)
	data[len(data)-1] ^= 0xff
	_ = os.WriteFile(meta.Path, data, 0644)
	if _, err := Open(meta.Path, 2, nil); !errors.Is(err, dberrors.ErrCorruption) {
		t.Fatalf("expected corruption for bad magic, got %v", err)
	}
}

func TestBlockCacheIsUsed(t *testing.T) {
	dir := t.TempDir()
	entries := genEntries(100)
	meta, err := Build(dir, 5, WriterOptions{BlockSize: 128}, entries)
	if err != nil {
		t.Fatal(err)
	}
	bc := cache.NewBlockCache(128)
	r, err := Open(meta.Path, 5, bc)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	for i := 0; i < 3; i++ {
		if _, _, err := r.Get(entries[0].Key); err != nil {
			t.Fatal(err)
		}
	}
	hits, misses := bc.Stats()
	if misses != 1 || hits != 2 {
		t.Fatalf("expected 1 miss and 2 hits, got %d/%d", misses, hits)
	}
}

func TestTableCache(t *testing.T) {
	dir := t.TempDir()
	if _, err := Build(dir, 9, WriterOptions{}, genEntries(10)); err != nil {
		t.Fatal(err)
	}
	tc := NewTableCache(dir, cache.NewBlockCache(16))
	defer tc.Close()

	r1, err := tc.Get(9)
	if err != nil {
		t.Fatal(err)
	}
	r2, _ := tc.Get(9)
	if r1 != r2 {
		t.Fatal("expected the same reader for repeated gets")
	}
	tc.Evict(9)
	r3, err := tc.Get(9)
	if err != nil {
		t.Fatal(err)
	}
	if r3 == r1 {
		t.Fatal("expected a fresh reader after eviction")
	}
	if _, err := tc.Get(10); err == nil {
		t.Fatal("expected error for missing table")
	}
}
