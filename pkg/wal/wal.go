// Package wal implements the segmented write-ahead log. Each memtable owns one
// segment; a segment is retired once the memtable it backs has been flushed.
//
// Record layout:
//
//	checksum u64 (xxhash64 of payload) | length u32 | payload
//
// where payload is an entry in the encoding package layout.
package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/encoding"
	"lsmkv/pkg/types"
)

const (
	headerSize    = 8 + 4
	maxRecordSize = 1 << 30
	segmentSuffix = ".log"
)

// SyncMode controls when appended records reach stable storage.
type SyncMode int

const (
	// SyncAlways fsyncs the segment after every append.
	SyncAlways SyncMode = iota
	// SyncNone hands records to the OS and leaves fsync to Sync and Close.
	SyncNone
)

func (m SyncMode) String() string {
	switch m {
	case SyncAlways:
		return "always"
	case SyncNone:
		return "none"
	default:
		return "unknown"
	}
}

func ParseSyncMode(s string) (SyncMode, error) {
	switch strings.ToLower(s) {
	case "", "always":
		return SyncAlways, nil
	case "none":
		return SyncNone, nil
	default:
		return 0, fmt.Errorf("unknown wal sync mode %q", s)
	}
}

// SegmentName returns the file name of segment num.
func SegmentName(num uint64) string {
	return fmt.Sprintf("%06d%s", num, segmentSuffix)
}

func SegmentPath(dir string, num uint64) string {
	return filepath.Join(dir, SegmentName(num))
}

// Writer appends records to a single segment. Appends are serialized by the
// caller's write lock; the mutex only guards against Sync and Close racing an
// append.
type Writer struct {
	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
	path string
	num  uint64
	size int64
	mode SyncMode
	buf  []byte
}

// Create starts a new, empty segment.
func Create(dir string, num uint64, mode SyncMode) (*Writer, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, dberrors.IOFailure("mkdir", dir, err)
	}
	path := SegmentPath(dir, num)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return nil, dberrors.IOFailure("create", path, err)
	}
	if err := syncDir(dir); err != nil {
		_ = f.Close()
		return nil, err
	}
	return newWriter(f, path, num, mode), nil
}

func newWriter(f *os.File, path string, num uint64, mode SyncMode) *Writer {
	return &Writer{
		file: f,
		w:    bufio.NewWriterSize(f, 64<<10),
		path: path,
		num:  num,
		mode: mode,
	}
}

// Append writes e as one record. When it returns nil under SyncAlways the
// record is on stable storage.
func (w *Writer) Append(e types.Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return dberrors.ErrClosed
	}

	var hdr [headerSize]byte
	w.buf = append(w.buf[:0], hdr[:]...)
	w.buf = encoding.AppendEntry(w.buf, e)
	payload := w.buf[headerSize:]
	if len(payload) > maxRecordSize {
		return errors.Wrapf(dberrors.ErrInvalidArgument, "wal record of %d bytes exceeds limit", len(payload))
	}
	binary.LittleEndian.PutUint64(w.buf[0:8], xxhash.Sum64(payload))
	binary.LittleEndian.PutUint32(w.buf[8:12], uint32(len(payload)))

	if _, err := w.w.Write(w.buf); err != nil {
		return dberrors.IOFailure("write", w.path, err)
	}
	if err := w.w.Flush(); err != nil {
		return dberrors.IOFailure("flush", w.path, err)
	}
	if w.mode == SyncAlways {
		if err := w.file.Sync(); err != nil {
			return dberrors.IOFailure("fsync", w.path, err)
		}
	}
	w.size += int64(len(w.buf))
	return nil
}

func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	if err := w.w.Flush(); err != nil {
		return dberrors.IOFailure("flush", w.path, err)
	}
	return dberrors.IOFailure("fsync", w.path, w.file.Sync())
}

// Close flushes, fsyncs and closes the segment. Closing twice is a no-op.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	var err error
	if ferr := w.w.Flush(); ferr != nil {
		err = dberrors.IOFailure("flush", w.path, ferr)
	} else if serr := w.file.Sync(); serr != nil {
		err = dberrors.IOFailure("fsync", w.path, serr)
	}
	if cerr := w.file.Close(); cerr != nil && err == nil {
		err = dberrors.IOFailure("close", w.path, cerr)
	}
	w.file = nil
	return err
}

// Size is the number of bytes appended to the segment.
func (w *Writer) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

func (w *Writer) Number() uint64 {
	return w.num
}

func (w *Writer) Path() string {
	return w.path
}

// Segments lists the segment numbers present in dir in ascending order.
func Segments(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, dberrors.IOFailure("readdir", dir, err)
	}

	var nums []uint64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSuffix(name, segmentSuffix), 10, 64)
		if err != nil {
			continue
		}
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums, nil
}

// RemoveBelow deletes every segment numbered lower than num.
func RemoveBelow(dir string, num uint64) ([]uint64, error) {
	nums, err := Segments(dir)
	if err != nil {
		return nil, err
	}
	var removed []uint64
	for _, n := range nums {
		if n >= num {
			break
		}
		path := SegmentPath(dir, n)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return removed, dberrors.IOFailure("remove", path, err)
		}
		removed = append(removed, n)
	}
	return removed, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return dberrors.IOFailure("open", dir, err)
	}
	defer d.Close()
	return dberrors.IOFailure("fsync", dir, d.Sync())
}
