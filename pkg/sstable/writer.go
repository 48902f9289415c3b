package sstable

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"lsmkv/pkg/bloom"
	"lsmkv/pkg/compression"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/encoding"
	"lsmkv/pkg/types"
)

var (
	ErrOutOfOrder = errors.New("sstable: keys must be added in strictly increasing order")
	ErrEmptyTable = errors.New("sstable: no entries added")
	ErrFinished   = errors.New("sstable: writer already finished")
)

type WriterOptions struct {
	BlockSize  int
	BitsPerKey int
	Codec      compression.Codec
}

func (o WriterOptions) withDefaults() WriterOptions {
	if o.BlockSize <= 0 {
		o.BlockSize = 64 << 10
	}
	if o.BitsPerKey <= 0 {
		o.BitsPerKey = 10
	}
	return o
}

// Meta describes a finished table.
type Meta struct {
	ID    types.FileID
	Path  string
	Size  uint64
	Props Properties
}

// Writer builds a table in a single pass. The table becomes visible under its
// final name only when Finish succeeds.
type Writer struct {
	opts    WriterOptions
	id      types.FileID
	dir     string
	tmpPath string
	path    string

	file   *os.File
	w      *bufio.Writer
	offset uint64

	block   []byte
	lastKey []byte
	index   []byte
	filter  *bloom.Builder
	props   Properties
	scratch []byte
	done    bool
}

func NewWriter(dir string, id types.FileID, opts WriterOptions) (*Writer, error) {
	opts = opts.withDefaults()
	tmpPath := filepath.Join(dir, tempName(id))
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, dberrors.IOFailure("create", tmpPath, err)
	}
	return &Writer{
		opts:    opts,
		id:      id,
		dir:     dir,
		tmpPath: tmpPath,
		path:    filepath.Join(dir, FileName(id)),
		file:    f,
		w:       bufio.NewWriterSize(f, 256<<10),
		filter:  bloom.NewBuilder(opts.BitsPerKey),
		props:   Properties{Codec: opts.Codec},
	}, nil
}

// Add appends e. Keys must be strictly increasing: a table holds at most one
// version of every key.
func (w *Writer) Add(e types.Entry) error {
	if w.done {
		return ErrFinished
	}
	if w.props.NumEntries > 0 && bytes.Compare(e.Key, w.lastKey) <= 0 {
		return errors.Wrapf(ErrOutOfOrder, "key %q after %q", e.Key, w.lastKey)
	}

	if w.props.NumEntries == 0 {
		w.props.Smallest = bytes.Clone(e.Key)
		w.props.MinSeq = e.Seq
	}
	w.props.NumEntries++
	if e.IsTombstone() {
		w.props.NumTombstones++
	}
	w.props.MinSeq = min(w.props.MinSeq, e.Seq)
	w.props.MaxSeq = max(w.props.MaxSeq, e.Seq)

	w.block = encoding.AppendEntry(w.block, e)
	w.lastKey = append(w.lastKey[:0], e.Key...)
	w.filter.Add(e.Key)

	if len(w.block) >= w.opts.BlockSize {
		return w.flushBlock()
	}
	return nil
}

// EstimatedSize is the number of bytes the table would have if finished now,
// not counting the metadata blocks.
func (w *Writer) EstimatedSize() uint64 {
	return w.offset + uint64(len(w.block))
}

func (w *Writer) NumEntries() uint64 {
	return w.props.NumEntries
}

func (w *Writer) flushBlock() error {
	if len(w.block) == 0 {
		return nil
	}
	data, err := compression.Encode(w.opts.Codec, w.scratch, w.block)
	if err != nil {
		return errors.Wrapf(err, "compress block of %s", w.tmpPath)
	}
	codec := w.opts.Codec
	// keep raw blocks that do not shrink
	if codec != compression.None && len(data) >= len(w.block) {
		data, codec = w.block, compression.None
	} else {
		w.scratch = data
	}

	h, err := w.writeBlock(data, codec)
	if err != nil {
		return err
	}
	w.index = appendIndexEntry(w.index, indexEntry{LastKey: w.lastKey, Block: h})
	w.props.NumBlocks++
	w.block = w.block[:0]
	return nil
}

func (w *Writer) writeBlock(data []byte, codec compression.Codec) (handle, error) {
	h := handle{Offset: w.offset, Size: uint64(len(data))}
	var trailer [trailerSize]byte
	appendTrailer(trailer[:0], data, codec)
	if _, err := w.w.Write(data); err != nil {
		return h, dberrors.IOFailure("write", w.tmpPath, err)
	}
	if _, err := w.w.Write(trailer[:]); err != nil {
		return h, dberrors.IOFailure("write", w.tmpPath, err)
	}
	w.offset += uint64(len(data)) + trailerSize
	return h, nil
}

// Finish writes the metadata blocks and footer, fsyncs and renames the table
// to its final name.
func (w *Writer) Finish() (Meta, error) {
	if w.done {
		return Meta{}, ErrFinished
	}
	if w.props.NumEntries == 0 {
		return Meta{}, ErrEmptyTable
	}
	w.props.Largest = bytes.Clone(w.lastKey)

	if err := w.flushBlock(); err != nil {
		return Meta{}, err
	}

	var (
		f   = footer{Version: FormatVersion}
		err error
	)
	if f.Bloom, err = w.writeBlock(w.filter.Build(), compression.None); err != nil {
		return Meta{}, err
	}
	if f.Props, err = w.writeBlock(w.props.encode(), compression.None); err != nil {
		return Meta{}, err
	}
	if f.Index, err = w.writeBlock(w.index, compression.None); err != nil {
		return Meta{}, err
	}
	if _, err := w.w.Write(f.encode()); err != nil {
		return Meta{}, dberrors.IOFailure("write", w.tmpPath, err)
	}
	w.offset += footerSize

	if err := w.w.Flush(); err != nil {
		return Meta{}, dberrors.IOFailure("flush", w.tmpPath, err)
	}
	if err := w.file.Sync(); err != nil {
		return Meta{}, dberrors.IOFailure("fsync", w.tmpPath, err)
	}
	if err := w.file.Close(); err != nil {
		return Meta{}, dberrors.IOFailure("close", w.tmpPath, err)
	}
	w.file = nil
	if err := os.Rename(w.tmpPath, w.path); err != nil {
		return Meta{}, dberrors.IOFailure("rename", w.tmpPath, err)
	}
	if err := syncDir(w.dir); err != nil {
		return Meta{}, err
	}
	w.done = true

	return Meta{ID: w.id, Path: w.path, Size: w.offset, Props: w.props}, nil
}

// Abort discards the partially written table.
func (w *Writer) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	if err := os.Remove(w.tmpPath); err != nil && !os.IsNotExist(err) {
		return dberrors.IOFailure("remove", w.tmpPath, err)
	}
	return nil
}

// Build writes entries, which must be sorted with unique keys, as table id.
func Build(dir string, id types.FileID, opts WriterOptions, entries []types.Entry) (Meta, error) {
	w, err := NewWriter(dir, id, opts)
	if err != nil {
		return Meta{}, err
	}
	for _, e := range entries {
		if err := w.Add(e); err != nil {
			_ = w.Abort()
			return Meta{}, err
		}
	}
	meta, err := w.Finish()
	if err != nil {
		_ = w.Abort()
		return Meta{}, err
	}
	return meta, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return dberrors.IOFailure("open", dir, err)
	}
	defer d.Close()
	return dberrors.IOFailure("fsync", dir, d.Sync())
}
