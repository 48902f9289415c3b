package sstable

import (
	"bytes"
	"encoding/binary"
	"os"
	"sort"

	"github.com/pkg/errors"

	"lsmkv/pkg/bloom"
	"lsmkv/pkg/cache"
	"lsmkv/pkg/compression"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/encoding"
	"lsmkv/pkg/types"
)

// Reader serves point lookups and scans over one table. It is safe for
// concurrent use; blocks are read with ReadAt and shared through the cache.
type Reader struct {
	id    types.FileID
	path  string
	file  *os.File
	size  uint64
	cache *cache.BlockCache

	index  []indexEntry
	filter bloom.Filter
	props  Properties
}

// Open reads the footer, index, bloom filter and properties of the table at path.
func Open(path string, id types.FileID, bc *cache.BlockCache) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, dberrors.IOFailure("open", path, err)
	}
	r := &Reader{id: id, path: path, file: f, cache: bc}
	if err := r.load(); err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "open sstable %s", path)
	}
	return r, nil
}

func (r *Reader) load() error {
	st, err := r.file.Stat()
	if err != nil {
		return dberrors.IOFailure("stat", r.path, err)
	}
	r.size = uint64(st.Size())
	if r.size < footerSize {
		return dberrors.Corruptf(r.path, 0, "file of %d bytes is too small for a footer", r.size)
	}

	buf := make([]byte, footerSize)
	footerOff := int64(r.size - footerSize)
	if _, err := r.file.ReadAt(buf, footerOff); err != nil {
		return dberrors.IOFailure("read", r.path, err)
	}
	ft, err := decodeFooter(buf)
	if err != nil {
		return dberrors.Corruptf(r.path, footerOff, "%v", err)
	}
	metaLimit := r.size - footerSize
	for _, h := range []handle{ft.Index, ft.Bloom, ft.Props} {
		if !h.within(metaLimit) {
			return dberrors.Corruptf(r.path, footerOff, "block handle %+v out of bounds", h)
		}
	}

	raw, err := r.readRaw(ft.Index)
	if err != nil {
		return err
	}
	if r.index, err = decodeIndex(raw); err != nil {
		return dberrors.Corruptf(r.path, int64(ft.Index.Offset), "index: %v", err)
	}
	for _, ie := range r.index {
		if !ie.Block.within(ft.Bloom.Offset) {
			return dberrors.Corruptf(r.path, int64(ft.Index.Offset), "data block handle %+v out of bounds", ie.Block)
		}
	}

	if r.filter, err = r.readRaw(ft.Bloom); err != nil {
		return err
	}

	raw, err = r.readRaw(ft.Props)
	if err != nil {
		return err
	}
	if r.props, err = decodeProperties(raw); err != nil {
		return dberrors.Corruptf(r.path, int64(ft.Props.Offset), "properties: %v", err)
	}
	return nil
}

// readRaw reads and verifies a block, then decompresses it.
func (r *Reader) readRaw(h handle) ([]byte, error) {
	buf := make([]byte, h.Size+trailerSize)
	if _, err := r.file.ReadAt(buf, int64(h.Offset)); err != nil {
		return nil, dberrors.IOFailure("read", r.path, err)
	}
	data := buf[:h.Size]
	codec := compression.Codec(buf[h.Size])
	sum := binary.LittleEndian.Uint64(buf[h.Size+1:])
	if blockChecksum(data, codec) != sum {
		return nil, dberrors.Corruptf(r.path, int64(h.Offset), "block checksum mismatch")
	}
	if !codec.Valid() {
		return nil, dberrors.Corruptf(r.path, int64(h.Offset), "unknown block codec %d", codec)
	}
	if codec == compression.None {
		return data, nil
	}
	out, err := compression.Decode(codec, nil, data)
	if err != nil {
		return nil, dberrors.Corruptf(r.path, int64(h.Offset), "%v", err)
	}
	return out, nil
}

// dataBlock returns the decoded block at index i, through the cache.
func (r *Reader) dataBlock(i int) ([]byte, error) {
	h := r.index[i].Block
	key := cache.BlockKey{File: r.id, Offset: h.Offset}
	if b, ok := r.cache.Get(key); ok {
		return b, nil
	}
	b, err := r.readRaw(h)
	if err != nil {
		return nil, err
	}
	r.cache.Set(key, b)
	return b, nil
}

// blockFor returns the index of the first block whose last key is >= key.
func (r *Reader) blockFor(key []byte) int {
	return sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].LastKey, key) >= 0
	})
}

// Get looks up key. A tombstone is returned as a found entry; callers decide
// what it means. A checksum failure returns a *dberrors.CorruptionError.
func (r *Reader) Get(key []byte) (types.Entry, bool, error) {
	if bytes.Compare(key, r.props.Smallest) < 0 || bytes.Compare(key, r.props.Largest) > 0 {
		return types.Entry{}, false, nil
	}
	if len(r.filter) > 0 && !r.filter.MayContain(key) {
		return types.Entry{}, false, nil
	}

	bi := r.blockFor(key)
	if bi == len(r.index) {
		return types.Entry{}, false, nil
	}
	block, err := r.dataBlock(bi)
	if err != nil {
		return types.Entry{}, false, err
	}

	off := int64(r.index[bi].Block.Offset)
	for len(block) > 0 {
		e, n, err := encoding.DecodeEntry(block)
		if err != nil {
			return types.Entry{}, false, dberrors.Corruptf(r.path, off, "malformed entry: %v", err)
		}
		switch c := bytes.Compare(e.Key, key); {
		case c == 0:
			return e, true, nil
		case c > 0:
			return types.Entry{}, false, nil
		}
		block = block[n:]
	}
	return types.Entry{}, false, nil
}

// Scan iterates entries with start <= key < end. Nil bounds are open.
func (r *Reader) Scan(start, end []byte) *Iterator {
	return &Iterator{r: r, start: start, end: end}
}

// NewIterator iterates the whole table.
func (r *Reader) NewIterator() *Iterator {
	return r.Scan(nil, nil)
}

// SalvageIterator iterates the whole table, skipping blocks that fail
// verification instead of stopping.
func (r *Reader) SalvageIterator() *Iterator {
	return &Iterator{r: r, skipCorrupt: true}
}

// Verify reads and checks every data block.
func (r *Reader) Verify() error {
	for i := range r.index {
		if _, err := r.readRaw(r.index[i].Block); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reader) ID() types.FileID       { return r.id }
func (r *Reader) Path() string           { return r.path }
func (r *Reader) Size() uint64           { return r.size }
func (r *Reader) Properties() Properties { return r.props }

func (r *Reader) Close() error {
	if err := r.file.Close(); err != nil {
		return dberrors.IOFailure("close", r.path, err)
	}
	return nil
}
