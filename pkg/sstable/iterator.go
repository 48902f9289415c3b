package sstable

import (
	"bytes"

	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/encoding"
	"lsmkv/pkg/types"
)

// Iterator walks a key range of a table. It is restartable: First and Seek
// may be called any number of times.
type Iterator struct {
	r          *Reader
	start, end []byte

	blockIdx int
	block    []byte
	blockOff int64
	cur      types.Entry
	valid    bool
	err      error

	skipCorrupt bool
	skipped     []SkippedBlock
}

// SkippedBlock is a data block a salvage iterator dropped. The keys it held
// lie in (After, Last]; After is nil for the first block.
type SkippedBlock struct {
	Offset int64
	After  []byte
	Last   []byte
}

func (it *Iterator) First() {
	if it.start != nil {
		it.Seek(it.start)
		return
	}
	it.reset()
	it.loadBlock(0)
	it.advance()
}

func (it *Iterator) Seek(target types.Key) {
	if it.start != nil && bytes.Compare(target, it.start) < 0 {
		target = it.start
	}
	it.reset()
	it.loadBlock(it.r.blockFor(target))
	for it.advance(); it.valid && bytes.Compare(it.cur.Key, target) < 0; {
		it.advance()
	}
}

func (it *Iterator) Next() {
	if !it.valid {
		return
	}
	it.advance()
}

func (it *Iterator) reset() {
	it.valid = false
	it.err = nil
	it.block = nil
	it.cur = types.Entry{}
	it.skipped = nil
}

// skip records that the rest of block i is lost. after is the last key
// already read below the lost range, if any.
func (it *Iterator) skip(i int, offset int64, after []byte) {
	if i > 0 && bytes.Compare(it.r.index[i-1].LastKey, after) > 0 {
		after = it.r.index[i-1].LastKey
	}
	it.skipped = append(it.skipped, SkippedBlock{
		Offset: offset,
		After:  bytes.Clone(after),
		Last:   bytes.Clone(it.r.index[i].LastKey),
	})
}

// loadBlock positions the iterator at the start of block i, skipping corrupt
// blocks in salvage mode.
func (it *Iterator) loadBlock(i int) {
	for ; i < len(it.r.index); i++ {
		b, err := it.r.dataBlock(i)
		if err != nil {
			if it.skipCorrupt && dberrors.IsCorruption(err) {
				it.skip(i, int64(it.r.index[i].Block.Offset), nil)
				continue
			}
			it.err = err
			it.blockIdx = len(it.r.index)
			it.block = nil
			return
		}
		it.blockIdx = i
		it.block = b
		it.blockOff = int64(it.r.index[i].Block.Offset)
		return
	}
	it.blockIdx = len(it.r.index)
	it.block = nil
}

// advance decodes the next entry, moving across block boundaries.
func (it *Iterator) advance() {
	it.valid = false
	for it.err == nil {
		if len(it.block) == 0 {
			if it.blockIdx >= len(it.r.index)-1 {
				it.blockIdx = len(it.r.index)
				return
			}
			it.loadBlock(it.blockIdx + 1)
			continue
		}
		e, n, err := encoding.DecodeEntry(it.block)
		if err != nil {
			cerr := dberrors.Corruptf(it.r.path, it.blockOff, "malformed entry: %v", err)
			if it.skipCorrupt {
				it.skip(it.blockIdx, it.blockOff, it.cur.Key)
				it.block = nil
				continue
			}
			it.err = cerr
			return
		}
		it.block = it.block[n:]
		if it.end != nil && bytes.Compare(e.Key, it.end) >= 0 {
			it.blockIdx = len(it.r.index)
			it.block = nil
			return
		}
		it.cur = e
		it.valid = true
		return
	}
}

func (it *Iterator) Valid() bool        { return it.valid }
func (it *Iterator) Key() types.Key     { return it.cur.Key }
func (it *Iterator) Value() types.Value { return it.cur.Value }
func (it *Iterator) Entry() types.Entry { return it.cur }
func (it *Iterator) Err() error         { return it.err }
func (it *Iterator) Close() error       { return nil }

// Skipped lists the blocks dropped by a salvage iterator.
func (it *Iterator) Skipped() []SkippedBlock { return it.skipped }
