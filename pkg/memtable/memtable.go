package memtable

import (
	"bytes"
	"errors"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"lsmkv/pkg/types"
)

// EntryOverhead is the per-mutation bookkeeping charge added to the
// approximate size on top of key and value bytes.
const EntryOverhead = 40

var (
	ErrFrozen   = errors.New("memtable is frozen")
	ErrEmptyKey = errors.New("empty key")
)

type concurrentSet = skipmap.FuncMap[[]byte, types.Entry]

// Memtable keeps the latest entry per key in a lock-free ordered map. One
// goroutine writes at a time; any number may read concurrently.
type Memtable struct {
	logNum uint64

	data   *concurrentSet
	size   atomic.Int64
	minSeq atomic.Uint64
	maxSeq atomic.Uint64
	frozen atomic.Bool
}

// New creates an empty memtable backed by WAL segment logNum.
func New(logNum uint64) *Memtable {
	return &Memtable{
		logNum: logNum,
		data: skipmap.NewFunc[[]byte, types.Entry](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
	}
}

// LogNumber is the WAL segment holding this memtable's mutations.
func (mt *Memtable) LogNumber() uint64 {
	return mt.logNum
}

func (mt *Memtable) Put(key, value []byte, seq types.SeqN) error {
	return mt.Apply(types.Entry{Key: key, Value: value, Seq: seq, Kind: types.KindPut})
}

// Delete records a tombstone for key.
func (mt *Memtable) Delete(key []byte, seq types.SeqN) error {
	return mt.Apply(types.Entry{Key: key, Seq: seq, Kind: types.KindDelete})
}

// Apply stores a copy of e, replacing any older entry for the same key.
// The approximate size grows on every call and is never decremented.
func (mt *Memtable) Apply(e types.Entry) error {
	if mt.frozen.Load() {
		return ErrFrozen
	}
	if len(e.Key) == 0 {
		return ErrEmptyKey
	}

	stored := types.Entry{
		Key:  bytes.Clone(e.Key),
		Seq:  e.Seq,
		Kind: e.Kind,
	}
	if e.Kind == types.KindPut {
		stored.Value = append([]byte{}, e.Value...)
	}

	if cur, ok := mt.data.Load(stored.Key); !ok || cur.Seq < stored.Seq {
		mt.data.Store(stored.Key, stored)
	}

	mt.size.Add(int64(len(e.Key) + len(stored.Value) + EntryOverhead))
	mt.minSeq.CompareAndSwap(0, e.Seq)
	if e.Seq > mt.maxSeq.Load() {
		mt.maxSeq.Store(e.Seq)
	}
	return nil
}

// Get returns the latest entry for key, which may be a tombstone.
func (mt *Memtable) Get(key []byte) (types.Entry, bool) {
	return mt.data.Load(key)
}

// ApproximateSize is the accumulated byte charge of every mutation applied.
func (mt *Memtable) ApproximateSize() int64 {
	return mt.size.Load()
}

// Len is the number of distinct keys, tombstones included.
func (mt *Memtable) Len() int {
	return mt.data.Len()
}

func (mt *Memtable) Empty() bool {
	return mt.data.Len() == 0
}

// Freeze makes the memtable read-only.
func (mt *Memtable) Freeze() {
	mt.frozen.Store(true)
}

func (mt *Memtable) MinSeq() types.SeqN {
	return mt.minSeq.Load()
}

func (mt *Memtable) MaxSeq() types.SeqN {
	return mt.maxSeq.Load()
}

// Range returns the entries with start <= key < end in key order. A nil
// bound is open.
func (mt *Memtable) Range(start, end []byte) []types.Entry {
	var result []types.Entry
	mt.data.Range(func(key []byte, e types.Entry) bool {
		if start != nil && bytes.Compare(key, start) < 0 {
			return true
		}
		if end != nil && bytes.Compare(key, end) >= 0 {
			return false
		}
		result = append(result, e)
		return true
	})
	return result
}
