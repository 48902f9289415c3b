package iterator

import (
	"sort"

	"lsmkv/pkg/encoding"
	"lsmkv/pkg/types"
)

// Iterator walks a sequence of entries ordered by key ascending, then by
// sequence number descending. Iterators are restartable through First and Seek.
type Iterator interface {
	// First moves to the smallest entry.
	First()
	// Seek moves the iterator to the first entry with key >= target.
	Seek(target types.Key)
	// Next advances to the next entry.
	Next()
	// Valid reports whether the iterator points to a valid entry.
	Valid() bool
	// Key returns the current key.
	Key() types.Key
	// Value returns the current value.
	Value() types.Value
	// Entry returns the current entry.
	Entry() types.Entry
	// Err returns the error that stopped iteration, if any.
	Err() error
	// Close releases resources.
	Close() error
}

// SliceIterator iterates over entries already sorted by encoding.CompareEntries.
type SliceIterator struct {
	entries []types.Entry
	pos     int
}

func NewSlice(entries []types.Entry) *SliceIterator {
	return &SliceIterator{entries: entries, pos: len(entries)}
}

func (it *SliceIterator) First() { it.pos = 0 }

func (it *SliceIterator) Seek(target types.Key) {
	it.pos = sort.Search(len(it.entries), func(i int) bool {
		return encoding.Compare(it.entries[i].Key, target) >= 0
	})
}

func (it *SliceIterator) Next() {
	if it.pos < len(it.entries) {
		it.pos++
	}
}

func (it *SliceIterator) Valid() bool        { return it.pos < len(it.entries) }
func (it *SliceIterator) Key() types.Key     { return it.entries[it.pos].Key }
func (it *SliceIterator) Value() types.Value { return it.entries[it.pos].Value }
func (it *SliceIterator) Entry() types.Entry { return it.entries[it.pos] }
func (it *SliceIterator) Err() error         { return nil }
func (it *SliceIterator) Close() error       { return nil }
