package iterator

import (
	"bytes"

	"lsmkv/pkg/types"
)

// DedupIterator yields only the newest entry of every key from an ordered
// input. With hideTombstones set, keys whose newest entry is a deletion are
// skipped entirely.
type DedupIterator struct {
	in             Iterator
	hideTombstones bool
	cur            []byte
}

func NewDedup(in Iterator, hideTombstones bool) *DedupIterator {
	return &DedupIterator{in: in, hideTombstones: hideTombstones}
}

// NewVisible returns the user-facing view over in: newest versions, no tombstones.
func NewVisible(in Iterator) *DedupIterator {
	return NewDedup(in, true)
}

func (d *DedupIterator) First() {
	d.in.First()
	d.settle()
}

func (d *DedupIterator) Seek(target types.Key) {
	d.in.Seek(target)
	d.settle()
}

func (d *DedupIterator) Next() {
	if !d.in.Valid() {
		return
	}
	d.skipKey()
	d.settle()
}

// settle stops on the first entry that should be visible.
func (d *DedupIterator) settle() {
	for d.in.Valid() {
		if !d.hideTombstones || !d.in.Entry().IsTombstone() {
			return
		}
		d.skipKey()
	}
}

// skipKey advances past every remaining entry of the current key.
func (d *DedupIterator) skipKey() {
	d.cur = append(d.cur[:0], d.in.Key()...)
	d.in.Next()
	for d.in.Valid() && bytes.Equal(d.in.Key(), d.cur) {
		d.in.Next()
	}
}

func (d *DedupIterator) Valid() bool        { return d.in.Valid() }
func (d *DedupIterator) Key() types.Key     { return d.in.Key() }
func (d *DedupIterator) Value() types.Value { return d.in.Value() }
func (d *DedupIterator) Entry() types.Entry { return d.in.Entry() }
func (d *DedupIterator) Err() error         { return d.in.Err() }
func (d *DedupIterator) Close() error       { return d.in.Close() }

// Collect drains it into a slice of copied entries.
func Collect(it Iterator) ([]types.Entry, error) {
	var out []types.Entry
	for it.First(); it.Valid(); it.Next() {
		e := it.Entry()
		e.Key = bytes.Clone(e.Key)
		if e.Value != nil {
			e.Value = bytes.Clone(e.Value)
		}
		out = append(out, e)
	}
	return out, it.Err()
}
