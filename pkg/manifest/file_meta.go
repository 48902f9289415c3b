package manifest

import (
	"bytes"

	"lsmkv/pkg/sstable"
	"lsmkv/pkg/types"
)

// FileMeta describes one live table. It is immutable once part of a Version.
type FileMeta struct {
	ID            types.FileID `json:"id"`
	Level         int          `json:"level"`
	Size          uint64       `json:"size"`
	Smallest      []byte       `json:"smallest"`
	Largest       []byte       `json:"largest"`
	NumEntries    uint64       `json:"num_entries"`
	NumTombstones uint64       `json:"num_tombstones"`
	MinSeq        types.SeqN   `json:"min_seq"`
	MaxSeq        types.SeqN   `json:"max_seq"`
}

// FromTable builds the metadata of a freshly written table placed at level.
func FromTable(m sstable.Meta, level int) *FileMeta {
	return &FileMeta{
		ID:            m.ID,
		Level:         level,
		Size:          m.Size,
		Smallest:      m.Props.Smallest,
		Largest:       m.Props.Largest,
		NumEntries:    m.Props.NumEntries,
		NumTombstones: m.Props.NumTombstones,
		MinSeq:        m.Props.MinSeq,
		MaxSeq:        m.Props.MaxSeq,
	}
}

// Contains reports whether key falls inside the table's key range.
func (f *FileMeta) Contains(key []byte) bool {
	return bytes.Compare(key, f.Smallest) >= 0 && bytes.Compare(key, f.Largest) <= 0
}

// Overlaps reports whether the table intersects the inclusive range
// [start, end]. Nil bounds are open.
func (f *FileMeta) Overlaps(start, end []byte) bool {
	if start != nil && bytes.Compare(f.Largest, start) < 0 {
		return false
	}
	if end != nil && bytes.Compare(f.Smallest, end) > 0 {
		return false
	}
	return true
}

// withLevel returns a copy of f moved to level.
func (f *FileMeta) withLevel(level int) *FileMeta {
	c := *f
	c.Level = level
	return &c
}

// KeyRange returns the smallest and largest key covered by files.
func KeyRange(files ...[]*FileMeta) (smallest, largest []byte) {
	for _, fs := range files {
		for _, f := range fs {
			if smallest == nil || bytes.Compare(f.Smallest, smallest) < 0 {
				smallest = f.Smallest
			}
			if largest == nil || bytes.Compare(f.Largest, largest) > 0 {
				largest = f.Largest
			}
		}
	}
	return smallest, largest
}

// TotalSize sums the sizes of files.
func TotalSize(files []*FileMeta) uint64 {
	var n uint64
	for _, f := range files {
		n += f.Size
	}
	return n
}
