package memtable

import "lsmkv/pkg/types"

// SortedSet is the flush-side view of a memtable: every entry in key order.
type SortedSet interface {
	Sorted() []types.Entry
}

var _ SortedSet = (*Memtable)(nil)

func (mt *Memtable) Sorted() []types.Entry {
	result := make([]types.Entry, 0, mt.data.Len())
	mt.data.Range(func(_ []byte, e types.Entry) bool {
		result = append(result, e)
		return true
	})
	return result
}
