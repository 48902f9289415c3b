package iterator

import (
	"container/heap"

	"lsmkv/pkg/encoding"
	"lsmkv/pkg/types"
)

// MergingIterator merges child iterators into one ordered stream. Children
// must be passed newest first: when two children hold the same key and
// sequence number, the earlier child wins.
type MergingIterator struct {
	children []Iterator
	h        mergeHeap
	err      error
}

func NewMerging(children ...Iterator) *MergingIterator {
	m := &MergingIterator{children: children}
	m.h.items = make([]heapItem, 0, len(children))
	return m
}

func (m *MergingIterator) First() {
	for _, c := range m.children {
		c.First()
	}
	m.rebuild()
}

func (m *MergingIterator) Seek(target types.Key) {
	for _, c := range m.children {
		c.Seek(target)
	}
	m.rebuild()
}

func (m *MergingIterator) rebuild() {
	m.h.items = m.h.items[:0]
	m.err = nil
	for i, c := range m.children {
		if c.Valid() {
			m.h.items = append(m.h.items, heapItem{it: c, idx: i})
		} else if err := c.Err(); err != nil && m.err == nil {
			m.err = err
		}
	}
	heap.Init(&m.h)
}

func (m *MergingIterator) Next() {
	if len(m.h.items) == 0 {
		return
	}
	top := m.h.items[0].it
	top.Next()
	if top.Valid() {
		heap.Fix(&m.h, 0)
		return
	}
	if err := top.Err(); err != nil && m.err == nil {
		m.err = err
	}
	heap.Pop(&m.h)
}

func (m *MergingIterator) Valid() bool {
	return m.err == nil && len(m.h.items) > 0
}

func (m *MergingIterator) Key() types.Key     { return m.h.items[0].it.Key() }
func (m *MergingIterator) Value() types.Value { return m.h.items[0].it.Value() }
func (m *MergingIterator) Entry() types.Entry { return m.h.items[0].it.Entry() }
func (m *MergingIterator) Err() error         { return m.err }

func (m *MergingIterator) Close() error {
	var first error
	for _, c := range m.children {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type heapItem struct {
	it  Iterator
	idx int
}

type mergeHeap struct {
	items []heapItem
}

func (h *mergeHeap) Len() int { return len(h.items) }

func (h *mergeHeap) Less(i, j int) bool {
	if c := encoding.CompareEntries(h.items[i].it.Entry(), h.items[j].it.Entry()); c != 0 {
		return c < 0
	}
	return h.items[i].idx < h.items[j].idx
}

func (h *mergeHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *mergeHeap) Push(x any) { h.items = append(h.items, x.(heapItem)) }

func (h *mergeHeap) Pop() any {
	old := h.items
	n := len(old)
	x := old[n-1]
	h.items = old[:n-1]
	return x
}
