package cache

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"lsmkv/pkg/types"
)

const numShards = 16

// BlockKey identifies a decoded data block by table and file offset.
type BlockKey struct {
	File   types.FileID
	Offset uint64
}

// BlockCache is an LRU of decoded sstable blocks shared by all table readers.
// Capacity is counted in blocks and split evenly across shards.
type BlockCache struct {
	shards [numShards]*shard
	hits   atomic.Uint64
	misses atomic.Uint64
}

type shard struct {
	mu       sync.Mutex
	capacity int
	items    map[BlockKey]*cacheItem
	head     *cacheItem
	tail     *cacheItem
}

type cacheItem struct {
	key   BlockKey
	value []byte
	prev  *cacheItem
	next  *cacheItem
}

// NewBlockCache returns nil for a non-positive capacity; a nil cache is valid
// and never stores anything.
func NewBlockCache(capacity int) *BlockCache {
	if capacity <= 0 {
		return nil
	}
	per := (capacity + numShards - 1) / numShards
	bc := &BlockCache{}
	for i := range bc.shards {
		bc.shards[i] = &shard{capacity: per, items: make(map[BlockKey]*cacheItem)}
	}
	return bc
}

func (bc *BlockCache) shardFor(key BlockKey) *shard {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], key.File)
	binary.LittleEndian.PutUint64(buf[8:], key.Offset)
	return bc.shards[xxhash.Sum64(buf[:])%numShards]
}

// Get retrieves a block from the cache.
func (bc *BlockCache) Get(key BlockKey) ([]byte, bool) {
	if bc == nil {
		return nil, false
	}
	s := bc.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	item, found := s.items[key]
	if !found {
		bc.misses.Add(1)
		return nil, false
	}
	bc.hits.Add(1)
	s.moveToHead(item)
	return item.value, true
}

// Set stores a block in the cache. The value must not be modified afterwards.
func (bc *BlockCache) Set(key BlockKey, value []byte) {
	if bc == nil {
		return
	}
	s := bc.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if item, found := s.items[key]; found {
		item.value = value
		s.moveToHead(item)
		return
	}

	item := &cacheItem{key: key, value: value}
	s.addToHead(item)
	s.items[key] = item

	if len(s.items) > s.capacity {
		s.evictLRU()
	}
}

// EvictFile drops every block of file, used when a table is deleted.
func (bc *BlockCache) EvictFile(file types.FileID) {
	if bc == nil {
		return
	}
	for _, s := range bc.shards {
		s.mu.Lock()
		for k, item := range s.items {
			if k.File == file {
				s.unlink(item)
				delete(s.items, k)
			}
		}
		s.mu.Unlock()
	}
}

// Len is the number of cached blocks.
func (bc *BlockCache) Len() int {
	if bc == nil {
		return 0
	}
	n := 0
	for _, s := range bc.shards {
		s.mu.Lock()
		n += len(s.items)
		s.mu.Unlock()
	}
	return n
}

func (bc *BlockCache) Stats() (hits, misses uint64) {
	if bc == nil {
		return 0, 0
	}
	return bc.hits.Load(), bc.misses.Load()
}

func (s *shard) moveToHead(item *cacheItem) {
	if item == s.head {
		return
	}
	s.unlink(item)
	s.addToHead(item)
}

func (s *shard) unlink(item *cacheItem) {
	if item.prev != nil {
		item.prev.next = item.next
	} else {
		s.head = item.next
	}
	if item.next != nil {
		item.next.prev = item.prev
	} else {
		s.tail = item.prev
	}
	item.prev, item.next = nil, nil
}

func (s *shard) addToHead(item *cacheItem) {
	item.prev = nil
	item.next = s.head
	if s.head != nil {
		s.head.prev = item
	}
	s.head = item
	if s.tail == nil {
		s.tail = item
	}
}

func (s *shard) evictLRU() {
	if s.tail == nil {
		return
	}
	victim := s.tail
	s.unlink(victim)
	delete(s.items, victim.key)
}
