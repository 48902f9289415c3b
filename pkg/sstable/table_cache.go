package sstable

import (
	"log/slog"
	"path/filepath"
	"sync"

	"lsmkv/pkg/cache"
	"lsmkv/pkg/types"
)

// TableCache keeps one open Reader per live table.
type TableCache struct {
	dir    string
	blocks *cache.BlockCache

	mu      sync.Mutex
	readers map[types.FileID]*Reader
}

func NewTableCache(dir string, blocks *cache.BlockCache) *TableCache {
	return &TableCache{
		dir:     dir,
		blocks:  blocks,
		readers: make(map[types.FileID]*Reader),
	}
}

// Get returns the reader for table id, opening it on first use.
func (tc *TableCache) Get(id types.FileID) (*Reader, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if r, ok := tc.readers[id]; ok {
		return r, nil
	}
	r, err := Open(filepath.Join(tc.dir, FileName(id)), id, tc.blocks)
	if err != nil {
		return nil, err
	}
	tc.readers[id] = r
	return r, nil
}

// Evict closes the reader of table id and drops its cached blocks.
func (tc *TableCache) Evict(id types.FileID) {
	tc.mu.Lock()
	r, ok := tc.readers[id]
	delete(tc.readers, id)
	tc.mu.Unlock()

	tc.blocks.EvictFile(id)
	if ok {
		if err := r.Close(); err != nil {
			slog.Warn("failed to close sstable reader", "file", id, "error", err)
		}
	}
}

func (tc *TableCache) Blocks() *cache.BlockCache {
	return tc.blocks
}

// Close closes every open reader.
func (tc *TableCache) Close() error {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	var first error
	for id, r := range tc.readers {
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
		delete(tc.readers, id)
	}
	return first
}
