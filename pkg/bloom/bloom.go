// Package bloom implements the per-table filter used to skip tables that
// cannot contain a key.
package bloom

import (
	"github.com/cespare/xxhash/v2"
)

// Filter is an encoded bloom filter: bit array followed by one byte holding
// the probe count.
type Filter []byte

// Builder accumulates key hashes and emits a Filter sized for them.
type Builder struct {
	bitsPerKey int
	hashes     []uint64
}

func NewBuilder(bitsPerKey int) *Builder {
	if bitsPerKey < 1 {
		bitsPerKey = 1
	}
	return &Builder{bitsPerKey: bitsPerKey}
}

func (b *Builder) Add(key []byte) {
	b.hashes = append(b.hashes, xxhash.Sum64(key))
}

func (b *Builder) Len() int {
	return len(b.hashes)
}

// Build encodes the filter. Builder may be reused after Reset.
func (b *Builder) Build() Filter {
	// k = bits_per_key * ln(2), clamped
	k := int(float64(b.bitsPerKey) * 0.69)
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}

	nBits := len(b.hashes) * b.bitsPerKey
	if nBits < 64 {
		nBits = 64
	}
	nBytes := (nBits + 7) / 8
	nBits = nBytes * 8

	f := make(Filter, nBytes+1)
	f[nBytes] = byte(k)
	for _, h := range b.hashes {
		h1, delta := split(h)
		for i := 0; i < k; i++ {
			pos := h1 % uint32(nBits)
			f[pos/8] |= 1 << (pos % 8)
			h1 += delta
		}
	}
	return f
}

func (b *Builder) Reset() {
	b.hashes = b.hashes[:0]
}

// MayContain reports false only when key was definitely not added.
// A malformed filter matches everything.
func (f Filter) MayContain(key []byte) bool {
	if len(f) < 2 {
		return true
	}
	nBytes := len(f) - 1
	k := int(f[nBytes])
	if k < 1 || k > 30 {
		return true
	}
	nBits := uint32(nBytes * 8)

	h1, delta := split(xxhash.Sum64(key))
	for i := 0; i < k; i++ {
		pos := h1 % nBits
		if f[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
		h1 += delta
	}
	return true
}

// split derives the two hashes used for double hashing.
func split(h uint64) (uint32, uint32) {
	return uint32(h), uint32(h>>32) | 1
}
