// Package encoding holds the key ordering and the binary entry layout shared
// by the WAL and sstable blocks.
package encoding

import (
	"bytes"
	"encoding/binary"
	"errors"

	"lsmkv/pkg/types"
)

// entry header: seq (8) + kind (1), both preceded by two uvarint lengths.
const fixedEntryHeader = 8 + 1

var (
	ErrShortBuffer = errors.New("encoding: short buffer")
	ErrBadKind     = errors.New("encoding: unknown entry kind")
)

// Compare orders keys byte-lexicographically.
func Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}

// CompareEntries orders by key ascending, then by sequence number descending,
// so the newest version of a key sorts first.
func CompareEntries(a, b types.Entry) int {
	if c := bytes.Compare(a.Key, b.Key); c != 0 {
		return c
	}
	switch {
	case a.Seq > b.Seq:
		return -1
	case a.Seq < b.Seq:
		return 1
	default:
		return 0
	}
}

// EncodedLen returns the number of bytes AppendEntry writes for e.
func EncodedLen(e types.Entry) int {
	return uvarintLen(uint64(len(e.Key))) + uvarintLen(uint64(len(e.Value))) + fixedEntryHeader + len(e.Key) + len(e.Value)
}

// AppendEntry appends the encoding of e to dst:
//
//	klen uvarint | vlen uvarint | seq u64 | kind u8 | key | value
func AppendEntry(dst []byte, e types.Entry) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(e.Key)))
	dst = binary.AppendUvarint(dst, uint64(len(e.Value)))
	dst = binary.LittleEndian.AppendUint64(dst, e.Seq)
	dst = append(dst, byte(e.Kind))
	dst = append(dst, e.Key...)
	return append(dst, e.Value...)
}

// DecodeEntry decodes one entry from the front of src and returns it with the
// number of bytes consumed. Key and value alias src.
func DecodeEntry(src []byte) (types.Entry, int, error) {
	var e types.Entry

	klen, n1 := binary.Uvarint(src)
	if n1 <= 0 {
		return e, 0, ErrShortBuffer
	}
	vlen, n2 := binary.Uvarint(src[n1:])
	if n2 <= 0 {
		return e, 0, ErrShortBuffer
	}
	off := n1 + n2
	if len(src)-off < fixedEntryHeader {
		return e, 0, ErrShortBuffer
	}
	e.Seq = binary.LittleEndian.Uint64(src[off:])
	e.Kind = types.Kind(src[off+8])
	if !e.Kind.Valid() {
		return e, 0, ErrBadKind
	}
	off += fixedEntryHeader

	if uint64(len(src)-off) < klen || uint64(len(src)-off)-klen < vlen {
		return e, 0, ErrShortBuffer
	}
	e.Key = src[off : off+int(klen) : off+int(klen)]
	off += int(klen)
	e.Value = src[off : off+int(vlen) : off+int(vlen)]
	off += int(vlen)

	return e, off, nil
}

// AppendBytes appends a uvarint length prefix followed by b.
func AppendBytes(dst, b []byte) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(b)))
	return append(dst, b...)
}

// ReadBytes reads a slice written by AppendBytes and returns it with the
// number of bytes consumed.
func ReadBytes(src []byte) ([]byte, int, error) {
	n, sz := binary.Uvarint(src)
	if sz <= 0 || uint64(len(src)-sz) < n {
		return nil, 0, ErrShortBuffer
	}
	end := sz + int(n)
	return src[sz:end:end], end, nil
}

func uvarintLen(x uint64) int {
	n := 1
	for x >= 0x80 {
		x >>= 7
		n++
	}
	return n
}
