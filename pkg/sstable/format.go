// Package sstable implements immutable sorted tables.
//
// File layout:
//
//	[data block 0] ... [data block n-1]
//	[bloom block] [properties block] [index block]
//	[footer: 64 bytes]
//
// Every block is followed by a 9 byte trailer: codec u8 | xxhash64 u64, where
// the checksum covers the stored block bytes and the codec byte. Data blocks
// hold entries in the encoding package layout. The footer carries the handles
// of the index, bloom and properties blocks, a format version and a magic number.
package sstable

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"lsmkv/pkg/compression"
	"lsmkv/pkg/encoding"
	"lsmkv/pkg/types"
)

const (
	Magic         uint64 = 0x5354414254414244
	FormatVersion uint32 = 1

	footerSize   = 64
	trailerSize  = 1 + 8
	tableSuffix  = ".sst"
	tempSuffix   = ".sst.tmp"
	maxBlockSize = 1 << 30
)

// FileName is the on-disk name of table id.
func FileName(id types.FileID) string {
	return fmt.Sprintf("%06d%s", id, tableSuffix)
}

func tempName(id types.FileID) string {
	return fmt.Sprintf("%06d%s", id, tempSuffix)
}

// handle locates a block. Size excludes the trailer.
type handle struct {
	Offset uint64
	Size   uint64
}

type footer struct {
	Index   handle
	Bloom   handle
	Props   handle
	Version uint32
}

func (f footer) encode() []byte {
	buf := make([]byte, footerSize)
	binary.LittleEndian.PutUint64(buf[0:], f.Index.Offset)
	binary.LittleEndian.PutUint64(buf[8:], f.Index.Size)
	binary.LittleEndian.PutUint64(buf[16:], f.Bloom.Offset)
	binary.LittleEndian.PutUint64(buf[24:], f.Bloom.Size)
	binary.LittleEndian.PutUint64(buf[32:], f.Props.Offset)
	binary.LittleEndian.PutUint64(buf[40:], f.Props.Size)
	binary.LittleEndian.PutUint32(buf[48:], f.Version)
	// 4 bytes reserved
	binary.LittleEndian.PutUint64(buf[56:], Magic)
	return buf
}

func decodeFooter(buf []byte) (footer, error) {
	var f footer
	if len(buf) != footerSize {
		return f, fmt.Errorf("footer is %d bytes", len(buf))
	}
	if m := binary.LittleEndian.Uint64(buf[56:]); m != Magic {
		return f, fmt.Errorf("bad magic %#x", m)
	}
	f.Version = binary.LittleEndian.Uint32(buf[48:])
	if f.Version != FormatVersion {
		return f, fmt.Errorf("unsupported format version %d", f.Version)
	}
	f.Index = handle{binary.LittleEndian.Uint64(buf[0:]), binary.LittleEndian.Uint64(buf[8:])}
	f.Bloom = handle{binary.LittleEndian.Uint64(buf[16:]), binary.LittleEndian.Uint64(buf[24:])}
	f.Props = handle{binary.LittleEndian.Uint64(buf[32:]), binary.LittleEndian.Uint64(buf[40:])}
	return f, nil
}

func (h handle) within(limit uint64) bool {
	return h.Size <= maxBlockSize && h.Offset <= limit && h.Size+trailerSize <= limit-h.Offset
}

func blockChecksum(data []byte, codec compression.Codec) uint64 {
	d := xxhash.New()
	_, _ = d.Write(data)
	_, _ = d.Write([]byte{byte(codec)})
	return d.Sum64()
}

func appendTrailer(dst, data []byte, codec compression.Codec) []byte {
	dst = append(dst, byte(codec))
	return binary.LittleEndian.AppendUint64(dst, blockChecksum(data, codec))
}

// indexEntry points at a data block by its last key.
type indexEntry struct {
	LastKey []byte
	Block   handle
}

func appendIndexEntry(dst []byte, e indexEntry) []byte {
	dst = encoding.AppendBytes(dst, e.LastKey)
	dst = binary.AppendUvarint(dst, e.Block.Offset)
	return binary.AppendUvarint(dst, e.Block.Size)
}

func decodeIndex(buf []byte) ([]indexEntry, error) {
	var out []indexEntry
	for len(buf) > 0 {
		key, n, err := encoding.ReadBytes(buf)
		if err != nil {
			return nil, err
		}
		buf = buf[n:]
		off, n1 := binary.Uvarint(buf)
		if n1 <= 0 {
			return nil, encoding.ErrShortBuffer
		}
		buf = buf[n1:]
		size, n2 := binary.Uvarint(buf)
		if n2 <= 0 {
			return nil, encoding.ErrShortBuffer
		}
		buf = buf[n2:]
		out = append(out, indexEntry{LastKey: key, Block: handle{off, size}})
	}
	return out, nil
}

// Properties summarize a table and are stored in it.
type Properties struct {
	NumEntries    uint64
	NumTombstones uint64
	NumBlocks     uint64
	MinSeq        types.SeqN
	MaxSeq        types.SeqN
	Smallest      []byte
	Largest       []byte
	Codec         compression.Codec
}

func (p Properties) encode() []byte {
	var buf []byte
	buf = binary.AppendUvarint(buf, p.NumEntries)
	buf = binary.AppendUvarint(buf, p.NumTombstones)
	buf = binary.AppendUvarint(buf, p.NumBlocks)
	buf = binary.AppendUvarint(buf, p.MinSeq)
	buf = binary.AppendUvarint(buf, p.MaxSeq)
	buf = encoding.AppendBytes(buf, p.Smallest)
	buf = encoding.AppendBytes(buf, p.Largest)
	return append(buf, byte(p.Codec))
}

func decodeProperties(buf []byte) (Properties, error) {
	var p Properties
	for _, dst := range []*uint64{&p.NumEntries, &p.NumTombstones, &p.NumBlocks, &p.MinSeq, &p.MaxSeq} {
		v, n := binary.Uvarint(buf)
		if n <= 0 {
			return p, encoding.ErrShortBuffer
		}
		*dst = v
		buf = buf[n:]
	}
	var err error
	var n int
	if p.Smallest, n, err = encoding.ReadBytes(buf); err != nil {
		return p, err
	}
	buf = buf[n:]
	if p.Largest, n, err = encoding.ReadBytes(buf); err != nil {
		return p, err
	}
	buf = buf[n:]
	if len(buf) != 1 {
		return p, encoding.ErrShortBuffer
	}
	p.Codec = compression.Codec(buf[0])
	return p, nil
}
