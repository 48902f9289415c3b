// Package compression provides the block codecs used by sstable data blocks.
package compression

import (
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
)

// Codec identifies a block compression algorithm. The value is persisted in
// every block trailer and must not change.
type Codec uint8

const (
	None   Codec = 0
	Snappy Codec = 1
	S2     Codec = 2
	Zstd   Codec = 3
)

func (c Codec) String() string {
	switch c {
	case None:
		return "none"
	case Snappy:
		return "snappy"
	case S2:
		return "s2"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

func (c Codec) Valid() bool {
	return c <= Zstd
}

func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return None, nil
	case "snappy":
		return Snappy, nil
	case "s2":
		return S2, nil
	case "zstd":
		return Zstd, nil
	default:
		return None, fmt.Errorf("unknown compression codec %q", s)
	}
}

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

// zstd encoder and decoder are safe for concurrent EncodeAll/DecodeAll.
func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	return zstdEnc, zstdDec, zstdErr
}

// Encode compresses src with c, reusing dst when it has capacity.
func Encode(c Codec, dst, src []byte) ([]byte, error) {
	switch c {
	case None:
		return append(dst[:0], src...), nil
	case Snappy:
		return snappy.Encode(dst[:cap(dst)], src), nil
	case S2:
		return s2.Encode(dst[:cap(dst)], src), nil
	case Zstd:
		enc, _, err := zstdCodecs()
		if err != nil {
			return nil, fmt.Errorf("failed to init zstd: %w", err)
		}
		return enc.EncodeAll(src, dst[:0]), nil
	default:
		return nil, fmt.Errorf("unknown compression codec %d", uint8(c))
	}
}

// Decode reverses Encode.
func Decode(c Codec, dst, src []byte) ([]byte, error) {
	switch c {
	case None:
		return append(dst[:0], src...), nil
	case Snappy:
		out, err := snappy.Decode(dst[:cap(dst)], src)
		if err != nil {
			return nil, fmt.Errorf("snappy decode: %w", err)
		}
		return out, nil
	case S2:
		out, err := s2.Decode(dst[:cap(dst)], src)
		if err != nil {
			return nil, fmt.Errorf("s2 decode: %w", err)
		}
		return out, nil
	case Zstd:
		_, dec, err := zstdCodecs()
		if err != nil {
			return nil, fmt.Errorf("failed to init zstd: %w", err)
		}
		out, err := dec.DecodeAll(src, dst[:0])
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown compression codec %d", uint8(c))
	}
}
