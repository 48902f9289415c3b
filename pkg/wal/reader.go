package wal

import (
	"bufio"
	"encoding/binary"
	"io"
	"log/slog"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/encoding"
	"lsmkv/pkg/types"
)

// Reader yields the records of one segment in log order. It is not
// restartable: once Next returns an error every later call returns the same.
type Reader struct {
	r      *bufio.Reader
	path   string
	offset int64
	err    error
	hdr    [headerSize]byte
}

func NewReader(r io.Reader, path string) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64<<10), path: path}
}

// Next returns the next record. It returns io.EOF at a clean end of the log
// and a *dberrors.CorruptionError for a torn or mismatching record.
func (r *Reader) Next() (types.Entry, error) {
	if r.err != nil {
		return types.Entry{}, r.err
	}
	e, n, err := r.next()
	if err != nil {
		r.err = err
		return types.Entry{}, err
	}
	r.offset += n
	return e, nil
}

func (r *Reader) next() (types.Entry, int64, error) {
	if _, err := io.ReadFull(r.r, r.hdr[:]); err != nil {
		if err == io.EOF {
			return types.Entry{}, 0, io.EOF
		}
		if err == io.ErrUnexpectedEOF {
			return types.Entry{}, 0, dberrors.Corruptf(r.path, r.offset, "incomplete record header")
		}
		return types.Entry{}, 0, dberrors.IOFailure("read", r.path, err)
	}

	sum := binary.LittleEndian.Uint64(r.hdr[0:8])
	length := binary.LittleEndian.Uint32(r.hdr[8:12])
	if length > maxRecordSize {
		return types.Entry{}, 0, dberrors.Corruptf(r.path, r.offset, "record length %d out of range", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return types.Entry{}, 0, dberrors.Corruptf(r.path, r.offset, "incomplete record payload")
		}
		return types.Entry{}, 0, dberrors.IOFailure("read", r.path, err)
	}
	if xxhash.Sum64(payload) != sum {
		return types.Entry{}, 0, dberrors.Corruptf(r.path, r.offset, "checksum mismatch")
	}

	e, n, err := encoding.DecodeEntry(payload)
	if err != nil || n != len(payload) {
		return types.Entry{}, 0, dberrors.Corruptf(r.path, r.offset, "malformed record payload")
	}
	return e, int64(headerSize) + int64(length), nil
}

// Offset is the end of the last record Next returned successfully.
func (r *Reader) Offset() int64 {
	return r.offset
}

// ReplayResult summarizes a segment replay.
type ReplayResult struct {
	Records   int
	MaxSeq    types.SeqN
	Truncated bool
	// Offset is the size of the durable prefix.
	Offset int64
}

// Replay feeds every durable record of the segment at path to fn in order.
// A corrupt or incomplete tail is cut off the file and reported through
// ReplayResult.Truncated rather than as an error.
func Replay(path string, fn func(types.Entry) error) (ReplayResult, error) {
	var res ReplayResult

	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		return res, dberrors.IOFailure("open", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			slog.Warn("failed to close wal segment after replay", "path", path, "error", cerr)
		}
	}()

	rd := NewReader(f, path)
	for {
		e, err := rd.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if !dberrors.IsCorruption(err) {
				return res, err
			}
			res.Truncated = true
			slog.Warn("truncating corrupt wal tail",
				"path", path, "offset", rd.Offset(), "reason", err)
			if terr := f.Truncate(rd.Offset()); terr != nil {
				return res, dberrors.IOFailure("truncate", path, terr)
			}
			if serr := f.Sync(); serr != nil {
				return res, dberrors.IOFailure("fsync", path, serr)
			}
			break
		}

		if err := fn(e); err != nil {
			return res, errors.Wrapf(err, "replay %s at offset %d", path, rd.Offset())
		}
		res.Records++
		if e.Seq > res.MaxSeq {
			res.MaxSeq = e.Seq
		}
	}
	res.Offset = rd.Offset()
	return res, nil
}
