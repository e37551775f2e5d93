package store

import (
	"errors"
	"io"
	"time"

	"github.com/InsulaLabs/onvm/internal/blob"
)

var (
	ErrReaderClosed  = errors.New("reader is closed")
	errNegativeSeek  = errors.New("seek to negative offset")
	errInvalidWhence = errors.New("invalid whence")
)

// Reader streams a stored blob. Chunks are loaded and verified one at a
// time as reads cross into them, so seeking to a range only touches the
// chunks that cover it. A Reader is not safe for concurrent use.
type Reader struct {
	s      *store
	m      *manifest
	offset int64

	current int // index of the loaded chunk, -1 when none
	data    []byte
	closed  bool
}

var _ io.ReadSeekCloser = &Reader{}

func newReader(s *store, m *manifest) *Reader {
	return &Reader{s: s, m: m, current: -1}
}

func (r *Reader) Info() blob.Info {
	return r.m.info()
}

func (r *Reader) Size() int64 {
	return r.m.Size
}

// ETag is the full content digest.
func (r *Reader) ETag() string {
	return r.m.Digest
}

func (r *Reader) ModTime() time.Time {
	return r.m.StoredAt
}

func (r *Reader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, ErrReaderClosed
	}
	if r.offset >= r.m.Size {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	idx := int(r.offset / int64(r.m.ChunkSize))
	if idx != r.current {
		data, err := r.s.loadChunk(r.m.Chunks[idx])
		if err != nil {
			return 0, err
		}
		r.current = idx
		r.data = data
	}

	within := int(r.offset - int64(idx)*int64(r.m.ChunkSize))
	n := copy(p, r.data[within:])
	r.offset += int64(n)
	return n, nil
}

func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	if r.closed {
		return 0, ErrReaderClosed
	}
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = r.offset + offset
	case io.SeekEnd:
		abs = r.m.Size + offset
	default:
		return 0, errInvalidWhence
	}
	if abs < 0 {
		return 0, errNegativeSeek
	}
	r.offset = abs
	return abs, nil
}

func (r *Reader) Close() error {
	r.closed = true
	r.data = nil
	return nil
}
