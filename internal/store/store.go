// Package store is the gateway's local blob store. Content is split into
// fixed-size chunks that are hashed, optionally compressed and stored
// content-addressed in badger, so identical chunks are shared between
// blobs. Each chunk is further divided into subchunks whose hashes are
// kept in the blob manifest for integrity checks.
package store

import (
	"context"
	"io"
	"log/slog"

	"github.com/InsulaLabs/onvm/internal/blob"
)

const (
	DefaultChunkSize    = 1024 * 1024
	DefaultSubchunkSize = 256 * 1024
	DefaultMaxBlobSize  = 512 * 1024 * 1024

	// sniffLen is how much of a blob's head is kept for MIME detection.
	sniffLen = 8 * 1024
)

type Config struct {
	Logger       *slog.Logger
	Directory    string
	InMemory     bool // badger in-memory mode, Directory is ignored
	ChunkSize    int
	SubchunkSize int
	Codec        string
	MaxBlobSize  int64
}

// Geometry is the chunk layout new blobs are written with.
type Geometry struct {
	ChunkSize    int
	SubchunkSize int
}

// Counts returns how many chunks and subchunks a blob of size bytes is
// split into under g.
func (g Geometry) Counts(size int64) (chunks int, subchunks int) {
	if size <= 0 || g.ChunkSize <= 0 || g.SubchunkSize <= 0 {
		return 0, 0
	}
	cs := int64(g.ChunkSize)
	ss := int64(g.SubchunkSize)
	full := size / cs
	rem := size % cs
	chunks = int(full)
	subchunks = int(full * (cs / ss))
	if rem > 0 {
		chunks++
		subchunks += int((rem + ss - 1) / ss)
	}
	return chunks, subchunks
}

type Store interface {
	// Put stores everything read from r and returns the blob's info.
	// Storing identical content twice yields the same id and is a no-op.
	Put(ctx context.Context, r io.Reader, declaredMime string) (blob.Info, error)
	Info(id string) (blob.Info, error)
	Has(id string) (bool, error)
	Open(id string) (*Reader, error)
	Verify(id string) error
	Delete(id string) error
	List(prefix string, offset int, limit int) ([]blob.Info, error)
	Geometry() Geometry
	Close() error
}
