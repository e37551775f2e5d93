package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/InsulaLabs/onvm/internal/blob"
	"github.com/dgraph-io/badger/v3"
)

const commitRetries = 5

type store struct {
	logger      *slog.Logger
	db          *badger.DB
	geometry    Geometry
	codec       Codec
	maxBlobSize int64
}

var _ Store = &store{}

func New(config Config) (Store, error) {
	if config.ChunkSize == 0 {
		config.ChunkSize = DefaultChunkSize
	}
	if config.SubchunkSize == 0 {
		config.SubchunkSize = DefaultSubchunkSize
	}
	if config.ChunkSize < 0 || config.SubchunkSize <= 0 || config.SubchunkSize > config.ChunkSize ||
		config.ChunkSize%config.SubchunkSize != 0 {
		return nil, &ErrInternal{Err: fmt.Errorf("invalid chunk geometry %d/%d", config.ChunkSize, config.SubchunkSize)}
	}
	if config.MaxBlobSize == 0 {
		config.MaxBlobSize = DefaultMaxBlobSize
	}
	codec, err := ParseCodec(config.Codec)
	if err != nil {
		return nil, &ErrInternal{Err: err}
	}

	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(config.Directory, 0755); err != nil {
			return nil, &ErrInternal{Err: err}
		}
		opts = badger.DefaultOptions(config.Directory)
	}

	db, err := badger.Open(opts.WithLogger(newBadgerLogger(config.Logger.WithGroup("badger"))))
	if err != nil {
		return nil, &ErrInternal{Err: err}
	}

	return &store{
		logger: config.Logger.WithGroup("store"),
		db:     db,
		geometry: Geometry{
			ChunkSize:    config.ChunkSize,
			SubchunkSize: config.SubchunkSize,
		},
		codec:       codec,
		maxBlobSize: config.MaxBlobSize,
	}, nil
}

func (s *store) Close() error {
	if err := s.db.Close(); err != nil {
		s.logger.Error("error closing blob db", "error", err)
		return &ErrInternal{Err: err}
	}
	return nil
}

func (s *store) Geometry() Geometry {
	return s.geometry
}

func (s *store) Put(ctx context.Context, r io.Reader, declaredMime string) (blob.Info, error) {
	limited := io.LimitReader(r, s.maxBlobSize+1)
	hasher := newIDHasher()
	buf := make([]byte, s.geometry.ChunkSize)

	m := &manifest{
		MimeType:     strings.TrimSpace(declaredMime),
		ChunkSize:    s.geometry.ChunkSize,
		SubchunkSize: s.geometry.SubchunkSize,
	}
	var head []byte
	var written []string

	fail := func(err error) (blob.Info, error) {
		s.dropUnreferenced(written)
		return blob.Info{}, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}

		n, readErr := io.ReadFull(limited, buf)
		if n > 0 {
			m.Size += int64(n)
			if m.Size > s.maxBlobSize {
				return fail(&ErrTooLarge{Limit: s.maxBlobSize})
			}
			data := buf[:n]
			if head == nil {
				head = bytes.Clone(data[:min(n, sniffLen)])
			}
			hasher.Write(data)

			ref, created, err := s.writeChunk(data)
			if err != nil {
				return fail(err)
			}
			if created {
				written = append(written, ref.Hash)
			}
			m.Chunks = append(m.Chunks, ref)
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return fail(&ErrInternal{Err: readErr})
		}
	}

	m.ID, m.Digest = hasher.Sum()
	m.DetectedMimeType = DetectMimeType(head)
	m.StoredAt = time.Now().UTC()

	stored, err := s.commit(m)
	if err != nil {
		return fail(err)
	}
	s.logger.Debug("blob stored", "id", stored.ID, "size", stored.Size, "chunks", len(stored.Chunks))
	return stored.info(), nil
}

// writeChunk stores data under its hash unless that chunk already exists.
func (s *store) writeChunk(data []byte) (chunkRef, bool, error) {
	ref := chunkRef{
		Hash:      hashChunk(data),
		Size:      len(data),
		Subchunks: hashSubchunks(data, s.geometry.SubchunkSize),
	}

	exists := false
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(chunkKey(ref.Hash))
		if err == nil {
			exists = true
			return nil
		}
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return ref, false, &ErrInternal{Err: err}
	}
	if exists {
		return ref, false, nil
	}

	encoded := encodeChunk(s.codec, data)
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(chunkKey(ref.Hash), encoded)
	})
	if err != nil {
		return ref, false, &ErrInternal{Err: fmt.Errorf("failed to set chunk %s: %w", ref.Hash, err)}
	}
	return ref, true, nil
}

// commit writes the manifest and takes a reference on every chunk in one
// transaction. An existing manifest for the same id wins.
func (s *store) commit(m *manifest) (*manifest, error) {
	encoded, err := encodeManifest(m)
	if err != nil {
		return nil, &ErrInternal{Err: fmt.Errorf("failed to encode manifest for %s: %w", m.ID, err)}
	}

	var result *manifest
	for attempt := 0; attempt < commitRetries; attempt++ {
		err = s.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(blobKey(m.ID))
			if err == nil {
				existing, err := readManifest(item)
				if err != nil {
					return err
				}
				result = existing
				return nil
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}

			for _, c := range m.Chunks {
				if _, err := txn.Get(chunkKey(c.Hash)); err != nil {
					return fmt.Errorf("chunk %s missing at commit: %w", c.Hash, err)
				}
				if err := addRef(txn, c.Hash, 1); err != nil {
					return err
				}
			}
			if err := txn.Set(blobKey(m.ID), encoded); err != nil {
				return err
			}
			result = m
			return nil
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err != nil {
		return nil, &ErrInternal{Err: err}
	}
	return result, nil
}

// addRef adjusts the reference count of a chunk and removes the chunk
// once nothing references it.
func addRef(txn *badger.Txn, hash string, delta int) error {
	var count uint64
	item, err := txn.Get(refKey(hash))
	switch {
	case err == nil:
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		count = decodeRefCount(val)
	case errors.Is(err, badger.ErrKeyNotFound):
	default:
		return err
	}

	if delta < 0 && count <= uint64(-delta) {
		if err := txn.Delete(refKey(hash)); err != nil {
			return err
		}
		return txn.Delete(chunkKey(hash))
	}
	count = uint64(int64(count) + int64(delta))
	return txn.Set(refKey(hash), encodeRefCount(count))
}

// dropUnreferenced removes chunks written by a failed Put that no blob
// has taken a reference on.
func (s *store) dropUnreferenced(hashes []string) {
	if len(hashes) == 0 {
		return
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, h := range hashes {
			_, err := txn.Get(refKey(h))
			if err == nil {
				continue
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err := txn.Delete(chunkKey(h)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("failed to drop chunks of an aborted put, they may be orphaned", "count", len(hashes), "error", err)
	}
}

func readManifest(item *badger.Item) (*manifest, error) {
	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	m, err := decodeManifest(val)
	if err != nil {
		return nil, &ErrDataCorruption{Key: string(item.Key()), Reason: err.Error()}
	}
	return m, nil
}

func (s *store) getManifest(id string) (*manifest, error) {
	if err := blob.ValidateID(id); err != nil {
		return nil, err
	}
	var m *manifest
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blobKey(id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return &blob.ErrNotFound{ID: id}
			}
			return &ErrInternal{Err: err}
		}
		m, err = readManifest(item)
		return err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *store) Info(id string) (blob.Info, error) {
	m, err := s.getManifest(id)
	if err != nil {
		return blob.Info{}, err
	}
	return m.info(), nil
}

func (s *store) Has(id string) (bool, error) {
	_, err := s.getManifest(id)
	if err == nil {
		return true, nil
	}
	if blob.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

func (s *store) Open(id string) (*Reader, error) {
	m, err := s.getManifest(id)
	if err != nil {
		return nil, err
	}
	return newReader(s, m), nil
}

// loadChunk reads, decodes and verifies the chunk behind ref.
func (s *store) loadChunk(ref chunkRef) ([]byte, error) {
	var stored []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(chunkKey(ref.Hash))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return &ErrDataCorruption{Key: ref.Hash, Reason: "chunk not found"}
			}
			return &ErrInternal{Err: err}
		}
		stored, err = item.ValueCopy(nil)
		if err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	data, err := decodeChunk(stored, ref.Size)
	if err != nil {
		return nil, &ErrDataCorruption{Key: ref.Hash, Reason: err.Error()}
	}
	if hashChunk(data) != ref.Hash {
		return nil, &ErrDataCorruption{Key: ref.Hash, Reason: "chunk hash mismatch"}
	}
	return data, nil
}

func (s *store) Verify(id string) error {
	m, err := s.getManifest(id)
	if err != nil {
		return err
	}
	var total int64
	for i, ref := range m.Chunks {
		data, err := s.loadChunk(ref)
		if err != nil {
			return err
		}
		sums := hashSubchunks(data, m.SubchunkSize)
		if len(sums) != len(ref.Subchunks) {
			return &ErrDataCorruption{Key: id, Reason: fmt.Sprintf("chunk %d has %d subchunks, manifest lists %d", i, len(sums), len(ref.Subchunks))}
		}
		for j := range sums {
			if sums[j] != ref.Subchunks[j] {
				return &ErrDataCorruption{Key: id, Reason: fmt.Sprintf("subchunk %d of chunk %d hash mismatch", j, i)}
			}
		}
		total += int64(len(data))
	}
	if total != m.Size {
		return &ErrDataCorruption{Key: id, Reason: fmt.Sprintf("reconstructed size %d does not match manifest size %d", total, m.Size)}
	}
	return nil
}

func (s *store) Delete(id string) error {
	if err := blob.ValidateID(id); err != nil {
		return err
	}
	var err error
	for attempt := 0; attempt < commitRetries; attempt++ {
		err = s.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(blobKey(id))
			if err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					return nil
				}
				return err
			}
			m, err := readManifest(item)
			if err != nil {
				s.logger.Error("failed to decode manifest during deletion, chunks may be orphaned", "id", id, "error", err)
				return txn.Delete(blobKey(id))
			}
			for _, c := range m.Chunks {
				if err := addRef(txn, c.Hash, -1); err != nil {
					return err
				}
			}
			return txn.Delete(blobKey(id))
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err != nil {
		return &ErrInternal{Err: err}
	}
	return nil
}

func (s *store) List(prefix string, offset int, limit int) ([]blob.Info, error) {
	var infos []blob.Info
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		searchPrefix := []byte(blobPrefix + prefix)
		skipped := 0
		collected := 0

		for it.Seek(searchPrefix); it.ValidForPrefix(searchPrefix); it.Next() {
			if skipped < offset {
				skipped++
				continue
			}
			if limit > 0 && collected >= limit {
				break
			}
			m, err := readManifest(it.Item())
			if err != nil {
				return err
			}
			infos = append(infos, m.info())
			collected++
		}
		return nil
	})
	if err != nil {
		var corrupt *ErrDataCorruption
		if errors.As(err, &corrupt) {
			return nil, err
		}
		return nil, &ErrInternal{Err: err}
	}
	return infos, nil
}
