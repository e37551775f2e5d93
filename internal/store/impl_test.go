package store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"testing"

	"github.com/InsulaLabs/onvm/internal/blob"
	"github.com/dgraph-io/badger/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0x00, 0x00, 0x00, 0x0D, 0x49, 0x48, 0x44, 0x52}

func createTestStore(t *testing.T, cfg Config) *store {
	t.Helper()
	cfg.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.Directory = t.TempDir()
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s.(*store)
}

func randomBytes(seed int64, n int) []byte {
	rng := rand.New(rand.NewSource(seed))
	buf := make([]byte, n)
	rng.Read(buf)
	return buf
}

func TestGeometryCounts(t *testing.T) {
	g := Geometry{ChunkSize: 640 * 1024, SubchunkSize: 160 * 1024}
	chunks, subchunks := g.Counts(2516582)
	assert.Equal(t, 4, chunks)
	assert.Equal(t, 16, subchunks)

	chunks, subchunks = g.Counts(0)
	assert.Zero(t, chunks)
	assert.Zero(t, subchunks)

	chunks, subchunks = g.Counts(1)
	assert.Equal(t, 1, chunks)
	assert.Equal(t, 1, subchunks)
}

func TestStore_PutInfo(t *testing.T) {
	s := createTestStore(t, Config{ChunkSize: 640 * 1024, SubchunkSize: 160 * 1024, Codec: "zstd"})
	ctx := context.Background()

	data := append(bytes.Clone(pngHeader), randomBytes(1, 2516582-len(pngHeader))...)

	info, err := s.Put(ctx, bytes.NewReader(data), "image/png")
	require.NoError(t, err)

	t.Run("counts and metadata", func(t *testing.T) {
		assert.Len(t, info.ID, blob.IDLength)
		assert.NoError(t, blob.ValidateID(info.ID))
		assert.EqualValues(t, 2516582, info.Size)
		assert.Equal(t, 4, info.ChunkCount)
		assert.Equal(t, 16, info.SubchunkCount)
		assert.Equal(t, "image/png", info.MimeType)
		assert.Equal(t, "image/png", info.DetectedMimeType)
		assert.True(t, info.AvailableLocally)
		assert.False(t, info.StoredAt.IsZero())
	})

	t.Run("geometry counts agree with stored layout", func(t *testing.T) {
		chunks, subchunks := s.Geometry().Counts(info.Size)
		assert.Equal(t, info.ChunkCount, chunks)
		assert.Equal(t, info.SubchunkCount, subchunks)
	})

	t.Run("info lookup", func(t *testing.T) {
		got, err := s.Info(info.ID)
		require.NoError(t, err)
		assert.Equal(t, info.ID, got.ID)
		assert.Equal(t, info.Size, got.Size)
		assert.True(t, info.StoredAt.Equal(got.StoredAt))
	})

	t.Run("content round trips", func(t *testing.T) {
		r, err := s.Open(info.ID)
		require.NoError(t, err)
		defer r.Close()
		got, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(data, got))
		assert.NotEmpty(t, r.ETag())
	})

	t.Run("verify", func(t *testing.T) {
		assert.NoError(t, s.Verify(info.ID))
	})

	t.Run("idempotent put", func(t *testing.T) {
		again, err := s.Put(ctx, bytes.NewReader(data), "image/png")
		require.NoError(t, err)
		assert.Equal(t, info.ID, again.ID)
		assert.True(t, info.StoredAt.Equal(again.StoredAt))
	})
}

func TestStore_NotFoundAndInvalid(t *testing.T) {
	s := createTestStore(t, Config{ChunkSize: 64, SubchunkSize: 16})

	_, err := s.Info("a1b2c3d4e5f67890abcdef1234567890")
	var notFound *blob.ErrNotFound
	require.True(t, errors.As(err, &notFound), "expected ErrNotFound, got %v", err)
	assert.Equal(t, "a1b2c3d4e5f67890abcdef1234567890", notFound.ID)

	_, err = s.Open("zz-not-hex")
	assert.ErrorIs(t, err, blob.ErrInvalidID)

	_, err = s.Info("")
	assert.ErrorIs(t, err, blob.ErrEmptyID)

	ok, err := s.Has("a1b2c3d4e5f67890abcdef1234567890")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, s.Delete("a1b2c3d4e5f67890abcdef1234567890"), "delete of missing blob is idempotent")
}

func TestStore_Codecs(t *testing.T) {
	compressible := []byte(strings.Repeat("onvm blob gateway ", 40))
	for _, codec := range []string{"none", "zstd", "lz4"} {
		t.Run(codec, func(t *testing.T) {
			s := createTestStore(t, Config{ChunkSize: 256, SubchunkSize: 64, Codec: codec})
			info, err := s.Put(context.Background(), bytes.NewReader(compressible), "")
			require.NoError(t, err)
			assert.Equal(t, "text/plain; charset=utf-8", info.DetectedMimeType)
			assert.Empty(t, info.MimeType)

			r, err := s.Open(info.ID)
			require.NoError(t, err)
			got, err := io.ReadAll(r)
			require.NoError(t, err)
			assert.Equal(t, compressible, got)
			assert.NoError(t, s.Verify(info.ID))
		})
	}

	_, err := New(Config{Logger: slog.Default(), InMemory: true, Codec: "brotli"})
	var internal *ErrInternal
	assert.True(t, errors.As(err, &internal))
}

func TestStore_ReaderSeek(t *testing.T) {
	s := createTestStore(t, Config{ChunkSize: 64, SubchunkSize: 16, Codec: "lz4"})
	data := randomBytes(7, 1000)
	info, err := s.Put(context.Background(), bytes.NewReader(data), "")
	require.NoError(t, err)
	assert.Equal(t, 16, info.ChunkCount)
	assert.Equal(t, 63, info.SubchunkCount)

	r, err := s.Open(info.ID)
	require.NoError(t, err)
	defer r.Close()

	t.Run("range across chunk boundary", func(t *testing.T) {
		_, err := r.Seek(60, io.SeekStart)
		require.NoError(t, err)
		buf := make([]byte, 100)
		_, err = io.ReadFull(r, buf)
		require.NoError(t, err)
		assert.Equal(t, data[60:160], buf)
	})

	t.Run("suffix range", func(t *testing.T) {
		pos, err := r.Seek(-10, io.SeekEnd)
		require.NoError(t, err)
		assert.EqualValues(t, 990, pos)
		rest, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, data[990:], rest)
	})

	t.Run("relative and past end", func(t *testing.T) {
		_, err := r.Seek(0, io.SeekStart)
		require.NoError(t, err)
		pos, err := r.Seek(5, io.SeekCurrent)
		require.NoError(t, err)
		assert.EqualValues(t, 5, pos)

		_, err = r.Seek(5000, io.SeekStart)
		require.NoError(t, err)
		n, err := r.Read(make([]byte, 4))
		assert.Zero(t, n)
		assert.Equal(t, io.EOF, err)
	})

	t.Run("negative seek", func(t *testing.T) {
		_, err := r.Seek(-1, io.SeekStart)
		assert.Error(t, err)
	})

	t.Run("closed reader", func(t *testing.T) {
		r2, err := s.Open(info.ID)
		require.NoError(t, err)
		require.NoError(t, r2.Close())
		_, err = r2.Read(make([]byte, 1))
		assert.ErrorIs(t, err, ErrReaderClosed)
	})
}

func TestStore_DedupAndDelete(t *testing.T) {
	s := createTestStore(t, Config{ChunkSize: 64, SubchunkSize: 32})
	ctx := context.Background()

	shared := randomBytes(3, 64)
	a := append(bytes.Clone(shared), randomBytes(4, 64)...)
	b := append(bytes.Clone(shared), randomBytes(5, 64)...)

	infoA, err := s.Put(ctx, bytes.NewReader(a), "")
	require.NoError(t, err)
	infoB, err := s.Put(ctx, bytes.NewReader(b), "")
	require.NoError(t, err)
	require.NotEqual(t, infoA.ID, infoB.ID)

	sharedHash := hashChunk(shared)
	refs := func() uint64 {
		var n uint64
		s.db.View(func(txn *badger.Txn) error {
			item, err := txn.Get(refKey(sharedHash))
			if err != nil {
				return err
			}
			val, _ := item.ValueCopy(nil)
			n = decodeRefCount(val)
			return nil
		})
		return n
	}
	assert.EqualValues(t, 2, refs())

	require.NoError(t, s.Delete(infoA.ID))
	assert.EqualValues(t, 1, refs())

	ok, err := s.Has(infoA.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	r, err := s.Open(infoB.ID)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, b, got)

	require.NoError(t, s.Delete(infoB.ID))
	err = s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(chunkKey(sharedHash))
		return err
	})
	assert.ErrorIs(t, err, badger.ErrKeyNotFound, "last reference removes the chunk")
}

func TestStore_Corruption(t *testing.T) {
	s := createTestStore(t, Config{ChunkSize: 64, SubchunkSize: 16})
	data := randomBytes(9, 128)
	info, err := s.Put(context.Background(), bytes.NewReader(data), "")
	require.NoError(t, err)

	secondChunk := hashChunk(data[64:])
	tampered := append([]byte{byte(CodecNone)}, randomBytes(10, 64)...)
	require.NoError(t, s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(chunkKey(secondChunk), tampered)
	}))

	var corrupt *ErrDataCorruption
	assert.True(t, errors.As(s.Verify(info.ID), &corrupt))

	r, err := s.Open(info.ID)
	require.NoError(t, err)
	_, err = io.ReadAll(r)
	assert.True(t, errors.As(err, &corrupt), "expected corruption on read, got %v", err)
}

func TestStore_TooLarge(t *testing.T) {
	s := createTestStore(t, Config{ChunkSize: 64, SubchunkSize: 16, MaxBlobSize: 100})

	_, err := s.Put(context.Background(), bytes.NewReader(randomBytes(11, 101)), "")
	var tooLarge *ErrTooLarge
	require.True(t, errors.As(err, &tooLarge), "got %v", err)
	assert.EqualValues(t, 100, tooLarge.Limit)

	list, err := s.List("", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, list)

	chunks := 0
	s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek([]byte(chunkPrefix)); it.ValidForPrefix([]byte(chunkPrefix)); it.Next() {
			chunks++
		}
		return nil
	})
	assert.Zero(t, chunks, "aborted put leaves no chunks behind")

	info, err := s.Put(context.Background(), bytes.NewReader(randomBytes(12, 100)), "")
	require.NoError(t, err)
	assert.EqualValues(t, 100, info.Size)
}

func TestStore_EmptyBlob(t *testing.T) {
	s := createTestStore(t, Config{ChunkSize: 64, SubchunkSize: 16})
	info, err := s.Put(context.Background(), bytes.NewReader(nil), "")
	require.NoError(t, err)
	assert.Zero(t, info.Size)
	assert.Zero(t, info.ChunkCount)
	assert.Zero(t, info.SubchunkCount)
	assert.Empty(t, info.DetectedMimeType)

	r, err := s.Open(info.ID)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_PutCancelled(t *testing.T) {
	s := createTestStore(t, Config{ChunkSize: 64, SubchunkSize: 16})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Put(ctx, bytes.NewReader(randomBytes(13, 256)), "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStore_List(t *testing.T) {
	s := createTestStore(t, Config{ChunkSize: 64, SubchunkSize: 16})
	var ids []string
	for i := 0; i < 5; i++ {
		info, err := s.Put(context.Background(), bytes.NewReader(randomBytes(int64(100+i), 50)), "")
		require.NoError(t, err)
		ids = append(ids, info.ID)
	}

	all, err := s.List("", 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	page, err := s.List("", 1, 2)
	require.NoError(t, err)
	assert.Len(t, page, 2)
	assert.Equal(t, all[1].ID, page[0].ID)

	byPrefix, err := s.List(ids[0][:12], 0, 0)
	require.NoError(t, err)
	require.Len(t, byPrefix, 1)
	assert.Equal(t, ids[0], byPrefix[0].ID)
}

func TestDetectMimeType(t *testing.T) {
	assert.Equal(t, "image/png", DetectMimeType(pngHeader))
	assert.Equal(t, "text/plain; charset=utf-8", DetectMimeType([]byte("hello gateway")))
	assert.Equal(t, "", DetectMimeType(nil))
	assert.Equal(t, "", DetectMimeType([]byte{0x00, 0x01, 0x02, 0x03, 0xfe, 0xff}))
}
