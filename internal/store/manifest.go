package store

import (
	"encoding/binary"
	"time"

	"github.com/InsulaLabs/onvm/internal/blob"
	"github.com/fxamacker/cbor/v2"
)

const (
	blobPrefix  = "blob:"
	chunkPrefix = "chunk:"
	refPrefix   = "ref:"
)

func blobKey(id string) []byte    { return []byte(blobPrefix + id) }
func chunkKey(hash string) []byte { return []byte(chunkPrefix + hash) }
func refKey(hash string) []byte   { return []byte(refPrefix + hash) }

type chunkRef struct {
	Hash      string   `json:"hash"`
	Size      int      `json:"size"`
	Subchunks []string `json:"subchunks"`
}

type manifest struct {
	ID               string     `json:"id"`
	Digest           string     `json:"digest"`
	Size             int64      `json:"size"`
	MimeType         string     `json:"mime_type,omitempty"`
	DetectedMimeType string     `json:"detected_mime_type,omitempty"`
	StoredAt         time.Time  `json:"stored_at"`
	ChunkSize        int        `json:"chunk_size"`
	SubchunkSize     int        `json:"subchunk_size"`
	Chunks           []chunkRef `json:"chunks"`
}

func (m *manifest) subchunkCount() int {
	n := 0
	for _, c := range m.Chunks {
		n += len(c.Subchunks)
	}
	return n
}

func (m *manifest) info() blob.Info {
	return blob.Info{
		ID:               m.ID,
		Size:             m.Size,
		ChunkCount:       len(m.Chunks),
		SubchunkCount:    m.subchunkCount(),
		MimeType:         m.MimeType,
		DetectedMimeType: m.DetectedMimeType,
		AvailableLocally: true,
		StoredAt:         m.StoredAt,
	}
}

var (
	manifestEnc cbor.EncMode
	manifestDec cbor.DecMode
)

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	manifestEnc, err = opts.EncMode()
	if err != nil {
		panic("store: cbor encoder initialization failed: " + err.Error())
	}
	manifestDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("store: cbor decoder initialization failed: " + err.Error())
	}
}

func encodeManifest(m *manifest) ([]byte, error) {
	return manifestEnc.Marshal(m)
}

func decodeManifest(data []byte) (*manifest, error) {
	var m manifest
	if err := manifestDec.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func encodeRefCount(n uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	return buf
}

func decodeRefCount(data []byte) uint64 {
	if len(data) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(data)
}
