package store

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Hash domains. Each one derives its own key so a chunk hash can never
// collide with a subchunk hash or a blob id over the same bytes.
const (
	domainBlob     = "onvm blob id v1"
	domainChunk    = "onvm chunk v1"
	domainSubchunk = "onvm subchunk v1"
)

func hashDomain(domain string, data []byte) string {
	h := blake3.NewDeriveKey(domain)
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func hashChunk(data []byte) string {
	return hashDomain(domainChunk, data)
}

func hashSubchunks(data []byte, subchunkSize int) []string {
	hashes := make([]string, 0, (len(data)+subchunkSize-1)/subchunkSize)
	for start := 0; start < len(data); start += subchunkSize {
		end := min(start+subchunkSize, len(data))
		hashes = append(hashes, hashDomain(domainSubchunk, data[start:end]))
	}
	return hashes
}

// idHasher accumulates the full content of a blob. The id is the first
// 16 bytes of the digest in hex; the full digest serves as the ETag.
type idHasher struct {
	h *blake3.Hasher
}

func newIDHasher() *idHasher {
	return &idHasher{h: blake3.NewDeriveKey(domainBlob)}
}

func (i *idHasher) Write(p []byte) {
	i.h.Write(p)
}

func (i *idHasher) Sum() (id string, digest string) {
	sum := i.h.Sum(nil)
	return hex.EncodeToString(sum[:16]), hex.EncodeToString(sum)
}
