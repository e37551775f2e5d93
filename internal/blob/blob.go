package blob

import (
	"context"
	"io"
	"time"
)

// DefaultContentType is served when neither a declared nor a detected
// type is known.
const DefaultContentType = "application/octet-stream"

// Info describes a single content object. It is the read model handed
// out by lookups and is never persisted by the presentation layer.
type Info struct {
	ID               string    `json:"id"`
	Size             int64     `json:"size"`
	ChunkCount       int       `json:"chunk_count"`
	SubchunkCount    int       `json:"subchunk_count"`
	MimeType         string    `json:"mime_type,omitempty"`
	DetectedMimeType string    `json:"detected_mime_type,omitempty"`
	AvailableLocally bool      `json:"available_locally"`
	StoredAt         time.Time `json:"stored_at,omitzero"`
}

// ContentType is the type content should be served with: the declared
// type wins over the sniffed one.
func (i Info) ContentType() string {
	if i.MimeType != "" {
		return i.MimeType
	}
	if i.DetectedMimeType != "" {
		return i.DetectedMimeType
	}
	return DefaultContentType
}

// Content is a resolved payload. Body is owned by the caller and must be
// closed. Local and origin bodies also implement io.Seeker.
type Content struct {
	Info        Info
	ContentType string
	Size        int64
	ModTime     time.Time
	ETag        string
	Body        io.ReadCloser
}

func (c *Content) Close() error {
	if c == nil || c.Body == nil {
		return nil
	}
	return c.Body.Close()
}

type MetadataResolver interface {
	GetInfo(ctx context.Context, id string) (Info, error)
}

type ContentResolver interface {
	GetContent(ctx context.Context, id string) (*Content, error)
}

// Resolver is the full data-access contract the explorer, the share page
// and the HTTP surface depend on.
type Resolver interface {
	MetadataResolver
	ContentResolver
}
