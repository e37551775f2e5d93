package store

import (
	"net/http"

	"github.com/h2non/filetype"
)

// DetectMimeType sniffs head by magic numbers first and falls back to
// the WHATWG sniffing in net/http. The generic octet-stream answer counts
// as no detection.
func DetectMimeType(head []byte) string {
	if len(head) == 0 {
		return ""
	}
	kind, err := filetype.Match(head)
	if err == nil && kind != filetype.Unknown {
		return kind.MIME.Value
	}
	ct := http.DetectContentType(head)
	if ct == "application/octet-stream" {
		return ""
	}
	return ct
}
