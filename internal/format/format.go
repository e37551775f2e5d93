// Package format holds the display helpers shared by the explorer, the
// share page and the CLI. Underlying values are never mutated; only their
// rendering is shortened.
package format

import (
	"fmt"

	"github.com/InsulaLabs/onvm/internal/blob"
)

const (
	idPrefixLen = 8
	idSuffixLen = 8
	ellipsis    = "..."
)

const (
	kib = 1024
	mib = 1024 * kib
	gib = 1024 * mib
	tib = 1024 * gib
)

// FormatSize renders a byte count with two decimals, e.g. 2516582 -> "2.40 MB".
func FormatSize(size int64) string {
	switch {
	case size < 0:
		return "0 B"
	case size < kib:
		return fmt.Sprintf("%d B", size)
	case size < mib:
		return fmt.Sprintf("%.2f KB", float64(size)/kib)
	case size < gib:
		return fmt.Sprintf("%.2f MB", float64(size)/mib)
	case size < tib:
		return fmt.Sprintf("%.2f GB", float64(size)/gib)
	default:
		return fmt.Sprintf("%.2f TB", float64(size)/tib)
	}
}

// TruncateID keeps the first and last eight characters of long ids.
func TruncateID(id string) string {
	if len(id) <= idPrefixLen+idSuffixLen+len(ellipsis) {
		return id
	}
	return id[:idPrefixLen] + ellipsis + id[len(id)-idSuffixLen:]
}

func MimeType(info blob.Info) string {
	if info.MimeType == "" {
		return "Unknown"
	}
	return info.MimeType
}

func DetectedMimeType(info blob.Info) string {
	if info.DetectedMimeType == "" {
		return "Not detected"
	}
	return info.DetectedMimeType
}

func Availability(info blob.Info) string {
	if info.AvailableLocally {
		return "Yes ✓"
	}
	return "No"
}
