// Package share derives the public artifacts for a blob: the direct CDN
// link, the share page link and an HTML embed snippet.
package share

import (
	"errors"
	"fmt"
	"html"
	"net/url"
	"strings"

	"github.com/InsulaLabs/onvm/internal/blob"
)

const embedAlt = "ONVM Content"

var ErrInvalidOrigin = errors.New("origin must be an absolute http(s) url without query or fragment")

type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
	KindText  Kind = "text"
	KindNone  Kind = "none"
)

// KindOf classifies a MIME type by its top-level prefix.
func KindOf(mime string) Kind {
	mime = strings.ToLower(strings.TrimSpace(mime))
	switch {
	case strings.HasPrefix(mime, "image/"):
		return KindImage
	case strings.HasPrefix(mime, "video/"):
		return KindVideo
	case strings.HasPrefix(mime, "audio/"):
		return KindAudio
	case strings.HasPrefix(mime, "text/"),
		mime == "application/json",
		mime == "application/xml",
		mime == "application/javascript":
		return KindText
	default:
		return KindNone
	}
}

type Links struct {
	ID     string `json:"id"`
	Direct string `json:"direct"`
	Share  string `json:"share"`
	Embed  string `json:"embed"`
}

// Derive builds the links for id under origin. The embed is always the
// <img> form.
func Derive(origin, id string) (Links, error) {
	return derive(origin, id, "")
}

// DeriveFor is Derive with an embed tag chosen by MIME type.
func DeriveFor(origin, id, mime string) (Links, error) {
	return derive(origin, id, mime)
}

func derive(origin, id, mime string) (Links, error) {
	if err := blob.ValidateID(id); err != nil {
		return Links{}, err
	}
	base, err := NormalizeOrigin(origin)
	if err != nil {
		return Links{}, err
	}
	direct := base + "/cdn/" + id
	return Links{
		ID:     id,
		Direct: direct,
		Share:  base + "/share/" + id,
		Embed:  EmbedFor(direct, mime),
	}, nil
}

// NormalizeOrigin validates origin and strips trailing slashes.
func NormalizeOrigin(origin string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(origin))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidOrigin, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", ErrInvalidOrigin
	}
	if u.RawQuery != "" || u.Fragment != "" || u.User != nil {
		return "", ErrInvalidOrigin
	}
	return strings.TrimRight(u.Scheme+"://"+u.Host+u.EscapedPath(), "/"), nil
}

// EmbedFor returns markup referencing direct. The link appears in the
// snippet unchanged as long as it contains no HTML-special characters,
// which holds for every link Derive produces.
func EmbedFor(direct, mime string) string {
	src := html.EscapeString(direct)
	switch KindOf(mime) {
	case KindVideo:
		return fmt.Sprintf(`<video src="%s" controls></video>`, src)
	case KindAudio:
		return fmt.Sprintf(`<audio src="%s" controls></audio>`, src)
	default:
		return fmt.Sprintf(`<img src="%s" alt="%s">`, src, embedAlt)
	}
}
