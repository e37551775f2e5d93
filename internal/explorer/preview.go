package explorer

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/InsulaLabs/onvm/internal/blob"
	"github.com/InsulaLabs/onvm/internal/share"
)

const (
	textExcerptLimit = 16 * 1024
	imageHeaderLimit = 64 * 1024

	msgNoPreview = "Preview not available for this content type"
)

// Preview is the rendered summary of a blob's content.
type Preview struct {
	Kind     share.Kind
	MimeType string
	Direct   string

	// image
	Format string
	Width  int
	Height int

	// text
	Excerpt   string
	Truncated bool
}

func (p Preview) Describe() string {
	switch p.Kind {
	case share.KindImage:
		if p.Width == 0 {
			return fmt.Sprintf("%s image\n%s", p.MimeType, p.Direct)
		}
		return fmt.Sprintf("%s image, %d×%d\n%s", strings.ToUpper(p.Format), p.Width, p.Height, p.Direct)
	case share.KindVideo, share.KindAudio:
		return fmt.Sprintf("%s\n%s", p.MimeType, p.Direct)
	case share.KindText:
		if p.Truncated {
			return p.Excerpt + "\n…"
		}
		return p.Excerpt
	default:
		return msgNoPreview
	}
}

// LoadPreview fetches just enough of id to describe it.
func LoadPreview(ctx context.Context, resolver blob.ContentResolver, id, direct string) (Preview, error) {
	content, err := resolver.GetContent(ctx, id)
	if err != nil {
		return Preview{}, err
	}
	defer content.Close()

	mime := content.ContentType
	if mime == "" {
		mime = content.Info.ContentType()
	}
	p := Preview{
		Kind:     share.KindOf(mime),
		MimeType: mime,
		Direct:   direct,
	}

	switch p.Kind {
	case share.KindImage:
		head, err := io.ReadAll(io.LimitReader(content.Body, imageHeaderLimit))
		if err != nil {
			return Preview{}, err
		}
		// Formats without a registered decoder still preview by type.
		if cfg, format, err := image.DecodeConfig(bytes.NewReader(head)); err == nil {
			p.Format = format
			p.Width = cfg.Width
			p.Height = cfg.Height
		}
	case share.KindText:
		buf, err := io.ReadAll(io.LimitReader(content.Body, textExcerptLimit+1))
		if err != nil {
			return Preview{}, err
		}
		if len(buf) > textExcerptLimit {
			buf = buf[:textExcerptLimit]
			p.Truncated = true
			for len(buf) > 0 && !utf8.Valid(buf) {
				buf = buf[:len(buf)-1]
			}
		}
		p.Excerpt = strings.ToValidUTF8(string(buf), "�")
	}
	return p, nil
}
