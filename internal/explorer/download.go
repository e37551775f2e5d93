package explorer

import (
	"bufio"
	"context"
	"io"
	"mime"
	"os"
	"path/filepath"

	"github.com/InsulaLabs/onvm/internal/blob"
	"github.com/h2non/filetype"
	"github.com/pkg/errors"
)

const sniffLen = 262

var textExtensions = map[string]string{
	"text/plain":             ".txt",
	"text/html":              ".html",
	"text/css":               ".css",
	"text/csv":               ".csv",
	"text/markdown":          ".md",
	"application/json":       ".json",
	"application/xml":        ".xml",
	"application/javascript": ".js",
}

// extensionFor picks a file extension from the magic bytes in head,
// falling back to the content type.
func extensionFor(head []byte, contentType string) string {
	if kind, err := filetype.Match(head); err == nil && kind != filetype.Unknown {
		return "." + kind.Extension
	}
	base, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	if ext, ok := textExtensions[base]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(base); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}

// Download writes id into dir as <id><ext> and returns the path. A
// partial file is removed on failure.
func Download(ctx context.Context, resolver blob.ContentResolver, id, dir string) (string, error) {
	if err := blob.ValidateID(id); err != nil {
		return "", err
	}
	content, err := resolver.GetContent(ctx, id)
	if err != nil {
		return "", err
	}
	defer content.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "create download dir")
	}

	body := bufio.NewReaderSize(content.Body, sniffLen)
	head, err := body.Peek(sniffLen)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return "", errors.Wrap(err, "read blob")
	}

	name := id + extensionFor(head, content.ContentType)
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", errors.Wrap(err, "create download file")
	}
	if _, err := io.Copy(f, readerWithContext(ctx, body)); err != nil {
		f.Close()
		os.Remove(path)
		return "", errors.Wrap(err, "write download file")
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", errors.Wrap(err, "close download file")
	}
	return path, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return ctxReader{ctx: ctx, r: r}
}
