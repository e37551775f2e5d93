// Package origin reads and writes blobs in a remote S3-compatible bucket.
// Objects are keyed by blob id under a configurable prefix.
package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/InsulaLabs/onvm/internal/blob"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	PathStyle bool
}

// Object is the metadata the origin holds for a blob.
type Object struct {
	ID           string
	Size         int64
	ContentType  string
	ETag         string
	LastModified time.Time
}

type Origin struct {
	logger *slog.Logger
	cl     *minio.Client
	bucket string
	prefix string
}

func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Origin, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("origin endpoint and bucket are required")
	}
	opts := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	}
	if cfg.PathStyle {
		opts.BucketLookup = minio.BucketLookupPath
	}
	cl, err := minio.New(cfg.Endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create origin client: %w", err)
	}
	o := &Origin{
		logger: logger.WithGroup("origin"),
		cl:     cl,
		bucket: cfg.Bucket,
		prefix: normalizePrefix(cfg.Prefix),
	}

	exists, err := cl.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		o.logger.Warn("could not reach origin bucket, continuing", "bucket", cfg.Bucket, "error", err)
	} else if !exists {
		o.logger.Warn("origin bucket does not exist", "bucket", cfg.Bucket)
	}
	return o, nil
}

func normalizePrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

func (o *Origin) key(id string) string {
	return o.prefix + id
}

// mapError turns a missing object into blob.ErrNotFound.
func mapError(id string, err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
		return &blob.ErrNotFound{ID: id}
	}
	return fmt.Errorf("origin request for %s failed: %w", id, err)
}

func (o *Origin) Stat(ctx context.Context, id string) (Object, error) {
	if err := blob.ValidateID(id); err != nil {
		return Object{}, err
	}
	info, err := o.cl.StatObject(ctx, o.bucket, o.key(id), minio.StatObjectOptions{})
	if err != nil {
		return Object{}, mapError(id, err)
	}
	return Object{
		ID:           id,
		Size:         info.Size,
		ContentType:  info.ContentType,
		ETag:         strings.Trim(info.ETag, `"`),
		LastModified: info.LastModified,
	}, nil
}

// Open returns a seekable stream of the whole object. The object is not
// fetched until the first read, so a missing object surfaces there unless
// the caller Stats first.
func (o *Origin) Open(ctx context.Context, id string) (io.ReadSeekCloser, error) {
	if err := blob.ValidateID(id); err != nil {
		return nil, err
	}
	obj, err := o.cl.GetObject(ctx, o.bucket, o.key(id), minio.GetObjectOptions{})
	if err != nil {
		return nil, mapError(id, err)
	}
	return obj, nil
}

// Head returns up to n bytes from the start of the object.
func (o *Origin) Head(ctx context.Context, id string, n int64) ([]byte, error) {
	if err := blob.ValidateID(id); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(0, n-1); err != nil {
		return nil, err
	}
	obj, err := o.cl.GetObject(ctx, o.bucket, o.key(id), opts)
	if err != nil {
		return nil, mapError(id, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(io.LimitReader(obj, n))
	if err != nil {
		resp := minio.ToErrorResponse(err)
		// Ranges past the end of an empty object are unsatisfiable.
		if resp.Code == "InvalidRange" {
			return nil, nil
		}
		return nil, mapError(id, err)
	}
	return data, nil
}

func (o *Origin) Put(ctx context.Context, id string, r io.Reader, size int64, mime string) error {
	if err := blob.ValidateID(id); err != nil {
		return err
	}
	if mime == "" {
		mime = blob.DefaultContentType
	}
	info, err := o.cl.PutObject(ctx, o.bucket, o.key(id), r, size, minio.PutObjectOptions{
		ContentType: mime,
	})
	if err != nil {
		return fmt.Errorf("origin put for %s failed: %w", id, err)
	}
	o.logger.Debug("blob replicated to origin", "id", id, "size", info.Size)
	return nil
}

func (o *Origin) Delete(ctx context.Context, id string) error {
	if err := blob.ValidateID(id); err != nil {
		return err
	}
	err := o.cl.RemoveObject(ctx, o.bucket, o.key(id), minio.RemoveObjectOptions{})
	if err != nil {
		return mapError(id, err)
	}
	return nil
}
