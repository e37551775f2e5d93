// Package resolver answers blob lookups from the local store and falls
// back to the remote origin. Metadata lookups are cached and concurrent
// lookups for one id are coalesced.
package resolver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/InsulaLabs/onvm/internal/blob"
	"github.com/InsulaLabs/onvm/internal/events"
	"github.com/InsulaLabs/onvm/internal/origin"
	"github.com/InsulaLabs/onvm/internal/store"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultInfoTTL       = time.Minute
	DefaultLookupTimeout = 30 * time.Second

	// headLen is how much of an origin object is fetched for MIME sniffing.
	headLen = 8 * 1024
)

// Remote is the origin tier. *origin.Origin satisfies it.
type Remote interface {
	Stat(ctx context.Context, id string) (origin.Object, error)
	Open(ctx context.Context, id string) (io.ReadSeekCloser, error)
	Head(ctx context.Context, id string, n int64) ([]byte, error)
	Put(ctx context.Context, id string, r io.Reader, size int64, mime string) error
	Delete(ctx context.Context, id string) error
}

var _ Remote = &origin.Origin{}

type Config struct {
	Logger *slog.Logger
	AppCtx context.Context
	Store  store.Store
	Remote Remote // nil serves local blobs only

	// Publisher receives blob lifecycle events. It may be nil.
	Publisher events.TopicPublisher
	InfoTTL   time.Duration
	Hydrate   bool
	Replicate bool
	// Purge makes Delete remove the origin copy as well.
	Purge bool

	// LookupTimeout bounds a coalesced lookup, which outlives any single
	// caller's context.
	LookupTimeout time.Duration
}

type Resolver struct {
	logger    *slog.Logger
	appCtx    context.Context
	store     store.Store
	remote    Remote
	publisher events.TopicPublisher
	hydrate   bool
	replicate bool
	purge     bool

	lookupTimeout time.Duration

	cache     *ttlcache.Cache[string, blob.Info]
	lookups   singleflight.Group
	hydrating singleflight.Group
	bg        sync.WaitGroup
}

var _ blob.Resolver = &Resolver{}

func New(cfg Config) *Resolver {
	if cfg.InfoTTL <= 0 {
		cfg.InfoTTL = DefaultInfoTTL
	}
	if cfg.AppCtx == nil {
		cfg.AppCtx = context.Background()
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = DefaultLookupTimeout
	}

	cache := ttlcache.New[string, blob.Info](
		ttlcache.WithTTL[string, blob.Info](cfg.InfoTTL),
		// Expire on schedule so origin-only entries pick up hydration.
		ttlcache.WithDisableTouchOnHit[string, blob.Info](),
	)
	go cache.Start()

	return &Resolver{
		logger:    cfg.Logger.WithGroup("resolver"),
		appCtx:    cfg.AppCtx,
		store:     cfg.Store,
		remote:    cfg.Remote,
		publisher: cfg.Publisher,
		hydrate:   cfg.Hydrate,
		replicate: cfg.Replicate,
		purge:     cfg.Purge,
		cache:     cache,

		lookupTimeout: cfg.LookupTimeout,
	}
}

// Close stops the cache and waits for background hydration and
// replication to finish.
func (r *Resolver) Close() {
	r.cache.Stop()
	r.bg.Wait()
}

func (r *Resolver) Geometry() store.Geometry {
	return r.store.Geometry()
}

func (r *Resolver) GetInfo(ctx context.Context, id string) (blob.Info, error) {
	if err := blob.ValidateID(id); err != nil {
		return blob.Info{}, err
	}
	if item := r.cache.Get(id); item != nil {
		lookupsTotal.WithLabelValues("cache").Inc()
		return item.Value(), nil
	}

	// The shared lookup must not die with whichever caller started it.
	// Each caller still stops waiting when its own context ends.
	ch := r.lookups.DoChan(id, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.lookupTimeout)
		defer cancel()
		info, err := r.lookup(lctx, id)
		if err != nil {
			return blob.Info{}, err
		}
		r.cache.Set(id, info, ttlcache.DefaultTTL)
		return info, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return blob.Info{}, res.Err
		}
		return res.Val.(blob.Info), nil
	case <-ctx.Done():
		return blob.Info{}, ctx.Err()
	}
}

func (r *Resolver) lookup(ctx context.Context, id string) (blob.Info, error) {
	info, err := r.store.Info(id)
	if err == nil {
		lookupsTotal.WithLabelValues("local").Inc()
		return info, nil
	}
	if !blob.IsNotFound(err) || r.remote == nil {
		return blob.Info{}, err
	}
	info, err = r.remoteInfo(ctx, id)
	if err != nil {
		return blob.Info{}, err
	}
	lookupsTotal.WithLabelValues("origin").Inc()
	return info, nil
}

// remoteInfo builds an Info for an origin-only blob. Counts are what the
// blob would occupy in the local store.
func (r *Resolver) remoteInfo(ctx context.Context, id string) (blob.Info, error) {
	obj, err := r.remote.Stat(ctx, id)
	if err != nil {
		return blob.Info{}, err
	}

	var detected string
	head, err := r.remote.Head(ctx, id, min(obj.Size, headLen))
	if err != nil {
		r.logger.Warn("failed to read origin head for detection", "id", id, "error", err)
	} else {
		detected = store.DetectMimeType(head)
	}

	declared := obj.ContentType
	if declared == blob.DefaultContentType {
		declared = ""
	}

	chunks, subchunks := r.store.Geometry().Counts(obj.Size)
	return blob.Info{
		ID:               id,
		Size:             obj.Size,
		ChunkCount:       chunks,
		SubchunkCount:    subchunks,
		MimeType:         declared,
		DetectedMimeType: detected,
		AvailableLocally: false,
		StoredAt:         obj.LastModified,
	}, nil
}

func (r *Resolver) GetContent(ctx context.Context, id string) (*blob.Content, error) {
	if err := blob.ValidateID(id); err != nil {
		return nil, err
	}

	rd, err := r.store.Open(id)
	if err == nil {
		info := rd.Info()
		contentTotal.WithLabelValues("local").Inc()
		return &blob.Content{
			Info:        info,
			ContentType: info.ContentType(),
			Size:        rd.Size(),
			ModTime:     rd.ModTime(),
			ETag:        rd.ETag(),
			Body:        rd,
		}, nil
	}
	if !blob.IsNotFound(err) || r.remote == nil {
		return nil, err
	}

	info, err := r.remoteInfo(ctx, id)
	if err != nil {
		return nil, err
	}
	body, err := r.remote.Open(ctx, id)
	if err != nil {
		return nil, err
	}
	contentTotal.WithLabelValues("origin").Inc()

	if r.hydrate {
		r.startHydration(info)
	}

	return &blob.Content{
		Info:        info,
		ContentType: info.ContentType(),
		Size:        info.Size,
		ModTime:     info.StoredAt,
		ETag:        id,
		Body:        body,
	}, nil
}

// startHydration copies an origin blob into the local store in the
// background. Concurrent requests for the same id share one copy.
func (r *Resolver) startHydration(info blob.Info) {
	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		r.hydrating.Do(info.ID, func() (any, error) {
			if ok, _ := r.store.Has(info.ID); ok {
				return nil, nil
			}
			err := r.hydrateBlob(info)
			if err != nil {
				r.logger.Error("hydration failed", "id", info.ID, "error", err)
			}
			return nil, err
		})
	}()
}

func (r *Resolver) hydrateBlob(want blob.Info) error {
	body, err := r.remote.Open(r.appCtx, want.ID)
	if err != nil {
		return err
	}
	defer body.Close()

	started := time.Now().UTC()
	stored, err := r.store.Put(r.appCtx, body, want.MimeType)
	if err != nil {
		return err
	}
	if stored.ID != want.ID {
		// Only remove what this copy created.
		if !stored.StoredAt.Before(started) {
			if err := r.store.Delete(stored.ID); err != nil {
				r.logger.Error("failed to remove mismatched hydration", "id", stored.ID, "error", err)
			}
		}
		r.logger.Error("origin content does not match its id", "id", want.ID, "computed", stored.ID)
		hydrationsTotal.WithLabelValues("mismatch").Inc()
		return nil
	}

	r.cache.Delete(want.ID)
	hydrationsTotal.WithLabelValues("ok").Inc()
	r.logger.Info("blob hydrated from origin", "id", want.ID, "size", stored.Size)
	r.publish(r.appCtx, ActionHydrated, stored)
	return nil
}

// Put stores content locally and, when replication is on, pushes it to
// the origin in the background.
func (r *Resolver) Put(ctx context.Context, body io.Reader, declaredMime string) (blob.Info, error) {
	info, err := r.store.Put(ctx, body, declaredMime)
	if err != nil {
		return blob.Info{}, err
	}
	r.cache.Delete(info.ID)
	r.publish(ctx, ActionStored, info)

	if r.replicate && r.remote != nil {
		r.bg.Add(1)
		go func() {
			defer r.bg.Done()
			if err := r.replicateBlob(info); err != nil {
				r.logger.Error("replication failed", "id", info.ID, "error", err)
			}
		}()
	}
	return info, nil
}

func (r *Resolver) replicateBlob(info blob.Info) error {
	rd, err := r.store.Open(info.ID)
	if err != nil {
		return err
	}
	defer rd.Close()
	return r.remote.Put(r.appCtx, info.ID, rd, info.Size, info.ContentType())
}

// Delete removes the local copy, and the origin copy when purging is on.
func (r *Resolver) Delete(ctx context.Context, id string) error {
	if err := blob.ValidateID(id); err != nil {
		return err
	}
	if err := r.store.Delete(id); err != nil {
		return err
	}
	r.cache.Delete(id)
	if r.purge && r.remote != nil {
		if err := r.remote.Delete(ctx, id); err != nil && !blob.IsNotFound(err) {
			return err
		}
	}
	r.publish(ctx, ActionDeleted, blob.Info{ID: id})
	return nil
}

// Verify re-hashes every subchunk of a locally stored blob.
func (r *Resolver) Verify(ctx context.Context, id string) error {
	if err := blob.ValidateID(id); err != nil {
		return err
	}
	err := r.store.Verify(id)
	switch {
	case err == nil:
		verificationsTotal.WithLabelValues("ok").Inc()
	case blob.IsNotFound(err):
	default:
		verificationsTotal.WithLabelValues("failed").Inc()
		r.logger.Error("blob failed verification", "id", id, "error", err)
	}
	return err
}

func (r *Resolver) List(prefix string, offset, limit int) ([]blob.Info, error) {
	return r.store.List(prefix, offset, limit)
}

func (r *Resolver) publish(ctx context.Context, action string, info blob.Info) {
	if r.publisher == nil {
		return
	}
	data, err := json.Marshal(BlobEvent{Action: action, Info: info})
	if err != nil {
		r.logger.Error("failed to encode blob event", "error", err)
		return
	}
	if err := r.publisher.Publish(ctx, data); err != nil {
		r.logger.Warn("failed to publish blob event", "action", action, "id", info.ID, "error", err)
	}
}
