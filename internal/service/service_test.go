package service

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/InsulaLabs/onvm/internal/blob"
	"github.com/InsulaLabs/onvm/internal/config"
	"github.com/InsulaLabs/onvm/internal/events"
	"github.com/InsulaLabs/onvm/internal/resolver"
	"github.com/InsulaLabs/onvm/internal/share"
	"github.com/InsulaLabs/onvm/internal/store"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testOrigin = "https://cdn.example.com"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newTestService(t *testing.T, mutate func(cfg *config.Gateway)) (*Service, events.PubSub) {
	t.Helper()
	cfg, err := config.GenerateConfig(filepath.Join(t.TempDir(), "onvm.yaml"))
	require.NoError(t, err)
	cfg.PublicOrigin = testOrigin
	cfg.Storage.ChunkSize = 64
	cfg.Storage.SubchunkSize = 16
	cfg.Storage.MaxBlobSize = 4096
	cfg.RateLimiters.Upload = config.RateLimiterConfig{Limit: 1000, Burst: 1000}
	if mutate != nil {
		mutate(cfg)
	}

	s, err := store.New(store.Config{
		Logger:       testLogger(),
		InMemory:     true,
		ChunkSize:    cfg.Storage.ChunkSize,
		SubchunkSize: cfg.Storage.SubchunkSize,
		Codec:        cfg.Storage.Codec,
		MaxBlobSize:  cfg.Storage.MaxBlobSize,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	bus := events.NewPubSub(events.Config{Topics: events.DefaultTopics})
	publisher, err := bus.GetPublisher("resolver", events.TopicBlobs)
	require.NoError(t, err)

	res := resolver.New(resolver.Config{
		Logger:    testLogger(),
		Store:     s,
		Publisher: publisher,
		InfoTTL:   cfg.Cache.InfoTTL,
	})
	t.Cleanup(res.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	return New(Config{
		AppCtx:  ctx,
		Logger:  testLogger(),
		Gateway: cfg,
		Blobs:   res,
		Bus:     bus,
	}), bus
}

func do(t *testing.T, h http.Handler, method, target string, body io.Reader, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func upload(t *testing.T, h http.Handler, data []byte, contentType string) blob.Info {
	t.Helper()
	header := http.Header{}
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	rec := do(t, h, http.MethodPut, "/api/blob", bytes.NewReader(data), header)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var info blob.Info
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	return info
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var e ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e), rec.Body.String())
	return e
}

func TestService_UploadAndInfo(t *testing.T) {
	svc, _ := newTestService(t, nil)
	h := svc.Handler()
	data := []byte(strings.Repeat("gateway payload ", 20))

	info := upload(t, h, data, "text/plain")
	assert.Len(t, info.ID, blob.IDLength)
	assert.Equal(t, "text/plain", info.MimeType)
	assert.True(t, info.AvailableLocally)

	rec := do(t, h, http.MethodGet, "/api/blob/"+info.ID+"/info", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var got blob.Info
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, info.ID, got.ID)
	assert.Equal(t, info.Size, got.Size)
	assert.Equal(t, info.ChunkCount, got.ChunkCount)
	assert.Equal(t, info.SubchunkCount, got.SubchunkCount)

	t.Run("octet-stream is not a declaration", func(t *testing.T) {
		other := upload(t, h, []byte("plain text without a declared type"), blob.DefaultContentType)
		assert.Empty(t, other.MimeType)
		assert.Equal(t, "text/plain; charset=utf-8", other.DetectedMimeType)
	})
}

func TestService_InfoErrors(t *testing.T) {
	svc, _ := newTestService(t, nil)
	h := svc.Handler()

	rec := do(t, h, http.MethodGet, "/api/blob/not-hex!/info", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_ID", decodeError(t, rec).ErrorType)

	rec = do(t, h, http.MethodGet, "/api/blob/a1b2c3d4e5f67890abcdef1234567890/info", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, rec).ErrorType)

	rec = do(t, h, http.MethodGet, "/cdn/a1b2c3d4e5f67890abcdef1234567890", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestService_CDN(t *testing.T) {
	svc, _ := newTestService(t, nil)
	h := svc.Handler()
	data := []byte(strings.Repeat("0123456789", 30))
	info := upload(t, h, data, "text/plain")

	rec := do(t, h, http.MethodGet, "/cdn/"+info.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, data, rec.Body.Bytes())
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	t.Run("range", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/cdn/"+info.ID, nil, http.Header{"Range": {"bytes=60-129"}})
		require.Equal(t, http.StatusPartialContent, rec.Code)
		assert.Equal(t, data[60:130], rec.Body.Bytes())
		assert.Equal(t, "bytes 60-129/300", rec.Header().Get("Content-Range"))
	})

	t.Run("suffix range", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/cdn/"+info.ID, nil, http.Header{"Range": {"bytes=-5"}})
		require.Equal(t, http.StatusPartialContent, rec.Code)
		assert.Equal(t, data[295:], rec.Body.Bytes())
	})

	t.Run("conditional", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/cdn/"+info.ID, nil, http.Header{"If-None-Match": {etag}})
		assert.Equal(t, http.StatusNotModified, rec.Code)
		assert.Empty(t, rec.Body.Bytes())
	})

	t.Run("head", func(t *testing.T) {
		rec := do(t, h, http.MethodHead, "/cdn/"+info.ID, nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "300", rec.Header().Get("Content-Length"))
		assert.Empty(t, rec.Body.Bytes())
	})

	t.Run("download", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/cdn/"+info.ID+"?download=1", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")
		assert.Contains(t, rec.Header().Get("Content-Disposition"), info.ID)
	})
}

func TestService_ShareLinks(t *testing.T) {
	svc, _ := newTestService(t, nil)
	h := svc.Handler()
	info := upload(t, h, []byte("share me"), "video/mp4")

	rec := do(t, h, http.MethodGet, "/api/blob/"+info.ID+"/share", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var links share.Links
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &links))
	assert.Equal(t, testOrigin+"/cdn/"+info.ID, links.Direct)
	assert.Equal(t, testOrigin+"/share/"+info.ID, links.Share)
	assert.Contains(t, links.Embed, links.Direct)
	assert.True(t, strings.HasPrefix(links.Embed, "<video"))

	t.Run("origin from request", func(t *testing.T) {
		svc, _ := newTestService(t, func(cfg *config.Gateway) { cfg.PublicOrigin = "" })
		h := svc.Handler()
		info := upload(t, h, []byte("share me"), "")
		rec := do(t, h, http.MethodGet, "/api/blob/"+info.ID+"/share", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &links))
		assert.Equal(t, "http://example.com/cdn/"+info.ID, links.Direct)
	})
}

func TestService_SharePage(t *testing.T) {
	svc, _ := newTestService(t, nil)
	h := svc.Handler()

	img := upload(t, h, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0x0D}, "")
	rec := do(t, h, http.MethodGet, "/share/"+img.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, body, "🌐 ONVM Shared Content")
	assert.Contains(t, body, "Decentralized Content Delivery Network")
	assert.Contains(t, body, `<img src="`+testOrigin+"/cdn/"+img.ID+`"`)
	assert.Contains(t, body, "image/png")
	assert.Contains(t, body, "Back to Explorer")
	assert.Contains(t, body, " download=")

	doc := upload(t, h, []byte("just some words"), "application/x-custom")
	rec = do(t, h, http.MethodGet, "/share/"+doc.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Preview not available for this content type")
	assert.Contains(t, rec.Body.String(), "&lt;img src=", "embed code is shown escaped")

	rec = do(t, h, http.MethodGet, "/share/a1b2c3d4e5f67890abcdef1234567890", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "Blob not found")
}

func TestService_IndexAndLookup(t *testing.T) {
	svc, _ := newTestService(t, nil)
	h := svc.Handler()

	rec := do(t, h, http.MethodGet, "/", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "🌐 ONVM Blob Gateway")

	rec = do(t, h, http.MethodGet, "/share?id=++", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Please enter a Blob ID")

	rec = do(t, h, http.MethodGet, "/share?id=a1b2c3d4e5f67890abcdef1234567890", nil, nil)
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/share/a1b2c3d4e5f67890abcdef1234567890", rec.Header().Get("Location"))

	rec = do(t, h, http.MethodGet, "/nothing-here", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestService_ListAndDelete(t *testing.T) {
	svc, _ := newTestService(t, nil)
	h := svc.Handler()

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, upload(t, h, []byte(strings.Repeat("x", i+1)), "").ID)
	}

	rec := do(t, h, http.MethodGet, "/api/blobs", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list listResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Data, 3)

	rec = do(t, h, http.MethodGet, "/api/blobs?limit=1&offset=1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Data, 1)

	rec = do(t, h, http.MethodGet, "/api/blobs?limit=abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodDelete, "/api/blob/"+ids[0], nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, h, http.MethodDelete, "/api/blob/"+ids[0], nil, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code, "delete is idempotent")

	rec = do(t, h, http.MethodGet, "/api/blob/"+ids[0]+"/info", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/blobs?prefix=zzzz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":[]}`, rec.Body.String())
}

func TestService_Verify(t *testing.T) {
	svc, _ := newTestService(t, nil)
	h := svc.Handler()

	info := upload(t, h, []byte(strings.Repeat("verify me ", 30)), "text/plain")

	rec := do(t, h, http.MethodPost, "/api/blob/"+info.ID+"/verify", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"id":"`+info.ID+`","status":"ok"}`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/api/blob/a1b2c3d4e5f67890abcdef1234567890/verify", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, rec).ErrorType)

	rec = do(t, h, http.MethodPost, "/api/blob/not-hex/verify", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/blob/"+info.ID+"/verify", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestService_TooLarge(t *testing.T) {
	svc, _ := newTestService(t, nil)
	h := svc.Handler()

	rec := do(t, h, http.MethodPut, "/api/blob", bytes.NewReader(make([]byte, 5000)), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "TOO_LARGE", decodeError(t, rec).ErrorType)

	// Without a length the store enforces the limit while streaming.
	req := httptest.NewRequest(http.MethodPut, "/api/blob", io.MultiReader(bytes.NewReader(make([]byte, 5000))))
	req.ContentLength = -1
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestService_RateLimit(t *testing.T) {
	svc, _ := newTestService(t, func(cfg *config.Gateway) {
		cfg.RateLimiters.Info = config.RateLimiterConfig{Limit: 1, Burst: 1}
	})
	h := svc.Handler()

	target := "/api/blob/a1b2c3d4e5f67890abcdef1234567890/info"
	rec := do(t, h, http.MethodGet, target, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, target, nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "RATE_LIMITED", decodeError(t, rec).ErrorType)

	// Limiters are per client address.
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.RemoteAddr = "10.1.2.3:5555"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestService_RemoteAddress(t *testing.T) {
	svc, _ := newTestService(t, func(cfg *config.Gateway) {
		cfg.TrustedProxies = []string{"10.0.0.1"}
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", svc.getRemoteAddress(req))

	req.RemoteAddr = "198.51.100.2:1234"
	assert.Equal(t, "198.51.100.2", svc.getRemoteAddress(req))
}

func TestService_Health(t *testing.T) {
	svc, _ := newTestService(t, nil)
	rec := do(t, svc.Handler(), http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])

	do(t, svc.Handler(), http.MethodGet, "/", nil, nil)
	rec = do(t, svc.Handler(), http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "onvm_http_requests_total")
}

func TestService_Events(t *testing.T) {
	svc, bus := newTestService(t, nil)
	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events?topic=" + events.TopicBlobs
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	// The subscription is registered once the handshake returns.
	require.Eventually(t, func() bool {
		svc.wsConnectionLock.Lock()
		defer svc.wsConnectionLock.Unlock()
		return svc.activeWsConnections == 1
	}, time.Second, 10*time.Millisecond)

	publisher, err := bus.GetPublisher("test", events.TopicNotifications)
	require.NoError(t, err)
	require.NoError(t, publisher.Publish(context.Background(), []byte(`"ignored"`)))

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/api/blob", strings.NewReader("event payload"))
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusCreated, res.StatusCode)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, message, err := conn.ReadMessage()
	require.NoError(t, err)

	var event events.Event
	require.NoError(t, json.Unmarshal(message, &event))
	assert.Equal(t, events.TopicBlobs, event.Topic)
	be, err := resolver.DecodeBlobEvent(event)
	require.NoError(t, err)
	assert.Equal(t, resolver.ActionStored, be.Action)

	t.Run("unknown topic", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/events?topic=nope", nil)
		assert.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}
