// Package service is the gateway's HTTP surface: blob metadata, raw
// content delivery, share pages, uploads and a websocket event stream.
package service

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/InsulaLabs/onvm/internal/blob"
	"github.com/InsulaLabs/onvm/internal/config"
	"github.com/InsulaLabs/onvm/internal/events"
	"github.com/gorilla/websocket"
	"github.com/jellydator/ttlcache/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// Blobs is everything the HTTP surface needs from the data tier.
// *resolver.Resolver satisfies it.
type Blobs interface {
	blob.Resolver
	Put(ctx context.Context, body io.Reader, declaredMime string) (blob.Info, error)
	Delete(ctx context.Context, id string) error
	Verify(ctx context.Context, id string) error
	List(prefix string, offset, limit int) ([]blob.Info, error)
}

type Config struct {
	AppCtx  context.Context
	Logger  *slog.Logger
	Gateway *config.Gateway
	Blobs   Blobs
	Bus     events.PubSub
}

type Service struct {
	appCtx context.Context
	cfg    *config.Gateway
	logger *slog.Logger
	blobs  Blobs
	bus    events.PubSub
	mux    *http.ServeMux

	startedAt time.Time

	rateLimiters map[string]*ttlcache.Cache[string, *rate.Limiter]
	trusted      map[string]struct{}

	wsUpgrader          websocket.Upgrader
	wsConnectionLock    sync.Mutex
	activeWsConnections int
}

func New(cfg Config) *Service {
	rlLogger := cfg.Logger.With("component", "rate-limiter")
	rateLimiters := make(map[string]*ttlcache.Cache[string, *rate.Limiter])
	for category, rl := range limiterConfigs(cfg.Gateway) {
		if rl.Limit <= 0 {
			continue
		}
		cache := ttlcache.New[string, *rate.Limiter](
			ttlcache.WithTTL[string, *rate.Limiter](time.Minute),
			ttlcache.WithDisableTouchOnHit[string, *rate.Limiter](),
		)
		go cache.Start()
		rateLimiters[category] = cache
		rlLogger.Info("Initialized rate limiter", "category", category, "limit", rl.Limit, "burst", rl.Burst)
	}

	trusted := make(map[string]struct{})
	for _, proxy := range cfg.Gateway.TrustedProxies {
		trusted[proxy] = struct{}{}
	}

	s := &Service{
		appCtx:       cfg.AppCtx,
		cfg:          cfg.Gateway,
		logger:       cfg.Logger,
		blobs:        cfg.Blobs,
		bus:          cfg.Bus,
		mux:          http.NewServeMux(),
		startedAt:    time.Now(),
		rateLimiters: rateLimiters,
		trusted:      trusted,
		wsUpgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.Gateway.Sessions.WebSocketReadBufferSize,
			WriteBufferSize: cfg.Gateway.Sessions.WebSocketWriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				cfg.Logger.Debug("WebSocket CheckOrigin called", "origin", r.Header.Get("Origin"), "host", r.Host)
				return true
			},
		},
	}
	s.routes()
	return s
}

func (s *Service) route(pattern, category string, h http.HandlerFunc) {
	s.mux.Handle(pattern, s.instrument(pattern, s.rateLimitMiddleware(h, category)))
}

func (s *Service) routes() {
	s.route("GET /api/blob/{id}/info", categoryInfo, s.infoHandler)
	s.route("GET /api/blob/{id}/share", categoryInfo, s.shareLinksHandler)
	s.route("GET /api/blobs", categoryInfo, s.listHandler)
	s.route("PUT /api/blob", categoryUpload, s.uploadHandler)
	s.route("DELETE /api/blob/{id}", categoryUpload, s.deleteHandler)
	s.route("POST /api/blob/{id}/verify", categoryUpload, s.verifyHandler)

	// GET patterns also match HEAD.
	s.route("GET /cdn/{id}", categoryContent, s.cdnHandler)

	s.route("GET /share/{id}", categoryDefault, s.sharePageHandler)
	s.route("GET /share", categoryDefault, s.shareLookupHandler)
	s.route("GET /{$}", categoryDefault, s.indexHandler)

	s.route("GET /api/events", categoryEvents, s.eventSubscribeHandler)

	s.mux.HandleFunc("GET /healthz", s.healthHandler)
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

// Handler exposes the routed mux, mostly for tests.
func (s *Service) Handler() http.Handler {
	return s.mux
}

// Run serves until the app context is cancelled.
func (s *Service) Run() {
	httpListenAddr := s.cfg.HttpBinding
	s.logger.Info("Attempting to start server", "listen_addr", httpListenAddr, "tls_enabled", s.cfg.TLS.Cert != "" && s.cfg.TLS.Key != "")

	srv := &http.Server{
		Addr:              httpListenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-s.appCtx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Server shutdown error", "error", err)
		}
	}()

	if s.cfg.TLS.Cert != "" && s.cfg.TLS.Key != "" {
		s.logger.Info("Starting HTTPS server", "cert", s.cfg.TLS.Cert, "key", s.cfg.TLS.Key)
		srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		if err := srv.ListenAndServeTLS(s.cfg.TLS.Cert, s.cfg.TLS.Key); err != http.ErrServerClosed {
			s.logger.Error("HTTPS server error", "error", err)
		}
	} else {
		s.logger.Info("TLS cert or key not specified in config. Starting HTTP server (insecure).")
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
		}
	}
}

func (s *Service) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}
