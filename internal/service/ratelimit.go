package service

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/InsulaLabs/onvm/internal/config"
	"golang.org/x/time/rate"
)

const (
	categoryInfo    = "info"
	categoryContent = "content"
	categoryUpload  = "upload"
	categoryEvents  = "events"
	categoryDefault = "default"
)

func limiterConfigs(cfg *config.Gateway) map[string]config.RateLimiterConfig {
	return map[string]config.RateLimiterConfig{
		categoryInfo:    cfg.RateLimiters.Info,
		categoryContent: cfg.RateLimiters.Content,
		categoryUpload:  cfg.RateLimiters.Upload,
		categoryEvents:  cfg.RateLimiters.Events,
		categoryDefault: cfg.RateLimiters.Default,
	}
}

// getRemoteAddress is the client IP. X-Forwarded-For is honoured only
// from trusted proxies.
func (s *Service) getRemoteAddress(r *http.Request) string {
	remoteIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		s.logger.Debug("Could not split host and port from remote address", "remote_addr", r.RemoteAddr, "error", err)
		remoteIP = r.RemoteAddr
	}
	if _, ok := s.trusted[remoteIP]; ok {
		if forwardedFor := r.Header.Get("X-Forwarded-For"); forwardedFor != "" {
			ips := strings.Split(forwardedFor, ",")
			return strings.TrimSpace(ips[0])
		}
	}
	return remoteIP
}

func (s *Service) getRateLimiter(category string, r *http.Request) *rate.Limiter {
	limiterCategory, ok := s.rateLimiters[category]
	if !ok {
		category = categoryDefault
		limiterCategory, ok = s.rateLimiters[category]
		if !ok {
			return nil
		}
	}
	ip := s.getRemoteAddress(r)
	limiterItem := limiterCategory.Get(ip)
	if limiterItem == nil {
		rlConfig := limiterConfigs(s.cfg)[category]
		limiter := rate.NewLimiter(rate.Limit(rlConfig.Limit), rlConfig.Burst)
		limiterItem = limiterCategory.Set(ip, limiter, time.Minute)
	}
	return limiterItem.Value()
}

func (s *Service) rateLimitMiddleware(next http.Handler, category string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter := s.getRateLimiter(category, r)
		if limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		res := limiter.Reserve()
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			s.logger.Warn("Rate limit exceeded", "category", category, "path", r.URL.Path, "remote_addr", r.RemoteAddr)

			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", math.Ceil(delay.Seconds())))
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%v", limiter.Limit()))
			w.Header().Set("X-RateLimit-Burst", fmt.Sprintf("%d", limiter.Burst()))
			writeErrorResponse(w, http.StatusTooManyRequests, "RATE_LIMITED", http.StatusText(http.StatusTooManyRequests))
			return
		}
		next.ServeHTTP(w, r)
	})
}
