package web

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	appLog "mirrorcal/internal/log"
	"mirrorcal/internal/metrics"
)

// clientLimiter keeps one token bucket per client IP, evicting idle
// clients after a while.
type clientLimiter struct {
	limiters *expirable.LRU[string, *rate.Limiter]
	rate     rate.Limit
	burst    int
}

// newClientLimiter returns nil when perMin <= 0.
func newClientLimiter(perMin int) *clientLimiter {
	if perMin <= 0 {
		return nil
	}
	return &clientLimiter{
		limiters: expirable.NewLRU[string, *rate.Limiter](
			1000,
			nil,
			5*time.Minute,
		),
		rate:  rate.Limit(float64(perMin) / 60.0),
		burst: max(perMin/10, 1),
	}
}

func (l *clientLimiter) allow(key string) bool {
	limiter, ok := l.limiters.Get(key)
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters.Add(key, limiter)
	}
	return limiter.Allow()
}

// rateLimitMiddleware rejects clients over the configured request rate.
// /health and /metrics are never limited.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		ip := clientIP(r)
		if !s.limiter.allow(ip) {
			appLog.Warn("api rate limit exceeded", nil, "client", ip, "path", r.URL.Path)
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP uses the connection address only; proxy headers are not
// trusted on a LAN device.
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// metricsMiddleware counts requests by method, matched route and status.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		metrics.RecordHTTP(r.Method, route, strconv.Itoa(rec.status))
	})
}
