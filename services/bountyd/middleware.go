package bountyd

import (
	"bytes"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"labescrow/observability"
	"labescrow/services/bountyd/auth"
	"labescrow/services/bountyd/store"
)

const idempotencyHeader = "Idempotency-Key"

// withIdempotency replays the stored response for a repeated
// Idempotency-Key so a retried release or refund never reaches a rail twice.
// Keys are scoped to the authenticated subject. Server errors are not stored
// and may be retried.
func withIdempotency(responses store.IdempotencyStore, locks *lockTable, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
			if key == "" || responses == nil || r.Method == http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}
			if id, err := auth.FromContext(r.Context()); err == nil {
				key = id.Subject + ":" + key
			}
			unlock := locks.lock("idempotency/" + key)
			defer unlock()

			stored, ok, err := responses.LookupResponse(r.Context(), key)
			if err != nil {
				logger.Error("idempotency lookup failed", slog.String("error", err.Error()))
				http.Error(w, "idempotency store unavailable", http.StatusServiceUnavailable)
				return
			}
			if ok {
				if stored.Method != r.Method || stored.Path != r.URL.Path {
					http.Error(w, "idempotency key reused for a different request", http.StatusConflict)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(stored.Status)
				_, _ = w.Write([]byte(stored.Body))
				return
			}

			recorder := &responseRecorder{ResponseWriter: w}
			next.ServeHTTP(recorder, r)
			if recorder.status == 0 {
				recorder.status = http.StatusOK
			}
			if recorder.status >= http.StatusInternalServerError {
				return
			}
			if err := responses.SaveResponse(r.Context(), store.Response{
				Key:       key,
				Method:    r.Method,
				Path:      r.URL.Path,
				Status:    recorder.status,
				Body:      recorder.buf.String(),
				CreatedAt: time.Now().UTC(),
			}); err != nil {
				logger.Warn("idempotency save failed", slog.String("error", err.Error()))
			}
		})
	}
}

// responseRecorder captures the response for idempotent operations.
type responseRecorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	if rr.status == 0 {
		rr.status = status
	}
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}

// rateLimiter applies a per-client token bucket.
type rateLimiter struct {
	perMinute float64
	burst     int
	ttl       time.Duration
	now       func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitor
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	return &rateLimiter{
		perMinute: cfg.RequestsPerMinute,
		burst:     cfg.Burst,
		ttl:       5 * time.Minute,
		now:       time.Now,
		visitors:  make(map[string]*visitor),
	}
}

func (l *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.obtain(clientID(r)).Allow() {
			observability.API().RecordThrottle(routePattern(r), "client_rate")
			w.Header().Set("Retry-After", "1")
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *rateLimiter) obtain(id string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for key, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.ttl {
			delete(l.visitors, key)
		}
	}
	if v, ok := l.visitors[id]; ok {
		v.lastSeen = now
		return v.limiter
	}
	perSecond := l.perMinute / 60.0
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := l.burst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	l.visitors[id] = &visitor{limiter: limiter, lastSeen: now}
	return limiter
}

func clientID(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// observe records request metrics and a structured access log line.
func observe(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := routePattern(r)
			elapsed := time.Since(start)
			observability.API().Observe(route, r.Method, status, elapsed)
			logger.Info("request",
				slog.String("requestId", chimw.GetReqID(r.Context())),
				slog.String("method", r.Method),
				slog.String("route", route),
				slog.Int("status", status),
				slog.Duration("duration", elapsed))
		})
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
