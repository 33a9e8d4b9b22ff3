package server

import (
	"P2PDesk/internal/apperr"
	"P2PDesk/internal/observability"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// RateLimit bounds requests per caller on the write-heavy routes. A zero
// RequestsPerMinute disables limiting.
type RateLimit struct {
	RequestsPerMinute int
	Burst             int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per caller and forgets callers that
// have been idle for idleTTL.
type RateLimiter struct {
	cfg       RateLimit
	idleTTL   time.Duration
	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time
	clockNow  func() time.Time
}

func NewRateLimiter(cfg RateLimit) *RateLimiter {
	return &RateLimiter{
		cfg:      cfg,
		idleTTL:  10 * time.Minute,
		visitors: make(map[string]*visitor),
		clockNow: time.Now,
	}
}

// Allow reports whether caller may proceed now.
func (r *RateLimiter) Allow(caller string) bool {
	if r == nil || r.cfg.RequestsPerMinute <= 0 {
		return true
	}
	now := r.clockNow()
	return r.obtainLimiter(caller, now).AllowN(now, 1)
}

func (r *RateLimiter) obtainLimiter(id string, now time.Time) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if now.Sub(r.lastSweep) >= r.idleTTL {
		for k, v := range r.visitors {
			if now.Sub(v.lastSeen) >= r.idleTTL {
				delete(r.visitors, k)
			}
		}
		r.lastSweep = now
	}

	if v, ok := r.visitors[id]; ok {
		v.lastSeen = now
		return v.limiter
	}
	perSecond := float64(r.cfg.RequestsPerMinute) / 60.0
	burst := r.cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	r.visitors[id] = &visitor{limiter: limiter, lastSeen: now}
	return limiter
}

// Len is the number of tracked callers.
func (r *RateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.visitors)
}

// callerID keys the limiter: the authenticated user, else the client IP.
func callerID(r *http.Request) string {
	if id := r.Header.Get(headerUserID); id != "" {
		return "user:" + id
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return "ip:" + ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}

// apiHandler returns the status and body to write, or an error.
type apiHandler func(w http.ResponseWriter, r *http.Request, params map[string]string) (int, any, error)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// route wraps h with panic recovery, optional rate limiting, the request
// log line and HTTP metrics.
func route(name string, limiter *RateLimiter, logger zerolog.Logger, metrics *observability.Metrics, h apiHandler) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			if p := recover(); p != nil {
				logger.Error().Interface("panic", p).Str("route", name).Msg("handler panicked")
				writeError(rec, apperr.New(apperr.CodeInternal, "internal error"))
			}
			elapsed := time.Since(start)
			if metrics != nil {
				metrics.HTTPRequests.WithLabelValues(name, strconv.Itoa(rec.status)).Inc()
				metrics.HTTPDuration.WithLabelValues(name).Observe(elapsed.Seconds())
			}
			logger.Info().
				Str("method", r.Method).
				Str("route", name).
				Int("status", rec.status).
				Dur("duration", elapsed).
				Str("user", r.Header.Get(headerUserID)).
				Msg("request")
		}()

		if limiter != nil && !limiter.Allow(callerID(r)) {
			if metrics != nil {
				metrics.RateLimited.WithLabelValues(name).Inc()
			}
			rec.Header().Set("Retry-After", "1")
			writeError(rec, apperr.New(apperr.CodeRateLimited, "too many requests, slow down"))
			return
		}

		status, body, err := h(rec, r, params)
		if err != nil {
			writeError(rec, err)
			return
		}
		writeJSON(rec, status, body)
	}
}
