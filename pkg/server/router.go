// Package server implements the node's REST collaborator surface: job
// submission, job lookup, resource/health introspection, and a
// trusted-IP-gated status toggle.
package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit is "num_requests per period", applied per remote IP.
type RateLimit struct {
	NumRequests int
	Period      time.Duration
}

// NewRouter wires the node's REST routes behind per-IP rate limiting, with
// PUT /api/status additionally gated to the configured trusted IPs.
func NewRouter(h *Handlers, limit RateLimit, trustedIPs []string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", h.HandleHealth)
	mux.HandleFunc("/info", h.HandleInfo)
	mux.HandleFunc("/resources", h.HandleResources)
	mux.HandleFunc("/resources/", h.HandleResources)
	mux.HandleFunc("/api/jobs", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			h.HandleGetJobs(w, r)
			return
		}
		h.HandleJobs(w, r)
	})
	mux.HandleFunc("/api/jobs/stream", h.HandleJobsStream)
	mux.HandleFunc("/api/jobs/batch", h.HandleJobsBatch)
	mux.Handle("/api/status", trustedOnly(trustedIPs, http.HandlerFunc(h.HandlePutStatus)))

	return rateLimited(limit, mux)
}

// trustedOnly rejects PUT requests from any remote IP not in the
// allow-list, used to gate /api/status to trusted operator IPs.
func trustedOnly(trustedIPs []string, next http.Handler) http.Handler {
	allow := make(map[string]bool, len(trustedIPs))
	for _, ip := range trustedIPs {
		allow[ip] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			next.ServeHTTP(w, r)
			return
		}
		if !allow[remoteIP(r)] {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ipLimiter is a per-IP token bucket, lazily created on first request.
type ipLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newIPLimiter(numRequests int, period time.Duration) *ipLimiter {
	if numRequests <= 0 || period <= 0 {
		return nil
	}
	return &ipLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Every(period / time.Duration(numRequests)),
		burst:    numRequests,
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[ip] = lim
	}
	return lim.Allow()
}

func rateLimited(limit RateLimit, next http.Handler) http.Handler {
	limiter := newIPLimiter(limit.NumRequests, limit.Period)
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.allow(remoteIP(r)) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
