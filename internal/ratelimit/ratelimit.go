// Package ratelimit provides per-source-IP rate limiting for the login and
// workspace-start endpoints.
package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PerIP keeps one token bucket per source address. Buckets admit max events
// per window and are evicted after sitting idle for two windows.
type PerIP struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	max     int
	window  time.Duration
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewPerIP creates a limiter admitting max events per window for each IP.
func NewPerIP(max int, window time.Duration) *PerIP {
	if max <= 0 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &PerIP{
		buckets: make(map[string]*bucket),
		max:     max,
		window:  window,
	}
}

// Allow reports whether the source may proceed, consuming one token.
func (p *PerIP) Allow(ip string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	b, ok := p.buckets[ip]
	if !ok {
		b = &bucket{
			limiter: rate.NewLimiter(rate.Every(p.window/time.Duration(p.max)), p.max),
		}
		p.buckets[ip] = b
	}
	b.lastSeen = now

	// Opportunistic eviction keeps the map bounded without a sweeper goroutine.
	if len(p.buckets) > 1024 {
		cutoff := now.Add(-2 * p.window)
		for key, old := range p.buckets {
			if old.lastSeen.Before(cutoff) {
				delete(p.buckets, key)
			}
		}
	}

	return b.limiter.Allow()
}

// AllowRequest applies Allow to the request's source IP.
func (p *PerIP) AllowRequest(r *http.Request) bool {
	return p.Allow(SourceIP(r))
}

// SourceIP extracts the client address, preferring X-Forwarded-For when the
// broker sits behind a proxy.
func SourceIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.Index(fwd, ","); idx != -1 {
			fwd = fwd[:idx]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
