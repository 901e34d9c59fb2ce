package api

import (
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

const (
	// clientIdleTTL is how long a client IP keeps its bucket without requests.
	clientIdleTTL = 10 * time.Minute
	pruneInterval = time.Minute
)

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipLimiter keeps one token bucket per client IP and forgets clients idle
// for longer than clientIdleTTL.
type ipLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*clientBucket
	rate      rate.Limit
	burst     int
	now       func() time.Time
	lastPrune time.Time
}

func newIPLimiter(r rate.Limit, burst int) *ipLimiter {
	return &ipLimiter{buckets: make(map[string]*clientBucket), rate: r, burst: burst, now: time.Now}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	now := l.now()
	if now.Sub(l.lastPrune) >= pruneInterval {
		l.prune(now)
	}
	b, ok := l.buckets[ip]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = now
	l.mu.Unlock()
	return b.limiter.AllowN(now, 1)
}

// prune must be called with l.mu held.
func (l *ipLimiter) prune(now time.Time) {
	removed := 0
	for ip, b := range l.buckets {
		if now.Sub(b.lastSeen) > clientIdleTTL {
			delete(l.buckets, ip)
			removed++
		}
	}
	l.lastPrune = now
	if removed > 0 {
		slog.Debug("ipLimiter.prune: forgot idle clients", "removed", removed, "tracked", len(l.buckets))
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) rateLimited(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !s.limiter.allow(ip) {
			slog.Warn("Server.rateLimited: too many requests", "ip", ip, "path", r.URL.Path)
			writeJSONResponse(w, http.StatusTooManyRequests, models.Error("Too many requests"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// adminOnly requires HTTP basic auth with the admin password. Any user name
// is accepted.
func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminPassword == "" {
			slog.Warn("Server.adminOnly: admin access requested but no password configured")
			writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Admin access is not configured"))
			return
		}
		_, password, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(password), []byte(s.adminPassword)) != 1 {
			slog.Warn("Server.adminOnly: authentication failed", "ip", clientIP(r))
			w.Header().Set("WWW-Authenticate", `Basic realm="BookingPipe admin"`)
			writeJSONResponse(w, http.StatusUnauthorized, models.Error("Unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
