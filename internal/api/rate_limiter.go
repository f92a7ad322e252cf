package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/jesteria/omnispective/internal/auth"
)

const (
	idleBucketTTL = 10 * time.Minute
	sweepInterval = time.Minute
	unknownBucket = "addr:unknown"
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// apiRateLimiter keeps one token bucket per ingestion identity. Idle buckets
// are swept at most once per sweepInterval.
type apiRateLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	limited   prometheus.Counter
	buckets   map[string]*bucket
	lastSweep time.Time
	now       func() time.Time
}

func newAPIRateLimiter(requestsPerSec float64, burst int, limited prometheus.Counter) *apiRateLimiter {
	if requestsPerSec <= 0 || burst <= 0 {
		return nil
	}
	return &apiRateLimiter{
		limit:   rate.Limit(requestsPerSec),
		burst:   burst,
		limited: limited,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

func (l *apiRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.allow(limiterKey(r)) {
			next.ServeHTTP(w, r)
			return
		}
		if l.limited != nil {
			l.limited.Inc()
		}
		w.Header().Set("Retry-After", strconv.Itoa(l.retryAfterSeconds()))
		writeMessage(w, http.StatusTooManyRequests, "rate limit exceeded")
	})
}

func (l *apiRateLimiter) allow(key string) bool {
	if key == "" {
		key = unknownBucket
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= sweepInterval {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) > idleBucketTTL {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// retryAfterSeconds is the time one token takes to refill, rounded up.
func (l *apiRateLimiter) retryAfterSeconds() int {
	return int(math.Ceil(1 / float64(l.limit)))
}

// limiterKey buckets ingestion clients by the username of their credential
// so that many app servers behind one NAT do not share a budget. Anonymous
// traffic falls back to the client address.
func limiterKey(r *http.Request) string {
	if credential, err := auth.ParseAuthorization(r.Header.Get("Authorization")); err == nil {
		return "user:" + credential.Username
	}
	return "addr:" + clientAddress(r)
}

func clientAddress(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(remote); err == nil && host != "" {
		return host
	}
	return remote
}
