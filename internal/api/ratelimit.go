package api

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// bucketIdle is how long an unused bucket is kept before it is evicted.
const bucketIdle = 5 * time.Minute

type bucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

// submitBuckets throttles rip submissions. A request draws one token from the
// bucket of its client address and one from the bucket of its session, and is
// admitted only when both have a token.
type submitBuckets struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

func newSubmitBuckets(perSecond int) *submitBuckets {
	return &submitBuckets{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(perSecond),
		burst:   perSecond,
		now:     time.Now,
	}
}

// take reserves a token from every key's bucket. If any bucket is empty no
// token is consumed, and take reports how long the caller should wait.
func (b *submitBuckets) take(keys ...string) (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	var held []*rate.Reservation
	var wait time.Duration
	for _, key := range keys {
		bk, ok := b.buckets[key]
		if !ok {
			bk = &bucket{limiter: rate.NewLimiter(b.limit, b.burst)}
			b.buckets[key] = bk
		}
		bk.seen = now

		res := bk.limiter.ReserveN(now, 1)
		if d := res.DelayFrom(now); d > 0 {
			res.CancelAt(now)
			wait = max(wait, d)
			continue
		}
		held = append(held, res)
	}
	if wait == 0 {
		return 0, true
	}
	for _, res := range held {
		res.CancelAt(now)
	}
	return wait, false
}

// evict drops buckets not used since cutoff and returns how many it dropped.
func (b *submitBuckets) evict(cutoff time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for key, bk := range b.buckets {
		if bk.seen.Before(cutoff) {
			delete(b.buckets, key)
			n++
		}
	}
	return n
}

// sweep evicts idle buckets every interval until ctx is done.
func (b *submitBuckets) sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.evict(b.now().Add(-bucketIdle))
		}
	}
}

// RateLimit returns a Middleware that allows perSecond rip submissions per
// second for each client address and each session. It must run inside
// Session. Idle buckets are evicted until ctx is done. A perSecond of 0
// disables the limit.
func RateLimit(ctx context.Context, perSecond int) Middleware {
	if perSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	buckets := newSubmitBuckets(perSecond)
	go buckets.sweep(ctx, bucketIdle)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || r.URL.Path != "/v1/rips" {
				next.ServeHTTP(w, r)
				return
			}
			keys := []string{"addr:" + clientIP(r)}
			if session := sessionFrom(r.Context()); session != "" {
				keys = append(keys, "session:"+session)
			}
			if wait, ok := buckets.take(keys...); !ok {
				w.Header().Set("Retry-After", retryAfter(wait))
				writeError(w, http.StatusTooManyRequests, codeRateLimited, "Too many rip submissions, try again shortly")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// retryAfter renders wait as whole seconds for the Retry-After header.
func retryAfter(wait time.Duration) string {
	if wait == rate.InfDuration {
		return "1"
	}
	return strconv.Itoa(max(int(math.Ceil(wait.Seconds())), 1))
}

// clientIP is the first X-Forwarded-For hop when present, else the peer
// address without its port.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
