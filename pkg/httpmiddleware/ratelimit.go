package httpmiddleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// RateLimitConfig configures the sliding window limiter.
type RateLimitConfig struct {
	// Max requests per Window and key.
	Max    int
	Window time.Duration
	// Key extracts the limiter key. Defaults to ClientIP.
	Key func(*http.Request) string
}

// counter approximates a sliding window from two fixed windows.
type counter struct {
	start time.Time
	curr  float64
	prev  float64
}

type limiter struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	keys map[string]*counter
}

func newLimiter(cfg RateLimitConfig) *limiter {
	return &limiter{
		max:    cfg.Max,
		window: cfg.Window,
		now:    time.Now,
		keys:   make(map[string]*counter),
	}
}

// take reports whether key may proceed, the requests left and the end of the
// current window.
func (l *limiter) take(key string) (ok bool, left int, reset time.Time) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	c := l.keys[key]
	if c == nil {
		c = &counter{start: now.Truncate(l.window)}
		l.keys[key] = c
	}
	switch elapsed := now.Sub(c.start); {
	case elapsed >= 2*l.window:
		c.start, c.prev, c.curr = now.Truncate(l.window), 0, 0
	case elapsed >= l.window:
		c.start, c.prev, c.curr = c.start.Add(l.window), c.curr, 0
	}

	weight := 1 - float64(now.Sub(c.start))/float64(l.window)
	used := c.prev*max(weight, 0) + c.curr
	reset = c.start.Add(l.window)
	if used >= float64(l.max) {
		return false, 0, reset
	}
	c.curr++
	return true, max(int(float64(l.max)-used-1), 0), reset
}

// evict drops keys idle for two windows.
func (l *limiter) evict() {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, c := range l.keys {
		if now.Sub(c.start) >= 2*l.window {
			delete(l.keys, k)
		}
	}
}

// RateLimit limits requests per key. Rejected requests get 429 with a JSON
// body. When ctx is non-nil, idle keys are evicted until it is done.
func RateLimit(ctx context.Context, cfg RateLimitConfig) Middleware {
	l := newLimiter(cfg)
	if ctx != nil {
		go func() {
			t := time.NewTicker(2 * cfg.Window)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					l.evict()
				}
			}
		}()
	}
	return l.middleware(cfg.Key)
}

func (l *limiter) middleware(key func(*http.Request) string) Middleware {
	if key == nil {
		key = ClientIP
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, left, reset := l.take(key(r))

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(l.max))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(left))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
			if !ok {
				wait := max(reset.Sub(l.now()), 0)
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP keys by X-Forwarded-For, X-Real-IP, then the peer address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// StoreClient keys by store and client so one busy store cannot starve
// another behind the same proxy. Mount it below the {storeID} route.
func StoreClient(r *http.Request) string {
	return chi.URLParam(r, "storeID") + "|" + ClientIP(r)
}
