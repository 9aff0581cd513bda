package guard

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/oficio-cli/internal/metrics"
)

// Counter counts hits per key in fixed windows. Implementations may be
// shared between processes.
type Counter interface {
	// Incr records one hit for key and returns the hit count in the current
	// window and when that window ends.
	Incr(ctx context.Context, key string, window time.Duration, now time.Time) (count int, resetAt time.Time, err error)
}

type windowEntry struct {
	count int
	until time.Time
}

// MemoryCounter is a process-local Counter.
type MemoryCounter struct {
	mu      sync.Mutex
	entries map[string]*windowEntry
}

// NewMemoryCounter creates an empty in-memory counter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{entries: make(map[string]*windowEntry)}
}

// Incr implements Counter.
func (c *MemoryCounter) Incr(_ context.Context, key string, window time.Duration, now time.Time) (int, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || !now.Before(e.until) {
		e = &windowEntry{until: now.Add(window)}
		c.entries[key] = e
	}
	e.count++
	return e.count, e.until, nil
}

// Sweep drops windows that ended before now and returns how many.
func (c *MemoryCounter) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key, e := range c.entries {
		if !now.Before(e.until) {
			delete(c.entries, key)
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys.
func (c *MemoryCounter) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// StartJanitor sweeps expired windows every interval until ctx is done.
func (c *MemoryCounter) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n := c.Sweep(now); n > 0 {
					zap.L().Debug("guard: swept rate limit windows", zap.Int("expired", n))
				}
			}
		}
	}()
}

// RateLimitConfig configures the fixed-window limiter.
type RateLimitConfig struct {
	Max     int
	Window  time.Duration
	Counter Counter
	// KeyFunc identifies the caller. Default: ClientIP.
	KeyFunc func(r *http.Request) string
	// Now overrides the clock in tests.
	Now func() time.Time
}

// RateLimit allows Max requests per caller per window. Every response
// carries X-RateLimit-Limit, X-RateLimit-Remaining and X-RateLimit-Reset
// (unix seconds); refusals are 429 with Retry-After. A counter failure lets
// the request through.
func RateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	if cfg.Max <= 0 {
		cfg.Max = 60
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Counter == nil {
		cfg.Counter = NewMemoryCounter()
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = ClientIP
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	m := metrics.Get()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := cfg.KeyFunc(r)
			now := cfg.Now()

			count, resetAt, err := cfg.Counter.Incr(r.Context(), key, cfg.Window, now)
			if err != nil {
				zap.L().Error("guard: rate limit counter failed", zap.String("key", key), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			remaining := cfg.Max - count
			if remaining < 0 {
				remaining = 0
			}
			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(cfg.Max))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

			if count > cfg.Max {
				retryAfter := int(math.Ceil(resetAt.Sub(now).Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}
				h.Set("Retry-After", strconv.Itoa(retryAfter))
				zap.L().Warn("guard: rate limit exceeded",
					zap.String("key", key),
					zap.Int("count", count),
					zap.Int("max", cfg.Max),
				)
				m.RecordGuardRejection("rate_limit")
				WriteError(w, http.StatusTooManyRequests, "rate limit exceeded", ActionRetry, nil)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
