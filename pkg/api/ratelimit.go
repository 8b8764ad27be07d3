package api

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// WindowStore counts hits per key over a sliding window. Hit records the
// request only when it is allowed and returns how long until the oldest hit
// leaves the window otherwise.
type WindowStore interface {
	Hit(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (bool, time.Duration, error)
}

// MemoryWindowStore keeps hit timestamps in process. It is advisory: each
// instance of a multi-instance deployment enforces its own window.
type MemoryWindowStore struct {
	mu   sync.Mutex
	hits map[string][]time.Time
}

func NewMemoryWindowStore() *MemoryWindowStore {
	return &MemoryWindowStore{hits: make(map[string][]time.Time)}
}

func (m *MemoryWindowStore) Hit(_ context.Context, key string, now time.Time, window time.Duration, limit int) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-window)
	kept := m.hits[key][:0]
	for _, t := range m.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= limit {
		m.hits[key] = kept
		return false, kept[0].Sub(cutoff), nil
	}
	m.hits[key] = append(kept, now)
	return true, 0, nil
}

// Sweep drops keys with no hits inside the window.
func (m *MemoryWindowStore) Sweep(now time.Time, window time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.Add(-window)
	for k, ts := range m.hits {
		if len(ts) == 0 || !ts[len(ts)-1].After(cutoff) {
			delete(m.hits, k)
		}
	}
}

// redisSlidingWindowScript trims, counts and conditionally adds in one step.
// KEYS[1] = sorted set, ARGV = now_ms, window_ms, limit, member.
// Returns {allowed, retry_after_ms}.
var redisSlidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
local count = redis.call("ZCARD", key)
if count >= limit then
    local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
    local retry = window
    if oldest[2] then
        retry = tonumber(oldest[2]) + window - now
    end
    return {0, retry}
end
redis.call("ZADD", key, now, ARGV[4])
redis.call("PEXPIRE", key, window)
return {1, 0}
`)

// RedisWindowStore shares the window across instances through a Redis
// sorted set per key.
type RedisWindowStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisWindowStore parses a redis:// URL.
func NewRedisWindowStore(url string) (*RedisWindowStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("rate limit: parse REDIS_URL: %w", err)
	}
	return &RedisWindowStore{client: redis.NewClient(opts), prefix: "papa:ratelimit:"}, nil
}

func (s *RedisWindowStore) Hit(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (bool, time.Duration, error) {
	res, err := redisSlidingWindowScript.Run(ctx, s.client, []string{s.prefix + key},
		now.UnixMilli(), window.Milliseconds(), limit, uuid.NewString()).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("redis sliding window: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("redis sliding window: unexpected reply %v", res)
	}
	return res[0] == 1, time.Duration(res[1]) * time.Millisecond, nil
}

func (s *RedisWindowStore) Close() error { return s.client.Close() }

// RateLimiter enforces a per-client sliding window on a route.
type RateLimiter struct {
	store  WindowStore
	limit  int
	window time.Duration
	now    func() time.Time
	logger *slog.Logger
}

func NewRateLimiter(store WindowStore, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		store:  store,
		limit:  limit,
		window: window,
		now:    time.Now,
		logger: slog.Default().With("component", "ratelimit"),
	}
}

// WithClock overrides the clock for testing.
func (rl *RateLimiter) WithClock(now func() time.Time) *RateLimiter {
	rl.now = now
	return rl
}

// Middleware limits by actor when known, else by remote IP. A store error
// lets the request through.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		ok, retry, err := rl.store.Hit(r.Context(), key, rl.now(), rl.window, rl.limit)
		if err != nil {
			rl.logger.WarnContext(r.Context(), "rate limit store unavailable, allowing request", "error", err)
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.limit))
		if !ok {
			WriteTooManyRequests(w, r, int(math.Ceil(retry.Seconds())))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if a := ActorFrom(r.Context()); a != "" {
		return "actor:" + a
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return "ip:" + ip
}
