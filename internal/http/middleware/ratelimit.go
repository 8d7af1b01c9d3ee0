package middleware

import (
	"context"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var rejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "presence_ratelimit_rejected_total",
	Help: "Requests rejected by the rate limiter grouped by scope.",
}, []string{"scope"})

type RateConfig struct {
	Rate  float64
	Burst float64
}

// KeyFunc picks the bucket a request is charged to.
type KeyFunc func(r *http.Request) string

// RateLimiter is a Redis token bucket shared by every replica.
type RateLimiter struct {
	client    redis.Cmdable
	luaScript *redis.Script
	now       func() time.Time
}

// NewRateLimiter returns nil when client is nil; a nil limiter admits everything.
func NewRateLimiter(client redis.Cmdable) *RateLimiter {
	if client == nil {
		return nil
	}
	return &RateLimiter{client: client, luaScript: redis.NewScript(tokenBucketLua), now: time.Now}
}

// Limit charges each request to the bucket key(r) of scope.
func (l *RateLimiter) Limit(scope string, cfg RateConfig, key KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil || cfg.Rate <= 0 || cfg.Burst <= 0 {
			return next
		}
		if key == nil {
			key = ClientIdentifier
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identifier := key(r)
			if identifier == "" {
				identifier = "anonymous"
			}
			allowed, retryAfter, err := l.allow(r.Context(), scope, identifier, cfg)
			if err != nil {
				http.Error(w, "rate limit error", http.StatusInternalServerError)
				return
			}
			if !allowed {
				rejectedTotal.WithLabelValues(scope).Inc()
				if retryAfter > 0 {
					w.Header().Set("Retry-After", formatRetryAfter(retryAfter))
				}
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (l *RateLimiter) allow(ctx context.Context, scope string, identifier string, cfg RateConfig) (bool, time.Duration, error) {
	key := strings.Join([]string{"rl", scope, identifier}, ":")
	result, err := l.luaScript.Run(ctx, l.client, []string{key}, l.now().UnixMilli(), cfg.Rate, cfg.Burst, 1).Result()
	if err != nil {
		return false, 0, err
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 3 {
		return false, 0, errors.New("invalid redis response")
	}
	allowedInt, err := toInt64(values[0])
	if err != nil {
		return false, 0, err
	}
	waitSeconds, err := toFloat64(values[2])
	if err != nil {
		return false, 0, err
	}
	if allowedInt != 1 {
		return false, time.Duration(math.Ceil(waitSeconds*1000)) * time.Millisecond, nil
	}
	return true, 0, nil
}

// ClientIdentifier keys by X-Client-ID, then the first X-Forwarded-For hop, then the remote host.
func ClientIdentifier(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Client-ID")); id != "" {
		return id
	}
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}

func formatRetryAfter(d time.Duration) string {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

func toFloat64(v interface{}) (float64, error) {
	switch val := v.(type) {
	case int64:
		return float64(val), nil
	case float64:
		return val, nil
	case string:
		return strconv.ParseFloat(val, 64)
	default:
		return 0, errors.New("unsupported type")
	}
}

func toInt64(v interface{}) (int64, error) {
	switch val := v.(type) {
	case int64:
		return val, nil
	case float64:
		return int64(val), nil
	case string:
		return strconv.ParseInt(val, 10, 64)
	default:
		return 0, errors.New("unsupported type")
	}
}

// Redis truncates Lua numbers to integers on return, so the wait is returned
// as a string.
const tokenBucketLua = `
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'timestamp')
local tokens = tonumber(state[1]) or capacity
local last = tonumber(state[2]) or now_ms

local delta = math.max(0, now_ms - last)
tokens = math.min(capacity, tokens + delta * rate / 1000)

local allowed = 0
local wait = 0
if tokens >= requested then
  tokens = tokens - requested
  allowed = 1
else
  wait = (requested - tokens) / rate
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'timestamp', tostring(now_ms))
redis.call('PEXPIRE', key, math.ceil((capacity / rate) * 1000))

return {allowed, tostring(tokens), tostring(wait)}
`
