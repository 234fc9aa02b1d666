// Package ratelimit implements the fixed-window limiter of §4.3: a
// counter keyed ratelimit:<endpoint>:<ip>, incremented atomically in
// Redis, with the first increment in a window setting the TTL. The
// limiter is advisory on Redis outage — failures log a warning and admit
// the request, since availability of authentication must never depend on
// Redis being up (§4.3).
package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/berthcare/core/internal/errs"
)

// incrWithTTL atomically increments key and, only on the increment that
// creates the key (count == 1), sets its TTL. A single EVAL keeps the
// "increment + maybe-expire" pair atomic against shared Redis state,
// so concurrent requests across instances share one counter.
var incrWithTTLScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("EXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("TTL", KEYS[1])
return {count, ttl}
`)

// Policy is a fixed-window rate limit: MaxRequests per WindowSeconds.
type Policy struct {
	Name          string // used in the Redis key and logs, e.g. "register", "login", "auth"
	WindowSeconds int
	MaxRequests   int
}

var (
	PolicyRegister    = Policy{Name: "register", WindowSeconds: 3600, MaxRequests: 5}
	PolicyLogin       = Policy{Name: "login", WindowSeconds: 3600, MaxRequests: 10}
	PolicyAuthGeneric = Policy{Name: "auth", WindowSeconds: 60, MaxRequests: 60}
)

// Limiter enforces a Policy against a Redis-backed fixed window.
type Limiter struct {
	rdb     *redis.Client
	timeout time.Duration
	policy  Policy
}

func New(rdb *redis.Client, timeout time.Duration, policy Policy) *Limiter {
	return &Limiter{rdb: rdb, timeout: timeout, policy: policy}
}

// Result carries the information needed to set X-RateLimit-* headers and,
// if exceeded, Retry-After.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAfter time.Duration // seconds until the window resets
	RetryAfter time.Duration
}

// Allow checks and increments the counter for ip under the limiter's
// endpoint-scoped key. On Redis error it fails open: the request is
// admitted and a warning is logged (§4.3).
func (l *Limiter) Allow(ctx context.Context, ip string) Result {
	key := "ratelimit:" + l.policy.Name + ":" + ip

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	res, err := incrWithTTLScript.Run(ctx, l.rdb, []string{key}, l.policy.WindowSeconds).Result()
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("rate limiter degraded (redis error), admitting request")
		return Result{Allowed: true, Limit: l.policy.MaxRequests, Remaining: l.policy.MaxRequests}
	}

	vals, ok := res.([]any)
	if !ok || len(vals) != 2 {
		log.Warn().Str("key", key).Msg("rate limiter got unexpected script result, admitting request")
		return Result{Allowed: true, Limit: l.policy.MaxRequests, Remaining: l.policy.MaxRequests}
	}
	count := toInt64(vals[0])
	ttl := toInt64(vals[1])
	if ttl < 0 {
		ttl = int64(l.policy.WindowSeconds)
	}

	remaining := l.policy.MaxRequests - int(count)
	if remaining < 0 {
		remaining = 0
	}

	allowed := int(count) <= l.policy.MaxRequests
	result := Result{
		Allowed:    allowed,
		Limit:      l.policy.MaxRequests,
		Remaining:  remaining,
		ResetAfter: time.Duration(ttl) * time.Second,
	}
	if !allowed {
		result.RetryAfter = time.Duration(ttl) * time.Second
		if result.RetryAfter < time.Second {
			result.RetryAfter = time.Second
		}
	}
	return result
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

// Middleware enforces policy per client IP (from chi's RealIP middleware,
// applied upstream) and sets the response headers §6 requires on every
// response, allowed or not.
func Middleware(l *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			res := l.Allow(r.Context(), ip)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(res.ResetAfter).Unix(), 10))

			if !res.Allowed {
				w.Header().Set("Retry-After", strconv.FormatInt(int64(res.RetryAfter.Seconds()), 10))
				writeRateLimitExceeded(w, r, res.RetryAfter)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	return r.RemoteAddr
}

// errorEnvelope matches the §7 response shape. Duplicated here rather than
// imported from httpapi to keep this package free of a dependency on the
// router package; the field names and casing must stay in lockstep with
// httpapi's own envelope writer.
type errorEnvelope struct {
	Error struct {
		Code      errs.Code `json:"code"`
		Message   string    `json:"message"`
		Timestamp time.Time `json:"timestamp"`
		RequestID string    `json:"requestId"`
	} `json:"error"`
}

func writeRateLimitExceeded(w http.ResponseWriter, r *http.Request, retryAfter time.Duration) {
	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.New().String()
	}

	var env errorEnvelope
	env.Error.Code = errs.CodeRateLimitExceeded
	env.Error.Message = "too many requests, try again later"
	env.Error.Timestamp = time.Now().UTC()
	env.Error.RequestID = requestID

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errs.CodeRateLimitExceeded.Status())
	if err := json.NewEncoder(w).Encode(env); err != nil {
		log.Warn().Err(err).Msg("failed to write rate limit response body")
	}
}
