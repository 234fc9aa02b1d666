// Package cache wraps Redis access with the principal-scoped key scheme
// from §4.11. On Redis outage every operation degrades to a miss rather
// than ever returning stale data (§4.11 "the service never returns stale
// data rather than degrade correctness").
package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Cache wraps a redis.Client with the timeouts and degrade-on-error
// behavior §4.11 and §5 require.
type Cache struct {
	rdb     *redis.Client
	timeout time.Duration
}

func New(rdb *redis.Client, timeout time.Duration) *Cache {
	return &Cache{rdb: rdb, timeout: timeout}
}

func NewClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}

// Get returns (value, true) on a hit, ("", false) on a miss OR any Redis
// error — callers cannot distinguish the two, by design, since both mean
// "go to the source of truth."
func (c *Cache) Get(ctx context.Context, key string) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	val, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			log.Warn().Err(err).Str("key", key).Msg("cache get failed, treating as miss")
		}
		return "", false
	}
	return val, true
}

// Set stores value at key with the given TTL. Failures are logged and
// swallowed: a failed cache write never fails the caller's request.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("cache set failed")
	}
}

// Del removes one or more exact keys.
func (c *Cache) Del(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		log.Warn().Err(err).Strs("keys", keys).Msg("cache del failed")
	}
}

// DelPattern invalidates every key matching a glob pattern (e.g.
// "clients:list:zone=Z1:*") using a cursor-based SCAN rather than KEYS, so
// invalidation doesn't block a shared Redis under load (§4.11).
func (c *Cache) DelPattern(ctx context.Context, pattern string) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout*20) // scanning can take longer than a single op
	defer cancel()

	var cursor uint64
	var keys []string
	for {
		batch, next, err := c.rdb.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			log.Warn().Err(err).Str("pattern", pattern).Msg("cache scan failed during invalidation")
			return
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if len(keys) > 0 {
		if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
			log.Warn().Err(err).Str("pattern", pattern).Msg("cache pattern delete failed")
		}
	}
}

// Ping is used by the health endpoint (§4.13 GET /health).
func (c *Cache) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

// Client exposes the underlying redis.Client for components (rate
// limiter, blacklist) that need Lua/EVAL or other primitives Cache does
// not wrap directly.
func (c *Cache) Client() *redis.Client { return c.rdb }

// --- Key scheme, §4.11 ---

func ClientDetailKey(id string) string { return "client:detail:" + id }

func ClientListKey(zone, filters string, page, limit int) string {
	return "clients:list:zone=" + zone + ":" + filters + ":" + strconv.Itoa(page) + ":" + strconv.Itoa(limit)
}

func VisitDetailKey(id string) string { return "visit:detail:" + id }

// VisitListKey uses principalScope = "caregiver:<userId>" or "zone:<zoneId>".
func VisitListKey(principalScope, filters string, page, limit int) string {
	return "visits:list:" + principalScope + ":" + filters + ":" + strconv.Itoa(page) + ":" + strconv.Itoa(limit)
}

func GeocodeKey(addressLowerTrimmed string) string { return "geocode:" + addressLowerTrimmed }

const ZonesAllKey = "zones:all"

const (
	ClientDetailTTL = 5 * time.Minute
	ClientListTTL   = 5 * time.Minute
	VisitDetailTTL  = 5 * time.Minute
	VisitListTTL    = 5 * time.Minute
	GeocodeTTL      = 24 * time.Hour
	ZonesTTL        = time.Hour
)
