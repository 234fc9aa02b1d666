// Package blacklist implements access-token revocation on logout (§4.4).
// A revoked token is stored as blacklist:<token> with a TTL equal to its
// remaining life, so the key disappears exactly when the token itself
// would have expired anyway. On Redis outage, checks are skipped
// (degraded) rather than failing closed, per §4.4.
package blacklist

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type Blacklist struct {
	rdb     *redis.Client
	timeout time.Duration
}

func New(rdb *redis.Client, timeout time.Duration) *Blacklist {
	return &Blacklist{rdb: rdb, timeout: timeout}
}

func key(token string) string { return "blacklist:" + token }

// Add revokes a token until expiresAt. The TTL is clamped to a 1s minimum
// so an already-expired token still produces a (harmless, evicted after
// one second) key rather than a zero/negative TTL Redis would reject.
func (b *Blacklist) Add(ctx context.Context, token string, expiresAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	ttl := time.Until(expiresAt)
	if ttl < time.Second {
		ttl = time.Second
	}
	return b.rdb.Set(ctx, key(token), "1", ttl).Err()
}

// IsRevoked reports whether token has been blacklisted. On Redis error it
// returns false (not revoked) and logs a warning — the blacklist is
// advisory availability-wise, matching the rate limiter's fail-open
// posture (§4.3, §4.4).
func (b *Blacklist) IsRevoked(ctx context.Context, token string) bool {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	n, err := b.rdb.Exists(ctx, key(token)).Result()
	if err != nil {
		log.Warn().Err(err).Msg("blacklist check failed, degrading to not-revoked")
		return false
	}
	return n > 0
}
