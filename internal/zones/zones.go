// Package zones loads the (small, immutable-during-a-request) zone set
// used for nearest-center assignment (§3 Zone entity), caching the full
// list in Redis since it changes only via migration/admin seeding.
package zones

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/berthcare/core/internal/cache"
	"github.com/berthcare/core/internal/geocode"
)

type Lister struct {
	pool  *pgxpool.Pool
	cache *cache.Cache
}

func New(pool *pgxpool.Pool, c *cache.Cache) *Lister {
	return &Lister{pool: pool, cache: c}
}

// All returns every zone, cache-first.
func (l *Lister) All(ctx context.Context) ([]geocode.Zone, error) {
	if cached, ok := l.cache.Get(ctx, cache.ZonesAllKey); ok {
		var zones []geocode.Zone
		if err := json.Unmarshal([]byte(cached), &zones); err == nil {
			return zones, nil
		}
	}

	rows, err := l.pool.Query(ctx, `SELECT id, center_lat, center_lng FROM zones`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var zones []geocode.Zone
	for rows.Next() {
		var z geocode.Zone
		if err := rows.Scan(&z.ID, &z.CenterLat, &z.CenterLng); err != nil {
			return nil, err
		}
		zones = append(zones, z)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if b, err := json.Marshal(zones); err == nil {
		l.cache.Set(ctx, cache.ZonesAllKey, string(b), cache.ZonesTTL)
	}
	return zones, nil
}
