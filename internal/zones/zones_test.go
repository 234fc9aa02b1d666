package zones

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/berthcare/core/internal/cache"
	"github.com/berthcare/core/internal/config"
	"github.com/berthcare/core/internal/db"
	"github.com/berthcare/core/internal/geocode"
)

func getTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration test")
	}
	cfg := &config.Config{DatabaseURL: dbURL, DBPoolMinConns: 1, DBPoolMaxConns: 4, DBConnectTimeout: 5 * time.Second}
	pool, err := db.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}
	if _, err := pool.Exec(context.Background(), "DELETE FROM zones"); err != nil {
		t.Fatalf("failed to clean zones: %v", err)
	}
	return pool
}

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return cache.New(rdb, time.Second)
}

func TestAllLoadsFromDBThenCaches(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pool := getTestDB(t)
	defer pool.Close()

	var id string
	err := pool.QueryRow(context.Background(), `
		INSERT INTO zones (name, center_lat, center_lng) VALUES ($1, $2, $3) RETURNING id
	`, "downtown", 43.65, -79.38).Scan(&id)
	if err != nil {
		t.Fatalf("seed zone: %v", err)
	}

	c := newTestCache(t)
	l := New(pool, c)

	got, err := l.All(context.Background())
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(got) != 1 || got[0].ID != id {
		t.Fatalf("expected seeded zone, got %+v", got)
	}

	if _, ok := c.Get(context.Background(), cache.ZonesAllKey); !ok {
		t.Fatal("expected All to populate the zones cache")
	}

	// drop the row directly so the next call can only succeed via cache
	if _, err := pool.Exec(context.Background(), "DELETE FROM zones WHERE id = $1", id); err != nil {
		t.Fatalf("delete zone: %v", err)
	}

	cached, err := l.All(context.Background())
	if err != nil {
		t.Fatalf("All (cached): %v", err)
	}
	if len(cached) != 1 || cached[0].ID != id {
		t.Fatalf("expected cached zone to still be returned, got %+v", cached)
	}
}

func TestAllServesFromCacheWithoutQueryingDB(t *testing.T) {
	c := newTestCache(t)
	l := New(nil, c)

	seeded := []geocode.Zone{{ID: "z1", CenterLat: 43.65, CenterLng: -79.38}}
	c.Set(context.Background(), cache.ZonesAllKey, `[{"ID":"z1","CenterLat":43.65,"CenterLng":-79.38}]`, cache.ZonesTTL)

	got, err := l.All(context.Background())
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(got) != 1 || got[0].ID != seeded[0].ID {
		t.Fatalf("expected cache-only zone list, got %+v", got)
	}
}
