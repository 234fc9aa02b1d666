package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb, time.Second), mr
}

func TestGetSetDel(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	if _, ok := c.Get(ctx, "client:detail:1"); ok {
		t.Fatal("expected miss before set")
	}

	c.Set(ctx, "client:detail:1", `{"id":"1"}`, ClientDetailTTL)
	val, ok := c.Get(ctx, "client:detail:1")
	if !ok || val != `{"id":"1"}` {
		t.Fatalf("expected hit with stored value, got %q ok=%v", val, ok)
	}

	c.Del(ctx, "client:detail:1")
	if _, ok := c.Get(ctx, "client:detail:1"); ok {
		t.Fatal("expected miss after del")
	}
}

func TestDelPatternInvalidatesZoneLists(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, ClientListKey("Z_TO", "f1", 1, 20), "stale-to", ClientListTTL)
	c.Set(ctx, ClientListKey("Z_VA", "f1", 1, 20), "stale-va", ClientListTTL)

	c.DelPattern(ctx, "clients:list:zone=Z_TO:*")

	if _, ok := c.Get(ctx, ClientListKey("Z_TO", "f1", 1, 20)); ok {
		t.Fatal("expected Z_TO list to be invalidated")
	}
	if _, ok := c.Get(ctx, ClientListKey("Z_VA", "f1", 1, 20)); !ok {
		t.Fatal("expected Z_VA list to remain cached")
	}
}

func TestGetDegradesOnOutage(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	c.Set(ctx, "k", "v", time.Minute)

	mr.Close()

	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("expected miss once redis is unreachable")
	}
}
