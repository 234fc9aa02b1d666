package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, policy Policy) *Limiter {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb, time.Second, policy)
}

func TestAllowWithinLimit(t *testing.T) {
	l := newTestLimiter(t, Policy{Name: "test", WindowSeconds: 60, MaxRequests: 3})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		res := l.Allow(ctx, "1.2.3.4")
		if !res.Allowed {
			t.Fatalf("request %d: expected allowed", i)
		}
		if res.Remaining != 3-i {
			t.Fatalf("request %d: expected remaining %d, got %d", i, 3-i, res.Remaining)
		}
	}
}

func TestAllowExceedsLimit(t *testing.T) {
	l := newTestLimiter(t, Policy{Name: "test", WindowSeconds: 60, MaxRequests: 2})
	ctx := context.Background()

	l.Allow(ctx, "9.9.9.9")
	l.Allow(ctx, "9.9.9.9")
	res := l.Allow(ctx, "9.9.9.9")

	if res.Allowed {
		t.Fatal("expected third request to be denied")
	}
	if res.RetryAfter <= 0 {
		t.Fatal("expected a positive retry-after")
	}
}

func TestAllowScopedPerIP(t *testing.T) {
	l := newTestLimiter(t, Policy{Name: "test", WindowSeconds: 60, MaxRequests: 1})
	ctx := context.Background()

	if !l.Allow(ctx, "1.1.1.1").Allowed {
		t.Fatal("expected first IP's first request allowed")
	}
	if !l.Allow(ctx, "2.2.2.2").Allowed {
		t.Fatal("expected second IP's first request allowed independently")
	}
	if l.Allow(ctx, "1.1.1.1").Allowed {
		t.Fatal("expected first IP's second request denied")
	}
}

func TestAllowDegradesOpenOnOutage(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := New(rdb, time.Second, Policy{Name: "test", WindowSeconds: 60, MaxRequests: 1})

	mr.Close()

	res := l.Allow(context.Background(), "5.5.5.5")
	if !res.Allowed {
		t.Fatal("expected fail-open admission when redis is unreachable")
	}
}

func TestMiddlewareSetsHeadersAndBlocks(t *testing.T) {
	l := newTestLimiter(t, Policy{Name: "test", WindowSeconds: 60, MaxRequests: 1})
	mw := Middleware(l)

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", nil)
	req.RemoteAddr = "3.3.3.3:1234"

	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req)
	if rec1.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", rec1.Code)
	}
	if rec1.Header().Get("X-RateLimit-Limit") != "1" {
		t.Fatalf("expected X-RateLimit-Limit header, got %q", rec1.Header().Get("X-RateLimit-Limit"))
	}

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", rec2.Code)
	}
	if rec2.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header on 429")
	}
}
