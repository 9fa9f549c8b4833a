package ratelimit

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestLimiterCapacity(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	limiter := NewLimiter(client, 2, 0.001)

	allowed, remaining, err := limiter.Allow(ctx, "10.0.0.1")
	if err != nil || !allowed {
		t.Fatalf("first request: allowed=%v err=%v", allowed, err)
	}
	// The script reports the balance as a string; one token of the two is
	// spent, give or take the trickle refilled between calls.
	if remaining < 1 || remaining > 1.1 {
		t.Fatalf("remaining = %v, want ~1", remaining)
	}
	allowed, remaining, _ = limiter.Allow(ctx, "10.0.0.1")
	if !allowed {
		t.Fatalf("second request should pass")
	}
	if remaining < 0 || remaining > 0.1 {
		t.Fatalf("remaining = %v, want ~0", remaining)
	}
	allowed, _, _ = limiter.Allow(ctx, "10.0.0.1")
	if allowed {
		t.Fatalf("third request should be rejected")
	}

	// Buckets are per client.
	allowed, _, _ = limiter.Allow(ctx, "10.0.0.2")
	if !allowed {
		t.Fatalf("different client should have its own bucket")
	}
}
