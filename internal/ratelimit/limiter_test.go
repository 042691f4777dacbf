package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// testLimiter connects to a local Redis and skips the test when none is
// available, so the suite stays runnable on machines without Redis.
func testLimiter(t *testing.T) *Limiter {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	deviceID := fmt.Sprintf("test-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		for _, rule := range []Rule{RuleSend, RuleTyping, RulePairing} {
			client.Del(context.Background(), rule.Key+deviceID)
		}
		client.Close()
	})
	return NewLimiter(client, deviceID)
}

func TestAllow_UnderLimit(t *testing.T) {
	l := testLimiter(t)
	ctx := context.Background()

	for i := 0; i < RuleSend.Limit; i++ {
		ok, _ := l.Allow(ctx, RuleSend)
		if !ok {
			t.Fatalf("action %d denied, limit is %d", i+1, RuleSend.Limit)
		}
	}
}

func TestAllow_OverLimit(t *testing.T) {
	l := testLimiter(t)
	ctx := context.Background()

	for i := 0; i < RulePairing.Limit; i++ {
		if ok, _ := l.Allow(ctx, RulePairing); !ok {
			t.Fatalf("action %d denied within limit", i+1)
		}
	}

	ok, retryAfter := l.Allow(ctx, RulePairing)
	if ok {
		t.Fatalf("action over limit was allowed")
	}
	if retryAfter <= 0 || retryAfter > RulePairing.Window {
		t.Errorf("retryAfter = %s, want within (0, %s]", retryAfter, RulePairing.Window)
	}
}

func TestCheck_DoesNotCount(t *testing.T) {
	l := testLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if ok, err := l.Check(ctx, RuleTyping); err != nil || !ok {
			t.Fatalf("check %d: ok=%v err=%v", i, ok, err)
		}
	}

	if ok, _ := l.Allow(ctx, RuleTyping); !ok {
		t.Fatalf("first recorded action denied after checks")
	}
}

func TestRulesAreIsolated(t *testing.T) {
	l := testLimiter(t)
	ctx := context.Background()

	for i := 0; i < RulePairing.Limit+1; i++ {
		l.Allow(ctx, RulePairing)
	}
	if ok, _ := l.Allow(ctx, RulePairing); ok {
		t.Fatalf("pairing rule not exhausted")
	}

	if ok, _ := l.Allow(ctx, RuleSend); !ok {
		t.Errorf("send rule affected by exhausted pairing rule")
	}
}
