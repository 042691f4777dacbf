// Package ratelimit provides Redis-backed throttling for outbound traffic.
// The daemon keeps itself below the provider's published limits so a relayed
// send burst is rejected locally instead of drawing a rate_limited error
// frame mid-session. Counters use the INCR + EXPIRE fixed-window scheme.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule is one throttling policy: a key prefix, the number of actions allowed
// per window, and the window length.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

// Outbound rules, set below the provider's documented limits.
var (
	// RuleSend allows 30 chat messages per minute per device.
	RuleSend = Rule{Key: "rl:send:", Limit: 30, Window: time.Minute}

	// RuleTyping allows 60 typing indicator updates per minute per device.
	RuleTyping = Rule{Key: "rl:typing:", Limit: 60, Window: time.Minute}

	// RulePairing allows 3 pairing attempts per 10 minutes per device.
	RulePairing = Rule{Key: "rl:pair:", Limit: 3, Window: 10 * time.Minute}
)

// Limiter throttles actions for one device. All counters share the device id
// as the identifier, so a Limiter is created once per daemon.
type Limiter struct {
	client   *redis.Client
	deviceID string
}

// NewLimiter creates a Limiter for the given device backed by the given
// Redis client.
func NewLimiter(client *redis.Client, deviceID string) *Limiter {
	return &Limiter{client: client, deviceID: deviceID}
}

// Allow records one action under the rule and reports whether it fits the
// window. When the action is over the limit, RetryAfter is the time until
// the window resets.
//
// Redis failures fail open: a Redis outage must not stop the chat relay.
func (l *Limiter) Allow(ctx context.Context, rule Rule) (ok bool, retryAfter time.Duration) {
	key := rule.Key + l.deviceID

	// INCR and EXPIRE NX in one round trip. EXPIRE NX only arms the TTL on
	// the increment that created the key, which fixes the window boundary.
	pipe := l.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, rule.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[ratelimit] redis error key=%s: %v (failing open)", key, err)
		return true, 0
	}

	if incr.Val() <= int64(rule.Limit) {
		return true, 0
	}

	ttl, err := l.client.TTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		ttl = rule.Window
	}
	return false, ttl
}

// Check reports whether the next action under the rule would be allowed,
// without recording anything.
func (l *Limiter) Check(ctx context.Context, rule Rule) (bool, error) {
	key := rule.Key + l.deviceID

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return true, nil
	}
	if err != nil {
		return true, fmt.Errorf("ratelimit: check %s: %w", key, err)
	}
	return count < rule.Limit, nil
}
