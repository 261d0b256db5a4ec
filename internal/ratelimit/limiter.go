// Package ratelimit provides Redis-backed rate limiting using the INCR + EXPIRE
// fixed window algorithm. Sends are throttled per user and live-connection
// upgrades per client IP.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/whisper/directchat/internal/logger"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:msg:", "rl:conn:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleMessage allows 20 sends per 10 seconds per user.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 20, Window: 10 * time.Second}

	// RuleConnect allows 30 live-connection upgrades per minute per IP.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 30, Window: 1 * time.Minute}
)

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client redis.Cmdable
	log    zerolog.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client redis.Cmdable) *Limiter {
	return &Limiter{client: client, log: logger.Module("ratelimit")}
}

// Allow checks whether the given identifier is within the rate limit defined by
// rule. It increments the counter in Redis and sets the expiry on first access.
//
// Returns true if the request is allowed, false if rate limited. On Redis
// errors the method fails open (returns true) so that a Redis outage does not
// block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("redis INCR failed, failing open")
		return true, err
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.log.Warn().Err(err).Str("key", key).Msg("redis EXPIRE failed, failing open")
			// A key without TTL would block the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// Remaining returns the number of requests the identifier has left in the
// current window for the given rule. Returns the full limit if the key does not
// exist yet. On Redis errors it returns the full limit (fail open).
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("redis GET failed, failing open")
		return rule.Limit, err
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// RetryAfter returns how long until the identifier's window resets.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) time.Duration {
	ttl, err := l.client.TTL(ctx, rule.Key+identifier).Result()
	if err != nil || ttl < 0 {
		return rule.Window
	}
	return ttl
}
