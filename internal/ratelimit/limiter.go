// Package ratelimit provides Redis-backed rate limiting using INCR + EXPIRE
// fixed windows. The WebSocket server uses it to throttle chat events per user
// and connection attempts per IP.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/duochat/chat-app/internal/metrics"
	"github.com/duochat/chat-app/internal/protocol"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Name   string        // metrics label
	Key    string        // Redis key prefix (e.g. "rl:evt:", "rl:conn:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleChatEvent allows 30 enterChat/leaveChat/markRead events per 10
	// seconds per user.
	RuleChatEvent = Rule{Name: "chat_event", Key: "rl:evt:", Limit: 30, Window: 10 * time.Second}

	// RuleConnect allows 20 WebSocket upgrades per minute per IP.
	RuleConnect = Rule{Name: "connect", Key: "rl:conn:", Limit: 20, Window: 1 * time.Minute}
)

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	event  Rule
	conn   Rule
	logger *zap.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client using the
// default rules.
func NewLimiter(client *redis.Client, logger *zap.Logger) *Limiter {
	return &Limiter{
		client: client,
		event:  RuleChatEvent,
		conn:   RuleConnect,
		logger: logger.Named("ratelimit"),
	}
}

// WithRules replaces the event and connect rules. Zero-limit rules disable
// the corresponding check.
func (l *Limiter) WithRules(event, connect Rule) *Limiter {
	l.event = event
	l.conn = connect
	return l
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
		l.logger.Warn("redis INCR failed, failing open", zap.String("key", key), zap.Error(err))
		return true, err
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.logger.Warn("redis EXPIRE failed, failing open", zap.String("key", key), zap.Error(err))
			// A key without TTL would block the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	if int(count) > rule.Limit {
		return false, nil
	}

	return true, nil
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
		l.logger.Warn("redis GET failed, failing open", zap.String("key", key), zap.Error(err))
		return rule.Limit, err
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// AllowEvent throttles state-changing chat events per user. Pings and logout
// are never limited.
func (l *Limiter) AllowEvent(ctx context.Context, userID, msgType string) bool {
	if !limitedEvent(msgType) || l.event.Limit <= 0 {
		return true
	}
	return l.check(ctx, userID, l.event)
}

// AllowConnect throttles upgrade attempts per client IP.
func (l *Limiter) AllowConnect(ctx context.Context, ip string) bool {
	if l.conn.Limit <= 0 {
		return true
	}
	return l.check(ctx, ip, l.conn)
}

func (l *Limiter) check(ctx context.Context, identifier string, rule Rule) bool {
	ok, _ := l.Allow(ctx, identifier, rule)
	if !ok {
		metrics.RateLimited.WithLabelValues(rule.Name).Inc()
		l.logger.Debug("rate limited",
			zap.String("rule", rule.Name),
			zap.String("id", identifier))
	}
	return ok
}

func limitedEvent(msgType string) bool {
	switch msgType {
	case protocol.TypeEnterChat, protocol.TypeLeaveChat, protocol.TypeMarkRead:
		return true
	}
	return false
}
