package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/duochat/chat-app/internal/protocol"
)

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	addr := os.Getenv("DUOCHAT_TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	clean := func() {
		iter := client.Scan(ctx, 0, "rl:test:*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewLimiter(client, zap.NewNop())
}

func TestAllow_WindowLimit(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Name: "test", Key: "rl:test:allow:", Limit: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "alice", rule)
		require.NoError(t, err)
		assert.True(t, ok, "request %d should be allowed", i+1)
	}
	ok, err := l.Allow(ctx, "alice", rule)
	require.NoError(t, err)
	assert.False(t, ok, "fourth request should be limited")

	// Other identifiers have their own window.
	ok, _ = l.Allow(ctx, "bob", rule)
	assert.True(t, ok)

	remaining, err := l.Remaining(ctx, "alice", rule)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	remaining, err = l.Remaining(ctx, "carol", rule)
	require.NoError(t, err)
	assert.Equal(t, 3, remaining)
}

func TestAllowEvent_OnlyChatEvents(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	l.WithRules(
		Rule{Name: "chat_event", Key: "rl:test:evt:", Limit: 1, Window: time.Minute},
		Rule{Name: "connect", Key: "rl:test:conn:", Limit: 1, Window: time.Minute},
	)

	assert.True(t, l.AllowEvent(ctx, "alice", protocol.TypeEnterChat))
	assert.False(t, l.AllowEvent(ctx, "alice", protocol.TypeLeaveChat))
	assert.True(t, l.AllowEvent(ctx, "alice", protocol.TypeLogout))
	assert.True(t, l.AllowEvent(ctx, "alice", protocol.TypePing))

	assert.True(t, l.AllowConnect(ctx, "10.0.0.1"))
	assert.False(t, l.AllowConnect(ctx, "10.0.0.1"))
	assert.True(t, l.AllowConnect(ctx, "10.0.0.2"))
}

func TestAllow_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		MaxRetries:  -1,
		DialTimeout: 100 * time.Millisecond,
	})
	defer client.Close()
	l := NewLimiter(client, zap.NewNop())

	ok, err := l.Allow(context.Background(), "alice", RuleChatEvent)
	assert.Error(t, err)
	assert.True(t, ok, "redis errors must not block traffic")
	assert.True(t, l.AllowConnect(context.Background(), "10.0.0.1"))
}

func TestAllowEvent_DisabledRule(t *testing.T) {
	l := NewLimiter(nil, zap.NewNop()).WithRules(Rule{}, Rule{})
	assert.True(t, l.AllowEvent(context.Background(), "alice", protocol.TypeEnterChat))
	assert.True(t, l.AllowConnect(context.Background(), "10.0.0.1"))
}
