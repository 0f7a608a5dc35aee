package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/duochat/chat-app/internal/presence"
)

const (
	// ConnPrefix is the Redis key prefix for connection hashes.
	ConnPrefix = "presence:conn:"

	// DefaultTTL is the time-to-live for connection keys. Every mirrored
	// event refreshes it, and the periodic resync keeps idle keys alive.
	DefaultTTL = 1 * time.Hour
)

// Conn is the mirrored state of one connection.
type Conn struct {
	Handle     string `redis:"handle"`
	UserID     string `redis:"user_id"`
	Server     string `redis:"server"`      // which WS server instance
	PeerID     string `redis:"peer_id"`     // empty when not viewing a conversation
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Config holds the Redis settings for the mirror.
type Config struct {
	Addr       string
	Password   string
	DB         int
	ServerName string
	TTL        time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:       "localhost:6379",
		ServerName: "ws-1",
		TTL:        DefaultTTL,
	}
}

// NewClient connects to Redis and verifies the connection.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}
	return client, nil
}

// Store mirrors live connections into Redis so operators and other services
// can see who is connected to which server and which conversation each
// connection is viewing. The engine never reads it back.
type Store struct {
	client     *redis.Client
	serverName string
	ttl        time.Duration
	logger     *zap.Logger
}

// NewStore wraps an existing Redis client.
func NewStore(client *redis.Client, serverName string, ttl time.Duration, logger *zap.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		client:     client,
		serverName: serverName,
		ttl:        ttl,
		logger:     logger.Named("session"),
	}
}

// Create stores a new connection hash with an empty peer.
func (s *Store) Create(ctx context.Context, handle, userID string) error {
	key := ConnPrefix + handle
	now := time.Now().Unix()

	conn := map[string]interface{}{
		"handle":      handle,
		"user_id":     userID,
		"server":      s.serverName,
		"peer_id":     "",
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, conn)
	pipe.Expire(ctx, key, s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a mirrored connection. Returns nil if not found.
func (s *Store) Get(ctx context.Context, handle string) (*Conn, error) {
	var conn Conn
	if err := s.client.HGetAll(ctx, ConnPrefix+handle).Scan(&conn); err != nil {
		return nil, err
	}
	if conn.Handle == "" {
		return nil, nil
	}
	return &conn, nil
}

// SetPeer records the conversation the connection is viewing and refreshes
// the TTL. An empty peer clears it. A key that already expired is not
// recreated.
func (s *Store) SetPeer(ctx context.Context, handle, peerID string) error {
	key := ConnPrefix + handle
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil || n == 0 {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "peer_id", peerID, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, s.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// RefreshTTL extends the connection's TTL.
func (s *Store) RefreshTTL(ctx context.Context, handle string) error {
	return s.client.Expire(ctx, ConnPrefix+handle, s.ttl).Err()
}

// Delete removes a connection hash.
func (s *Store) Delete(ctx context.Context, handle string) error {
	return s.client.Del(ctx, ConnPrefix+handle).Err()
}

// PresenceEvent applies a presence transition to the mirror. Failures are
// logged and otherwise ignored.
func (s *Store) PresenceEvent(ctx context.Context, evt presence.Event) {
	if evt.ConnectionID == "" {
		return
	}

	var err error
	switch evt.Type {
	case presence.EventOnline:
		err = s.Create(ctx, evt.ConnectionID, evt.UserID)
	case presence.EventEntered:
		err = s.SetPeer(ctx, evt.ConnectionID, evt.PeerID)
	case presence.EventLeft:
		err = s.SetPeer(ctx, evt.ConnectionID, "")
	case presence.EventOffline:
		err = s.Delete(ctx, evt.ConnectionID)
	default:
		return
	}
	if err != nil {
		s.logger.Warn("mirror update failed",
			zap.String("event", string(evt.Type)),
			zap.String("conn_id", evt.ConnectionID),
			zap.Error(err))
	}
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
