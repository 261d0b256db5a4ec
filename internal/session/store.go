package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// UserSessionsPrefix indexes a user's live connection ids.
	UserSessionsPrefix = "user_sessions:"

	// SessionTTL is the time-to-live for session keys in Redis.
	SessionTTL = 1 * time.Hour
)

// Session is the Redis record of one live connection.
type Session struct {
	ID         string `redis:"id"`
	UserID     string `redis:"user_id"`
	Server     string `redis:"server"`      // which server instance holds the connection
	RemoteAddr string `redis:"remote_addr"` // client address at upgrade time
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store manages session records in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this server instance
}

// NewStore creates a new session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// NewStoreWithClient wraps an existing client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Create stores a new session record with a 1h TTL and indexes it under the
// user.
func (s *Store) Create(ctx context.Context, connID, userID, remoteAddr string) error {
	key := SessionPrefix + connID
	now := time.Now().Unix()

	record := map[string]interface{}{
		"id":          connID,
		"user_id":     userID,
		"server":      s.serverName,
		"remote_addr": remoteAddr,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, record)
	pipe.Expire(ctx, key, SessionTTL)
	if userID != "" {
		pipe.SAdd(ctx, UserSessionsPrefix+userID, connID)
		pipe.Expire(ctx, UserSessionsPrefix+userID, SessionTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: create %s: %w", connID, err)
	}
	return nil
}

// Get retrieves a session from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Session, error) {
	key := SessionPrefix + connID
	var sess Session
	if err := s.client.HGetAll(ctx, key).Scan(&sess); err != nil {
		return nil, fmt.Errorf("session: get %s: %w", connID, err)
	}
	if sess.ID == "" {
		return nil, nil // not found
	}
	return &sess, nil
}

// ListByUser returns the ids of a user's recorded connections.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, UserSessionsPrefix+userID).Result()
	if err != nil {
		return nil, fmt.Errorf("session: list %s: %w", userID, err)
	}
	return ids, nil
}

// Touch records activity and refreshes the TTL.
func (s *Store) Touch(ctx context.Context, connID string) error {
	key := SessionPrefix + connID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a session record and its user index entry.
func (s *Store) Delete(ctx context.Context, connID string) error {
	key := SessionPrefix + connID
	userID, err := s.client.HGet(ctx, key, "user_id").Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("session: delete %s: %w", connID, err)
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, key)
	if userID != "" {
		pipe.SRem(ctx, UserSessionsPrefix+userID, connID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: delete %s: %w", connID, err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
