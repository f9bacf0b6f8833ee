package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "rebate:session:"

// RedisStore implements Directory with one expiring key per session.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	clock  func() time.Time
	newID  IDFunc
}

// RedisStoreConfig describes the dependencies of the Redis-backed directory.
type RedisStoreConfig struct {
	URL   string
	TTL   time.Duration
	Clock func() time.Time
	NewID IDFunc
}

// NewRedisStore connects to Redis and verifies reachability.
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client, cfg)
}

// NewRedisStoreWithClient builds a store from an existing client.
func NewRedisStoreWithClient(client *redis.Client, cfg RedisStoreConfig) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("sessions: redis client required")
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("sessions: ttl must be positive")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := cfg.NewID
	if newID == nil {
		newID = NewUUIDv7
	}
	return &RedisStore{
		client: client,
		prefix: redisKeyPrefix,
		ttl:    cfg.TTL,
		clock:  clock,
		newID:  newID,
	}, nil
}

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + sessionID
}

// Create stores a new session with the configured TTL.
func (s *RedisStore) Create(ctx context.Context, userID string) (Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Session{}, ErrMissingUserID
	}
	sessionID, err := s.newID()
	if err != nil {
		return Session{}, fmt.Errorf("sessions: generate id: %w", err)
	}
	now := s.clock().UTC()
	session := Session{
		SessionID: sessionID,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return Session{}, fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(ctx, s.key(sessionID), payload, s.ttl).Err(); err != nil {
		return Session{}, fmt.Errorf("save session: %w", err)
	}
	return session, nil
}

// Lookup resolves a live session.
func (s *RedisStore) Lookup(ctx context.Context, sessionID string) (Session, error) {
	sessionID, err := normalizeSessionID(sessionID)
	if err != nil {
		return Session{}, err
	}
	payload, err := s.client.Get(ctx, s.key(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrSessionInvalid
	}
	if err != nil {
		return Session{}, fmt.Errorf("lookup session: %w", err)
	}
	var session Session
	if err := json.Unmarshal([]byte(payload), &session); err != nil {
		return Session{}, fmt.Errorf("unmarshal session: %w", err)
	}
	if session.Expired(s.clock()) {
		return Session{}, ErrSessionInvalid
	}
	return session, nil
}

// Revoke deletes the session key; missing keys are not an error.
func (s *RedisStore) Revoke(ctx context.Context, sessionID string) error {
	sessionID, err := normalizeSessionID(sessionID)
	if err != nil {
		return nil
	}
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
