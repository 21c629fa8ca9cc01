// ABOUTME: Redis implementation of SessionStore using go-redis
// ABOUTME: Maps directly onto GET / SET EX / TTL / DEL, with a Lua script for atomic renewal

package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/2389/coven-relay/internal/conversation"
)

// renewScript extends the key's lifetime only when it exists and has less
// than ARGV[1] milliseconds left. Runs atomically on the server.
var renewScript = redis.NewScript(`
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	return 0
end
if ttl >= tonumber(ARGV[1]) then
	return 0
end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

// RedisStore implements SessionStore on a Redis server.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// RedisOptions configures NewRedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisStore connects to Redis and verifies the connection with PING.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, unavailable("connecting to redis", err)
	}

	s := NewRedisStoreFromClient(client, opts.Prefix)
	s.logger.Info("Redis store initialized", "addr", opts.Addr, "db", opts.DB)
	return s, nil
}

// NewRedisStoreFromClient wraps an existing client. The store takes ownership of it.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: slog.Default().With("component", "store", "driver", "redis"),
	}
}

func (s *RedisStore) key(userID string) string {
	return s.prefix + userID
}

// Load issues GET and decodes the value.
func (s *RedisStore) Load(ctx context.Context, userID string) (conversation.Tokens, bool, error) {
	value, err := s.client.Get(ctx, s.key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return conversation.Tokens{}, false, nil
	}
	if err != nil {
		return conversation.Tokens{}, false, unavailable("loading session", err)
	}

	tokens, err := DecodeTokens(value)
	if err != nil {
		return conversation.Tokens{}, false, err
	}
	return tokens, true, nil
}

// Save issues SET key value EX window.
func (s *RedisStore) Save(ctx context.Context, userID string, tokens conversation.Tokens, window time.Duration) error {
	if err := s.client.Set(ctx, s.key(userID), EncodeTokens(tokens), window).Err(); err != nil {
		return unavailable("saving session", err)
	}
	return nil
}

// RemainingTTL issues PTTL. Keys without an expiry are reported as absent
// because every record this store writes carries one.
func (s *RedisStore) RemainingTTL(ctx context.Context, userID string) (time.Duration, bool, error) {
	ttl, err := s.client.PTTL(ctx, s.key(userID)).Result()
	if err != nil {
		return 0, false, unavailable("reading session ttl", err)
	}
	if ttl < 0 {
		return 0, false, nil
	}
	return ttl, true, nil
}

// Clear issues DEL.
func (s *RedisStore) Clear(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, s.key(userID)).Err(); err != nil {
		return unavailable("clearing session", err)
	}
	return nil
}

// Renew runs renewScript against the user's key.
func (s *RedisStore) Renew(ctx context.Context, userID string, threshold, window time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, s.client, []string{s.key(userID)},
		threshold.Milliseconds(), window.Milliseconds()).Int()
	if err != nil {
		return false, unavailable("renewing session", err)
	}
	return n == 1, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	s.logger.Info("closing Redis store")
	return s.client.Close()
}
