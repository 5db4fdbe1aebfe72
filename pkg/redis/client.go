// Package redis provides an optional shared-state backend for multi-instance
// deployments. JSON files remain the primary persistence; when a Redis address
// is configured these stores mirror account, signature and usage state.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key prefixes for Redis data
const (
	PrefixAccounts          = "claudegate:accounts:"
	PrefixAccountIndex      = "claudegate:accounts:index"
	PrefixRateLimits        = "claudegate:ratelimits:"
	PrefixQuotas            = "claudegate:quotas:"
	PrefixHealth            = "claudegate:health:"
	PrefixTokens            = "claudegate:tokens:"
	PrefixSignatureTool     = "claudegate:signatures:tool:"
	PrefixSignatureThinking = "claudegate:signatures:thinking:"
	PrefixStats             = "claudegate:stats:"
	PrefixTokenCache        = "claudegate:token_cache:"
	PrefixProjectCache      = "claudegate:project_cache:"
)

// Client wraps the Redis client with domain-specific operations
type Client struct {
	rdb *redis.Client
}

// Config represents Redis connection configuration
type Config struct {
	Addr     string
	Password string
	DB       int
}

// NewClient creates a new Redis client
func NewClient(cfg Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the Redis connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Raw returns the underlying Redis client for advanced operations
func (c *Client) Raw() *redis.Client {
	return c.rdb
}

// Set stores a value with optional TTL
func (c *Client) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, data, ttl).Err()
}

// Get retrieves a value and unmarshals it
func (c *Client) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// Delete removes a key
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	return c.rdb.Del(ctx, keys...).Err()
}

// Exists checks if a key exists
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	count, err := c.rdb.Exists(ctx, key).Result()
	return count > 0, err
}

// Expire sets a TTL on a key
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, key, ttl).Err()
}

// HSet sets fields in a hash. Non-string values are JSON encoded.
func (c *Client) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	args := make([]interface{}, 0, len(values)*2)
	for k, v := range values {
		args = append(args, k)
		switch val := v.(type) {
		case string:
			args = append(args, val)
		default:
			data, err := json.Marshal(v)
			if err != nil {
				return err
			}
			args = append(args, string(data))
		}
	}
	return c.rdb.HSet(ctx, key, args...).Err()
}

// HGet retrieves a single field from a hash
func (c *Client) HGet(ctx context.Context, key, field string) (string, error) {
	return c.rdb.HGet(ctx, key, field).Result()
}

// HGetAll retrieves all fields from a hash
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, key).Result()
}

// HDel deletes fields from a hash
func (c *Client) HDel(ctx context.Context, key string, fields ...string) error {
	return c.rdb.HDel(ctx, key, fields...).Err()
}

// HIncrBy increments a hash field by an integer
func (c *Client) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	return c.rdb.HIncrBy(ctx, key, field, incr).Result()
}

// SAdd adds members to a set
func (c *Client) SAdd(ctx context.Context, key string, members ...interface{}) error {
	return c.rdb.SAdd(ctx, key, members...).Err()
}

// SRem removes members from a set
func (c *Client) SRem(ctx context.Context, key string, members ...interface{}) error {
	return c.rdb.SRem(ctx, key, members...).Err()
}

// SMembers returns all members of a set
func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	return c.rdb.SMembers(ctx, key).Result()
}

// SetString stores a plain string
func (c *Client) SetString(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// GetString retrieves a plain string
func (c *Client) GetString(ctx context.Context, key string) (string, error) {
	return c.rdb.Get(ctx, key).Result()
}

// Scan iterates through keys matching a pattern
func (c *Client) Scan(ctx context.Context, cursor uint64, pattern string, count int64) ([]string, uint64, error) {
	return c.rdb.Scan(ctx, cursor, pattern, count).Result()
}

// ScanAll returns all keys matching a pattern using SCAN
func (c *Client) ScanAll(ctx context.Context, pattern string) ([]string, error) {
	var cursor uint64
	var keys []string

	for {
		var batch []string
		var err error
		batch, cursor, err = c.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		if cursor == 0 {
			break
		}
	}

	return keys, nil
}

// Pipeline creates a new pipeline
func (c *Client) Pipeline() redis.Pipeliner {
	return c.rdb.Pipeline()
}

// IsNil checks if an error is redis.Nil (key not found)
func IsNil(err error) bool {
	return err == redis.Nil
}
