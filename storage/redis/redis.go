// Package redis provides a Redis-based implementation of the storage.Storage
// interface, so cached data is shared by every bridge replica.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/mcp-app-bridge/storage"
)

const (
	fieldData    = "data"
	fieldCreated = "created"
	scanBatch    = 100
)

// Config contains configuration options for the Redis storage
type Config struct {
	// Client is the Redis client instance
	Client redis.UniversalClient

	// KeyPrefix is the prefix for all Redis keys
	// Default: "mcp-app-bridge:storage:"
	KeyPrefix string
}

// Storage keeps each item in a hash holding its data and creation time.
// Expiry is left to Redis key TTLs.
type Storage struct {
	client    redis.UniversalClient
	keyPrefix string
}

var _ storage.Storage = (*Storage)(nil)

// New creates a new Redis-based storage instance.
func New(config Config) (*Storage, error) {
	if config.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "mcp-app-bridge:storage:"
	}
	return &Storage{client: config.Client, keyPrefix: config.KeyPrefix}, nil
}

// Get implements storage.Storage.
func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.StorageItem, error) {
	rk := s.key(storage.Apply(opts...), key)

	var fields *redis.MapStringStringCmd
	var ttl *redis.DurationCmd
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		fields = p.HGetAll(ctx, rk)
		ttl = p.PTTL(ctx, rk)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", rk, err)
	}

	vals := fields.Val()
	data, ok := vals[fieldData]
	if !ok {
		return nil, nil
	}
	item := &storage.StorageItem{Data: []byte(data)}
	if ms, err := strconv.ParseInt(vals[fieldCreated], 10, 64); err == nil {
		item.CreatedAt = time.UnixMilli(ms)
	}
	// PTTL reports -1 for keys without expiry.
	if d := ttl.Val(); d > 0 {
		exp := time.Now().Add(d)
		item.ExpiresAt = &exp
	}
	return item, nil
}

// Set implements storage.Storage. The hash is replaced atomically.
func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	options := storage.Apply(opts...)
	rk := s.key(options, key)

	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, rk)
		p.HSet(ctx, rk, fieldData, data, fieldCreated, time.Now().UnixMilli())
		if options.TTL > 0 {
			p.PExpire(ctx, rk, options.TTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("set %s: %w", rk, err)
	}
	return nil
}

// Delete implements storage.Storage. Without WithKey the whole group is
// removed, one SCAN batch at a time.
func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	options := storage.Apply(opts...)
	if options.Key != nil {
		rk := s.key(options, *options.Key)
		if err := s.client.Del(ctx, rk).Err(); err != nil {
			return fmt.Errorf("delete %s: %w", rk, err)
		}
		return nil
	}

	pattern := s.key(options, "*")
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return fmt.Errorf("scan %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			if err := s.client.Unlink(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("delete %s: %w", pattern, err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Close closes the underlying client.
func (s *Storage) Close() error {
	return s.client.Close()
}

func (s *Storage) key(options *storage.Options, key string) string {
	return s.keyPrefix + options.Group() + key
}
