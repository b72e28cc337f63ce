// Package redis is a Redis Streams implementation of broker.Broker, so every
// bridge replica observes the same ordered namespace streams.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/mcp-app-bridge/broker"
	"github.com/redis/go-redis/v9"
)

// Broker is a Redis Streams-based implementation of the broker.Broker interface.
type Broker struct {
	client    redis.UniversalClient
	keyPrefix string
	maxLen    int64
	block     time.Duration
}

// Config contains configuration options for the Redis broker.
type Config struct {
	// Client is the Redis client to use. If nil, a default client will be created.
	Client redis.UniversalClient
	// KeyPrefix is prepended to all Redis keys used by the broker.
	// Defaults to "mcp-app-bridge:broker:" if empty.
	KeyPrefix string
	// MaxLen approximately caps each stream. Zero means 1024.
	MaxLen int64
	// Block is how long one XREAD waits before rechecking the context.
	// Zero means one second.
	Block time.Duration
}

// New creates a new Redis-based broker instance.
func New(config Config) *Broker {
	client := config.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{
			Addr: "localhost:6379",
		})
	}

	b := &Broker{
		client:    client,
		keyPrefix: config.KeyPrefix,
		maxLen:    config.MaxLen,
		block:     config.Block,
	}
	if b.keyPrefix == "" {
		b.keyPrefix = "mcp-app-bridge:broker:"
	}
	if b.maxLen <= 0 {
		b.maxLen = 1024
	}
	if b.block <= 0 {
		b.block = time.Second
	}
	return b
}

// Close closes the Redis connection.
func (b *Broker) Close() error {
	return b.client.Close()
}

// Publish implements broker.Broker.
func (b *Broker) Publish(ctx context.Context, namespace string, data []byte) (string, error) {
	streamKey := b.streamKey(namespace)

	eventID, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{
			"data": data,
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish message to stream %s: %w", streamKey, err)
	}
	return eventID, nil
}

// Subscribe implements broker.Broker.
func (b *Broker) Subscribe(ctx context.Context, namespace string, lastEventID string, handler broker.MessageHandler) error {
	streamKey := b.streamKey(namespace)

	startID := lastEventID
	if startID == "" {
		// Pin the current tail now. Re-reading from "$" on every XREAD
		// would skip messages published between reads.
		tail, err := b.client.XRevRangeN(ctx, streamKey, "+", "-", 1).Result()
		if err != nil {
			return fmt.Errorf("failed to read tail of stream %s: %w", streamKey, err)
		}
		startID = "0-0"
		if len(tail) > 0 {
			startID = tail[0].ID
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// No consumer group: every subscriber sees every message.
		streams, err := b.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{streamKey, startID},
			Count:   64,
			Block:   b.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read from stream %s: %w", streamKey, err)
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				startID = message.ID
				data, ok := message.Values["data"].(string)
				if !ok {
					continue
				}
				if err := handler(ctx, broker.MessageEnvelope{ID: message.ID, Data: []byte(data)}); err != nil {
					return err
				}
			}
		}
	}
}

// Cleanup implements broker.Broker.
func (b *Broker) Cleanup(ctx context.Context, namespace string) error {
	streamKey := b.streamKey(namespace)
	if err := b.client.Del(ctx, streamKey).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to cleanup namespace %s: %w", namespace, err)
	}
	return nil
}

func (b *Broker) streamKey(namespace string) string {
	return b.keyPrefix + "stream:" + namespace
}

var _ broker.Broker = (*Broker)(nil)
