package stream

import (
	"context"
	"errors"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/featurestore/internal/errs"
)

// Broker is the consumer-group stream abstraction the processor runs on.
type Broker interface {
	// EnsureGroup creates the group on each stream. An existing group is fine.
	EnsureGroup(ctx context.Context, group string, streams []string) error
	// Read returns up to count new messages, blocking at most block.
	Read(ctx context.Context, group, consumer string, streams []string, count int64, block time.Duration) ([]Message, error)
	Ack(ctx context.Context, group string, msg Message) error
	Add(ctx context.Context, stream string, values map[string]any) (string, error)
	// Discover lists event streams matching pattern, excluding dead-letter streams.
	Discover(ctx context.Context, pattern string) ([]string, error)
	// Claim takes over messages left pending by other consumers for longer than minIdle.
	Claim(ctx context.Context, group, consumer, stream string, minIdle time.Duration, count int64) ([]Message, error)
}

// RedisBroker implements Broker on Redis Streams.
type RedisBroker struct {
	client *redis.Client
}

func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

func (b *RedisBroker) EnsureGroup(ctx context.Context, group string, streams []string) error {
	for _, stream := range streams {
		err := b.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
		if err != nil && !isBusyGroup(err) {
			return errs.Broker("create group "+stream, err)
		}
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// IsNoGroup reports whether err says the stream or its consumer group is
// gone, as happens when a stream is deleted and recreated.
func IsNoGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOGROUP")
}

func (b *RedisBroker) Read(ctx context.Context, group, consumer string, streams []string, count int64, block time.Duration) ([]Message, error) {
	if len(streams) == 0 {
		return nil, nil
	}
	args := make([]string, 0, len(streams)*2)
	args = append(args, streams...)
	for range streams {
		args = append(args, ">")
	}
	result, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  args,
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Broker("read", err)
	}

	var out []Message
	for _, stream := range result {
		for _, m := range stream.Messages {
			out = append(out, Message{ID: m.ID, Stream: stream.Stream, Values: m.Values})
		}
	}
	return out, nil
}

func (b *RedisBroker) Ack(ctx context.Context, group string, msg Message) error {
	if err := b.client.XAck(ctx, msg.Stream, group, msg.ID).Err(); err != nil {
		return errs.Broker("ack", err)
	}
	return nil
}

func (b *RedisBroker) Add(ctx context.Context, stream string, values map[string]any) (string, error) {
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
	if err != nil {
		return "", errs.Broker("add "+stream, err)
	}
	return id, nil
}

func (b *RedisBroker) Discover(ctx context.Context, pattern string) ([]string, error) {
	var (
		cursor uint64
		out    []string
	)
	for {
		keys, next, err := b.client.ScanType(ctx, cursor, pattern, 100, "stream").Result()
		if err != nil {
			return nil, errs.Broker("discover", err)
		}
		for _, key := range keys {
			if strings.HasSuffix(key, ":dlq") {
				continue
			}
			out = append(out, key)
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

func (b *RedisBroker) Claim(ctx context.Context, group, consumer, stream string, minIdle time.Duration, count int64) ([]Message, error) {
	messages, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Broker("claim "+stream, err)
	}
	out := make([]Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, Message{ID: m.ID, Stream: stream, Values: m.Values})
	}
	return out, nil
}
