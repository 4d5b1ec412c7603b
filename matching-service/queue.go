package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// errQueueEmpty signals an empty bucket. Normal control flow.
var errQueueEmpty = errors.New("queue empty")

// queue is a set of named FIFO buckets of waiting users.
type queue interface {
	Push(ctx context.Context, key, uid string) error
	Pop(ctx context.Context, key string) (string, error)
}

// redisQueue backs the buckets with Redis lists. Push LPUSHes and Pop RPOPs,
// so the longest-waiting user comes out first.
type redisQueue struct {
	client *redis.Client
}

func (q *redisQueue) Push(ctx context.Context, key, uid string) error {
	if err := q.client.LPush(ctx, key, uid).Err(); err != nil {
		return fmt.Errorf("push %s: %w", key, err)
	}
	return nil
}

func (q *redisQueue) Pop(ctx context.Context, key string) (string, error) {
	uid, err := q.client.RPop(ctx, key).Result()
	if err == redis.Nil {
		return "", errQueueEmpty
	}
	if err != nil {
		return "", fmt.Errorf("pop %s: %w", key, err)
	}
	return uid, nil
}
