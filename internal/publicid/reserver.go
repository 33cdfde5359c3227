// Package publicid guards against two uploads claiming the same remote
// identifier. A second claim is refused instead of overwriting the first asset.
package publicid

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// ErrTaken is returned when the identifier is already reserved.
var ErrTaken = errors.New("public id already reserved")

// Reserver claims public identifiers for the duration of an upload.
type Reserver interface {
	Reserve(ctx context.Context, id string) error
	Release(ctx context.Context, id string) error
}

// Memory reserves identifiers inside one process.
type Memory struct {
	mu  sync.Mutex
	lru *expirable.LRU[string, struct{}]
}

func NewMemory(size int, ttl time.Duration) *Memory {
	if size <= 0 {
		size = 10000
	}
	return &Memory{lru: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

func (m *Memory) Reserve(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lru.Contains(id) {
		return fmt.Errorf("%w: %s", ErrTaken, id)
	}
	m.lru.Add(id, struct{}{})
	return nil
}

func (m *Memory) Release(ctx context.Context, id string) error {
	m.mu.Lock()
	m.lru.Remove(id)
	m.mu.Unlock()
	return nil
}

// Redis reserves identifiers across processes with SET NX.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedis(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = "campaignmedia:publicid:"
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) Reserve(ctx context.Context, id string) error {
	ok, err := r.client.SetNX(ctx, r.prefix+id, time.Now().UTC().Format(time.RFC3339Nano), r.ttl).Result()
	if err != nil {
		return fmt.Errorf("reserve public id: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaken, id)
	}
	return nil
}

func (r *Redis) Release(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.prefix+id).Err(); err != nil {
		return fmt.Errorf("release public id: %w", err)
	}
	return nil
}
