// Package redis stores snapshots and other key-value data in Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/codewandler/cimcore/ports/kv"
)

const DefaultKeyPrefix = "cim:"

// Connect builds a client from a redis:// URL or a plain host:port.
func Connect(redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

type KvConfig struct {
	Client *redis.Client
	Log    *slog.Logger
	// KeyPrefix namespaces every key, DefaultKeyPrefix when empty.
	KeyPrefix string
}

// KvStore is a kv.Store on plain Redis strings. TTLs map to key expiry.
type KvStore struct {
	client *redis.Client
	log    *slog.Logger
	prefix string
}

func NewKvStore(cfg KvConfig) (*KvStore, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &KvStore{
		client: cfg.Client,
		log:    log.With(slog.String("kv", "redis")),
		prefix: prefix,
	}, nil
}

// Ping checks that the server is reachable.
func (s *KvStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *KvStore) Put(ctx context.Context, key string, entry kv.Entry, opts kv.PutOptions) error {
	if err := s.client.Set(ctx, s.prefix+key, entry.Data, opts.TTL).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *KvStore) Get(ctx context.Context, key string) (kv.Entry, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return kv.Entry{}, kv.ErrNotFound
		}
		return kv.Entry{}, fmt.Errorf("redis get %s: %w", key, err)
	}
	return kv.Entry{Data: data}, nil
}

func (s *KvStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

var _ kv.Store = (*KvStore)(nil)
