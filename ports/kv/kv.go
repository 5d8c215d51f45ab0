// Package kv is the key-value port used for snapshots. Adapters exist for
// memory, NATS JetStream KV (adapters/nats) and Redis (adapters/redis).
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

type Entry struct {
	Data []byte
}

type PutOptions struct {
	// TTL expires the entry. Zero keeps it until deleted.
	TTL time.Duration
}

type Store interface {
	Put(ctx context.Context, key string, entry Entry, opts PutOptions) error
	Get(ctx context.Context, key string) (Entry, error)
	Delete(ctx context.Context, key string) error
}

func Put[T any](ctx context.Context, store Store, key string, v T, opts PutOptions) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return store.Put(ctx, key, Entry{Data: data}, opts)
}

func Get[T any](ctx context.Context, store Store, key string) (out T, err error) {
	entry, err := store.Get(ctx, key)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(entry.Data, &out)
	return out, err
}
