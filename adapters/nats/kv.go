package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/cimcore/ports/kv"
)

const defaultBucket = "cim_snapshots"

type KvConfig struct {
	Connect Connector    // Connect is used to create the underlying NATS connection. If nil, ConnectDefault() is used.
	Log     *slog.Logger // Log for diagnostics (optional)
	Bucket  string
	// MaxBytes bounds the bucket. Zero means 64MiB.
	MaxBytes int64
	// Now overrides the clock used for entry expiry.
	Now func() time.Time
}

// kvRecord is the stored form of an entry. JetStream KV only expires whole
// buckets, so per-entry TTLs are checked on read.
type kvRecord struct {
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	Data      []byte    `json:"data"`
}

// KvStore is a kv.Store on a JetStream key-value bucket.
type KvStore struct {
	kv      jetstream.KeyValue
	closeNc closeFunc
	log     *slog.Logger
	now     func() time.Time
}

func NewKvStore(cfg KvConfig) (*KvStore, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	nc, closeNc, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeNc()
		return nil, err
	}

	bucket := cfg.Bucket
	if bucket == "" {
		bucket = defaultBucket
	}
	maxBytes := cfg.MaxBytes
	if maxBytes == 0 {
		maxBytes = 64 << 20
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bkt, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:   bucket,
		Storage:  jetstream.FileStorage,
		MaxBytes: maxBytes,
		History:  1,
	})
	if err != nil {
		closeNc()
		return nil, fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &KvStore{
		kv:      bkt,
		closeNc: closeNc,
		log:     log.With(slog.String("kv", "nats"), slog.String("bucket", bucket)),
		now:     now,
	}, nil
}

func (k *KvStore) Put(ctx context.Context, key string, entry kv.Entry, opts kv.PutOptions) error {
	rec := kvRecord{Data: entry.Data}
	if opts.TTL > 0 {
		rec.ExpiresAt = k.now().Add(opts.TTL).UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err = k.kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

func (k *KvStore) Get(ctx context.Context, key string) (kv.Entry, error) {
	v, err := k.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return kv.Entry{}, kv.ErrNotFound
		}
		return kv.Entry{}, fmt.Errorf("failed to get %s: %w", key, err)
	}
	var rec kvRecord
	if err := json.Unmarshal(v.Value(), &rec); err != nil {
		return kv.Entry{}, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	if !rec.ExpiresAt.IsZero() && !k.now().Before(rec.ExpiresAt) {
		k.log.Debug("entry expired", slog.String("key", key))
		return kv.Entry{}, kv.ErrNotFound
	}
	return kv.Entry{Data: rec.Data}, nil
}

func (k *KvStore) Delete(ctx context.Context, key string) error {
	err := k.kv.Delete(ctx, key)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (k *KvStore) Close() error {
	k.closeNc()
	return nil
}

var _ kv.Store = (*KvStore)(nil)
