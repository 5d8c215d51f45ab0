package nats

import (
	"github.com/codewandler/cimcore/core/es"
)

// NewSnapshotter creates a snapshotter on a JetStream key-value bucket.
func NewSnapshotter(cfg KvConfig, opts ...es.KeyValueSnapshotterOption) (*es.KeyValueSnapshotter, *KvStore, error) {
	store, err := NewKvStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	return es.NewKeyValueSnapshotter(store, opts...), store, nil
}
