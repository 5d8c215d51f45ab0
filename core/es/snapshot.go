package es

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/cimcore/ports/kv"
)

var (
	ErrSnapshotterUnconfigured = errors.New("no snapshotter configured")
	ErrSnapshotNotFound        = errors.New("snapshot not found")
)

type (
	Snapshot struct {
		SnapshotID string `json:"snapshot_id"`

		ObjID      string  `json:"obj_id"`
		ObjType    string  `json:"obj_type"`
		ObjVersion Version `json:"obj_version"`
		// LastCID anchors chain verification of the events after the snapshot.
		LastCID string `json:"last_cid,omitempty"`

		// StreamSeq is the global sequence of the last event folded in.
		StreamSeq uint64 `json:"stream_seq"`

		CreatedAt     time.Time `json:"created_at"`
		SchemaVersion int       `json:"schema_version"`
		Encoding      string    `json:"encoding"`
		Data          []byte    `json:"data"`
	}

	Snapshottable interface {
		Snapshot() (data []byte, err error)
		RestoreSnapshot(data []byte) error
	}

	Snapshotter interface {
		SaveSnapshot(ctx context.Context, snapshot *Snapshot) error
		LoadSnapshot(ctx context.Context, objType, objID string) (*Snapshot, error)
	}
)

func (s *Snapshot) logAttrs() slog.Attr {
	return slog.Group(
		"snapshot",
		slog.String("id", s.SnapshotID),
		slog.String("obj_type", s.ObjType),
		slog.String("obj_id", s.ObjID),
		s.ObjVersion.SlogAttrWithKey("obj_version"),
		slog.Uint64("seq", s.StreamSeq),
		slog.Int("size", len(s.Data)),
	)
}

// ApplySnapshot restores agg from its latest snapshot. It returns
// ErrSnapshotNotFound when there is none.
func ApplySnapshot(ctx context.Context, snapshotter Snapshotter, agg Aggregate) (*Snapshot, error) {
	if snapshotter == nil {
		return nil, ErrSnapshotterUnconfigured
	}
	snapshot, err := snapshotter.LoadSnapshot(ctx, agg.GetAggType(), agg.GetID())
	if err != nil {
		return nil, err
	}
	if sss, ok := any(agg).(Snapshottable); ok {
		err = sss.RestoreSnapshot(snapshot.Data)
	} else {
		err = json.Unmarshal(snapshot.Data, agg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to restore snapshot: %w", err)
	}
	agg.setVersion(snapshot.ObjVersion)
	agg.setSeq(snapshot.StreamSeq)
	agg.setLastCID(snapshot.LastCID)
	return snapshot, nil
}

func CreateSnapshot(agg Aggregate) (ss *Snapshot, err error) {
	var data []byte
	if s, ok := any(agg).(Snapshottable); ok {
		data, err = s.Snapshot()
	} else {
		data, err = json.Marshal(agg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return &Snapshot{
		SnapshotID:    gonanoid.Must(),
		ObjID:         agg.GetID(),
		ObjType:       agg.GetAggType(),
		ObjVersion:    agg.GetVersion(),
		LastCID:       agg.GetLastCID(),
		StreamSeq:     agg.GetSeq(),
		CreatedAt:     time.Now().UTC(),
		SchemaVersion: 1,
		Encoding:      "json",
		Data:          data,
	}, nil
}

// KeyValueSnapshotter keeps the latest snapshot of every aggregate in a
// kv.Store under "<prefix><type>.<id>".
type KeyValueSnapshotter struct {
	store  kv.Store
	prefix string
	ttl    time.Duration
}

type KeyValueSnapshotterOption func(*KeyValueSnapshotter)

func WithSnapshotKeyPrefix(prefix string) KeyValueSnapshotterOption {
	return func(s *KeyValueSnapshotter) { s.prefix = prefix }
}

// WithSnapshotTTL lets snapshots expire. Expired snapshots fall back to a
// full replay.
func WithSnapshotTTL(ttl time.Duration) KeyValueSnapshotterOption {
	return func(s *KeyValueSnapshotter) { s.ttl = ttl }
}

func NewKeyValueSnapshotter(store kv.Store, opts ...KeyValueSnapshotterOption) *KeyValueSnapshotter {
	s := &KeyValueSnapshotter{store: store, prefix: "snapshot."}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewInMemorySnapshotter keeps snapshots in process memory.
func NewInMemorySnapshotter() *KeyValueSnapshotter {
	return NewKeyValueSnapshotter(kv.NewMemStore())
}

func (s *KeyValueSnapshotter) key(objType, objID string) string {
	return s.prefix + objType + "." + objID
}

func (s *KeyValueSnapshotter) SaveSnapshot(ctx context.Context, snapshot *Snapshot) error {
	return kv.Put(ctx, s.store, s.key(snapshot.ObjType, snapshot.ObjID), snapshot, kv.PutOptions{TTL: s.ttl})
}

func (s *KeyValueSnapshotter) LoadSnapshot(ctx context.Context, objType, objID string) (*Snapshot, error) {
	ss, err := kv.Get[*Snapshot](ctx, s.store, s.key(objType, objID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrSnapshotNotFound
		}
		return nil, err
	}
	return ss, nil
}

var _ Snapshotter = (*KeyValueSnapshotter)(nil)
