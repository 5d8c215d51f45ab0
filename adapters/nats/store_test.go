package nats

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/cimcore/core/es"
)

type noteAdded struct {
	Text string `json:"text"`
}

func newTestStore(t *testing.T, connect Connector) *EventStore {
	t.Helper()
	store, err := NewEventStore(EventStoreConfig{
		Connect:       ReuseConnection(connect),
		Log:           slog.Default(),
		MemoryStorage: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func notes(t *testing.T, aggID string, texts ...string) []es.Envelope {
	t.Helper()
	out := make([]es.Envelope, 0, len(texts))
	for _, text := range texts {
		env, err := es.NewEnvelope("note", aggID, &noteAdded{Text: text})
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

func TestNats_EventStore(t *testing.T) {
	connect := NewTestContainer(t)
	store := newTestStore(t, connect)

	t.Run("stream info", func(t *testing.T) {
		si, err := store.stream.Info(t.Context())
		require.NoError(t, err)
		require.Equal(t, DefaultStreamName, si.Config.Name)
		require.Equal(t, []string{"events.>"}, si.Config.Subjects)
		require.Equal(t, DefaultDuplicateWindow, si.Config.Duplicates)
	})

	t.Run("load missing", func(t *testing.T) {
		_, err := store.Load(t.Context(), "note", "missing")
		require.ErrorIs(t, err, es.ErrAggregateNotFound)
	})

	t.Run("append and load", func(t *testing.T) {
		res, err := store.Append(t.Context(), "note", "n1", 0, notes(t, "n1", "a", "b", "c"))
		require.NoError(t, err)
		require.False(t, res.Duplicate)
		require.Equal(t, es.Version(3), res.LastVersion)
		require.Len(t, res.Events, 3)

		envs, err := store.Load(t.Context(), "note", "n1")
		require.NoError(t, err)
		require.Len(t, envs, 3)
		require.NoError(t, es.VerifyChain(envs, ""))
		require.Equal(t, res.LastCID, envs[2].CID)
		require.Equal(t, res.LastSeq, envs[2].Seq)
		require.Equal(t, "noteAdded", envs[0].Type)

		tail, err := store.Load(t.Context(), "note", "n1", es.WithStartVersion(2))
		require.NoError(t, err)
		require.Len(t, tail, 2)
		require.Equal(t, es.Version(2), tail[0].Version)
	})

	t.Run("stale version", func(t *testing.T) {
		_, err := store.Append(t.Context(), "note", "n1", 1, notes(t, "n1", "x"))
		require.ErrorIs(t, err, es.ErrConcurrencyConflict)
		require.False(t, es.IsRetryable(err))
	})

	t.Run("retry with token", func(t *testing.T) {
		batch := notes(t, "n2", "a", "b", "c")

		// a lost ack after the first two messages were stored
		_, err := store.Append(t.Context(), "note", "n2", 0, batch[:2], es.WithIdempotencyToken("cmd-1"))
		require.NoError(t, err)

		res, err := store.Append(t.Context(), "note", "n2", 0, batch, es.WithIdempotencyToken("cmd-1"))
		require.NoError(t, err)
		require.False(t, res.Duplicate)
		require.Len(t, res.Events, 1)
		require.Equal(t, es.Version(3), res.LastVersion)

		again, err := store.Append(t.Context(), "note", "n2", 0, batch, es.WithIdempotencyToken("cmd-1"))
		require.NoError(t, err)
		require.True(t, again.Duplicate)
		require.Equal(t, res.LastSeq, again.LastSeq)
		require.Equal(t, res.LastCID, again.LastCID)

		envs, err := store.Load(t.Context(), "note", "n2")
		require.NoError(t, err)
		require.Len(t, envs, 3)
		require.NoError(t, es.VerifyChain(envs, ""))
	})

	t.Run("stats", func(t *testing.T) {
		st, err := store.Stats(t.Context())
		require.NoError(t, err)
		require.Equal(t, uint64(6), st.MessageCount)
		require.Equal(t, uint64(6), st.LastSeq)
	})
}

func TestNats_TokensArePerAggregate(t *testing.T) {
	connect := NewTestContainer(t)
	store := newTestStore(t, connect)
	ctx := t.Context()

	for _, aggID := range []string{"t1", "t2"} {
		res, err := store.Append(ctx, "note", aggID, 0, notes(t, aggID, "a", "b"), es.WithIdempotencyToken("req-1"))
		require.NoError(t, err)
		require.False(t, res.Duplicate, aggID)
		require.Len(t, res.Events, 2, aggID)
	}

	committed, err := store.Committed(ctx, "note", "t2", "req-1")
	require.NoError(t, err)
	require.Len(t, committed, 2)
	require.Equal(t, "t2", committed[0].AggregateID)
	require.Equal(t, es.Version(2), committed[1].Version)

	committed, err = store.Committed(ctx, "note", "t1", "req-2")
	require.NoError(t, err)
	require.Empty(t, committed)

	t.Run("duplicate ack is a conflict", func(t *testing.T) {
		batch := notes(t, "t3", "a", "b")
		_, err := store.Append(ctx, "note", "t3", 0, batch[:1], es.WithIdempotencyToken("req-1"))
		require.NoError(t, err)
		// the head no longer carries the token's id
		_, err = store.Append(ctx, "note", "t3", 1, notes(t, "t3", "other"))
		require.NoError(t, err)

		res, err := store.Append(ctx, "note", "t3", es.AnyVersion, batch, es.WithIdempotencyToken("req-1"))
		require.ErrorIs(t, err, es.ErrConcurrencyConflict)
		require.Nil(t, res)
	})
}

func TestNats_Replay(t *testing.T) {
	connect := NewTestContainer(t)
	store := newTestStore(t, connect)

	_, err := store.Append(t.Context(), "note", "r1", 0, notes(t, "r1", "a", "b"))
	require.NoError(t, err)
	_, err = store.Append(t.Context(), "note", "r2", 0, notes(t, "r2", "c"))
	require.NoError(t, err)

	drain := func(t *testing.T, req es.ReplayRequest, ack bool) []es.Envelope {
		t.Helper()
		r, err := store.Replay(t.Context(), req)
		require.NoError(t, err)
		defer func() { require.NoError(t, r.Stop()) }()
		var out []es.Envelope
		for {
			msg, err := r.Next(t.Context())
			if errors.Is(err, io.EOF) {
				return out
			}
			require.NoError(t, err)
			require.NoError(t, msg.Err)
			out = append(out, msg.Envelope)
			if ack {
				require.NoError(t, msg.Ack())
			}
		}
	}

	t.Run("all", func(t *testing.T) {
		envs := drain(t, es.ReplayRequest{}, false)
		require.Len(t, envs, 3)
		for i, env := range envs {
			require.Equal(t, uint64(i+1), env.Seq)
		}
	})

	t.Run("filtered", func(t *testing.T) {
		envs := drain(t, es.ReplayRequest{Subject: store.subjects.Aggregate("note", "r2")}, false)
		require.Len(t, envs, 1)
		require.Equal(t, "r2", envs[0].AggregateID)
	})

	t.Run("durable resumes", func(t *testing.T) {
		require.Len(t, drain(t, es.ReplayRequest{Durable: "projector"}, true), 3)

		_, err := store.Append(t.Context(), "note", "r1", 2, notes(t, "r1", "d"))
		require.NoError(t, err)

		envs := drain(t, es.ReplayRequest{Durable: "projector"}, true)
		require.Len(t, envs, 1)
		require.Equal(t, es.Version(3), envs[0].Version)
	})

	t.Run("follow", func(t *testing.T) {
		r, err := store.Replay(t.Context(), es.ReplayRequest{Subject: store.subjects.Aggregate("note", "r3"), Follow: true})
		require.NoError(t, err)
		defer r.Stop()
		require.Zero(t, r.Head())

		go func() {
			time.Sleep(100 * time.Millisecond)
			_, _ = es.AppendEvents(t.Context(), store, "note", "r3", 0, []any{&noteAdded{Text: "live"}})
		}()

		msg, err := r.Next(t.Context())
		require.NoError(t, err)
		require.Equal(t, "r3", msg.Envelope.AggregateID)
		require.NoError(t, msg.Ack())
	})
}

func TestNats_Compact(t *testing.T) {
	connect := NewTestContainer(t)
	store := newTestStore(t, connect)

	res, err := store.Append(t.Context(), "note", "c1", 0, notes(t, "c1", "a", "b", "c", "d"))
	require.NoError(t, err)

	snap := &es.Snapshot{ObjType: "note", ObjID: "c1", ObjVersion: 2, LastCID: res.Events[1].CID}
	removed, err := store.Compact(t.Context(), "note", "c1", snap)
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	envs, err := store.Load(t.Context(), "note", "c1")
	require.NoError(t, err)
	require.Len(t, envs, 2)
	require.NoError(t, es.VerifyChain(envs, snap.LastCID))

	// the head survives even a snapshot at the latest version
	snap = &es.Snapshot{ObjType: "note", ObjID: "c1", ObjVersion: 4}
	removed, err = store.Compact(t.Context(), "note", "c1", snap)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	res, err = es.AppendEvents(t.Context(), store, "note", "c1", 4, []any{&noteAdded{Text: "e"}})
	require.NoError(t, err)
	require.Equal(t, es.Version(5), res.LastVersion)
}
