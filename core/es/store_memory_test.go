package es_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/cimcore/core/es"
)

func TestInMemoryStore_LoadNotFound(t *testing.T) {
	_, err := es.NewInMemoryStore().Load(t.Context(), "counter", "missing")
	require.ErrorIs(t, err, es.ErrAggregateNotFound)
}

func TestInMemoryStore_Append(t *testing.T) {
	store := es.NewInMemoryStore()

	_, err := store.Append(t.Context(), "counter", "c1", 0, nil)
	require.ErrorIs(t, err, es.ErrStoreNoEvents)

	res := appendIncs(t, store, "c1", 0, 1, 2)
	require.Equal(t, uint64(2), res.LastSeq)
	require.Equal(t, es.Version(2), res.LastVersion)
	require.Len(t, res.Events, 2)
	require.Equal(t, res.Events[1].CID, res.LastCID)

	t.Run("stale expected version", func(t *testing.T) {
		_, err := es.AppendEvents(t.Context(), store, "counter", "c1", 1, []any{&incremented{By: 1}})
		require.ErrorIs(t, err, es.ErrConcurrencyConflict)
	})

	t.Run("any version", func(t *testing.T) {
		res := appendIncs(t, store, "c1", es.AnyVersion, 5)
		require.Equal(t, es.Version(3), res.LastVersion)
	})

	t.Run("mismatched aggregate", func(t *testing.T) {
		env, err := es.NewEnvelope("counter", "other", &incremented{By: 1})
		require.NoError(t, err)
		_, err = store.Append(t.Context(), "counter", "c1", 3, []es.Envelope{env})
		require.Error(t, err)
	})

	t.Run("invalid subject token", func(t *testing.T) {
		_, err := es.AppendEvents(t.Context(), store, "counter", "a.b", 0, []any{&incremented{By: 1}})
		require.Error(t, err)
	})
}

func TestInMemoryStore_IdempotentAppend(t *testing.T) {
	store := es.NewInMemoryStore()
	env, err := es.NewEnvelope("counter", "c1", &incremented{By: 1})
	require.NoError(t, err)

	first, err := store.Append(t.Context(), "counter", "c1", 0, []es.Envelope{env}, es.WithIdempotencyToken("cmd-1"))
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	for range 5 {
		res, err := store.Append(t.Context(), "counter", "c1", 0, []es.Envelope{env}, es.WithIdempotencyToken("cmd-1"))
		require.NoError(t, err)
		require.True(t, res.Duplicate)
		require.Equal(t, first.LastSeq, res.LastSeq)
		require.Equal(t, first.LastCID, res.LastCID)
		require.Empty(t, res.Events)
	}

	stats, err := store.Stats(t.Context())
	require.NoError(t, err)
	require.Equal(t, uint64(1), stats.MessageCount)

	// without a token the envelope id is the dedup key
	res, err := store.Append(t.Context(), "counter", "c1", 1, []es.Envelope{env})
	require.NoError(t, err)
	require.False(t, res.Duplicate, "token and envelope id are distinct keys")
	res, err = store.Append(t.Context(), "counter", "c1", 2, []es.Envelope{env})
	require.NoError(t, err)
	require.True(t, res.Duplicate)
}

func TestInMemoryStore_TokensArePerAggregate(t *testing.T) {
	store := es.NewInMemoryStore()
	ctx := t.Context()

	for _, aggID := range []string{"c1", "c2"} {
		res, err := es.AppendEvents(ctx, store, "counter", aggID, 0, []any{&incremented{By: 1}}, es.WithIdempotencyToken("req-1"))
		require.NoError(t, err)
		require.False(t, res.Duplicate, aggID)
		require.Len(t, res.Events, 1, aggID)
	}
	for _, aggID := range []string{"c1", "c2"} {
		envs, err := store.Load(ctx, "counter", aggID)
		require.NoError(t, err)
		require.Len(t, envs, 1, aggID)
	}

	committed, err := store.Committed(ctx, "counter", "c2", "req-1")
	require.NoError(t, err)
	require.Len(t, committed, 1)
	require.Equal(t, "c2", committed[0].AggregateID)

	committed, err = store.Committed(ctx, "counter", "c3", "req-1")
	require.NoError(t, err)
	require.Empty(t, committed)
}

func TestInMemoryStore_PartialBatchResumes(t *testing.T) {
	store := es.NewInMemoryStore()
	var batch []es.Envelope
	for i := 1; i <= 3; i++ {
		env, err := es.NewEnvelope("counter", "c1", &incremented{By: i})
		require.NoError(t, err)
		batch = append(batch, env)
	}

	// an earlier attempt stored the first two messages
	_, err := store.Append(t.Context(), "counter", "c1", 0, batch[:2], es.WithIdempotencyToken("t"))
	require.NoError(t, err)

	res, err := store.Append(t.Context(), "counter", "c1", 0, batch, es.WithIdempotencyToken("t"))
	require.NoError(t, err)
	require.False(t, res.Duplicate)
	require.Len(t, res.Events, 1)
	require.Equal(t, es.Version(3), res.Events[0].Version)

	envs, err := store.Load(t.Context(), "counter", "c1")
	require.NoError(t, err)
	require.Len(t, envs, 3)
	require.NoError(t, es.VerifyChain(envs, ""))
}

func TestInMemoryStore_DedupWindowExpires(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := es.NewInMemoryStore(
		es.WithDedupWindow(time.Minute),
		es.WithClock(func() time.Time { return now }),
	)
	env, err := es.NewEnvelope("counter", "c1", &incremented{By: 1})
	require.NoError(t, err)

	_, err = store.Append(t.Context(), "counter", "c1", 0, []es.Envelope{env}, es.WithIdempotencyToken("t"))
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = store.Append(t.Context(), "counter", "c1", 0, []es.Envelope{env}, es.WithIdempotencyToken("t"))
	require.ErrorIs(t, err, es.ErrConcurrencyConflict, "outside the window the retry is a new append")
}

func TestInMemoryStore_ReplayCompletenessAcrossReopen(t *testing.T) {
	store := es.NewInMemoryStore()
	for i := range 20 {
		appendIncs(t, store, "c1", es.Version(i), i+1)
		appendIncs(t, store, "c2", es.Version(i), 1)
	}

	fresh := store.Reopen()
	envs, err := fresh.Load(t.Context(), "counter", "c1")
	require.NoError(t, err)
	require.Len(t, envs, 20)
	for i, e := range envs {
		require.Equal(t, es.Version(i+1), e.Version)
		require.JSONEq(t, fmt.Sprintf(`{"by":%d}`, i+1), string(e.Data))
	}
	require.NoError(t, es.VerifyChain(envs, ""))

	tail, err := fresh.Load(t.Context(), "counter", "c1", es.WithStartVersion(18))
	require.NoError(t, err)
	require.Len(t, tail, 3)
}

func TestInMemoryStore_Stats(t *testing.T) {
	store := es.NewInMemoryStore()
	stats, err := store.Stats(t.Context())
	require.NoError(t, err)
	require.Zero(t, stats.MessageCount)

	appendIncs(t, store, "c1", 0, 1, 2, 3)
	stats, err = store.Stats(t.Context())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), stats.MessageCount)
	assert.Equal(t, uint64(1), stats.FirstSeq)
	assert.Equal(t, uint64(3), stats.LastSeq)
	assert.Positive(t, stats.ByteSize)
}

func TestInMemoryStore_Compact(t *testing.T) {
	store := es.NewInMemoryStore()
	appendIncs(t, store, "c1", 0, 1, 1, 1, 1, 1)
	appendIncs(t, store, "c2", 0, 1)

	envs, err := store.Load(t.Context(), "counter", "c1")
	require.NoError(t, err)

	_, err = store.Compact(t.Context(), "counter", "c1", nil)
	require.Error(t, err)

	removed, err := store.Compact(t.Context(), "counter", "c1", &es.Snapshot{ObjType: "counter", ObjID: "c1", ObjVersion: 3})
	require.NoError(t, err)
	require.Equal(t, 3, removed)

	tail, err := store.Load(t.Context(), "counter", "c1")
	require.NoError(t, err)
	require.Len(t, tail, 2)
	require.NoError(t, es.VerifyChain(tail, envs[2].CID))

	stats, err := store.Stats(t.Context())
	require.NoError(t, err)
	require.Equal(t, uint64(3), stats.MessageCount)

	res := appendIncs(t, store, "c1", 5, 1)
	require.Equal(t, tail[1].CID, res.Events[0].PreviousCID)
}

func TestInMemoryStore_Replay(t *testing.T) {
	store := es.NewInMemoryStore()
	appendIncs(t, store, "c1", 0, 1, 2, 3)
	appendIncs(t, store, "c2", 0, 4)

	collect := func(t *testing.T, req es.ReplayRequest) []es.Envelope {
		r, err := store.Replay(t.Context(), req)
		require.NoError(t, err)
		defer r.Stop()
		var got []es.Envelope
		_, err = es.ReplayInto(t.Context(), r, nil, func(_ context.Context, e es.Envelope) error {
			got = append(got, e)
			return nil
		})
		require.NoError(t, err)
		return got
	}

	subjects := es.Subjects{}
	require.Len(t, collect(t, es.ReplayRequest{}), 4)
	require.Len(t, collect(t, es.ReplayRequest{Subject: subjects.All()}), 4)
	require.Len(t, collect(t, es.ReplayRequest{Subject: subjects.Type("counter")}), 4)
	require.Len(t, collect(t, es.ReplayRequest{Subject: subjects.Aggregate("counter", "c1")}), 3)
	require.Len(t, collect(t, es.ReplayRequest{Subject: "events.counter.*.incremented"}), 4)
	require.Empty(t, collect(t, es.ReplayRequest{Subject: subjects.Type("graph")}))
	require.Empty(t, collect(t, es.ReplayRequest{Since: time.Now().Add(time.Hour)}))
}

func TestInMemoryStore_ReplayDurableResumesAfterFailure(t *testing.T) {
	store := es.NewInMemoryStore()
	appendIncs(t, store, "c1", 0, 1, 2, 3, 4, 5)

	req := es.ReplayRequest{Durable: "projection"}
	r, err := store.Replay(t.Context(), req)
	require.NoError(t, err)

	boom := errors.New("boom")
	applied, err := es.ReplayInto(t.Context(), r, nil, func(_ context.Context, e es.Envelope) error {
		if e.Version == 3 {
			return boom
		}
		return nil
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 2, applied)
	require.NoError(t, r.Stop())

	r, err = store.Replay(t.Context(), req)
	require.NoError(t, err)
	defer r.Stop()
	var versions []es.Version
	_, err = es.ReplayInto(t.Context(), r, nil, func(_ context.Context, e es.Envelope) error {
		versions = append(versions, e.Version)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []es.Version{3, 4, 5}, versions)
}

func TestInMemoryStore_ReplayFollow(t *testing.T) {
	store := es.NewInMemoryStore()
	appendIncs(t, store, "c1", 0, 1)

	r, err := store.Replay(t.Context(), es.ReplayRequest{Follow: true})
	require.NoError(t, err)
	require.Equal(t, uint64(1), r.Head())

	msg, err := r.Next(t.Context())
	require.NoError(t, err)
	require.Equal(t, uint64(1), msg.Envelope.Seq)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(10 * time.Millisecond)
		_, _ = es.AppendEvents(context.Background(), store, "counter", "c1", 1, []any{&incremented{By: 2}})
	}()

	msg, err = r.Next(t.Context())
	require.NoError(t, err)
	require.Equal(t, es.Version(2), msg.Envelope.Version)
	wg.Wait()

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	_, err = r.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, r.Stop())
	_, err = r.Next(t.Context())
	require.Error(t, err)
}
