package es_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/cimcore/core/es"
)

func TestChain_AppendLinksEvents(t *testing.T) {
	store := es.NewInMemoryStore()
	appendIncs(t, store, "c1", 0, 1, 2)
	appendIncs(t, store, "c1", 2, 3, 4, 5)

	envs, err := store.Load(t.Context(), "counter", "c1")
	require.NoError(t, err)
	require.Len(t, envs, 5)

	require.Empty(t, envs[0].PreviousCID)
	for i, e := range envs {
		require.Equal(t, es.Version(i+1), e.Version)
		require.True(t, strings.HasPrefix(e.CID, "b2:"))
		require.Len(t, e.CID, 3+64)
		if i > 0 {
			require.Equal(t, envs[i-1].CID, e.PreviousCID)
		}
	}
	require.NoError(t, es.VerifyChain(envs, ""))
	require.NoError(t, es.VerifyChain(envs[2:], envs[1].CID))
}

func TestVerifyChain_DetectsCorruption(t *testing.T) {
	store := es.NewInMemoryStore()
	appendIncs(t, store, "c1", 0, 1, 2, 3, 4)
	envs, err := store.Load(t.Context(), "counter", "c1")
	require.NoError(t, err)

	t.Run("tampered payload", func(t *testing.T) {
		broken := append([]es.Envelope(nil), envs...)
		broken[2].Data = []byte(`{"by":99}`)
		err := es.VerifyChain(broken, "")
		require.ErrorIs(t, err, es.ErrChainIntegrity)
		var ce *es.ChainIntegrityError
		require.ErrorAs(t, err, &ce)
		require.Equal(t, es.Version(3), ce.Version)
		require.Equal(t, "cid does not match content", ce.Reason)
	})

	t.Run("missing event", func(t *testing.T) {
		broken := []es.Envelope{envs[0], envs[1], envs[3]}
		require.ErrorIs(t, es.VerifyChain(broken, ""), es.ErrChainIntegrity)
	})

	t.Run("reordered", func(t *testing.T) {
		broken := []es.Envelope{envs[0], envs[2], envs[1], envs[3]}
		require.ErrorIs(t, es.VerifyChain(broken, ""), es.ErrChainIntegrity)
	})

	t.Run("wrong anchor", func(t *testing.T) {
		require.ErrorIs(t, es.VerifyChain(envs[1:], "b2:00"), es.ErrChainIntegrity)
	})
}

func TestComputeCID_IgnoresTimeZoneAndSeq(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 42, time.UTC)
	env := es.Envelope{
		ID:            "e1",
		AggregateType: "counter",
		AggregateID:   "c1",
		Type:          "incremented",
		Version:       1,
		OccurredAt:    at,
		Data:          []byte(`{"by":1}`),
	}
	a, err := es.ComputeCID(env)
	require.NoError(t, err)

	env.OccurredAt = at.In(time.FixedZone("X", 3600))
	env.Seq = 77
	b, err := es.ComputeCID(env)
	require.NoError(t, err)
	require.Equal(t, a, b)

	env.Version = 2
	c, err := es.ComputeCID(env)
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}
