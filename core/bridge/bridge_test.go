package bridge_test

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/cimcore/core/bridge"
)

func double(_ context.Context, n int) (int, error) {
	if n < 0 {
		return 0, errors.New("negative")
	}
	return 2 * n, nil
}

func collect[C, R any](t *testing.T, ch <-chan bridge.Result[C, R], n int) []bridge.Result[C, R] {
	t.Helper()
	out := make([]bridge.Result[C, R], 0, n)
	for len(out) < n {
		select {
		case r := <-ch:
			out = append(out, r)
		case <-time.After(time.Second):
			t.Fatalf("got %d of %d results", len(out), n)
		}
	}
	return out
}

func TestBridge_SubmitAndResults(t *testing.T) {
	b := bridge.New(t.Context(), double, bridge.Options{Workers: 1})

	for i := range 5 {
		require.NoError(t, b.Submit(t.Context(), i))
	}
	require.NoError(t, b.Submit(t.Context(), -1))

	res := collect(t, b.Results(), 6)
	for i := range 5 {
		require.Equal(t, i, res[i].Cmd)
		require.Equal(t, 2*i, res[i].Value)
		require.NoError(t, res[i].Err)
	}
	require.EqualError(t, res[5].Err, "negative")

	require.NoError(t, b.Stop(t.Context()))
	_, open := <-b.Results()
	require.False(t, open)
	require.ErrorIs(t, b.Submit(t.Context(), 1), bridge.ErrStopped)
	require.False(t, b.TrySubmit(1))
}

func TestBridge_Request(t *testing.T) {
	b := bridge.New(t.Context(), double, bridge.Options{})
	t.Cleanup(func() { _ = b.Stop(context.Background()) })

	v, err := b.Request(t.Context(), 21)
	require.NoError(t, err)
	require.Equal(t, 42, v)

	_, err = b.Request(t.Context(), -1)
	require.EqualError(t, err, "negative")

	select {
	case r := <-b.Results():
		t.Fatalf("unexpected result %v", r)
	default:
	}
}

func TestBridge_Backpressure(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	h := func(ctx context.Context, s string) (string, error) {
		started <- struct{}{}
		<-release
		return s, nil
	}
	b := bridge.New(t.Context(), h, bridge.Options{Workers: 1, CommandQueueSize: 1})

	require.NoError(t, b.Submit(t.Context(), "a"))
	<-started
	require.True(t, b.TrySubmit("b"))
	require.False(t, b.TrySubmit("c"))

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, b.Submit(ctx, "c"), context.DeadlineExceeded)

	close(release)
	res := collect(t, b.Results(), 2)
	require.Equal(t, "a", res[0].Value)
	require.Equal(t, "b", res[1].Value)
	require.NoError(t, b.Stop(t.Context()))
}

func TestBridge_PanicIsContained(t *testing.T) {
	var recovered any
	h := func(_ context.Context, n int) (int, error) {
		if n == 0 {
			panic("boom")
		}
		return n, nil
	}
	b := bridge.New(t.Context(), h, bridge.Options{
		Workers: 1,
		OnPanic: func(r any, _ []byte, _ any) { recovered = r },
	})

	_, err := b.Request(t.Context(), 0)
	require.ErrorIs(t, err, bridge.ErrHandlerPanicked)
	require.Equal(t, "boom", recovered)

	v, err := b.Request(t.Context(), 7)
	require.NoError(t, err)
	require.Equal(t, 7, v)
	require.NoError(t, b.Stop(t.Context()))
}

func TestBridge_StopDrainsQueue(t *testing.T) {
	b := bridge.New(t.Context(), func(_ context.Context, n int) (string, error) {
		return strconv.Itoa(n), nil
	}, bridge.Options{Workers: 2, ResultQueueSize: 16})

	for i := range 10 {
		require.NoError(t, b.Submit(t.Context(), i))
	}
	require.NoError(t, b.Stop(t.Context()))

	var got []string
	for r := range b.Results() {
		require.NoError(t, r.Err)
		got = append(got, r.Value)
	}
	require.Len(t, got, 10)
}

func TestBridge_StopGivesUpOnStalledReader(t *testing.T) {
	b := bridge.New(t.Context(), double, bridge.Options{Workers: 1, ResultQueueSize: 1})
	for i := range 3 {
		require.NoError(t, b.Submit(t.Context(), i))
	}

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, b.Stop(ctx), context.DeadlineExceeded)

	var got []int
	for r := range b.Results() {
		got = append(got, r.Value)
	}
	require.Equal(t, []int{0}, got)
	<-b.Done()
}
