package subs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	subscribed   [][]string
	unsubscribed [][]string
	err          error
}

func (f *fakeSource) Subscribe(_ context.Context, channels []string) error {
	if f.err != nil {
		return f.err
	}
	f.subscribed = append(f.subscribed, channels)
	return nil
}

func (f *fakeSource) Unsubscribe(_ context.Context, channels []string) error {
	f.unsubscribed = append(f.unsubscribed, channels)
	return nil
}

func TestSubscribeIdempotent(t *testing.T) {
	src := &fakeSource{}
	m := NewManager(src)
	ctx := context.Background()

	require.NoError(t, m.Subscribe(ctx, "ticker.BTC-PERPETUAL.raw"))
	require.NoError(t, m.Subscribe(ctx, "ticker.BTC-PERPETUAL.raw"))

	assert.Len(t, src.subscribed, 1)
	assert.Equal(t, []string{"ticker.BTC-PERPETUAL.raw"}, m.Active())

	assert.Error(t, m.Subscribe(ctx, "  "))
}

func TestSubscribeFailureLeavesStale(t *testing.T) {
	src := &fakeSource{err: errors.New("boom")}
	m := NewManager(src)
	ctx := context.Background()

	require.Error(t, m.Subscribe(ctx, "user.trades.BTC-PERPETUAL.raw"))
	assert.Empty(t, m.Active())
	assert.Equal(t, "stale", m.Snapshot()["user.trades.BTC-PERPETUAL.raw"])

	// Replay retries it once the source recovers.
	src.err = nil
	require.NoError(t, m.Replay(ctx))
	assert.Equal(t, []string{"user.trades.BTC-PERPETUAL.raw"}, m.Active())
}

func TestReplayAfterDisconnect(t *testing.T) {
	src := &fakeSource{}
	m := NewManager(src)
	ctx := context.Background()

	require.NoError(t, m.Subscribe(ctx, "user.orders.BTC-PERPETUAL.raw"))
	require.NoError(t, m.Subscribe(ctx, "user.trades.BTC-PERPETUAL.raw"))
	require.NoError(t, m.Subscribe(ctx, "ticker.BTC-PERPETUAL.raw"))

	m.MarkAllStale()
	assert.Empty(t, m.Active())

	require.NoError(t, m.Replay(ctx))
	assert.Equal(t, []string{
		"ticker.BTC-PERPETUAL.raw",
		"user.orders.BTC-PERPETUAL.raw",
		"user.trades.BTC-PERPETUAL.raw",
	}, m.Active())

	// All three went out in one batched call.
	last := src.subscribed[len(src.subscribed)-1]
	assert.Len(t, last, 3)

	// Nothing stale: replay is a no-op.
	calls := len(src.subscribed)
	require.NoError(t, m.Replay(ctx))
	assert.Len(t, src.subscribed, calls)
}

func TestUnsubscribeForgetsChannel(t *testing.T) {
	src := &fakeSource{}
	m := NewManager(src)
	ctx := context.Background()

	require.NoError(t, m.Subscribe(ctx, "ticker.BTC-PERPETUAL.raw"))
	require.NoError(t, m.Unsubscribe(ctx, "ticker.BTC-PERPETUAL.raw"))
	assert.Empty(t, m.Active())
	assert.Len(t, src.unsubscribed, 1)

	// Unknown channel: no network call.
	require.NoError(t, m.Unsubscribe(ctx, "never-subscribed"))
	assert.Len(t, src.unsubscribed, 1)
}
