package memory

import (
	"context"
	"testing"
	"time"

	"github.com/Korniev/SportHub/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvEvent(t *testing.T, sub domain.BrokerSubscription) domain.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed unexpectedly")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return domain.Event{}
	}
}

func TestBroker_PublishReachesAllSubscribers(t *testing.T) {
	b := NewBroker()
	ctx := context.Background()

	sub1, err := b.Subscribe(ctx, 42)
	require.NoError(t, err)
	sub2, err := b.Subscribe(ctx, 42)
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, domain.Event{MatchID: 42, Seq: 1}))

	assert.Equal(t, uint64(1), recvEvent(t, sub1).Seq)
	assert.Equal(t, uint64(1), recvEvent(t, sub2).Seq)
}

func TestBroker_NoCrossMatchDelivery(t *testing.T) {
	b := NewBroker()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, domain.Event{MatchID: 2, Seq: 1}))

	select {
	case ev := <-sub.Events():
		t.Fatalf("received event for wrong match: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroker_OrderPreservedPerMatch(t *testing.T) {
	b := NewBroker()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, 7)
	require.NoError(t, err)

	for seq := uint64(1); seq <= 10; seq++ {
		require.NoError(t, b.Publish(ctx, domain.Event{MatchID: 7, Seq: seq}))
	}

	for seq := uint64(1); seq <= 10; seq++ {
		assert.Equal(t, seq, recvEvent(t, sub).Seq)
	}
}

func TestBroker_CloseEndsSubscriptions(t *testing.T) {
	b := NewBroker()

	sub, err := b.Subscribe(context.Background(), 1)
	require.NoError(t, err)

	b.Close()

	_, ok := <-sub.Events()
	assert.False(t, ok)

	err = b.Publish(context.Background(), domain.Event{MatchID: 1, Seq: 1})
	assert.ErrorIs(t, err, domain.ErrBrokerUnavailable)

	_, err = b.Subscribe(context.Background(), 1)
	assert.ErrorIs(t, err, domain.ErrBrokerUnavailable)
}

func TestBroker_ReopenAfterOutage(t *testing.T) {
	b := NewBroker()
	ctx := context.Background()

	b.Close()
	assert.Error(t, b.HealthCheck(ctx))

	b.Reopen()
	require.NoError(t, b.HealthCheck(ctx))

	sub, err := b.Subscribe(ctx, 3)
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, domain.Event{MatchID: 3, Seq: 9}))
	assert.Equal(t, uint64(9), recvEvent(t, sub).Seq)
}

func TestBroker_SubscriptionCloseIsIdempotent(t *testing.T) {
	b := NewBroker()

	sub, err := b.Subscribe(context.Background(), 1)
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
}

func TestBroker_ContextCancelClosesSubscription(t *testing.T) {
	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := b.Subscribe(ctx, 1)
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription did not close on context cancel")
	}
}
