package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	brokermem "github.com/Korniev/SportHub/internal/broker/memory"
	"github.com/Korniev/SportHub/internal/domain"
	"github.com/Korniev/SportHub/internal/hub"
	"github.com/Korniev/SportHub/internal/ingest"
	"github.com/Korniev/SportHub/internal/sequencer"
	storemem "github.com/Korniev/SportHub/internal/store/memory"
)

type captureDispatcher struct {
	mu      sync.Mutex
	events  []domain.Event
	resyncs []int64
}

func (d *captureDispatcher) Dispatch(ev domain.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
}

func (d *captureDispatcher) Resync(matchID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resyncs = append(d.resyncs, matchID)
}

func (d *captureDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.events)
}

func (d *captureDispatcher) resyncCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.resyncs)
}

func (d *captureDispatcher) all() []domain.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.Event(nil), d.events...)
}

func newTestService(t *testing.T, broker domain.Broker) (*Service, *captureDispatcher, *storemem.Store) {
	t.Helper()

	store := storemem.NewStore()
	clock := clockwork.NewRealClock()
	svc := NewService(ingest.NewNormalizer(clock), sequencer.New(store, broker), broker, clock, 2*time.Millisecond)
	t.Cleanup(svc.Stop)

	dispatcher := &captureDispatcher{}
	svc.AttachDispatcher(dispatcher)
	return svc, dispatcher, store
}

func goalPayload(matchID int64, home int) []byte {
	return []byte(fmt.Sprintf(`{"match_id":%d,"event_id":"sf-%d-%d","kind":"goal","home_score":%d,"away_score":0}`, matchID, matchID, home, home))
}

func TestService_FeedEventsReachDispatcher(t *testing.T) {
	broker := brokermem.NewBroker()
	svc, dispatcher, _ := newTestService(t, broker)
	ctx := context.Background()

	svc.OnMatchActive(42)

	// The pump subscribes asynchronously; events published before that
	// are legitimately missed, so keep feeding until one lands.
	home := 0
	require.Eventually(t, func() bool {
		home++
		_, err := svc.IngestFeedEvent(ctx, ingest.ProviderStatsfeed, goalPayload(42, home))
		require.NoError(t, err)
		return dispatcher.count() > 0
	}, time.Second, 5*time.Millisecond)

	base := dispatcher.count()
	ev, err := svc.IngestFeedEvent(ctx, ingest.ProviderStatsfeed, goalPayload(42, home+1))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return dispatcher.count() > base }, time.Second, 5*time.Millisecond)

	got := dispatcher.all()
	last := got[len(got)-1]
	assert.Equal(t, ev.Seq, last.Seq)
	assert.Equal(t, int64(42), last.MatchID)
}

func TestService_MalformedFeedEventIsRejected(t *testing.T) {
	svc, _, store := newTestService(t, brokermem.NewBroker())

	_, err := svc.IngestFeedEvent(context.Background(), ingest.ProviderStatsfeed, []byte(`{"kind":"goal"}`))
	assert.ErrorIs(t, err, domain.ErrMalformedEvent)

	seq, err := store.LatestSequence(context.Background(), 42)
	require.NoError(t, err)
	assert.Zero(t, seq)
}

func TestService_MatchIdleStopsDelivery(t *testing.T) {
	broker := brokermem.NewBroker()
	svc, dispatcher, _ := newTestService(t, broker)
	ctx := context.Background()

	svc.OnMatchActive(42)
	home := 0
	require.Eventually(t, func() bool {
		home++
		_, err := svc.IngestFeedEvent(ctx, ingest.ProviderStatsfeed, goalPayload(42, home))
		require.NoError(t, err)
		return dispatcher.count() > 0
	}, time.Second, 5*time.Millisecond)

	svc.OnMatchIdle(42)
	time.Sleep(20 * time.Millisecond)

	base := dispatcher.count()
	for i := 0; i < 5; i++ {
		home++
		_, err := svc.IngestFeedEvent(ctx, ingest.ProviderStatsfeed, goalPayload(42, home))
		require.NoError(t, err)
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, base, dispatcher.count())
}

func TestService_ReconnectsAfterBrokerOutage(t *testing.T) {
	broker := brokermem.NewBroker()
	svc, dispatcher, _ := newTestService(t, broker)
	ctx := context.Background()

	svc.OnMatchActive(42)
	home := 0
	require.Eventually(t, func() bool {
		home++
		_, err := svc.IngestFeedEvent(ctx, ingest.ProviderStatsfeed, goalPayload(42, home))
		require.NoError(t, err)
		return dispatcher.count() > 0
	}, time.Second, 5*time.Millisecond)

	broker.Close()
	require.Eventually(t, svc.Degraded, time.Second, 5*time.Millisecond)

	broker.Reopen()
	require.Eventually(t, func() bool { return !svc.Degraded() }, time.Second, 5*time.Millisecond)

	// Every subscription coming up announces itself so the hub can
	// supersede snapshot reads that raced it: once at match activation,
	// once after the outage.
	require.Eventually(t, func() bool { return dispatcher.resyncCount() >= 2 }, time.Second, 5*time.Millisecond)

	// Sequencing continued through the outage; delivery resumes from
	// whatever the pump resubscribed into, and clients bridge the rest
	// via gap reconciliation.
	base := dispatcher.count()
	require.Eventually(t, func() bool {
		home++
		_, err := svc.IngestFeedEvent(ctx, ingest.ProviderStatsfeed, goalPayload(42, home))
		require.NoError(t, err)
		return dispatcher.count() > base
	}, time.Second, 5*time.Millisecond)
}

// gatedBroker delays Subscribe until the gate opens, exposing the
// window between a client subscription and the broker pump coming up.
type gatedBroker struct {
	*brokermem.Broker
	gate chan struct{}
}

func (g *gatedBroker) Subscribe(ctx context.Context, matchID int64) (domain.BrokerSubscription, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.Broker.Subscribe(ctx, matchID)
}

// storeSnapshotter reads snapshots straight from the store, treating an
// unknown match as its zero state.
type storeSnapshotter struct{ store *storemem.Store }

func (s storeSnapshotter) GetSnapshot(ctx context.Context, matchID int64) (domain.MatchSnapshot, error) {
	snap, err := s.store.Snapshot(ctx, matchID)
	if errors.Is(err, domain.ErrMatchNotFound) {
		return domain.NewMatchSnapshot(matchID), nil
	}
	return snap, err
}

func readServerMessage(t *testing.T, conn *ws.Conn) domain.ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg domain.ServerMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

// An event sequenced and published after a client's snapshot read but
// before this instance's broker subscription exists reaches no local
// pump. With no later event to expose the gap, only the resync on
// subscription establishment gets it to the client.
func TestService_EventInFirstSubscriberWindowIsDelivered(t *testing.T) {
	broker := &gatedBroker{Broker: brokermem.NewBroker(), gate: make(chan struct{})}
	store := storemem.NewStore()
	clock := clockwork.NewRealClock()
	svc := NewService(ingest.NewNormalizer(clock), sequencer.New(store, broker), broker, clock, 2*time.Millisecond)
	t.Cleanup(svc.Stop)

	h := hub.New(storeSnapshotter{store: store}, svc.OnMatchActive, svc.OnMatchIdle, clock, 50)
	t.Cleanup(h.Stop)
	svc.AttachDispatcher(h)

	upgrader := ws.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	idCh := make(chan uuid.UUID, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		id, err := h.Connect(conn)
		if err != nil {
			t.Errorf("connect failed: %v", err)
			return
		}
		idCh <- id
	}))
	t.Cleanup(server.Close)

	conn, _, err := ws.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	clientID := <-idCh

	require.NoError(t, h.Subscribe(clientID, 42))
	first := readServerMessage(t, conn)
	require.Equal(t, domain.MsgTypeSnapshot, first.Type)
	require.Zero(t, first.Seq)

	// Sequenced, durable, published into the void: the pump is still
	// waiting on the gate, so no subscription on this instance saw it.
	ev, err := svc.IngestFeedEvent(context.Background(), ingest.ProviderStatsfeed, goalPayload(42, 1))
	require.NoError(t, err)
	require.Equal(t, uint64(1), ev.Seq)

	close(broker.gate)

	second := readServerMessage(t, conn)
	assert.Equal(t, domain.MsgTypeSnapshot, second.Type)
	assert.Equal(t, uint64(1), second.Seq)

	// Live delivery resumes above the resynced state.
	_, err = svc.IngestFeedEvent(context.Background(), ingest.ProviderStatsfeed, goalPayload(42, 2))
	require.NoError(t, err)
	third := readServerMessage(t, conn)
	assert.Equal(t, domain.MsgTypeEvent, third.Type)
	assert.Equal(t, uint64(2), third.Seq)
}

func TestService_ActiveIsIdempotentPerMatch(t *testing.T) {
	broker := brokermem.NewBroker()
	svc, _, _ := newTestService(t, broker)

	svc.OnMatchActive(42)
	svc.OnMatchActive(42)

	svc.mu.Lock()
	assert.Len(t, svc.pumps, 1)
	svc.mu.Unlock()
}

func TestService_StopTerminatesAllPumps(t *testing.T) {
	broker := brokermem.NewBroker()
	svc, _, _ := newTestService(t, broker)

	for id := int64(1); id <= 5; id++ {
		svc.OnMatchActive(id)
	}

	done := make(chan struct{})
	go func() { svc.Stop(); close(done) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
