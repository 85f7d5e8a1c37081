package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Korniev/SportHub/internal/config"
	"github.com/Korniev/SportHub/internal/domain"
)

type stubFeed struct {
	ev          domain.Event
	err         error
	gotProvider string
	gotPayload  []byte
}

func (f *stubFeed) IngestFeedEvent(_ context.Context, provider string, payload []byte) (domain.Event, error) {
	f.gotProvider = provider
	f.gotPayload = payload
	return f.ev, f.err
}

type stubSnapshots struct {
	snap   domain.MatchSnapshot
	events []domain.Event
	err    error
}

func (s *stubSnapshots) GetSnapshot(_ context.Context, matchID int64) (domain.MatchSnapshot, error) {
	if s.err != nil {
		return domain.MatchSnapshot{}, s.err
	}
	snap := s.snap
	snap.MatchID = matchID
	return snap, nil
}

func (s *stubSnapshots) EventsSince(_ context.Context, matchID int64, after uint64) ([]domain.Event, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []domain.Event
	for _, ev := range s.events {
		if ev.MatchID == matchID && ev.Seq > after {
			out = append(out, ev)
		}
	}
	return out, nil
}

type stubHub struct {
	mu          sync.Mutex
	clientID    uuid.UUID
	subErr      error
	subscribes  []int64
	unsubs      []int64
	disconnects int
}

func (h *stubHub) Connect(conn *ws.Conn) (uuid.UUID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clientID = uuid.New()
	return h.clientID, nil
}

func (h *stubHub) Disconnect(uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnects++
}

func (h *stubHub) Subscribe(_ uuid.UUID, matchID int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subErr != nil {
		return h.subErr
	}
	h.subscribes = append(h.subscribes, matchID)
	return nil
}

func (h *stubHub) Unsubscribe(_ uuid.UUID, matchID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubs = append(h.unsubs, matchID)
}

func newTestServer(feed *stubFeed, snaps *stubSnapshots, hub *stubHub) *Server {
	if feed == nil {
		feed = &stubFeed{}
	}
	if snaps == nil {
		snaps = &stubSnapshots{}
	}
	if hub == nil {
		hub = &stubHub{}
	}
	cfg := &config.Config{AppEnv: "development", Port: "0"}
	return NewServer(cfg, feed, snaps, hub, nil)
}

func doRequest(s *Server, method, path string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echoContentType, "application/json")
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

const echoContentType = "Content-Type"

func TestHandleFeedEvent_AcceptsAndReportsPosition(t *testing.T) {
	feed := &stubFeed{ev: domain.Event{MatchID: 42, Seq: 7}}
	s := newTestServer(feed, nil, nil)

	rec := doRequest(s, http.MethodPost, "/feed/statsfeed", `{"match_id":42,"kind":"goal","home_score":1,"away_score":0}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "statsfeed", feed.gotProvider)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.EqualValues(t, 42, resp["matchId"])
	assert.EqualValues(t, 7, resp["sequenceNumber"])
}

func TestHandleFeedEvent_EmptyBodyIsRejected(t *testing.T) {
	s := newTestServer(nil, nil, nil)

	rec := doRequest(s, http.MethodPost, "/feed/statsfeed", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleFeedEvent_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"malformed payload", fmt.Errorf("%w: bad kind", domain.ErrMalformedEvent), http.StatusBadRequest},
		{"duplicate submission", domain.ErrDuplicateEvent, http.StatusConflict},
		{"store down", &domain.PersistenceError{Op: "insert event", Err: fmt.Errorf("connection refused")}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(&stubFeed{err: tt.err}, nil, nil)
			rec := doRequest(s, http.MethodPost, "/feed/scorewire", `{"fixture":1}`)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestHandleSnapshot_ReturnsMatchState(t *testing.T) {
	snaps := &stubSnapshots{snap: domain.MatchSnapshot{Seq: 12, Status: "live", HomeScore: 2, AwayScore: 1}}
	s := newTestServer(nil, snaps, nil)

	rec := doRequest(s, http.MethodGet, "/matches/42/snapshot", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap domain.MatchSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, int64(42), snap.MatchID)
	assert.Equal(t, uint64(12), snap.Seq)
	assert.Equal(t, 2, snap.HomeScore)
}

func TestHandleSnapshot_BadMatchID(t *testing.T) {
	s := newTestServer(nil, nil, nil)

	assert.Equal(t, http.StatusBadRequest, doRequest(s, http.MethodGet, "/matches/abc/snapshot", "").Code)
	assert.Equal(t, http.StatusBadRequest, doRequest(s, http.MethodGet, "/matches/-1/snapshot", "").Code)
}

func TestHandleEventsSince_ReturnsEventsAboveCursor(t *testing.T) {
	snaps := &stubSnapshots{events: []domain.Event{
		{MatchID: 42, Seq: 1, Type: domain.EventTypeScore},
		{MatchID: 42, Seq: 2, Type: domain.EventTypeStatus},
		{MatchID: 42, Seq: 3, Type: domain.EventTypeScore},
		{MatchID: 7, Seq: 1, Type: domain.EventTypeScore},
	}}
	s := newTestServer(nil, snaps, nil)

	rec := doRequest(s, http.MethodGet, "/matches/42/events?after=1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		MatchID int64          `json:"matchId"`
		After   uint64         `json:"after"`
		Events  []domain.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(42), resp.MatchID)
	assert.Equal(t, uint64(1), resp.After)
	require.Len(t, resp.Events, 2)
	assert.Equal(t, uint64(2), resp.Events[0].Seq)
	assert.Equal(t, uint64(3), resp.Events[1].Seq)
}

func TestHandleEventsSince_EmptyAndInvalid(t *testing.T) {
	s := newTestServer(nil, &stubSnapshots{}, nil)

	rec := doRequest(s, http.MethodGet, "/matches/42/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"events":[]`)

	assert.Equal(t, http.StatusBadRequest, doRequest(s, http.MethodGet, "/matches/42/events?after=-3", "").Code)
	assert.Equal(t, http.StatusBadRequest, doRequest(s, http.MethodGet, "/matches/zero/events", "").Code)
}

func TestHandleSnapshot_UnavailableSurfaces503(t *testing.T) {
	snaps := &stubSnapshots{err: fmt.Errorf("snapshot after retries: %w", domain.ErrResultsUnavailable)}
	s := newTestServer(nil, snaps, nil)

	rec := doRequest(s, http.MethodGet, "/matches/42/snapshot", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleHealthz(t *testing.T) {
	storeOK := HealthCheck{Name: "store", Critical: true, Check: func(context.Context) error { return nil }}
	storeDown := HealthCheck{Name: "store", Critical: true, Check: func(context.Context) error { return fmt.Errorf("connection refused") }}
	brokerDown := HealthCheck{Name: "broker", Check: func(context.Context) error { return domain.ErrBrokerUnavailable }}

	s := newTestServer(nil, nil, nil)
	s.healthChecks = []HealthCheck{storeOK}
	rec := doRequest(s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	// A dead broker degrades the instance without failing the probe:
	// connected clients keep reconciling.
	s.healthChecks = []HealthCheck{storeOK, brokerDown}
	rec = doRequest(s, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp["status"])
	assert.Equal(t, "broker", resp["failed_check"])

	s.healthChecks = []HealthCheck{storeDown, brokerDown}
	rec = doRequest(s, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "unhealthy", resp["status"])
	assert.Equal(t, "store", resp["failed_check"])
}

func TestHandleMetricsExposed(t *testing.T) {
	s := newTestServer(nil, nil, nil)

	rec := doRequest(s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestWebSocket_SubscribeUnsubscribeLifecycle(t *testing.T) {
	hub := &stubHub{}
	s := newTestServer(nil, nil, hub)

	server := httptest.NewServer(s.echo)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.WriteJSON(domain.ClientMessage{Type: domain.MsgTypeSubscribe, MatchID: 42}))
	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return len(hub.subscribes) == 1 && hub.subscribes[0] == 42
	}, time.Second, 5*time.Millisecond)

	// Malformed frames and unknown types are ignored, not fatal.
	require.NoError(t, conn.WriteMessage(ws.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteJSON(domain.ClientMessage{Type: "ping", MatchID: 1}))

	require.NoError(t, conn.WriteJSON(domain.ClientMessage{Type: domain.MsgTypeUnsubscribe, MatchID: 42}))
	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return len(hub.unsubs) == 1 && hub.unsubs[0] == 42
	}, time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return hub.disconnects == 1
	}, time.Second, 5*time.Millisecond)
}
