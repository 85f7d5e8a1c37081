// Package hub is the per-process registry of live client subscriptions
// and the push-delivery gate. Events reach a client only in strict
// sequence order; anything else routes through reconciliation.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/Korniev/SportHub/internal/domain"
	"github.com/Korniev/SportHub/internal/metrics"
)

const (
	commandTimeout    = 5 * time.Second
	stopTimeout       = 10 * time.Second
	pendingBufferSize = 256
)

// Snapshotter provides reconciliation snapshots for fresh and gapped
// subscriptions.
type Snapshotter interface {
	GetSnapshot(ctx context.Context, matchID int64) (domain.MatchSnapshot, error)
}

// --- Command types ---

type hubCmd interface{ isHubCmd() }

type baseHubCmd struct{}

func (baseHubCmd) isHubCmd() {}

type connectCmd struct {
	baseHubCmd
	conn    *websocket.Conn
	replyCh chan uuid.UUID
}

type disconnectCmd struct {
	baseHubCmd
	clientID uuid.UUID
}

type subscribeCmd struct {
	baseHubCmd
	clientID uuid.UUID
	matchID  int64
	errCh    chan error
}

type unsubscribeCmd struct {
	baseHubCmd
	clientID uuid.UUID
	matchID  int64
}

type dispatchCmd struct {
	baseHubCmd
	event domain.Event
}

type resyncCmd struct {
	baseHubCmd
	matchID int64
}

type snapshotResultCmd struct {
	baseHubCmd
	clientID uuid.UUID
	matchID  int64
	gen      uint64
	snapshot domain.MatchSnapshot
	err      error
}

type clientCountCmd struct {
	baseHubCmd
	matchID int64
	replyCh chan int
}

type stopCmd struct {
	baseHubCmd
}

// subscription tracks one client's delivery window for one match.
// While pending, live events buffer until the reconciliation snapshot
// arrives and fixes the resume point.
type subscription struct {
	pending       bool
	gen           uint64
	lastDelivered uint64
	buffer        []domain.Event
}

type client struct {
	id     uuid.UUID
	writer *clientWriter
	subs   map[int64]*subscription
}

// Hub is a single-goroutine actor owning all subscription state.
// Public methods post commands; nothing else touches the maps.
type Hub struct {
	cmdCh              chan hubCmd
	clock              clockwork.Clock
	snapshots          Snapshotter
	clients            map[uuid.UUID]*client
	matches            map[int64]map[uuid.UUID]*client
	onMatchActive      func(matchID int64)
	onMatchIdle        func(matchID int64)
	maxClientsPerMatch int
	done               chan struct{}
}

// New creates and starts a hub. onMatchActive fires when a match gains
// its first local subscriber, onMatchIdle when it loses the last one;
// the app uses them to open and close broker subscriptions.
func New(snapshots Snapshotter, onMatchActive, onMatchIdle func(matchID int64), clock clockwork.Clock, maxClientsPerMatch int) *Hub {
	h := &Hub{
		cmdCh:              make(chan hubCmd, 256),
		clock:              clock,
		snapshots:          snapshots,
		clients:            make(map[uuid.UUID]*client),
		matches:            make(map[int64]map[uuid.UUID]*client),
		onMatchActive:      onMatchActive,
		onMatchIdle:        onMatchIdle,
		maxClientsPerMatch: maxClientsPerMatch,
		done:               make(chan struct{}),
	}
	go h.run()
	return h
}

// --- Public API ---

// Connect registers a websocket connection and returns its client id.
func (h *Hub) Connect(conn *websocket.Conn) (uuid.UUID, error) {
	replyCh := make(chan uuid.UUID, 1)
	h.cmdCh <- connectCmd{conn: conn, replyCh: replyCh}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()
	select {
	case id := <-replyCh:
		return id, nil
	case <-timer.Chan():
		return uuid.Nil, fmt.Errorf("connect command timed out after %v", commandTimeout)
	}
}

// Disconnect removes the client and all its subscriptions. No delivery
// is attempted to a removed subscription.
func (h *Hub) Disconnect(clientID uuid.UUID) {
	h.cmdCh <- disconnectCmd{clientID: clientID}
}

// Subscribe opens a subscription: the client is registered first, then
// reconciliation delivers a snapshot, then live events resume above the
// snapshot's sequence number.
func (h *Hub) Subscribe(clientID uuid.UUID, matchID int64) error {
	errCh := make(chan error, 1)
	h.cmdCh <- subscribeCmd{clientID: clientID, matchID: matchID, errCh: errCh}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()
	select {
	case err := <-errCh:
		return err
	case <-timer.Chan():
		return fmt.Errorf("subscribe command timed out after %v", commandTimeout)
	}
}

// Unsubscribe drops one match subscription, leaving the client connected.
func (h *Hub) Unsubscribe(clientID uuid.UUID, matchID int64) {
	h.cmdCh <- unsubscribeCmd{clientID: clientID, matchID: matchID}
}

// Dispatch hands a broker event to the delivery gate.
func (h *Hub) Dispatch(ev domain.Event) {
	h.cmdCh <- dispatchCmd{event: ev}
}

// Resync re-runs reconciliation for every local subscriber of a match.
// The app calls it once the match's broker subscription is up: a
// snapshot read that raced the subscription cannot vouch for events
// published in between, one taken after it can.
func (h *Hub) Resync(matchID int64) {
	h.cmdCh <- resyncCmd{matchID: matchID}
}

// ClientCount returns the number of local subscribers for a match, or
// -1 if the command times out.
func (h *Hub) ClientCount(matchID int64) int {
	replyCh := make(chan int, 1)
	h.cmdCh <- clientCountCmd{matchID: matchID, replyCh: replyCh}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()
	select {
	case n := <-replyCh:
		return n
	case <-timer.Chan():
		slog.Warn("ClientCount timed out", "timeout", commandTimeout)
		return -1
	}
}

// Stop shuts the hub down, closing every client connection. Blocks
// until the hub goroutine exits or the stop timeout passes.
func (h *Hub) Stop() {
	h.cmdCh <- stopCmd{}

	timer := h.clock.NewTimer(stopTimeout)
	defer timer.Stop()
	select {
	case <-h.done:
		slog.Info("Hub stopped gracefully")
	case <-timer.Chan():
		slog.Warn("Hub stop timeout exceeded", "timeout", stopTimeout)
		metrics.HubStopTimeoutsTotal.Inc()
	}
}

// --- Actor loop ---

func (h *Hub) run() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Hub panic recovered", "panic", r)
			metrics.HubPanicsTotal.Inc()
			h.closeAllClients("hub panic")
			close(h.done)
		}
	}()

	depthTicker := h.clock.NewTicker(time.Second)
	defer depthTicker.Stop()

	for {
		select {
		case <-depthTicker.Chan():
			metrics.HubCommandChannelDepth.Set(float64(len(h.cmdCh)))
		case cmd := <-h.cmdCh:
			switch c := cmd.(type) {
			case connectCmd:
				h.handleConnect(c)
			case disconnectCmd:
				h.handleDisconnect(c.clientID)
			case subscribeCmd:
				h.handleSubscribe(c)
			case unsubscribeCmd:
				h.handleUnsubscribe(c.clientID, c.matchID)
			case dispatchCmd:
				h.handleDispatch(c.event)
			case resyncCmd:
				h.handleResync(c.matchID)
			case snapshotResultCmd:
				h.handleSnapshotResult(c)
			case clientCountCmd:
				c.replyCh <- len(h.matches[c.matchID])
			case stopCmd:
				h.handleStop()
				close(h.done)
				return
			default:
				slog.Warn("Hub received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
			}
		}
	}
}

func (h *Hub) handleConnect(c connectCmd) {
	cl := &client{
		id:     uuid.New(),
		writer: newClientWriter(c.conn, h.clock),
		subs:   make(map[int64]*subscription),
	}
	h.clients[cl.id] = cl
	metrics.HubConnectedClients.Set(float64(len(h.clients)))
	slog.Debug("Client connected", "client_id", cl.id.String())
	c.replyCh <- cl.id
}

func (h *Hub) handleDisconnect(clientID uuid.UUID) {
	cl, ok := h.clients[clientID]
	if !ok {
		return
	}

	for matchID := range cl.subs {
		h.removeFromMatch(cl, matchID)
	}
	cl.writer.stop()
	delete(h.clients, clientID)
	metrics.HubConnectedClients.Set(float64(len(h.clients)))
	slog.Debug("Client disconnected", "client_id", clientID.String())
}

func (h *Hub) handleSubscribe(c subscribeCmd) {
	cl, ok := h.clients[c.clientID]
	if !ok {
		c.errCh <- fmt.Errorf("unknown client %s", c.clientID)
		return
	}
	if _, already := cl.subs[c.matchID]; already {
		c.errCh <- nil
		return
	}
	if len(h.matches[c.matchID]) >= h.maxClientsPerMatch {
		metrics.WebSocketConnectionsRejected.WithLabelValues("match_limit").Inc()
		c.errCh <- fmt.Errorf("max clients per match (%d) reached", h.maxClientsPerMatch)
		return
	}

	sub := &subscription{pending: true, gen: 1}
	cl.subs[c.matchID] = sub

	first := len(h.matches[c.matchID]) == 0
	if h.matches[c.matchID] == nil {
		h.matches[c.matchID] = make(map[uuid.UUID]*client)
	}
	h.matches[c.matchID][cl.id] = cl
	metrics.HubActiveMatches.Set(float64(len(h.matches)))

	if first && h.onMatchActive != nil {
		go h.onMatchActive(c.matchID)
	}

	// Subscribed first, snapshot second: events arriving in between
	// buffer on the pending subscription, so nothing is skipped.
	h.fetchSnapshot(cl.id, c.matchID, sub.gen, "subscribe")
	c.errCh <- nil
}

func (h *Hub) handleUnsubscribe(clientID uuid.UUID, matchID int64) {
	cl, ok := h.clients[clientID]
	if !ok {
		return
	}
	if _, ok := cl.subs[matchID]; !ok {
		return
	}
	h.removeFromMatch(cl, matchID)
}

// removeFromMatch drops the subscription and fires onMatchIdle when the
// match loses its last local subscriber.
func (h *Hub) removeFromMatch(cl *client, matchID int64) {
	delete(cl.subs, matchID)
	set := h.matches[matchID]
	delete(set, cl.id)
	if len(set) == 0 {
		delete(h.matches, matchID)
		metrics.HubActiveMatches.Set(float64(len(h.matches)))
		if h.onMatchIdle != nil {
			go h.onMatchIdle(matchID)
		}
	}
}

func (h *Hub) handleDispatch(ev domain.Event) {
	subscribers := h.matches[ev.MatchID]
	if len(subscribers) == 0 {
		return
	}

	data, err := json.Marshal(domain.EventMessage(ev))
	if err != nil {
		slog.Error("Failed to marshal event message", "error", err)
		return
	}

	var slow []uuid.UUID
	for id, cl := range subscribers {
		sub := cl.subs[ev.MatchID]
		if sub == nil {
			continue
		}

		switch {
		case sub.pending:
			if len(sub.buffer) < pendingBufferSize {
				sub.buffer = append(sub.buffer, ev)
			} else {
				// A reader this far behind needs a fresh snapshot, taken
				// after everything dropped here was already durable.
				sub.gen++
				sub.buffer = sub.buffer[:0]
				h.fetchSnapshot(id, ev.MatchID, sub.gen, "overflow")
			}
		case ev.Seq <= sub.lastDelivered:
			metrics.HubEventsDelivered.WithLabelValues("duplicate").Inc()
		case ev.Seq == sub.lastDelivered+1:
			if !cl.writer.trySend(data) {
				slow = append(slow, id)
				continue
			}
			sub.lastDelivered = ev.Seq
			metrics.HubEventsDelivered.WithLabelValues("delivered").Inc()
		default:
			// Gap: never deliver past it. Reconcile instead.
			metrics.HubEventsDelivered.WithLabelValues("gap").Inc()
			slog.Info("Gap detected, reconciling client",
				"client_id", id.String(), "match_id", ev.MatchID,
				"last_delivered", sub.lastDelivered, "incoming_seq", ev.Seq)
			sub.pending = true
			sub.gen++
			// Keep the gapped event: if the snapshot lands just below it,
			// replay delivers it without another round trip.
			sub.buffer = append(sub.buffer[:0], ev)
			h.fetchSnapshot(id, ev.MatchID, sub.gen, "gap")
		}
	}

	for _, id := range slow {
		slog.Warn("Disconnecting slow client", "client_id", id.String(), "match_id", ev.MatchID)
		metrics.HubSlowClientsEvicted.Inc()
		h.handleDisconnect(id)
	}
}

// handleResync flags every subscriber of the match for a fresh
// snapshot. Events buffered so far are durable by now, so the new
// snapshot subsumes them.
func (h *Hub) handleResync(matchID int64) {
	for id, cl := range h.matches[matchID] {
		sub := cl.subs[matchID]
		if sub == nil {
			continue
		}
		sub.pending = true
		sub.gen++
		sub.buffer = sub.buffer[:0]
		h.fetchSnapshot(id, matchID, sub.gen, "resync")
	}
}

// fetchSnapshot runs reconciliation off the actor goroutine and posts
// the result back as a command. gen guards against results for a
// subscription that was since replaced.
func (h *Hub) fetchSnapshot(clientID uuid.UUID, matchID int64, gen uint64, reason string) {
	metrics.HubReconciliationsTotal.WithLabelValues(reason).Inc()
	go func() {
		snap, err := h.snapshots.GetSnapshot(context.Background(), matchID)
		select {
		case h.cmdCh <- snapshotResultCmd{clientID: clientID, matchID: matchID, gen: gen, snapshot: snap, err: err}:
		case <-h.done:
			// The actor is gone; nobody will drain the channel.
		}
	}()
}

func (h *Hub) handleSnapshotResult(c snapshotResultCmd) {
	cl, ok := h.clients[c.clientID]
	if !ok {
		return
	}
	sub, ok := cl.subs[c.matchID]
	if !ok || !sub.pending || sub.gen != c.gen {
		return
	}

	if c.err != nil {
		slog.Warn("Reconciliation failed, dropping subscription",
			"client_id", c.clientID.String(), "match_id", c.matchID, "error", c.err)
		if data, err := json.Marshal(domain.ErrorMessage(c.matchID, "results temporarily unavailable")); err == nil {
			_ = cl.writer.trySend(data)
		}
		h.removeFromMatch(cl, c.matchID)
		return
	}

	msg, err := domain.SnapshotMessage(c.snapshot)
	if err != nil {
		slog.Error("Failed to build snapshot message", "error", err)
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("Failed to marshal snapshot message", "error", err)
		return
	}
	if !cl.writer.trySend(data) {
		metrics.HubSlowClientsEvicted.Inc()
		h.handleDisconnect(c.clientID)
		return
	}

	sub.pending = false
	sub.lastDelivered = c.snapshot.Seq
	buffered := sub.buffer
	sub.buffer = nil

	// Replay buffered live events through the normal gate; anything the
	// snapshot already covers is deduplicated there.
	for _, ev := range buffered {
		if _, alive := h.clients[cl.id]; !alive || sub.pending {
			break
		}
		h.deliverBuffered(cl, sub, ev)
	}
}

// deliverBuffered applies the same gate as handleDispatch to one
// buffered event for one client.
func (h *Hub) deliverBuffered(cl *client, sub *subscription, ev domain.Event) {
	switch {
	case ev.Seq <= sub.lastDelivered:
		metrics.HubEventsDelivered.WithLabelValues("duplicate").Inc()
	case ev.Seq == sub.lastDelivered+1:
		data, err := json.Marshal(domain.EventMessage(ev))
		if err != nil {
			slog.Error("Failed to marshal event message", "error", err)
			return
		}
		if !cl.writer.trySend(data) {
			metrics.HubSlowClientsEvicted.Inc()
			h.handleDisconnect(cl.id)
			return
		}
		sub.lastDelivered = ev.Seq
		metrics.HubEventsDelivered.WithLabelValues("delivered").Inc()
	default:
		metrics.HubEventsDelivered.WithLabelValues("gap").Inc()
		sub.pending = true
		sub.gen++
		sub.buffer = append(sub.buffer[:0], ev)
		h.fetchSnapshot(cl.id, ev.MatchID, sub.gen, "gap")
	}
}

func (h *Hub) handleStop() {
	total := len(h.clients)
	slog.Info("Hub shutting down", "matches", len(h.matches), "clients", total)
	h.closeAllClients("server shutting down")
	slog.Info("Hub shutdown complete", "disconnected_clients", total)
}

func (h *Hub) closeAllClients(reason string) {
	for id, cl := range h.clients {
		cl.writer.stopGraceful(reason)
		delete(h.clients, id)
	}
	for matchID := range h.matches {
		delete(h.matches, matchID)
	}
	metrics.HubConnectedClients.Set(0)
	metrics.HubActiveMatches.Set(0)
}
