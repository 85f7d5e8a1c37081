// Package sequencer assigns strictly increasing, gap-free sequence
// numbers to match events and makes them durable before they become
// visible to subscribers.
package sequencer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/Korniev/SportHub/internal/domain"
	"github.com/Korniev/SportHub/internal/metrics"
)

// shardCount partitions the per-match critical section so unrelated
// matches never contend on one lock. Power of two, masked below.
const shardCount = 64

type matchState struct {
	nextSeq  uint64
	snapshot domain.MatchSnapshot
}

type shard struct {
	mu      sync.Mutex
	matches map[int64]*matchState
}

// Sequencer serializes sequence assignment per match behind a
// hash-partitioned lock. The shard lock also covers the publish, so the
// broker observes publishes in sequence order per match.
type Sequencer struct {
	store  domain.EventStore
	broker domain.Broker
	shards [shardCount]*shard
}

func New(store domain.EventStore, broker domain.Broker) *Sequencer {
	s := &Sequencer{store: store, broker: broker}
	for i := range s.shards {
		s.shards[i] = &shard{matches: make(map[int64]*matchState)}
	}
	return s
}

func shardFor(matchID int64) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(matchID))
	_, _ = h.Write(buf[:])
	return h.Sum64() & (shardCount - 1)
}

// Submit sequences one normalized event: assigns the next sequence
// number for its match, persists event and folded snapshot atomically,
// then publishes. Returns the sequenced event.
//
// Returns domain.ErrDuplicateEvent if the idempotency key was already
// sequenced (stored state is unchanged), domain.ErrMalformedEvent if
// the payload cannot fold into the snapshot, *domain.PersistenceError
// if the store failed (nothing was published; retry with backoff).
func (s *Sequencer) Submit(ctx context.Context, ev domain.Event) (domain.Event, error) {
	start := time.Now()
	sequenced, err := s.submit(ctx, ev)
	metrics.SequenceAssignDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.EventsSequencedTotal.WithLabelValues("sequenced").Inc()
	case errors.Is(err, domain.ErrDuplicateEvent):
		metrics.EventsSequencedTotal.WithLabelValues("duplicate").Inc()
	case errors.Is(err, domain.ErrMalformedEvent):
		metrics.EventsSequencedTotal.WithLabelValues("malformed").Inc()
	default:
		metrics.EventsSequencedTotal.WithLabelValues("persistence_error").Inc()
	}
	return sequenced, err
}

func (s *Sequencer) submit(ctx context.Context, ev domain.Event) (domain.Event, error) {
	if !ev.Type.Valid() {
		return domain.Event{}, fmt.Errorf("%w: unknown type %q", domain.ErrMalformedEvent, ev.Type)
	}
	if ev.Seq != 0 {
		return domain.Event{}, fmt.Errorf("%w: sequence number must be unassigned", domain.ErrMalformedEvent)
	}

	sh := s.shards[shardFor(ev.MatchID)]
	if !sh.mu.TryLock() {
		metrics.SequencerShardContention.Inc()
		sh.mu.Lock()
	}
	defer sh.mu.Unlock()

	state, err := s.matchStateLocked(ctx, sh, ev.MatchID)
	if err != nil {
		return domain.Event{}, err
	}

	ev.Seq = state.nextSeq
	snap, err := state.snapshot.Apply(ev)
	if err != nil {
		ev.Seq = 0
		return domain.Event{}, fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err)
	}

	if err := s.store.InsertEvent(ctx, ev, snap); err != nil {
		if errors.Is(err, domain.ErrDuplicateEvent) {
			return domain.Event{}, domain.ErrDuplicateEvent
		}
		// The commit outcome is ambiguous after a store failure; drop the
		// cached state so the next submit re-reads the durable truth.
		delete(sh.matches, ev.MatchID)
		return domain.Event{}, err
	}

	state.nextSeq++
	state.snapshot = snap

	// Durability is confirmed; the event is sequenced even if fan-out
	// fails. Subscribers bridge missed events via reconciliation.
	if err := s.broker.Publish(ctx, ev); err != nil {
		slog.Warn("Sequenced event not fanned out, clients will reconcile",
			"match_id", ev.MatchID, "seq", ev.Seq, "error", err)
	}

	return ev, nil
}

// matchStateLocked returns the cached per-match state, loading it from
// the store on first use. Caller holds the shard lock.
func (s *Sequencer) matchStateLocked(ctx context.Context, sh *shard, matchID int64) (*matchState, error) {
	if state, ok := sh.matches[matchID]; ok {
		return state, nil
	}

	latest, err := s.store.LatestSequence(ctx, matchID)
	if err != nil {
		return nil, err
	}

	snap, err := s.store.Snapshot(ctx, matchID)
	if errors.Is(err, domain.ErrMatchNotFound) {
		snap = domain.NewMatchSnapshot(matchID)
	} else if err != nil {
		return nil, err
	}

	state := &matchState{nextSeq: latest + 1, snapshot: snap}
	sh.matches[matchID] = state
	return state, nil
}
