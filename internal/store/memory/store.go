// Package memory provides an in-memory EventStore for tests and
// single-node development runs.
package memory

import (
	"context"
	"sync"

	"github.com/Korniev/SportHub/internal/domain"
)

// Store keeps sequenced events and snapshots in process memory.
type Store struct {
	mu        sync.RWMutex
	events    map[int64][]domain.Event
	idemKeys  map[string]struct{}
	snapshots map[int64]domain.MatchSnapshot
}

func NewStore() *Store {
	return &Store{
		events:    make(map[int64][]domain.Event),
		idemKeys:  make(map[string]struct{}),
		snapshots: make(map[int64]domain.MatchSnapshot),
	}
}

func (s *Store) InsertEvent(_ context.Context, ev domain.Event, snap domain.MatchSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.IdempotencyKey != "" {
		if _, ok := s.idemKeys[ev.IdempotencyKey]; ok {
			return domain.ErrDuplicateEvent
		}
	}
	evs := s.events[ev.MatchID]
	if len(evs) > 0 && evs[len(evs)-1].Seq >= ev.Seq {
		return domain.ErrDuplicateEvent
	}

	s.events[ev.MatchID] = append(evs, ev)
	if ev.IdempotencyKey != "" {
		s.idemKeys[ev.IdempotencyKey] = struct{}{}
	}
	s.snapshots[ev.MatchID] = snap
	return nil
}

func (s *Store) LatestSequence(_ context.Context, matchID int64) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	evs := s.events[matchID]
	if len(evs) == 0 {
		return 0, nil
	}
	return evs[len(evs)-1].Seq, nil
}

func (s *Store) EventsSince(_ context.Context, matchID int64, after uint64) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Event
	for _, ev := range s.events[matchID] {
		if ev.Seq > after {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *Store) Snapshot(_ context.Context, matchID int64) (domain.MatchSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[matchID]
	if !ok {
		return domain.MatchSnapshot{}, domain.ErrMatchNotFound
	}
	return snap, nil
}

func (s *Store) HealthCheck(_ context.Context) error { return nil }
