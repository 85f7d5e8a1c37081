// Package memory provides an in-process Broker for tests and
// single-node deployments.
package memory

import (
	"context"
	"sync"

	"github.com/Korniev/SportHub/internal/domain"
)

const subscriptionBuffer = 64

// Broker fans events out to in-process subscribers, one channel per
// subscription. Per-match ordering follows publish order because each
// publish walks subscribers under the lock.
type Broker struct {
	mu     sync.Mutex
	subs   map[int64]map[*subscription]struct{}
	closed bool
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[int64]map[*subscription]struct{})}
}

type subscription struct {
	broker  *Broker
	matchID int64
	ch      chan domain.Event
	once    sync.Once
}

func (s *subscription) Events() <-chan domain.Event { return s.ch }

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.broker.mu.Lock()
		defer s.broker.mu.Unlock()
		s.broker.remove(s)
	})
	return nil
}

// remove must be called with the broker lock held.
func (b *Broker) remove(s *subscription) {
	if set, ok := b.subs[s.matchID]; ok {
		if _, ok := set[s]; ok {
			delete(set, s)
			close(s.ch)
			if len(set) == 0 {
				delete(b.subs, s.matchID)
			}
		}
	}
}

func (b *Broker) Publish(_ context.Context, ev domain.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return domain.ErrBrokerUnavailable
	}

	for s := range b.subs[ev.MatchID] {
		select {
		case s.ch <- ev:
		default:
			// Subscriber fell too far behind; it will detect the gap by
			// sequence number and reconcile.
		}
	}
	return nil
}

func (b *Broker) Subscribe(ctx context.Context, matchID int64) (domain.BrokerSubscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, domain.ErrBrokerUnavailable
	}

	s := &subscription{broker: b, matchID: matchID, ch: make(chan domain.Event, subscriptionBuffer)}
	if b.subs[matchID] == nil {
		b.subs[matchID] = make(map[*subscription]struct{})
	}
	b.subs[matchID][s] = struct{}{}

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	return s, nil
}

func (b *Broker) HealthCheck(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return domain.ErrBrokerUnavailable
	}
	return nil
}

// Close ends all subscriptions. Further publishes and subscribes fail
// with ErrBrokerUnavailable, which is how tests simulate an outage.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, set := range b.subs {
		for s := range set {
			close(s.ch)
			delete(set, s)
		}
	}
	b.subs = make(map[int64]map[*subscription]struct{})
}

// Reopen reverses Close. Test helper for broker outage scenarios.
func (b *Broker) Reopen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = false
}
