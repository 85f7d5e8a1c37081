// Package app wires ingestion into the sequencer and broker
// subscriptions into the connection hub, and supervises the per-match
// event pumps.
package app

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Korniev/SportHub/internal/domain"
	"github.com/Korniev/SportHub/internal/ingest"
	"github.com/Korniev/SportHub/internal/logging"
	"github.com/Korniev/SportHub/internal/metrics"
	"github.com/Korniev/SportHub/internal/sequencer"
)

// Dispatcher receives broker events for local push delivery and is told
// when a match's broker subscription comes up, so snapshot reads that
// raced the subscription get superseded. The hub satisfies this.
type Dispatcher interface {
	Dispatch(ev domain.Event)
	Resync(matchID int64)
}

// Service owns the feed-to-sequencer path and one pump goroutine per
// locally watched match. A pump that loses the broker retries with
// backoff; meanwhile the instance is degraded to reconciliation-only
// for that match, which clients bridge via gap reconciliation.
type Service struct {
	normalizer *ingest.Normalizer
	sequencer  *sequencer.Sequencer
	broker     domain.Broker
	dispatcher Dispatcher
	clock      clockwork.Clock
	backoff    time.Duration

	mu       sync.Mutex
	pumps    map[int64]context.CancelFunc
	wg       sync.WaitGroup
	degraded atomic.Int64

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

func NewService(normalizer *ingest.Normalizer, seq *sequencer.Sequencer, broker domain.Broker, clock clockwork.Clock, backoff time.Duration) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		normalizer: normalizer,
		sequencer:  seq,
		broker:     broker,
		clock:      clock,
		backoff:    backoff,
		pumps:      make(map[int64]context.CancelFunc),
		rootCtx:    ctx,
		rootCancel: cancel,
	}
}

// AttachDispatcher must be called once before any match becomes active.
// Split from the constructor because hub and service reference each
// other (the hub's callbacks are OnMatchActive/OnMatchIdle).
func (s *Service) AttachDispatcher(d Dispatcher) {
	s.dispatcher = d
}

// IngestFeedEvent normalizes one upstream payload and sequences it.
// Malformed payloads are logged and dropped here, never sequenced.
func (s *Service) IngestFeedEvent(ctx context.Context, provider string, payload []byte) (domain.Event, error) {
	ev, err := s.normalizer.Normalize(provider, payload)
	if err != nil {
		slog.Warn("Dropping malformed feed event", "provider", provider, "error", err)
		return domain.Event{}, err
	}
	return s.sequencer.Submit(ctx, ev)
}

// OnMatchActive starts the broker pump for a match. Hub callback.
func (s *Service) OnMatchActive(matchID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, running := s.pumps[matchID]; running {
		return
	}
	ctx, cancel := context.WithCancel(s.rootCtx)
	s.pumps[matchID] = cancel
	s.wg.Add(1)
	go s.pump(ctx, matchID)
}

// OnMatchIdle stops the broker pump for a match. Hub callback.
func (s *Service) OnMatchIdle(matchID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cancel, running := s.pumps[matchID]; running {
		cancel()
		delete(s.pumps, matchID)
	}
}

// pump subscribes to one match's channel and forwards events to the
// hub until its context is cancelled. Subscription loss or failure
// degrades this match and retries with backoff.
func (s *Service) pump(ctx context.Context, matchID int64) {
	defer s.wg.Done()

	log := logging.WithMatch(matchID)
	degraded := false
	setDegraded := func(d bool) {
		if d == degraded {
			return
		}
		degraded = d
		if d {
			s.degraded.Add(1)
		} else {
			s.degraded.Add(-1)
		}
		metrics.BrokerDegradedMode.Set(float64(min(s.degraded.Load(), 1)))
	}
	defer setDegraded(false)

	for {
		sub, err := s.broker.Subscribe(ctx, matchID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			setDegraded(true)
			metrics.BrokerReconnectsTotal.Inc()
			log.Warn("Broker subscribe failed, retrying", "backoff", s.backoff, "error", err)

			timer := s.clock.NewTimer(s.backoff)
			select {
			case <-timer.Chan():
			case <-ctx.Done():
				timer.Stop()
				return
			}
			continue
		}

		setDegraded(false)
		log.Debug("Broker pump subscribed")

		// Events published before this subscription existed reached no
		// local client; a post-subscription snapshot covers them.
		s.dispatcher.Resync(matchID)

		for ev := range sub.Events() {
			s.dispatcher.Dispatch(ev)
		}
		_ = sub.Close()

		if ctx.Err() != nil {
			return
		}
		// Channel closed without cancellation: the backbone dropped us.
		// Resubscribe; any missed events surface as gaps downstream.
		metrics.BrokerReconnectsTotal.Inc()
		log.Warn("Broker subscription lost, resubscribing")
	}
}

// Degraded reports whether any local match pump is without a broker
// subscription.
func (s *Service) Degraded() bool {
	return s.degraded.Load() > 0
}

// Stop cancels every pump and waits for them to exit.
func (s *Service) Stop() {
	s.rootCancel()
	s.mu.Lock()
	for matchID, cancel := range s.pumps {
		cancel()
		delete(s.pumps, matchID)
	}
	s.mu.Unlock()
	s.wg.Wait()
	slog.Info("Event pumps stopped")
}
