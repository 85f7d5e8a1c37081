// Package reconcile serves authoritative match snapshots so late or
// gapped clients can resynchronize without missing events.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/Korniev/SportHub/internal/domain"
	"github.com/Korniev/SportHub/internal/metrics"
	"github.com/Korniev/SportHub/internal/platform/retry"
)

// Options tune the read path. Zero values fall back to defaults.
type Options struct {
	Timeout  time.Duration // per-attempt store timeout
	Attempts int
	Clock    clockwork.Clock
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 2 * time.Second
	}
	if o.Attempts <= 0 {
		o.Attempts = 3
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	return o
}

// Service reads snapshots with timeout, retry with backoff, a circuit
// breaker, and singleflight collapse of concurrent reads per match.
// A snapshot at sequence N has every event <= N folded in; live
// delivery resumes at N+1.
type Service struct {
	store   domain.EventStore
	opts    Options
	group   singleflight.Group
	breaker *gobreaker.CircuitBreaker
}

func NewService(store domain.EventStore, opts Options) *Service {
	opts = opts.withDefaults()
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "reconcile-store",
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Reconciliation breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &Service{store: store, opts: opts, breaker: breaker}
}

// GetSnapshot returns the authoritative snapshot for the match. A match
// with no sequenced events yet gets its zero-state snapshot (Seq 0), so
// a fresh subscriber accepts live events from sequence 1.
//
// After retries are exhausted or while the breaker is open, returns an
// error wrapping domain.ErrResultsUnavailable; the caller surfaces a
// "results unavailable" state instead of blocking.
func (s *Service) GetSnapshot(ctx context.Context, matchID int64) (domain.MatchSnapshot, error) {
	start := s.opts.Clock.Now()
	defer func() {
		metrics.SnapshotReadDuration.Observe(s.opts.Clock.Since(start).Seconds())
	}()

	v, err, shared := s.group.Do(strconv.FormatInt(matchID, 10), func() (any, error) {
		return s.read(ctx, matchID)
	})
	if shared {
		metrics.SnapshotSingleflightShared.Inc()
	}
	if err != nil {
		return domain.MatchSnapshot{}, err
	}
	return v.(domain.MatchSnapshot), nil
}

func (s *Service) policy(op string, matchID int64) retry.Policy {
	return retry.Policy{
		MaxAttempts:    s.opts.Attempts,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		Clock:          s.opts.Clock,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			slog.Warn("Reconciliation read retrying", "op", op, "match_id", matchID, "attempt", attempt, "backoff", backoff, "error", err)
		},
	}
}

func (s *Service) read(ctx context.Context, matchID int64) (domain.MatchSnapshot, error) {
	policy := s.policy("snapshot", matchID)

	classify := func(err error) retry.Action {
		if errors.Is(err, domain.ErrMatchNotFound) {
			return retry.Stop
		}
		return retry.Retry
	}

	result, err := s.breaker.Execute(func() (any, error) {
		snap, err := retry.Do(ctx, policy, classify, func() (domain.MatchSnapshot, error) {
			attemptCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
			defer cancel()
			return s.store.Snapshot(attemptCtx, matchID)
		})
		if errors.Is(err, domain.ErrMatchNotFound) {
			// No sequenced events yet is an answer, not a failure.
			metrics.SnapshotReadsTotal.WithLabelValues("not_found").Inc()
			return domain.NewMatchSnapshot(matchID), nil
		}
		return snap, err
	})

	switch {
	case err == nil:
		metrics.SnapshotReadsTotal.WithLabelValues("ok").Inc()
		return result.(domain.MatchSnapshot), nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.SnapshotReadsTotal.WithLabelValues("breaker_open").Inc()
		return domain.MatchSnapshot{}, fmt.Errorf("%w: breaker open for match %d", domain.ErrResultsUnavailable, matchID)
	default:
		metrics.SnapshotReadsTotal.WithLabelValues("error").Inc()
		return domain.MatchSnapshot{}, fmt.Errorf("%w: %v", domain.ErrResultsUnavailable, err)
	}
}

// EventsSince returns the match's events above the given sequence
// number, for pollers catching up without a websocket. Shares the
// snapshot path's breaker so a struggling store sheds both reads
// together.
func (s *Service) EventsSince(ctx context.Context, matchID int64, after uint64) ([]domain.Event, error) {
	policy := s.policy("events_since", matchID)
	classify := func(error) retry.Action { return retry.Retry }

	result, err := s.breaker.Execute(func() (any, error) {
		return retry.Do(ctx, policy, classify, func() ([]domain.Event, error) {
			attemptCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
			defer cancel()
			return s.store.EventsSince(attemptCtx, matchID, after)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrResultsUnavailable, err)
	}
	return result.([]domain.Event), nil
}
