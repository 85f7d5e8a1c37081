// Package redis provides the Redis Pub/Sub Broker used when the service
// runs as a fleet. Delivery is at-least-once; consumers deduplicate by
// (matchID, seq).
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/Korniev/SportHub/internal/domain"
	"github.com/Korniev/SportHub/internal/metrics"
)

const subscriptionBuffer = 64

func matchChannel(matchID int64) string {
	return "match:" + strconv.FormatInt(matchID, 10)
}

// Broker distributes sequenced events across instances via one Redis
// channel per match.
type Broker struct {
	rdb *goredis.Client
}

// NewBroker creates a broker from a Redis URL and verifies connectivity.
func NewBroker(ctx context.Context, redisURL string) (*Broker, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	rdb := goredis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &Broker{rdb: rdb}, nil
}

func (b *Broker) Publish(ctx context.Context, ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.rdb.Publish(ctx, matchChannel(ev.MatchID), data).Err(); err != nil {
		metrics.BrokerPublishTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("%w: publish match %d: %v", domain.ErrBrokerUnavailable, ev.MatchID, err)
	}
	metrics.BrokerPublishTotal.WithLabelValues("ok").Inc()
	return nil
}

type subscription struct {
	sub    *goredis.PubSub
	ch     chan domain.Event
	cancel context.CancelFunc
}

func (s *subscription) Events() <-chan domain.Event { return s.ch }

func (s *subscription) Close() error {
	s.cancel()
	return s.sub.Close()
}

// Subscribe opens a per-match subscription. go-redis reconnects the
// underlying connection itself; a reconnect can drop messages, which
// surfaces downstream as a sequence gap and triggers reconciliation.
func (b *Broker) Subscribe(ctx context.Context, matchID int64) (domain.BrokerSubscription, error) {
	sub := b.rdb.Subscribe(ctx, matchChannel(matchID))

	// Force the initial SUBSCRIBE so an unreachable backbone fails here,
	// not silently in the pump.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("%w: subscribe match %d: %v", domain.ErrBrokerUnavailable, matchID, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	ch := make(chan domain.Event, subscriptionBuffer)
	metrics.BrokerSubscriptionsActive.Inc()

	go func() {
		defer close(ch)
		defer metrics.BrokerSubscriptionsActive.Dec()

		msgCh := sub.Channel()
		for {
			select {
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				var ev domain.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					slog.Warn("Dropping undecodable pubsub message", "channel", msg.Channel, "error", err)
					continue
				}
				select {
				case ch <- ev:
				case <-subCtx.Done():
					return
				}
			case <-subCtx.Done():
				return
			}
		}
	}()

	return &subscription{sub: sub, ch: ch, cancel: cancel}, nil
}

func (b *Broker) HealthCheck(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBrokerUnavailable, err)
	}
	return nil
}

// Close closes the underlying Redis client.
func (b *Broker) Close() error {
	return b.rdb.Close()
}
