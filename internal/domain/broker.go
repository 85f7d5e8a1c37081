package domain

import "context"

// Broker distributes sequenced events to every subscribed process
// instance. Delivery is at-least-once; consumers deduplicate by
// (matchID, seq). Per match, any single subscriber observes
// non-decreasing sequence order. No ordering across matches.
type Broker interface {
	// Publish fans the event out to all subscribers of its match.
	// Returns ErrBrokerUnavailable (possibly wrapped) when the backbone
	// is unreachable.
	Publish(ctx context.Context, ev Event) error

	// Subscribe opens a subscription to one match's events. The returned
	// subscription delivers until Close or ctx cancellation.
	Subscribe(ctx context.Context, matchID int64) (BrokerSubscription, error)

	// HealthCheck verifies the backbone is reachable.
	HealthCheck(ctx context.Context) error
}

// BrokerSubscription is a live subscription to one match's event stream.
type BrokerSubscription interface {
	// Events is closed when the subscription ends.
	Events() <-chan Event
	Close() error
}
