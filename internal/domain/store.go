package domain

import "context"

// EventStore is the durable store for sequenced events and snapshots,
// keyed by (matchID, seq).
type EventStore interface {
	// InsertEvent persists a sequenced event and the snapshot folded from
	// it atomically. Returns ErrDuplicateEvent if the event's idempotency
	// key or (matchID, seq) pair was already stored, *PersistenceError on
	// store failure.
	InsertEvent(ctx context.Context, ev Event, snap MatchSnapshot) error

	// LatestSequence returns the highest sequence number stored for the
	// match, zero if the match has no events.
	LatestSequence(ctx context.Context, matchID int64) (uint64, error)

	// EventsSince returns all events for the match with seq > after, in
	// ascending sequence order.
	EventsSince(ctx context.Context, matchID int64, after uint64) ([]Event, error)

	// Snapshot returns the stored snapshot for the match.
	// Returns ErrMatchNotFound if the match has no sequenced events.
	Snapshot(ctx context.Context, matchID int64) (MatchSnapshot, error)

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error
}
