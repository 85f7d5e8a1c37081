package domain

import (
	"encoding/json"
	"time"
)

// EventType classifies what part of the match state an event touches.
type EventType string

const (
	EventTypeScore  EventType = "score"
	EventTypeStatus EventType = "status"
	EventTypeStat   EventType = "stat"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventTypeScore, EventTypeStatus, EventTypeStat:
		return true
	}
	return false
}

// Event is a single sequenced match update. Immutable once sequenced:
// Seq is zero until the sequencer assigns it, strictly increasing and
// gap-free per match afterwards.
type Event struct {
	MatchID        int64           `json:"matchId"`
	Seq            uint64          `json:"sequenceNumber"`
	Type           EventType       `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Timestamp      time.Time       `json:"timestamp"`
	IdempotencyKey string          `json:"idempotencyKey"`
}

// ScorePayload is the payload of a score event. Scores are absolute,
// not deltas, so a single event fully determines the scoreboard.
type ScorePayload struct {
	Home int `json:"home"`
	Away int `json:"away"`
}

// StatusPayload is the payload of a status event.
type StatusPayload struct {
	Status string `json:"status"`
}

// StatPayload is the payload of a stat event (possession, shots, ...).
type StatPayload struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}
