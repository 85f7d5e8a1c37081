// Package ingest normalizes heterogeneous upstream feed payloads into
// canonical match events. Sequence numbers are assigned downstream by
// the sequencer.
package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/Korniev/SportHub/internal/domain"
	"github.com/Korniev/SportHub/internal/metrics"
)

// Supported upstream providers.
const (
	ProviderStatsfeed = "statsfeed"
	ProviderScorewire = "scorewire"
)

// Normalizer converts provider-specific payloads into domain events.
type Normalizer struct {
	clock clockwork.Clock
}

func NewNormalizer(clock clockwork.Clock) *Normalizer {
	return &Normalizer{clock: clock}
}

// Normalize parses one raw feed payload. Returns an event with Seq
// unassigned, or an error wrapping domain.ErrMalformedEvent; malformed
// payloads are logged and dropped by the caller, never sequenced.
func (n *Normalizer) Normalize(provider string, payload []byte) (domain.Event, error) {
	var ev domain.Event
	var err error

	switch provider {
	case ProviderStatsfeed:
		ev, err = n.normalizeStatsfeed(payload)
	case ProviderScorewire:
		ev, err = n.normalizeScorewire(payload)
	default:
		err = fmt.Errorf("%w: unknown provider %q", domain.ErrMalformedEvent, provider)
	}

	if err != nil {
		metrics.FeedEventsTotal.WithLabelValues(provider, "malformed").Inc()
		return domain.Event{}, err
	}
	metrics.FeedEventsTotal.WithLabelValues(provider, "ok").Inc()
	return ev, nil
}

// statsfeed delivers one JSON object per event:
//
//	{"match_id": 42, "event_id": "sf-901", "kind": "goal",
//	 "home_score": 1, "away_score": 0, "occurred_at": "2026-08-24T18:03:11Z"}
type statsfeedEvent struct {
	MatchID    int64    `json:"match_id"`
	EventID    string   `json:"event_id"`
	Kind       string   `json:"kind"`
	HomeScore  *int     `json:"home_score"`
	AwayScore  *int     `json:"away_score"`
	State      string   `json:"state"`
	StatName   string   `json:"stat_name"`
	StatValue  *float64 `json:"stat_value"`
	OccurredAt string   `json:"occurred_at"`
}

func (n *Normalizer) normalizeStatsfeed(payload []byte) (domain.Event, error) {
	var raw statsfeedEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return domain.Event{}, fmt.Errorf("%w: statsfeed: %v", domain.ErrMalformedEvent, err)
	}
	if raw.MatchID <= 0 {
		return domain.Event{}, fmt.Errorf("%w: statsfeed: missing match_id", domain.ErrMalformedEvent)
	}

	var evType domain.EventType
	var body any
	switch raw.Kind {
	case "goal", "score_correction":
		if raw.HomeScore == nil || raw.AwayScore == nil {
			return domain.Event{}, fmt.Errorf("%w: statsfeed: %s without scores", domain.ErrMalformedEvent, raw.Kind)
		}
		evType = domain.EventTypeScore
		body = domain.ScorePayload{Home: *raw.HomeScore, Away: *raw.AwayScore}
	case "status":
		if raw.State == "" {
			return domain.Event{}, fmt.Errorf("%w: statsfeed: status without state", domain.ErrMalformedEvent)
		}
		evType = domain.EventTypeStatus
		body = domain.StatusPayload{Status: raw.State}
	case "stat":
		if raw.StatName == "" || raw.StatValue == nil {
			return domain.Event{}, fmt.Errorf("%w: statsfeed: incomplete stat", domain.ErrMalformedEvent)
		}
		evType = domain.EventTypeStat
		body = domain.StatPayload{Name: raw.StatName, Value: *raw.StatValue}
	default:
		return domain.Event{}, fmt.Errorf("%w: statsfeed: unrecognized kind %q", domain.ErrMalformedEvent, raw.Kind)
	}

	ts := n.clock.Now()
	if raw.OccurredAt != "" {
		parsed, err := time.Parse(time.RFC3339, raw.OccurredAt)
		if err != nil {
			return domain.Event{}, fmt.Errorf("%w: statsfeed: bad occurred_at: %v", domain.ErrMalformedEvent, err)
		}
		ts = parsed
	}

	return n.build(raw.MatchID, evType, body, ts, ProviderStatsfeed, raw.EventID)
}

// scorewire wraps everything in an envelope with upper-case types:
//
//	{"fixture": 42, "id": "sw-17", "type": "SCORE",
//	 "data": {"home": 1, "away": 0}, "ts": 1756058591}
type scorewireEvent struct {
	Fixture int64           `json:"fixture"`
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	TS      int64           `json:"ts"`
}

func (n *Normalizer) normalizeScorewire(payload []byte) (domain.Event, error) {
	var raw scorewireEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return domain.Event{}, fmt.Errorf("%w: scorewire: %v", domain.ErrMalformedEvent, err)
	}
	if raw.Fixture <= 0 {
		return domain.Event{}, fmt.Errorf("%w: scorewire: missing fixture", domain.ErrMalformedEvent)
	}
	if len(raw.Data) == 0 {
		return domain.Event{}, fmt.Errorf("%w: scorewire: missing data", domain.ErrMalformedEvent)
	}

	var evType domain.EventType
	var body any
	switch raw.Type {
	case "SCORE":
		var p domain.ScorePayload
		if err := json.Unmarshal(raw.Data, &p); err != nil {
			return domain.Event{}, fmt.Errorf("%w: scorewire: bad SCORE data: %v", domain.ErrMalformedEvent, err)
		}
		evType = domain.EventTypeScore
		body = p
	case "STATE":
		var p domain.StatusPayload
		if err := json.Unmarshal(raw.Data, &p); err != nil || p.Status == "" {
			return domain.Event{}, fmt.Errorf("%w: scorewire: bad STATE data", domain.ErrMalformedEvent)
		}
		evType = domain.EventTypeStatus
		body = p
	case "METRIC":
		var p domain.StatPayload
		if err := json.Unmarshal(raw.Data, &p); err != nil || p.Name == "" {
			return domain.Event{}, fmt.Errorf("%w: scorewire: bad METRIC data", domain.ErrMalformedEvent)
		}
		evType = domain.EventTypeStat
		body = p
	default:
		return domain.Event{}, fmt.Errorf("%w: scorewire: unrecognized type %q", domain.ErrMalformedEvent, raw.Type)
	}

	ts := n.clock.Now()
	if raw.TS > 0 {
		ts = time.Unix(raw.TS, 0).UTC()
	}

	return n.build(raw.Fixture, evType, body, ts, ProviderScorewire, raw.ID)
}

func (n *Normalizer) build(matchID int64, evType domain.EventType, body any, ts time.Time, provider, eventID string) (domain.Event, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return domain.Event{}, fmt.Errorf("%w: encode payload: %v", domain.ErrMalformedEvent, err)
	}

	// Feeds that do not carry an event id get a generated key: still
	// unique, just without cross-submission dedup.
	key := provider + ":" + eventID
	if eventID == "" {
		key = provider + ":" + uuid.NewString()
	}

	return domain.Event{
		MatchID:        matchID,
		Type:           evType,
		Payload:        payload,
		Timestamp:      ts,
		IdempotencyKey: key,
	}, nil
}
