package domain

import (
	"encoding/json"
	"fmt"
)

// MatchSnapshot is the authoritative state of a match derived by folding
// all events up to Seq. Mutated only by the sequencer path; served to
// clients by the reconciliation service.
type MatchSnapshot struct {
	MatchID   int64              `json:"matchId"`
	Seq       uint64             `json:"sequenceNumber"`
	Status    string             `json:"status"`
	HomeScore int                `json:"homeScore"`
	AwayScore int                `json:"awayScore"`
	Stats     map[string]float64 `json:"stats,omitempty"`
}

// NewMatchSnapshot returns the zero-state snapshot for a match that has
// no sequenced events yet.
func NewMatchSnapshot(matchID int64) MatchSnapshot {
	return MatchSnapshot{MatchID: matchID, Status: "scheduled"}
}

// Apply folds one event into the snapshot and advances Seq. The fold is
// pure: the receiver is copied, stats maps are never shared.
func (s MatchSnapshot) Apply(ev Event) (MatchSnapshot, error) {
	if ev.MatchID != s.MatchID {
		return s, fmt.Errorf("event for match %d applied to snapshot of match %d", ev.MatchID, s.MatchID)
	}

	switch ev.Type {
	case EventTypeScore:
		var p ScorePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return s, fmt.Errorf("decode score payload: %w", err)
		}
		s.HomeScore = p.Home
		s.AwayScore = p.Away
	case EventTypeStatus:
		var p StatusPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return s, fmt.Errorf("decode status payload: %w", err)
		}
		s.Status = p.Status
	case EventTypeStat:
		var p StatPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return s, fmt.Errorf("decode stat payload: %w", err)
		}
		stats := make(map[string]float64, len(s.Stats)+1)
		for k, v := range s.Stats {
			stats[k] = v
		}
		stats[p.Name] = p.Value
		s.Stats = stats
	default:
		return s, fmt.Errorf("unknown event type %q", ev.Type)
	}

	s.Seq = ev.Seq
	return s, nil
}
