package domain

import "encoding/json"

// Client-facing websocket protocol. One persistent bidirectional channel
// per client; every message is a JSON envelope.

const (
	MsgTypeSubscribe   = "subscribe"
	MsgTypeUnsubscribe = "unsubscribe"
	MsgTypeEvent       = "event"
	MsgTypeSnapshot    = "snapshot"
	MsgTypeError       = "error"
)

// ClientMessage is what clients send: subscribe/unsubscribe for a match.
type ClientMessage struct {
	Type    string `json:"type"`
	MatchID int64  `json:"matchId"`
}

// ServerMessage is what the hub pushes: live events, reconciliation
// snapshots, or a terminal error status with retry guidance.
type ServerMessage struct {
	Type    string          `json:"type"`
	MatchID int64           `json:"matchId"`
	Seq     uint64          `json:"sequenceNumber"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EventMessage wraps a sequenced event for push delivery.
func EventMessage(ev Event) ServerMessage {
	return ServerMessage{
		Type:    MsgTypeEvent,
		MatchID: ev.MatchID,
		Seq:     ev.Seq,
		Payload: ev.Payload,
	}
}

// SnapshotMessage wraps a reconciliation snapshot for push delivery.
func SnapshotMessage(snap MatchSnapshot) (ServerMessage, error) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return ServerMessage{}, err
	}
	return ServerMessage{
		Type:    MsgTypeSnapshot,
		MatchID: snap.MatchID,
		Seq:     snap.Seq,
		Payload: payload,
	}, nil
}

// ErrorMessage tells a client the match is temporarily unavailable.
func ErrorMessage(matchID int64, reason string) ServerMessage {
	payload, _ := json.Marshal(map[string]string{"reason": reason, "retry": "reconnect with backoff"})
	return ServerMessage{
		Type:    MsgTypeError,
		MatchID: matchID,
		Payload: payload,
	}
}
