package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent(t *testing.T, matchID int64, seq uint64, typ EventType, payload any) Event {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return Event{
		MatchID:   matchID,
		Seq:       seq,
		Type:      typ,
		Payload:   data,
		Timestamp: time.Now(),
	}
}

func TestMatchSnapshot_ApplyScore(t *testing.T) {
	snap := NewMatchSnapshot(42)

	snap, err := snap.Apply(testEvent(t, 42, 1, EventTypeScore, ScorePayload{Home: 1, Away: 0}))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), snap.Seq)
	assert.Equal(t, 1, snap.HomeScore)
	assert.Equal(t, 0, snap.AwayScore)
}

func TestMatchSnapshot_ApplyStatus(t *testing.T) {
	snap := NewMatchSnapshot(42)
	assert.Equal(t, "scheduled", snap.Status)

	snap, err := snap.Apply(testEvent(t, 42, 1, EventTypeStatus, StatusPayload{Status: "live"}))
	require.NoError(t, err)

	assert.Equal(t, "live", snap.Status)
	assert.Equal(t, uint64(1), snap.Seq)
}

func TestMatchSnapshot_ApplyStatMergesWithoutAliasing(t *testing.T) {
	snap := NewMatchSnapshot(7)

	first, err := snap.Apply(testEvent(t, 7, 1, EventTypeStat, StatPayload{Name: "possession_home", Value: 55}))
	require.NoError(t, err)

	second, err := first.Apply(testEvent(t, 7, 2, EventTypeStat, StatPayload{Name: "shots_home", Value: 3}))
	require.NoError(t, err)

	// Folding must not mutate the earlier snapshot's stats map.
	assert.Len(t, first.Stats, 1)
	assert.Len(t, second.Stats, 2)
	assert.Equal(t, 55.0, second.Stats["possession_home"])
	assert.Equal(t, 3.0, second.Stats["shots_home"])
}

func TestMatchSnapshot_ApplyWrongMatch(t *testing.T) {
	snap := NewMatchSnapshot(1)

	_, err := snap.Apply(testEvent(t, 2, 1, EventTypeScore, ScorePayload{}))
	assert.Error(t, err)
}

func TestMatchSnapshot_ApplyMalformedPayload(t *testing.T) {
	snap := NewMatchSnapshot(1)
	ev := Event{MatchID: 1, Seq: 1, Type: EventTypeScore, Payload: json.RawMessage(`{"home":"not a number"}`)}

	_, err := snap.Apply(ev)
	assert.Error(t, err)
}

func TestMatchSnapshot_ApplyUnknownType(t *testing.T) {
	snap := NewMatchSnapshot(1)
	ev := Event{MatchID: 1, Seq: 1, Type: "foul", Payload: json.RawMessage(`{}`)}

	_, err := snap.Apply(ev)
	assert.Error(t, err)
}

func TestEventType_Valid(t *testing.T) {
	assert.True(t, EventTypeScore.Valid())
	assert.True(t, EventTypeStatus.Valid())
	assert.True(t, EventTypeStat.Valid())
	assert.False(t, EventType("goal").Valid())
}
