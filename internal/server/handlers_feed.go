package server

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/Korniev/SportHub/internal/domain"
	apperrors "github.com/Korniev/SportHub/internal/errors"
)

const maxFeedPayloadBytes = 64 * 1024

// handleFeedEvent accepts one raw provider payload, normalizes and
// sequences it, and answers 202 with the assigned position. Duplicates
// come back 409, malformed payloads 400, store outages 503.
func (s *Server) handleFeedEvent(c echo.Context) error {
	provider := c.Param("provider")

	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, maxFeedPayloadBytes+1))
	if err != nil {
		return apperrors.ValidationError("failed to read request body")
	}
	if len(payload) == 0 {
		return apperrors.ValidationError("empty feed payload")
	}
	if len(payload) > maxFeedPayloadBytes {
		return apperrors.ValidationError("feed payload too large").WithContext("limit_bytes", maxFeedPayloadBytes)
	}

	ev, err := s.feed.IngestFeedEvent(c.Request().Context(), provider, payload)
	if err != nil {
		return err
	}

	if err := c.JSON(http.StatusAccepted, map[string]any{
		"matchId":        ev.MatchID,
		"sequenceNumber": ev.Seq,
	}); err != nil {
		return fmt.Errorf("failed to write feed response: %w", err)
	}
	return nil
}

// handleSnapshot serves the current folded state of a match through the
// reconciliation path, so reads share its retry, collapsing, and
// breaker behavior.
func (s *Server) handleSnapshot(c echo.Context) error {
	matchID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || matchID <= 0 {
		return apperrors.ValidationError("match id must be a positive integer")
	}

	snap, err := s.snapshots.GetSnapshot(c.Request().Context(), matchID)
	if err != nil {
		return err
	}

	if err := c.JSON(http.StatusOK, snap); err != nil {
		return fmt.Errorf("failed to write snapshot response: %w", err)
	}
	return nil
}

// handleEventsSince lets HTTP pollers catch up on events above a
// sequence number they already hold.
func (s *Server) handleEventsSince(c echo.Context) error {
	matchID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || matchID <= 0 {
		return apperrors.ValidationError("match id must be a positive integer")
	}

	var after uint64
	if raw := c.QueryParam("after"); raw != "" {
		if after, err = strconv.ParseUint(raw, 10, 64); err != nil {
			return apperrors.ValidationError("after must be a non-negative integer")
		}
	}

	events, err := s.snapshots.EventsSince(c.Request().Context(), matchID, after)
	if err != nil {
		return err
	}
	if events == nil {
		events = []domain.Event{}
	}

	if err := c.JSON(http.StatusOK, map[string]any{
		"matchId": matchID,
		"after":   after,
		"events":  events,
	}); err != nil {
		return fmt.Errorf("failed to write events response: %w", err)
	}
	return nil
}
