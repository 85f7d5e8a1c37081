package server

import (
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/Korniev/SportHub/internal/domain"
	"github.com/Korniev/SportHub/internal/logging"
	"github.com/Korniev/SportHub/internal/metrics"
)

const maxClientMessageBytes = 512

// handleWebSocket upgrades the connection, hands it to the hub, and
// runs the read loop until the client goes away. All writes to the
// connection happen inside the hub.
func (s *Server) handleWebSocket(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already wrote the failure response.
		metrics.WebSocketConnectionsTotal.WithLabelValues("error").Inc()
		slog.Debug("Websocket upgrade failed", "remote", c.RealIP(), "error", err)
		return nil
	}

	clientID, err := s.hub.Connect(conn)
	if err != nil {
		metrics.WebSocketConnectionsTotal.WithLabelValues("error").Inc()
		slog.Error("Hub rejected connection", "error", err)
		_ = conn.Close()
		return nil
	}
	metrics.WebSocketConnectionsTotal.WithLabelValues("success").Inc()
	slog.Debug("Client connected", "client_id", clientID, "remote", c.RealIP())

	s.readLoop(conn, clientID)
	return nil
}

// readLoop parses subscribe/unsubscribe envelopes until the connection
// errors out, then detaches the client from the hub.
func (s *Server) readLoop(conn *websocket.Conn, clientID uuid.UUID) {
	defer s.hub.Disconnect(clientID)

	conn.SetReadLimit(maxClientMessageBytes)
	log := logging.WithClient(clientID.String())

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("Client read failed", "error", err)
			}
			return
		}

		var msg domain.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.MatchID <= 0 {
			log.Debug("Ignoring malformed client message", "raw", string(data))
			continue
		}

		switch msg.Type {
		case domain.MsgTypeSubscribe:
			if err := s.hub.Subscribe(clientID, msg.MatchID); err != nil {
				log.Warn("Subscribe rejected", "match_id", msg.MatchID, "error", err)
			}
		case domain.MsgTypeUnsubscribe:
			s.hub.Unsubscribe(clientID, msg.MatchID)
		default:
			log.Debug("Ignoring unknown client message type", "type", msg.Type)
		}
	}
}
