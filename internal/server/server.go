// Package server exposes the HTTP surface: the websocket endpoint for
// live delivery, the feed intake, the snapshot read path, health
// probes, and Prometheus metrics.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/Korniev/SportHub/internal/config"
	"github.com/Korniev/SportHub/internal/domain"
)

type feedIngestor interface {
	IngestFeedEvent(ctx context.Context, provider string, payload []byte) (domain.Event, error)
}

type snapshotReader interface {
	GetSnapshot(ctx context.Context, matchID int64) (domain.MatchSnapshot, error)
	EventsSince(ctx context.Context, matchID int64, after uint64) ([]domain.Event, error)
}

type connectionHub interface {
	Connect(conn *websocket.Conn) (uuid.UUID, error)
	Disconnect(clientID uuid.UUID)
	Subscribe(clientID uuid.UUID, matchID int64) error
	Unsubscribe(clientID uuid.UUID, matchID int64)
}

// HealthCheck is a named health check function. A failing critical
// check makes the instance unhealthy; a failing non-critical one only
// marks it degraded, since connected clients can still reconcile.
type HealthCheck struct {
	Name     string
	Critical bool
	Check    func(ctx context.Context) error
}

type Server struct {
	echo   *echo.Echo
	config *config.Config

	feed      feedIngestor
	snapshots snapshotReader
	hub       connectionHub

	upgrader     websocket.Upgrader
	healthChecks []HealthCheck
	startTime    time.Time
}

func NewServer(cfg *config.Config, feed feedIngestor, snapshots snapshotReader, hub connectionHub, healthChecks []HealthCheck) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:      e,
		config:    cfg,
		feed:      feed,
		snapshots: snapshots,
		hub:       hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		healthChecks: healthChecks,
		startTime:    time.Now(),
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
