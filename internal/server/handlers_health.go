package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

const healthCheckTimeout = 5 * time.Second

// handleHealthz runs the registered dependency checks. A critical
// failure makes the instance unhealthy; a non-critical one (the broker
// backbone) only degrades it, because live clients keep their
// connections and bridge missed events through reconciliation.
func (s *Server) handleHealthz(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), healthCheckTimeout)
	defer cancel()

	response := map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).Seconds(),
	}
	status := http.StatusOK

	for _, hc := range s.healthChecks {
		err := hc.Check(ctx)
		if err == nil {
			continue
		}
		response["failed_check"] = hc.Name
		response["error"] = err.Error()
		if hc.Critical {
			response["status"] = "unhealthy"
			status = http.StatusServiceUnavailable
			break
		}
		response["status"] = "degraded"
	}

	if err := c.JSON(status, response); err != nil {
		return fmt.Errorf("failed to send health response: %w", err)
	}
	return nil
}
