package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gatherops/gather/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// HealthCheck is one component's contribution to the health response.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}

// healthHandler handles GET /healthz. Only the core's own components are
// checked: the database (when configured) and the executor. External
// collaborators (LLM providers, tool registries) are excluded so an
// orchestrator never restarts the daemon over someone else's outage.
func (s *Server) healthHandler(c *gin.Context) {
	reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if s.db != nil {
		dbHealth, err := s.db.Health(reqCtx)
		if err != nil {
			status = healthStatusUnhealthy
			checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
		} else {
			checks["database"] = HealthCheck{
				Status:  healthStatusHealthy,
				Message: dbHealth.Status,
			}
		}
	}

	checks["executor"] = HealthCheck{Status: healthStatusHealthy}
	checks["scheduler"] = HealthCheck{Status: healthStatusHealthy}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, &HealthResponse{
		Status:  status,
		Version: version.GitCommit,
		Checks:  checks,
	})
}

// readyHandler handles GET /readyz: ready once the core is constructed
// and, when a database is configured, reachable.
func (s *Server) readyHandler(c *gin.Context) {
	if s.db != nil {
		reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.db.DB().PingContext(reqCtx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false, "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}
