// Package api exposes the operational HTTP surface: health and readiness
// only. The product API (task submission, agent management) is not served
// over HTTP; callers embed the core directly.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gatherops/gather/pkg/database"
	"github.com/gatherops/gather/pkg/gather"
)

// Server serves /healthz and /readyz. db is nil when the core runs on the
// in-memory store; health then reports only core components.
type Server struct {
	core *gather.Context
	db   *database.Client

	httpSrv *http.Server
	logger  *slog.Logger
}

// NewServer creates the operational server.
func NewServer(core *gather.Context, db *database.Client) *Server {
	return &Server{
		core:   core,
		db:     db,
		logger: slog.Default().With("component", "api"),
	}
}

// Router builds the gin engine with routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", s.healthHandler)
	router.GET("/readyz", s.readyHandler)
	return router
}

// Start serves HTTP on addr until Shutdown. Blocks.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("HTTP server listening", "addr", addr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
