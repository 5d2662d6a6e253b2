// Package server exposes the HTTP surface: semantic search, the
// notification intake feeding the pipeline, health, and metrics.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/nasa/earthdata-mcp/ai"
	"github.com/nasa/earthdata-mcp/internal/metrics"
	"github.com/nasa/earthdata-mcp/internal/profile"
	"github.com/nasa/earthdata-mcp/internal/version"
	"github.com/nasa/earthdata-mcp/pipeline/ingest"
	"github.com/nasa/earthdata-mcp/store"
)

// Server is the HTTP server.
type Server struct {
	echoServer *echo.Echo
	profile    *profile.Profile

	Store      *store.Store
	Search     *SearchService
	Normalizer *ingest.Normalizer
	exporter   *metrics.Exporter
	logger     *slog.Logger
}

// NewServer creates the HTTP server. The normalizer may be nil when the
// instance serves search only; the notification endpoint then returns 404.
func NewServer(_ context.Context, p *profile.Profile, s *store.Store, search *SearchService, normalizer *ingest.Normalizer, exporter *metrics.Exporter, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	server := &Server{
		echoServer: e,
		profile:    p,
		Store:      s,
		Search:     search,
		Normalizer: normalizer,
		exporter:   exporter,
		logger:     logger,
	}

	e.GET("/healthz", server.handleHealth)
	if exporter != nil {
		e.GET("/metrics", echo.WrapHandler(exporter.Handler()))
	}

	api := e.Group("/api/v1")
	api.POST("/search", server.handleSearch)
	if normalizer != nil {
		api.POST("/notifications", server.handleNotifications)
	}

	return server, nil
}

// Start begins serving and blocks until the listener fails.
func (s *Server) Start(_ context.Context) error {
	address := fmt.Sprintf("%s:%d", s.profile.Addr, s.profile.Port)
	s.logger.Info("http server listening",
		"address", address, "version", version.GetCurrentVersion(s.profile.Mode))
	return s.echoServer.Start(address)
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := s.echoServer.Shutdown(ctx); err != nil {
		s.logger.Error("failed to shut down http server", "error", err)
	}
	s.logger.Info("http server stopped")
}

// Echo exposes the router for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echoServer
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.GetCurrentVersion(s.profile.Mode),
	})
}

func (s *Server) handleSearch(c echo.Context) error {
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed search request")
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	if req.ConceptType != "" && !store.IsKnownConceptType(req.ConceptType) {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown concept type %q", req.ConceptType))
	}

	response, err := s.Search.Search(c.Request().Context(), &req)
	if err != nil {
		// A provider outage must surface as retryable, not as "no results".
		if ai.IsRetryable(err) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "embedding provider unavailable")
		}
		s.logger.Error("search failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "search failed")
	}
	return c.JSON(http.StatusOK, response)
}

// NotificationReceipt summarizes per-record outcomes for one ingest batch.
type NotificationReceipt struct {
	Processed int                         `json:"processed"`
	Failed    int                         `json:"failed"`
	Errors    []ingest.FailedNotification `json:"errors,omitempty"`
}

func (s *Server) handleNotifications(c echo.Context) error {
	var notifications []*ingest.Notification
	if err := c.Bind(&notifications); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed notification batch")
	}
	if len(notifications) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "empty notification batch")
	}

	result, err := s.Normalizer.Process(c.Request().Context(), notifications...)
	if err != nil {
		// Queue unavailable: the sender must not consider the batch
		// delivered.
		s.logger.Error("failed to enqueue notifications", "error", err)
		return echo.NewHTTPError(http.StatusServiceUnavailable, "queue unavailable")
	}
	return c.JSON(http.StatusAccepted, &NotificationReceipt{
		Processed: len(notifications) - len(result.Failed),
		Failed:    len(result.Failed),
		Errors:    result.Failed,
	})
}
