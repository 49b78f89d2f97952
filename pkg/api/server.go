// Package api exposes the operational HTTP surface: health and queue
// introspection. It is a local diagnostics endpoint, not a public API.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentbridge/agentbridge/pkg/queue"
	"github.com/agentbridge/agentbridge/pkg/store"
	"github.com/agentbridge/agentbridge/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// ConnectionStatus reports the gateway connection state.
type ConnectionStatus interface {
	State() string
	IsReady() bool
}

// WorkerStatus reports the event worker state.
type WorkerStatus interface {
	Health() queue.WorkerHealth
}

// Server is the operational HTTP server.
type Server struct {
	store      *store.Store
	connection ConnectionStatus
	worker     WorkerStatus
	logger     *slog.Logger

	httpServer *http.Server
}

// NewServer builds the ops server. connection and worker may be nil when the
// corresponding component is not running.
func NewServer(addr string, st *store.Store, connection ConnectionStatus, worker WorkerStatus) *Server {
	s := &Server{
		store:      st,
		connection: connection,
		worker:     worker,
		logger:     slog.Default().With("component", "api"),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.health)
	v1 := router.Group("/api/v1")
	{
		v1.GET("/queue/stats", s.queueStats)
		v1.GET("/queue/dead", s.deadEvents)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until Shutdown is called. Blocks.
func (s *Server) Start() error {
	s.logger.Info("ops server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ops server failed: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type healthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// health handles GET /health. Only the daemon's own components are checked;
// Discord and the agent are external and excluded so a upstream outage does
// not get the daemon restarted.
func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]healthCheck)
	status := healthStatusHealthy

	if err := s.store.Ping(ctx); err != nil {
		status = healthStatusUnhealthy
		checks["store"] = healthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
	} else {
		checks["store"] = healthCheck{Status: healthStatusHealthy}
	}

	if s.connection != nil {
		state := s.connection.State()
		if s.connection.IsReady() {
			checks["connection"] = healthCheck{Status: healthStatusHealthy, Message: state}
		} else {
			if status == healthStatusHealthy {
				status = healthStatusDegraded
			}
			checks["connection"] = healthCheck{Status: healthStatusDegraded, Message: state}
		}
	}

	if s.worker != nil {
		wh := s.worker.Health()
		checks["worker"] = healthCheck{
			Status:  healthStatusHealthy,
			Message: string(wh.Status),
		}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, gin.H{
		"status":  status,
		"version": version.Full(),
		"checks":  checks,
	})
}

// queueStats handles GET /api/v1/queue/stats.
func (s *Server) queueStats(c *gin.Context) {
	stats, err := s.store.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// deadEvent is the wire shape of one dead-lettered event.
type deadEvent struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Lane         string    `json:"lane"`
	AttemptCount int       `json:"attempt_count"`
	LastError    string    `json:"last_error"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// deadEvents handles GET /api/v1/queue/dead.
func (s *Server) deadEvents(c *gin.Context) {
	events, err := s.store.ListDead(c.Request.Context(), 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]deadEvent, 0, len(events))
	for _, ev := range events {
		out = append(out, deadEvent{
			ID:           ev.ID,
			Type:         string(ev.Type),
			Lane:         string(ev.Lane),
			AttemptCount: ev.AttemptCount,
			LastError:    ev.LastError,
			CreatedAt:    ev.CreatedAt,
			UpdatedAt:    ev.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"dead": out})
}
