// Package cleanup provides data retention for the event store.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentbridge/agentbridge/pkg/config"
	"github.com/agentbridge/agentbridge/pkg/store"
)

// Service periodically enforces retention policies:
//   - Removes settled DM lifecycle rows past their retention window
//   - Removes done and dead events past their TTL
//
// All operations are idempotent.
type Service struct {
	config config.RetentionConfig
	store  *store.Store

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(cfg config.RetentionConfig, st *store.Store) *Service {
	return &Service{
		config: cfg,
		store:  st,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"dm_retention", s.config.DMRetention,
		"event_ttl", s.config.EventTTL,
		"interval", s.config.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	if n, err := s.store.PruneSettledDM(ctx, s.config.DMRetention); err != nil {
		slog.Error("Failed to prune settled DM state", "error", err)
	} else if n > 0 {
		slog.Info("Pruned settled DM state", "count", n)
	}

	if n, err := s.store.PruneTerminalEvents(ctx, s.config.EventTTL); err != nil {
		slog.Error("Failed to prune terminal events", "error", err)
	} else if n > 0 {
		slog.Info("Pruned terminal events", "count", n)
	}
}
