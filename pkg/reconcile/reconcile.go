// Package reconcile produces the self-repair events: a periodic
// dm.reconcile.run that finishes stalled message lifecycles, and a
// dm.recover.run whenever the gateway connection (re)establishes.
package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agentbridge/agentbridge/pkg/store"
)

// Interval is how often a reconcile pass is queued.
const Interval = 15 * time.Second

// Service queues the periodic reconcile events.
type Service struct {
	store  *store.Store
	logger *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewService creates the reconcile producer.
func NewService(st *store.Store) *Service {
	return &Service{
		store:  st,
		logger: slog.Default().With("component", "reconcile"),
		stopCh: make(chan struct{}),
	}
}

// Start queues an immediate reconcile pass and then one per interval.
func (s *Service) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		s.publishReconcile()
		ticker := time.NewTicker(Interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.publishReconcile()
			}
		}
	}()
}

// Stop halts the producer.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// publishReconcile queues a reconcile pass unless one is already waiting.
// While the worker is blocked on connectivity these would otherwise pile up.
func (s *Service) publishReconcile() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	active, err := s.store.HasActiveEvent(ctx, store.EventDMReconcileRun)
	if err != nil {
		s.logger.Error("failed to check for active reconcile", "error", err)
		return
	}
	if active {
		return
	}

	_, err = s.store.Publish(ctx, store.EventInput{
		Type: store.EventDMReconcileRun,
		Lane: store.LaneSystem,
	})
	if err != nil {
		s.logger.Error("failed to queue reconcile pass", "error", err)
	}
}

// PublishRecovery queues a missed-message recovery sweep, typically on
// connect and reconnect. Suppressed while a sweep is already queued.
func (s *Service) PublishRecovery(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	active, err := s.store.HasActiveEvent(ctx, store.EventDMRecoverRun)
	if err != nil {
		s.logger.Error("failed to check for active recovery", "error", err)
		return
	}
	if active {
		return
	}

	_, err = s.store.Publish(ctx, store.EventInput{
		Type:    store.EventDMRecoverRun,
		Lane:    store.LaneRecovery,
		Payload: store.RecoverPayload{Reason: reason},
	})
	if err != nil {
		s.logger.Error("failed to queue recovery sweep", "reason", reason, "error", err)
		return
	}
	s.logger.Info("recovery sweep queued", "reason", reason)
}
