// Package scheduler turns configured cron schedules into queued
// scheduler.triggered events. It only produces; the schedule executor does
// the work, so a firing survives a crash between trigger and run.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agentbridge/agentbridge/pkg/config"
	"github.com/agentbridge/agentbridge/pkg/store"
)

// FiringTTL is how long a queued firing stays valid. A firing older than
// this is stale and the executor drops it.
const FiringTTL = 15 * time.Minute

// Scheduler owns the cron runner.
type Scheduler struct {
	cron   *cron.Cron
	store  *store.Store
	logger *slog.Logger
}

// New builds a scheduler from the configured schedules. Specs were already
// validated at config load; a failing entry here is a bug, not user error.
func New(st *store.Store, schedules []config.ScheduleSpec) (*Scheduler, error) {
	s := &Scheduler{
		cron:   cron.New(),
		store:  st,
		logger: slog.Default().With("component", "scheduler"),
	}

	for _, spec := range schedules {
		expr := spec.Cron
		if spec.Timezone != "" {
			expr = "CRON_TZ=" + spec.Timezone + " " + expr
		}
		name := spec.Name
		if _, err := s.cron.AddFunc(expr, func() { s.fire(name) }); err != nil {
			return nil, fmt.Errorf("registering schedule %q: %w", name, err)
		}
		s.logger.Info("schedule registered", "name", name, "cron", spec.Cron, "timezone", spec.Timezone)
	}
	return s, nil
}

// Start begins firing schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the cron runner and waits for in-flight fire callbacks.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// fire queues one firing. The dedupe key covers the schedule and the minute
// it fired in, so a restart mid-publish cannot double-fire.
func (s *Scheduler) fire(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now()
	triggeredAt := now.Truncate(time.Minute)

	_, err := s.store.Publish(ctx, store.EventInput{
		Type: store.EventSchedulerTriggered,
		Lane: store.LaneScheduled,
		DedupeKey: fmt.Sprintf("schedule:%s:%d",
			config.SanitizeScheduleName(name), triggeredAt.UnixMilli()),
		Payload: store.SchedulerTriggeredPayload{
			ScheduleName: name,
			TriggeredAt:  now.UnixMilli(),
			ExpiresAt:    now.Add(FiringTTL).UnixMilli(),
		},
	})
	if err != nil {
		s.logger.Error("failed to queue schedule firing", "name", name, "error", err)
		return
	}
	s.logger.Info("schedule fired", "name", name)
}
