package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentbridge/agentbridge/pkg/agent"
	"github.com/agentbridge/agentbridge/pkg/config"
	"github.com/agentbridge/agentbridge/pkg/store"
)

// skipMarker lets a skippable schedule's agent decide there is nothing
// worth reporting this run.
const skipMarker = "[SKIP]"

// SettingsSource provides the current settings. The executor reads them per
// firing so schedule edits apply without a daemon restart.
type SettingsSource func() (*config.Settings, error)

// StaticSettings wraps already loaded settings as a SettingsSource.
func StaticSettings(s *config.Settings) SettingsSource {
	return func() (*config.Settings, error) { return s, nil }
}

// ScheduleExecutor processes scheduler.triggered events: it runs the
// schedule's prompt through the agent and, when configured, queues the
// result as an outbound DM to the primary user.
type ScheduleExecutor struct {
	store        *store.Store
	agent        Agent
	settings     SettingsSource
	notifyUserID string
	handoffDir   string
	logger       *slog.Logger
}

// NewScheduleExecutor builds the schedule executor. notifyUserID receives
// results of schedules with discord_notify set; typically the first
// allowlisted user. handoffDir is where run results are archived; empty
// disables archiving.
func NewScheduleExecutor(st *store.Store, ag Agent, settings SettingsSource, notifyUserID, handoffDir string) *ScheduleExecutor {
	return &ScheduleExecutor{
		store:        st,
		agent:        ag,
		settings:     settings,
		notifyUserID: notifyUserID,
		handoffDir:   handoffDir,
		logger:       slog.Default().With("component", "schedule-executor"),
	}
}

// Type implements Executor.
func (e *ScheduleExecutor) Type() store.EventType { return store.EventSchedulerTriggered }

// Execute runs one schedule firing.
func (e *ScheduleExecutor) Execute(ctx context.Context, ev *store.Event) error {
	var payload store.SchedulerTriggeredPayload
	if err := store.DecodePayload(ev, &payload); err != nil {
		return Terminal(err)
	}

	log := e.logger.With("schedule", payload.ScheduleName)

	// A firing that sat in the queue past its expiry is stale: running it
	// late would deliver yesterday's digest today. Drop it quietly.
	if payload.ExpiresAt > 0 && time.Now().UnixMilli() > payload.ExpiresAt {
		log.Warn("dropping expired schedule firing",
			"triggered_at", time.UnixMilli(payload.TriggeredAt),
			"expired_at", time.UnixMilli(payload.ExpiresAt))
		return nil
	}

	settings, err := e.settings()
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}
	spec := settings.FindSchedule(payload.ScheduleName)
	if spec == nil {
		return Terminal(fmt.Errorf("schedule %q is no longer configured", payload.ScheduleName))
	}

	prompt, err := e.resolvePrompt(spec)
	if err != nil {
		return err
	}

	sessionKey := ""
	if spec.SessionMode == config.SessionModeIsolated {
		sessionKey = config.SanitizeScheduleName(spec.Name)
	}

	resp, err := e.agent.SendToAgent(ctx, agent.Request{
		Prompt: prompt,
		Context: agent.PromptContext{
			Source: "schedule",
			Extra:  "This prompt was triggered by the schedule " + spec.Name + ".",
		},
		// Isolated schedules keep their own session file across firings, so
		// each recurring task carries its context forward.
		SessionKey: sessionKey,
	})
	if err != nil {
		if errors.Is(err, agent.ErrAuth) {
			if spec.DiscordNotify && e.notifyUserID != "" {
				e.notifyAuthFailure(ctx, spec, payload, err)
			}
			return Terminal(err)
		}
		return err
	}

	text := resp.Text
	if spec.Skippable && hasSkipMarker(text) {
		log.Info("schedule result skipped by agent")
		return nil
	}

	e.writeHandoff(log, spec.Name, payload.TriggeredAt, text)

	if !spec.DiscordNotify {
		log.Info("schedule ran without notification", "response_chars", len(text))
		return nil
	}
	if e.notifyUserID == "" {
		return Terminal(fmt.Errorf("schedule %q wants notification but no user is allowlisted", spec.Name))
	}

	_, err = e.store.Publish(ctx, store.EventInput{
		Type: store.EventOutboundDMRequest,
		Lane: store.LaneScheduled,
		DedupeKey: fmt.Sprintf("outbound:schedule:%s:%d",
			config.SanitizeScheduleName(spec.Name), payload.TriggeredAt),
		Payload: store.OutboundPayload{
			Source:  "schedule",
			Text:    text,
			UserID:  e.notifyUserID,
			Context: spec.Name,
		},
	})
	if err != nil {
		return fmt.Errorf("queueing schedule notification: %w", err)
	}

	log.Info("schedule result queued for delivery")
	return nil
}

// notifyAuthFailure tells the notification target that the agent needs
// re-authentication. Deduped per firing so a replay cannot repeat it.
func (e *ScheduleExecutor) notifyAuthFailure(ctx context.Context, spec *config.ScheduleSpec, payload store.SchedulerTriggeredPayload, authErr error) {
	_, err := e.store.Publish(ctx, store.EventInput{
		Type: store.EventOutboundDMRequest,
		Lane: store.LaneScheduled,
		DedupeKey: fmt.Sprintf("outbound:schedule:%s:%d:error",
			config.SanitizeScheduleName(spec.Name), payload.TriggeredAt),
		Payload: store.OutboundPayload{
			Source:  "schedule",
			Text:    "The agent is not authenticated; the schedule did not run: " + authErr.Error(),
			UserID:  e.notifyUserID,
			Context: spec.Name,
		},
	})
	if err != nil {
		e.logger.Error("failed to queue schedule auth notice",
			"schedule", spec.Name, "error", err)
	}
}

// hasSkipMarker reports whether the agent flagged the run as not worth
// reporting. The marker counts at either end; agents put it wherever their
// prompt told them to.
func hasSkipMarker(text string) bool {
	trimmed := strings.TrimSpace(text)
	return strings.HasPrefix(trimmed, skipMarker) || strings.HasSuffix(trimmed, skipMarker)
}

// writeHandoff archives a schedule run's result on disk so a result is
// consultable even when the notification never happened. Best effort; a
// failed write never fails the firing.
func (e *ScheduleExecutor) writeHandoff(log *slog.Logger, name string, triggeredAt int64, text string) {
	if e.handoffDir == "" {
		return
	}
	ts := time.UnixMilli(triggeredAt)
	dir := filepath.Join(e.handoffDir, ts.Format("2006"), ts.Format("01"), ts.Format("02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Error("failed to create handoff directory", "dir", dir, "error", err)
		return
	}
	path := filepath.Join(dir, config.SanitizeScheduleName(name)+".md")
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		log.Error("failed to write handoff file", "path", path, "error", err)
	}
}

// resolvePrompt returns the inline prompt or reads the prompt file.
func (e *ScheduleExecutor) resolvePrompt(spec *config.ScheduleSpec) (string, error) {
	if spec.Prompt != "" {
		return spec.Prompt, nil
	}
	data, err := os.ReadFile(spec.PromptFile)
	if err != nil {
		return "", fmt.Errorf("reading prompt file for schedule %q: %w", spec.Name, err)
	}
	return string(data), nil
}
