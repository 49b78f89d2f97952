package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

// Supervisor connection states.
const (
	StateStarting     = "starting"
	StateReady        = "ready"
	StateReconnecting = "reconnecting"
	StateStopping     = "stopping"
)

// SupervisorConfig tunes the gateway connection watchdog.
type SupervisorConfig struct {
	// HeartbeatInterval is how often the watchdog samples gateway health.
	HeartbeatInterval time.Duration
	// SlowThreshold is the heartbeat latency above which a sample counts
	// as slow.
	SlowThreshold time.Duration
	// SlowLimit is how many consecutive slow samples force a reconnect.
	SlowLimit int
	// MaxReconnectAttempts bounds one reconnect cycle before giving up.
	MaxReconnectAttempts int
	// ReconnectGrace is how long a reopened connection gets to report ready
	// before the attempt counts as failed.
	ReconnectGrace time.Duration
}

// DefaultSupervisorConfig returns the standard watchdog tuning.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		HeartbeatInterval:    60 * time.Second,
		SlowThreshold:        15 * time.Second,
		SlowLimit:            3,
		MaxReconnectAttempts: 10,
		ReconnectGrace:       30 * time.Second,
	}
}

// Supervisor owns the gateway session lifecycle: it opens the connection,
// watches heartbeat health, forces a reconnect when the link goes quiet, and
// reports unrecoverable failure so the daemon can exit.
type Supervisor struct {
	session *discordgo.Session
	cfg     SupervisorConfig
	logger  *slog.Logger

	mu           sync.Mutex
	state        string
	readyCh      chan struct{}
	reconnecting bool
	everReady    bool

	// onReady fires on every transition into ready; reconnected is false
	// only for the first connection of the process.
	onReady func(reconnected bool)

	failedCh chan error
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewSupervisor builds a supervisor over an unopened session. onReady may be
// nil.
func NewSupervisor(session *discordgo.Session, cfg SupervisorConfig, onReady func(reconnected bool)) *Supervisor {
	return &Supervisor{
		session:  session,
		cfg:      cfg,
		logger:   slog.Default().With("component", "discord-supervisor"),
		state:    StateStarting,
		readyCh:  make(chan struct{}),
		onReady:  onReady,
		failedCh: make(chan error, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start opens the gateway connection and launches the watchdog.
func (sv *Supervisor) Start() error {
	sv.session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Ready) {
		sv.markReady()
	})
	sv.session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
		sv.markReady()
	})
	sv.session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		sv.markDisconnected()
	})

	if err := sv.session.Open(); err != nil {
		return fmt.Errorf("opening gateway connection: %w", err)
	}

	sv.wg.Add(1)
	go sv.watchdog()
	return nil
}

// Stop closes the gateway connection and stops the watchdog.
func (sv *Supervisor) Stop() error {
	sv.mu.Lock()
	sv.state = StateStopping
	sv.mu.Unlock()

	close(sv.stopCh)
	err := sv.session.Close()
	sv.wg.Wait()
	return err
}

// State returns the current connection state.
func (sv *Supervisor) State() string {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.state
}

// IsReady reports whether the gateway connection is up.
func (sv *Supervisor) IsReady() bool {
	return sv.State() == StateReady
}

// WaitUntilReady blocks until the connection is ready or ctx expires.
func (sv *Supervisor) WaitUntilReady(ctx context.Context) error {
	sv.mu.Lock()
	ch := sv.readyCh
	sv.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for gateway readiness: %w", ctx.Err())
	}
}

// Failed yields the fatal error when reconnection attempts are exhausted.
func (sv *Supervisor) Failed() <-chan error {
	return sv.failedCh
}

func (sv *Supervisor) markReady() {
	sv.mu.Lock()
	if sv.state == StateStopping {
		sv.mu.Unlock()
		return
	}
	reconnected := sv.everReady
	sv.everReady = true
	sv.state = StateReady
	select {
	case <-sv.readyCh:
	default:
		close(sv.readyCh)
	}
	onReady := sv.onReady
	sv.mu.Unlock()

	sv.logger.Info("gateway connection ready", "reconnected", reconnected)
	if onReady != nil {
		onReady(reconnected)
	}
}

func (sv *Supervisor) markDisconnected() {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if sv.state == StateStopping {
		return
	}
	sv.state = StateReconnecting
	// Arm a fresh readiness barrier for waiters.
	select {
	case <-sv.readyCh:
		sv.readyCh = make(chan struct{})
	default:
	}
	sv.logger.Warn("gateway connection lost")
}

// heartbeatHealth folds watchdog samples into a reconnect decision: a
// not-ready tick is unhealthy on its own, as are SlowLimit consecutive slow
// pings.
type heartbeatHealth struct {
	slowThreshold time.Duration
	slowLimit     int
	slow          int
}

// observe records one sample and reports whether the connection needs a
// forced reconnect.
func (h *heartbeatHealth) observe(ready bool, latency time.Duration) bool {
	if !ready {
		h.slow = 0
		return true
	}
	if latency <= h.slowThreshold {
		h.slow = 0
		return false
	}
	h.slow++
	if h.slow >= h.slowLimit {
		h.slow = 0
		return true
	}
	return false
}

// watchdog samples connection health and forces a reconnect when the session
// is not ready or the heartbeat stays slow. The SDK's own resume logic
// handles transient drops; this catches the half-open or never-resuming
// connections it misses.
func (sv *Supervisor) watchdog() {
	defer sv.wg.Done()

	ticker := time.NewTicker(sv.cfg.HeartbeatInterval)
	defer ticker.Stop()

	health := &heartbeatHealth{
		slowThreshold: sv.cfg.SlowThreshold,
		slowLimit:     sv.cfg.SlowLimit,
	}
	for {
		select {
		case <-sv.stopCh:
			return
		case <-ticker.C:
			if sv.reconnectInFlight() {
				continue
			}
			ready := sv.IsReady()
			var latency time.Duration
			if ready {
				latency = sv.session.HeartbeatLatency()
			}
			if !ready || latency > sv.cfg.SlowThreshold {
				sv.logger.Warn("unhealthy gateway heartbeat",
					"ready", ready, "latency", latency)
			}
			if health.observe(ready, latency) {
				sv.forceReconnect()
			}
		}
	}
}

func (sv *Supervisor) reconnectInFlight() bool {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.reconnecting
}

// forceReconnect tears the session down and re-opens it, with exponential
// backoff between attempts. Single-flight: a cycle already in progress wins.
func (sv *Supervisor) forceReconnect() {
	sv.mu.Lock()
	if sv.reconnecting || sv.state == StateStopping {
		sv.mu.Unlock()
		return
	}
	sv.reconnecting = true
	sv.state = StateReconnecting
	sv.mu.Unlock()

	defer func() {
		sv.mu.Lock()
		sv.reconnecting = false
		sv.mu.Unlock()
	}()

	sv.logger.Warn("forcing gateway reconnect")
	_ = sv.session.Close()

	for attempt := 1; attempt <= sv.cfg.MaxReconnectAttempts; attempt++ {
		select {
		case <-sv.stopCh:
			return
		case <-time.After(reconnectDelay(attempt)):
		}

		if err := sv.session.Open(); err != nil {
			sv.logger.Error("gateway reconnect failed",
				"attempt", attempt, "max", sv.cfg.MaxReconnectAttempts, "error", err)
			continue
		}

		// An open socket is not a working session yet; require the ready
		// event within the grace window.
		graceCtx, cancel := context.WithTimeout(context.Background(), sv.cfg.ReconnectGrace)
		err := sv.WaitUntilReady(graceCtx)
		cancel()
		if err != nil {
			sv.logger.Warn("gateway reopened but never became ready",
				"attempt", attempt, "grace", sv.cfg.ReconnectGrace)
			_ = sv.session.Close()
			continue
		}
		sv.logger.Info("gateway reconnect succeeded", "attempt", attempt)
		return
	}

	select {
	case sv.failedCh <- fmt.Errorf("gateway reconnect failed after %d attempts", sv.cfg.MaxReconnectAttempts):
	default:
	}
}

// reconnectDelay doubles per attempt from one second, capped at a minute.
func reconnectDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 10 {
		attempt = 10
	}
	d := time.Second << (attempt - 1)
	if d > time.Minute {
		d = time.Minute
	}
	return d
}
