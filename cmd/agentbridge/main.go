// agentbridge bridges Discord direct messages to a local agent CLI through
// a durable event queue, with cron-scheduled prompts and crash-safe
// recovery.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/joho/godotenv"

	"github.com/agentbridge/agentbridge/pkg/agent"
	"github.com/agentbridge/agentbridge/pkg/api"
	"github.com/agentbridge/agentbridge/pkg/cleanup"
	"github.com/agentbridge/agentbridge/pkg/config"
	"github.com/agentbridge/agentbridge/pkg/discord"
	"github.com/agentbridge/agentbridge/pkg/queue"
	"github.com/agentbridge/agentbridge/pkg/reconcile"
	"github.com/agentbridge/agentbridge/pkg/scheduler"
	"github.com/agentbridge/agentbridge/pkg/store"
	"github.com/agentbridge/agentbridge/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	cmd, args := splitCommand(os.Args[1:])

	var err error
	switch cmd {
	case "daemon":
		err = runDaemon(args)
	case "send":
		err = runSend(args)
	case "schedule":
		err = runSchedule(args)
	case "version":
		fmt.Println(version.Full())
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		slog.Error("command failed", "command", cmd, "error", err)
		os.Exit(1)
	}
}

// splitCommand picks the subcommand off the argument list. No subcommand, or
// a leading flag, means the daemon.
func splitCommand(args []string) (string, []string) {
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		return args[0], args[1:]
	}
	return "daemon", args
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: agentbridge [command] [flags]

commands:
  daemon     run the bridge daemon (default)
  send       queue an outbound DM for delivery by the daemon
  schedule   fire a configured schedule immediately
  version    print the build version`)
}

// commonFlags are shared by every subcommand.
type commonFlags struct {
	settingsPath string
	stateDir     string
	envPath      string
}

func registerCommonFlags(fs *flag.FlagSet) *commonFlags {
	cf := &commonFlags{}
	fs.StringVar(&cf.settingsPath, "config",
		getEnv("AGENTBRIDGE_CONFIG", "settings.json"), "path to the settings file")
	fs.StringVar(&cf.stateDir, "state-dir",
		getEnv("AGENTBRIDGE_STATE_DIR", config.DefaultStateDir), "directory for durable state")
	fs.StringVar(&cf.envPath, "env", ".env", "path to the dotenv file")
	return cf
}

// loadConfig loads the dotenv file and the full configuration.
func loadConfig(cf *commonFlags) (*config.Config, error) {
	if err := godotenv.Load(cf.envPath); err != nil {
		slog.Warn("could not load .env file, continuing with existing environment",
			"path", cf.envPath, "error", err)
	}
	return config.Load(cf.settingsPath, cf.stateDir)
}

func runDaemon(args []string) error {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	cf := registerCommonFlags(fs)
	httpAddr := fs.String("http", getEnv("AGENTBRIDGE_HTTP_ADDR", "127.0.0.1:8686"),
		"ops server listen address")
	agentBin := fs.String("agent-bin", getEnv("AGENTBRIDGE_AGENT_BIN", "claude"),
		"agent CLI executable")
	systemPrompt := fs.String("system-prompt", getEnv("AGENTBRIDGE_SYSTEM_PROMPT", ""),
		"system prompt template file (default <state-dir>/system_prompt.md)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(cf)
	if err != nil {
		return err
	}
	promptPath := *systemPrompt
	if promptPath == "" {
		promptPath = filepath.Join(cfg.StateDir, "system_prompt.md")
	}

	slog.Info("starting agentbridge",
		"version", version.Full(),
		"state_dir", cfg.StateDir,
		"allowed_users", len(cfg.AllowedUserIDs),
		"schedules", len(cfg.Settings.Schedules),
		"sandbox", cfg.Settings.SandboxEnabled())

	ctx := context.Background()

	// Durable state first: nothing else is safe to start without it.
	st, err := store.Open(ctx, cfg.EventStorePath())
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("error closing event store", "error", err)
		}
	}()

	// Agent gateway: sandboxed by default, host execution when disabled.
	sessions := agent.NewSessionStore(cfg.StateDir)
	var runner agent.Runner
	var sandbox *agent.Sandbox
	if cfg.Settings.SandboxEnabled() {
		sandbox, err = agent.NewSandbox(agent.DefaultSandboxConfig(cfg.WorkspaceDir, cfg.StateDir))
		if err != nil {
			return err
		}
		defer func() { _ = sandbox.Close() }()
		// A recreated container has no conversation to resume.
		sandbox.OnRecreate(func() {
			if err := sessions.Clear(""); err != nil {
				slog.Warn("could not clear session after sandbox recreation", "error", err)
			}
		})
		runner = sandbox
	} else {
		slog.Warn("sandbox disabled, agent CLI runs directly on the host")
		runner = agent.NewHostRunner()
	}
	gateway := agent.NewGateway(agent.GatewayConfig{
		BinaryPath:        *agentBin,
		SystemPromptPath:  promptPath,
		BypassPermissions: cfg.Settings.BypassMode,
		Timeout:           cfg.Settings.ClaudeTimeout(),
		Env:               cfg.Settings.Env,
		WorkspaceDir:      cfg.WorkspaceDir,
	}, runner, sessions)

	// Discord session and its supervisor.
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return fmt.Errorf("creating discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsDirectMessages | discordgo.IntentMessageContent

	reconciler := reconcile.NewService(st)

	supervisorCfg := discord.DefaultSupervisorConfig()
	supervisorCfg.HeartbeatInterval = cfg.Settings.HeartbeatInterval()
	supervisorCfg.ReconnectGrace = cfg.Settings.ReconnectGrace()
	supervisor := discord.NewSupervisor(session, supervisorCfg, func(reconnected bool) {
		reason := "startup"
		if reconnected {
			reason = "reconnect"
		}
		reconciler.PublishRecovery(reason)
	})

	listener := discord.NewListener(st, cfg.IsAllowedUser)
	listener.Attach(session)

	if err := supervisor.Start(); err != nil {
		return err
	}
	defer func() {
		if err := supervisor.Stop(); err != nil {
			slog.Error("error closing discord session", "error", err)
		}
	}()

	chat := discord.NewClient(session)

	// The worker and its executors.
	notifyUserID := ""
	if len(cfg.AllowedUserIDs) > 0 {
		notifyUserID = cfg.AllowedUserIDs[0]
	}
	executors := []queue.Executor{
		queue.NewDMExecutor(st, chat, gateway, sessions),
		queue.NewOutboundExecutor(st, chat),
		// Settings are re-read per firing so schedule edits do not need a
		// daemon restart.
		queue.NewScheduleExecutor(st, gateway,
			func() (*config.Settings, error) { return config.LoadSettings(cf.settingsPath) },
			notifyUserID, filepath.Join(cfg.StateDir, "handoffs")),
		queue.NewRecoverExecutor(st, chat, cfg.AllowedUserIDs),
		queue.NewReconcileExecutor(st),
	}
	worker := queue.NewWorker(workerID(), st, *cfg.Queue, executors, supervisor)
	worker.Start(ctx)

	// Producers: cron schedules and the periodic reconcile pass.
	sched, err := scheduler.New(st, cfg.Settings.Schedules)
	if err != nil {
		return err
	}
	sched.Start()
	reconciler.Start()

	cleaner := cleanup.NewService(*cfg.Retention, st)
	cleaner.Start(ctx)

	// Ops server.
	opsServer := api.NewServer(*httpAddr, st, supervisor, worker)
	errCh := make(chan error, 1)
	go func() {
		if err := opsServer.Start(); err != nil {
			errCh <- err
		}
	}()

	slog.Info("agentbridge started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("ops server error triggered shutdown", "error", err)
	case err := <-supervisor.Failed():
		slog.Error("gateway connection lost for good", "error", err)
	}

	// Producers stop first so no new work arrives, then the worker drains
	// its in-flight event, then the outer surfaces.
	sched.Stop()
	reconciler.Stop()
	cleaner.Stop()

	workerDone := make(chan struct{})
	go func() {
		worker.Stop()
		close(workerDone)
	}()
	select {
	case <-workerDone:
		slog.Info("worker stopped gracefully")
	case <-time.After(cfg.Queue.GracefulShutdownTimeout):
		slog.Warn("worker shutdown timeout exceeded, event will be requeued on next start")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("ops server shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// fileList collects repeated --file flags.
type fileList []string

func (f *fileList) String() string { return strings.Join(*f, ", ") }

func (f *fileList) Set(v string) error {
	*f = append(*f, v)
	return nil
}

// runSend queues an outbound DM. The running daemon delivers it.
func runSend(args []string) error {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return fmt.Errorf("usage: agentbridge send <userId> [--file <path>]... [message]")
	}
	target := args[0]

	fs := flag.NewFlagSet("send", flag.ExitOnError)
	cf := registerCommonFlags(fs)
	var files fileList
	fs.Var(&files, "file", "file to attach (repeatable)")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	text := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if text == "" && len(files) == 0 {
		return fmt.Errorf("nothing to send: provide message text or --file")
	}

	cfg, err := loadConfig(cf)
	if err != nil {
		return err
	}

	ctx := context.Background()
	st, err := store.Open(ctx, cfg.EventStorePath())
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	payload := store.OutboundPayload{Source: "cli", Text: text, UserID: target}
	for _, p := range files {
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("resolving file path %q: %w", p, err)
		}
		payload.Files = append(payload.Files, store.OutboundFile{Path: abs, Name: filepath.Base(abs)})
	}

	id, err := st.Publish(ctx, store.EventInput{
		Type:    store.EventOutboundDMRequest,
		Lane:    store.LaneInteractive,
		Payload: payload,
	})
	if err != nil {
		return err
	}
	fmt.Printf("queued outbound message %s for user %s\n", id, target)
	return nil
}

// runSchedule fires a configured schedule immediately, bypassing cron.
func runSchedule(args []string) error {
	fs := flag.NewFlagSet("schedule", flag.ExitOnError)
	cf := registerCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: agentbridge schedule [flags] <schedule-name>")
	}
	name := fs.Arg(0)

	cfg, err := loadConfig(cf)
	if err != nil {
		return err
	}
	if cfg.Settings.FindSchedule(name) == nil {
		return fmt.Errorf("schedule %q is not configured", name)
	}

	ctx := context.Background()
	st, err := store.Open(ctx, cfg.EventStorePath())
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	now := time.Now()
	id, err := st.Publish(ctx, store.EventInput{
		Type: store.EventSchedulerTriggered,
		Lane: store.LaneScheduled,
		Payload: store.SchedulerTriggeredPayload{
			ScheduleName: name,
			TriggeredAt:  now.UnixMilli(),
			ExpiresAt:    now.Add(scheduler.FiringTTL).UnixMilli(),
		},
	})
	if err != nil {
		return err
	}
	fmt.Printf("queued firing %s for schedule %q\n", id, name)
	return nil
}

func workerID() string {
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return "worker-" + hostname
	}
	return "worker-local"
}
