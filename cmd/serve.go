package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/serialagent/internal/agent"
	"github.com/nextlevelbuilder/serialagent/internal/bus"
	"github.com/nextlevelbuilder/serialagent/internal/config"
	"github.com/nextlevelbuilder/serialagent/internal/httpapi"
	"github.com/nextlevelbuilder/serialagent/internal/memory"
	"github.com/nextlevelbuilder/serialagent/internal/node"
	"github.com/nextlevelbuilder/serialagent/internal/normalizer"
	"github.com/nextlevelbuilder/serialagent/internal/providers"
	"github.com/nextlevelbuilder/serialagent/internal/scheduler"
	"github.com/nextlevelbuilder/serialagent/internal/sessions"
	"github.com/nextlevelbuilder/serialagent/internal/store/pg"
	"github.com/nextlevelbuilder/serialagent/internal/telemetry"
	"github.com/nextlevelbuilder/serialagent/internal/tools"
	"github.com/nextlevelbuilder/serialagent/internal/transcript"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP/SSE server",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("telemetry init failed", "error", err)
		os.Exit(1)
	}
	defer shutdownTracing(context.Background())

	watcher, err := config.NewWatcher(cfgPath, nil)
	if err == nil {
		defer watcher.Close()
	} else {
		slog.Warn("config hot-reload unavailable", "error", err)
	}

	// Providers + router (spec §4.5).
	provRegistry := map[string]providers.Provider{}
	for id, spec := range cfg.Providers.List {
		switch spec.Kind {
		case "anthropic":
			provRegistry[id] = providers.NewAnthropicProvider(spec.APIKey, providers.WithAnthropicBaseURL(spec.APIBase))
		case "openai":
			provRegistry[id] = providers.NewOpenAIProvider(id, spec.APIKey, spec.APIBase, "")
		default:
			slog.Warn("unknown provider kind, skipping", "provider", id, "kind", spec.Kind)
		}
	}
	roles := make(map[string][]providers.Target, len(cfg.Providers.RoleToModel))
	for role, fallbacks := range cfg.Providers.RoleToModel {
		targets := make([]providers.Target, len(fallbacks))
		for i, f := range fallbacks {
			targets[i] = providers.Target{Provider: f.Provider, Model: f.Model}
		}
		roles[role] = targets
	}
	router := providers.NewRouter(provRegistry, roles, providers.StartupPolicy(cfg.Providers.StartupPolicy))
	for id, p := range provRegistry {
		router.SetReady(id, true)
		_ = p
	}
	if err := router.CheckStartupPolicy(); err != nil {
		slog.Error("no LLM provider passed readiness", "error", err)
		os.Exit(1)
	}

	// Sessions (spec §4.2).
	sessStorage := config.ExpandHome(cfg.Sessions.Storage)
	sessManager := sessions.NewManager(sessStorage)
	sessRegistry := sessions.NewRegistry(sessManager, cfg.Sessions.DailyResetHour, cfg.Sessions.IdleMinutes)
	go sessRegistry.StartLifecycleDaemon(ctx, time.Minute)
	defer sessRegistry.Stop()
	sendPolicy := sessions.NewSendPolicy(cfg.Sessions.DenyGroups, cfg.Sessions.ChannelOverrides)

	transcriptDir := config.ExpandHome(cfg.Sessions.Storage + "/transcripts")
	transcriptStore, err := transcript.NewStore(transcriptDir)
	if err != nil {
		slog.Error("failed to open transcript store", "error", err)
		os.Exit(1)
	}
	defer transcriptStore.Close()

	normalizeIdentity := normalizer.IdentityLinks{}
	var norm *normalizer.Normalizer
	if cfg.Sessions.DedupRedisURL != "" {
		store, err := normalizer.NewRedisDedupStore(cfg.Sessions.DedupRedisURL, cfg.DedupTTLDuration())
		if err != nil {
			slog.Error("failed to connect dedup store to redis", "error", err)
			os.Exit(1)
		}
		norm = normalizer.NewWithStore(normalizeIdentity, store)
	} else {
		norm = normalizer.New(normalizeIdentity, cfg.DedupTTLDuration(), cfg.Sessions.DedupCapacity)
	}

	// Tools (spec §4.4).
	workspace := config.ExpandHome(cfg.Agents.Defaults.Workspace)
	os.MkdirAll(workspace, 0755)
	toolsReg := tools.NewRegistry()
	toolsReg.Register(tools.NewReadFileTool(workspace, true))
	toolsReg.Register(tools.NewWriteFileTool(workspace, true))
	toolsReg.Register(tools.NewListFilesTool(workspace, true))
	toolsReg.Register(tools.NewExecTool(cfg.Tools.Exec.WorkingDir, true))
	if cfg.Tools.Web.Enabled {
		toolsReg.Register(tools.NewWebSearchTool(tools.WebSearchConfig{DDGEnabled: true}))
		toolsReg.Register(tools.NewWebFetchTool(tools.WebFetchConfig{}))
	}
	procTable := tools.NewProcessTable(workspace, 256)
	toolsReg.Register(tools.NewProcessTool(procTable))

	approvalMgr := tools.NewExecApprovalManager(func(tool, command string) string {
		for _, name := range cfg.Tools.Exec.ApprovalRequired {
			if name == tool {
				return "approval_required"
			}
		}
		return ""
	})

	policy := tools.NewPolicyEngine()

	// Node Router (spec §4.4, §6): optional, only if a shared or per-node
	// token is configured.
	var nodeRouter *node.Router
	if cfg.Node.SharedToken != "" || len(cfg.Node.PerNodeTokens) > 0 {
		nodeRouter = node.NewRouter(node.Config{
			SharedToken:         cfg.Node.SharedToken,
			PerNodeTokens:       cfg.Node.PerNodeTokens,
			HandshakeTimeout:    time.Duration(cfg.Node.HandshakeTimeoutSec) * time.Second,
			HeartbeatInterval:   time.Duration(cfg.Node.HeartbeatIntervalSec) * time.Second,
			MissedPongTolerance: cfg.Node.MissedPongTolerance,
			ToolTimeout:         time.Duration(cfg.Node.ToolTimeoutSec) * time.Second,
			MaxInFlightPerNode:  int64(cfg.Node.MaxInFlightPerNode),
			DrainGrace:          time.Duration(cfg.Node.DrainGraceSec) * time.Second,
			GatewayVersion:      Version,
		}, nil)
	}

	var dispatcher *tools.Dispatcher
	if nodeRouter != nil {
		dispatcher = tools.NewDispatcher(toolsReg, nodeRouter)
	} else {
		dispatcher = tools.NewDispatcher(toolsReg, nil)
	}

	// Memory client (spec §4.8).
	memClient := memory.New(cfg.Memory.Endpoint, time.Duration(cfg.Memory.TimeoutSec)*time.Second)

	// Turn Engine (spec §4.3).
	engine := &agent.Engine{
		Config:          cfg,
		Router:          router,
		Dispatcher:      dispatcher,
		Policy:          policy,
		Registry:        toolsReg,
		Transcript:      transcriptStore,
		Memory:          memClient,
		ApprovalTimeout: 5 * time.Minute,
	}
	if nodeRouter != nil {
		engine.Nodes = nodeRouter
	}

	// Durable store + scheduler (spec §4.6, §4.9).
	var scheduleStore *pg.ScheduleStore
	var schedulerStore scheduler.Store
	if cfg.Database.PostgresDSN != "" {
		db, err := pg.OpenDB(cfg.Database.PostgresDSN)
		if err != nil {
			slog.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		scheduleStore = pg.NewScheduleStore(db)
		schedulerStore = scheduleStore
		approvalStore := pg.NewApprovalStore(db)
		approvalMgr.SetStore(approvalStore)
	}

	sched := scheduler.New(&agent.ScheduledDispatcher{Engine: engine, Registry: sessRegistry}, schedulerStore)
	sched.CatchUpMax = cfg.Scheduler.DefaultMaxCatchUp
	if scheduleStore != nil {
		existing, err := scheduleStore.LoadSchedules(ctx)
		if err != nil {
			slog.Error("failed to load schedules", "error", err)
		}
		for _, sch := range existing {
			if err := sched.Add(sch); err != nil {
				slog.Warn("failed to re-register schedule", "id", sch.ID, "error", err)
			}
		}
	}
	go sched.Run(ctx)

	events := bus.NewPublisher()

	srv := httpapi.NewServer(cfg)
	srv.Registry = sessRegistry
	srv.Transcript = transcriptStore
	srv.Normalizer = norm
	srv.Engine = engine
	srv.Dispatcher = dispatcher
	srv.Approvals = approvalMgr
	srv.Nodes = nodeRouter
	srv.Scheduler = sched
	if scheduleStore != nil {
		srv.Runs = scheduleStore
	}
	srv.Router = router
	srv.Events = events
	srv.SendPolicy = sendPolicy

	addr := fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	httpSrv := &http.Server{Addr: addr, Handler: srv.BuildMux()}

	go func() {
		slog.Info("gateway listening", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	if nodeRouter != nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Node.DrainGraceSec)*time.Second)
		nodeRouter.Drain(drainCtx)
		cancel()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpSrv.Shutdown(shutdownCtx)
}
