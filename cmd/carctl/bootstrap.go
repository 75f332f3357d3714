package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lucky401/carrunner/internal/autorunner"
	"github.com/lucky401/carrunner/internal/docchat"
	"github.com/lucky401/carrunner/internal/eventbus"
	"github.com/lucky401/carrunner/internal/orchestrator"
	"github.com/lucky401/carrunner/internal/runnerstate"
	"github.com/lucky401/carrunner/internal/specingest"
	"github.com/lucky401/carrunner/internal/supervisor"
	"github.com/lucky401/carrunner/internal/threadreg"
	"github.com/lucky401/carrunner/internal/ticketflow"
	"github.com/lucky401/carrunner/pkg/agentclient"
	"github.com/lucky401/carrunner/pkg/agentclient/appserver"
	"github.com/lucky401/carrunner/pkg/agentclient/opencode"
	"github.com/lucky401/carrunner/pkg/config"
	"github.com/lucky401/carrunner/pkg/errkind"
	"github.com/lucky401/carrunner/pkg/execenv"
	"github.com/lucky401/carrunner/pkg/flowctl"
	"github.com/lucky401/carrunner/pkg/logx"
	"github.com/lucky401/carrunner/pkg/metrics"
	"github.com/lucky401/carrunner/pkg/modelcatalog"
	"github.com/lucky401/carrunner/pkg/runlog"
	"github.com/lucky401/carrunner/pkg/utils"
)

// App is the process composition root: one of every long-lived service a
// repo workspace needs, wired from a single config.yml load. Grounded on
// cmd/maestro/bootstrap.go's BootstrapRunner — the same "load config, build
// each service once, wrap every step in fmt.Errorf" shape, re-aimed at this
// module's services instead of the PM/architect/coder agent set.
type App struct {
	RepoRoot string
	Config   *config.RepoConfig
	Metrics  *metrics.Recorder

	Bus         *eventbus.Bus
	Threads     *threadreg.Registry
	State       *runnerstate.Store
	Log         *runlog.Writer
	Flows       *flowctl.Controller
	AppServer   *supervisor.Supervisor
	OpenCode    *supervisor.Supervisor
	Orchestrators autorunner.Orchestrators

	Autorunner *autorunner.Runner
	TicketFlow *ticketflow.Engine
	DocChat    *docchat.Service
	SpecIngest *specingest.Service

	logger *logx.Logger
}

// NewApp loads repoRoot's config.yml and wires every service this binary's
// subcommands drive against it.
func NewApp(repoRoot string) (*App, error) {
	cfg, err := config.LoadRepoConfig(repoRoot)
	if err != nil {
		return nil, fmt.Errorf("load repo config: %w", err)
	}

	base := filepath.Join(repoRoot, ".codex-autorunner")
	app := &App{
		RepoRoot: repoRoot,
		Config:   cfg,
		Metrics:  metrics.NewRecorder(),
		Bus:      eventbus.New(),
		Threads:  threadreg.New(filepath.Join(base, "app_server_threads.json")),
		State:    runnerstate.NewStore(filepath.Join(base, "state.json")),
		Log:      runlog.NewWriter(repoRoot, cfg.Log),
		logger:   logx.NewLogger("carctl"),
	}

	flowDBPath := filepath.Join(base, "flows.db")
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create .codex-autorunner: %w", err)
	}
	if err := utils.CreateInstructionsDir(repoRoot); err != nil {
		return nil, fmt.Errorf("create .carrunner: %w", err)
	}
	flows, err := flowctl.Open(flowDBPath)
	if err != nil {
		return nil, fmt.Errorf("open flow controller: %w", err)
	}
	flows.Metrics = app.Metrics
	flows.Register(flowctl.NewPRFlow())
	app.Flows = flows

	appServerSup := supervisor.New(supervisor.KindAppServer, app.startAppServer, supervisor.Config{
		MaxHandles: cfg.AppServer.MaxHandles,
		IdleTTL:    cfg.AppServer.IdleTTL(),
	})
	openCodeSup := supervisor.New(supervisor.KindOpenCode, app.startOpenCode, supervisor.Config{})
	app.AppServer = appServerSup
	app.OpenCode = openCodeSup

	appServerOrch := orchestrator.New(appServerSup.GetClient, appServerSup.MarkTurnStarted, appServerSup.MarkTurnFinished, app.Threads)
	appServerOrch.AgentKind = string(supervisor.KindAppServer)
	appServerOrch.Metrics = app.Metrics

	openCodeOrch := orchestrator.New(openCodeSup.GetClient, openCodeSup.MarkTurnStarted, openCodeSup.MarkTurnFinished, app.Threads)
	openCodeOrch.AgentKind = string(supervisor.KindOpenCode)
	openCodeOrch.Metrics = app.Metrics

	app.Orchestrators = autorunner.Orchestrators{AppServer: appServerOrch, OpenCode: openCodeOrch}

	primary := appServerOrch
	if cfg.AgentKind == string(supervisor.KindOpenCode) {
		primary = openCodeOrch
	}

	app.Autorunner = autorunner.New(repoRoot, repoRoot, cfg, app.Orchestrators)
	app.TicketFlow = ticketflow.New(repoRoot, cfg, ticketflow.Orchestrators{AppServer: appServerOrch, OpenCode: openCodeOrch})
	app.DocChat = docchat.New(repoRoot, cfg, primary, app.State)
	app.DocChat.PrevOutput = app.extractPrevOutput
	app.SpecIngest = specingest.New(repoRoot, cfg, primary)

	app.validateConfiguredModel()

	return app, nil
}

// validateConfiguredModel checks config.yml's codex_model against
// pkg/modelcatalog before the first turn, so a typo'd model name is a
// startup warning instead of a wasted turn. Best-effort: commands like
// "doctor" or "flow" never start an agent process at all, so a failure
// here is logged, not fatal.
func (a *App) validateConfiguredModel() {
	if a.Config.CodexModel == "" {
		return
	}
	provider, ok := inferProvider(a.Config.CodexModel)
	if !ok {
		return
	}
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if provider == modelcatalog.ProviderOpenAI {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if err := modelcatalog.ValidateModelID(provider, a.Config.CodexModel, apiKey); err != nil {
		a.logger.Warn("configured model %q failed catalog validation: %v", a.Config.CodexModel, err)
	}
}

func inferProvider(modelID string) (modelcatalog.Provider, bool) {
	switch {
	case strings.HasPrefix(modelID, "claude-"):
		return modelcatalog.ProviderAnthropic, true
	case strings.HasPrefix(modelID, "gpt-"), strings.HasPrefix(modelID, "o1-"),
		strings.HasPrefix(modelID, "o3-"), strings.HasPrefix(modelID, "o4-"),
		strings.HasPrefix(modelID, "chatgpt-"):
		return modelcatalog.ProviderOpenAI, true
	case strings.HasPrefix(modelID, "gemini-"):
		return modelcatalog.ProviderGoogle, true
	default:
		return "", false
	}
}

// Close releases every long-lived resource NewApp opened: supervised
// agent processes, the flow controller's database handle, and the
// shared run log.
func (a *App) Close() {
	a.AppServer.CloseAll()
	a.OpenCode.CloseAll()
	if err := a.Flows.Close(); err != nil {
		a.logger.Warn("closing flow controller: %v", err)
	}
	if err := a.Log.Close(); err != nil {
		a.logger.Warn("closing run log: %v", err)
	}
}

// extractPrevOutput adapts pkg/runlog's (string, bool) result to
// docchat.PrevOutputFunc's (string, error) shape.
func (a *App) extractPrevOutput(runID int) (string, error) {
	text, ok := a.Log.ExtractPrevOutput(runID, a.Config.PromptPrevRunMaxChars)
	if !ok {
		return "", errkind.New(errkind.Validation, "no previous run output available")
	}
	return text, nil
}

// startAppServer is the app-server variant's supervisor.StartFunc: it
// builds a workspace-scoped environment, launches `codex app-server`, and
// routes its notifications through the shared event bus keyed by the
// workspace root (see turnRouter).
func (a *App) startAppServer(ctx context.Context, workspaceRoot string) (agentclient.Client, error) {
	env, err := execenv.Build(execenv.BuildOptions{
		WorkspaceRoot: workspaceRoot,
		CodexHomeDir:  filepath.Join(workspaceRoot, ".codex-autorunner", "codex-home"),
		UserAuthPath:  os.Getenv("CODEX_AUTH_PATH"),
	})
	if err != nil {
		return nil, fmt.Errorf("build app-server environment: %w", err)
	}

	router := newTurnRouter(a.Bus, workspaceRoot)
	return appserver.Start(appserver.Options{
		Command:             a.Config.AppServer.Command,
		Dir:                 workspaceRoot,
		Env:                 env,
		RequestTimeout:      0,
		NotificationHandler: router.handle,
		ApprovalHandler:     defaultApprovalHandler,
	})
}

// startOpenCode is the opencode variant's supervisor.StartFunc.
func (a *App) startOpenCode(_ context.Context, _ string) (agentclient.Client, error) {
	return opencode.New(opencode.Options{
		BaseURL:  a.Config.OpenCode.BaseURL,
		Username: os.Getenv(a.Config.OpenCode.UsernameEnv),
		Password: os.Getenv(a.Config.OpenCode.PasswordEnv),
	}), nil
}

// turnRouter adapts an agentclient.NotificationHandler (one per
// long-lived supervised process) onto the shared event bus. spec.md §4.F
// keys subscribers by (threadID, turnID); since supervisor (component E)
// holds exactly one active turn per workspace at a time, the workspace
// root itself stands in as a stable thread key here rather than
// threading the live thread/turn id down into the supervisor's
// StartFunc closure — a simplification scoped to this composition root,
// not a change to eventbus's own per-turn contract.
type turnRouter struct {
	bus *eventbus.Bus
	key eventbus.Key
}

func newTurnRouter(bus *eventbus.Bus, workspaceRoot string) *turnRouter {
	return &turnRouter{bus: bus, key: eventbus.Key{ThreadID: workspaceRoot}}
}

func (r *turnRouter) handle(method string, params map[string]any) {
	r.bus.Publish(r.key, eventbus.Event{Method: method, Params: params, Origin: time.Now()})
}

// defaultApprovalHandler denies everything: an unattended CLI invocation
// has no operator to ask, so "always deny" is the safe default per
// spec.md §4.D1's approval dispatch contract.
func defaultApprovalHandler(agentclient.ApprovalRequest) agentclient.ApprovalDecision {
	return agentclient.ApprovalDecline
}
