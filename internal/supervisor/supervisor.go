// Package supervisor implements the workspace-scoped agent supervisor
// (component E, spec.md §4.E): it owns one long-lived agent process per
// (workspace, agent-kind), starting, evicting, and restarting it on demand
// (it runs no health check), and lends out an agentclient.Client to callers.
//
// Adapted from the teacher's agent supervisor (previously wired to an
// in-process PM/architect/coder FSM kernel): the restart-policy shape
// (a struct gating what happens on terminal states, applied with
// exponential backoff) and the logger-driven lifecycle idiom are kept;
// the state-change/kernel wiring is replaced with process/handle
// lifecycle management per spec.md's AgentHandle data model (§3).
package supervisor

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/lucky401/carrunner/pkg/agentclient"
	"github.com/lucky401/carrunner/pkg/agentclient/appserver"
	"github.com/lucky401/carrunner/pkg/agentclient/opencode"
	"github.com/lucky401/carrunner/pkg/errkind"
	"github.com/lucky401/carrunner/pkg/execenv"
	"github.com/lucky401/carrunner/pkg/logx"
)

// AgentKind is the closed variant of agent wire protocols spec.md §3
// names.
type AgentKind string

const (
	KindAppServer AgentKind = "codex_app_server"
	KindOpenCode  AgentKind = "opencode"
)

// StartFunc constructs a new Client for a workspace. Supplied by the
// caller so the supervisor stays agnostic of how each kind's subprocess
// or remote endpoint is actually launched.
type StartFunc func(ctx context.Context, workspaceRoot string) (agentclient.Client, error)

// handle is the supervisor's internal view of spec.md §3's AgentHandle.
type handle struct {
	workspaceID string
	client      agentclient.Client
	started     bool
	lastUsedAt  time.Time
	activeTurns int
	startMu     sync.Mutex

	restartCount int
	lastRestart  time.Time
}

// Config bounds the supervisor's resource usage.
type Config struct {
	MaxHandles      int
	IdleTTL         time.Duration
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
}

func defaultConfig() Config {
	return Config{
		MaxHandles:  8,
		IdleTTL:     10 * time.Minute,
		BaseBackoff: time.Second,
		MaxBackoff:  30 * time.Second,
	}
}

// Supervisor owns every handle for a single agent kind across all
// workspaces. One Supervisor instance exists per AgentKind.
type Supervisor struct {
	kind   AgentKind
	start  StartFunc
	cfg    Config
	logger *logx.Logger

	mu      sync.Mutex
	handles map[string]*handle
}

// New returns a Supervisor for kind, using start to spin up fresh clients.
func New(kind AgentKind, start StartFunc, cfg Config) *Supervisor {
	if cfg.MaxHandles <= 0 {
		cfg = defaultConfig()
	}
	return &Supervisor{
		kind:    kind,
		start:   start,
		cfg:     cfg,
		logger:  logx.NewLogger("supervisor-" + string(kind)),
		handles: make(map[string]*handle),
	}
}

// GetClient returns a started, ready-to-use client for workspaceID,
// starting a fresh one (and possibly evicting an LRU victim) if needed.
func (s *Supervisor) GetClient(ctx context.Context, workspaceID, workspaceRoot string) (agentclient.Client, error) {
	s.mu.Lock()
	h, ok := s.handles[workspaceID]
	if !ok {
		if len(s.handles) >= s.cfg.MaxHandles {
			s.evictLRULocked()
		}
		h = &handle{workspaceID: workspaceID}
		s.handles[workspaceID] = h
	}
	s.mu.Unlock()

	h.startMu.Lock()
	defer h.startMu.Unlock()

	if !h.started {
		if err := s.startWithBackoff(ctx, h, workspaceRoot); err != nil {
			return nil, err
		}
	}

	h.lastUsedAt = time.Now()
	return h.client, nil
}

func (s *Supervisor) startWithBackoff(ctx context.Context, h *handle, workspaceRoot string) error {
	if h.restartCount > 0 {
		since := time.Since(h.lastRestart)
		wait := s.backoffDuration(h.restartCount)
		if since < wait {
			select {
			case <-time.After(wait - since):
			case <-ctx.Done():
				return errkind.Wrap(errkind.Timeout, "backoff wait cancelled", ctx.Err())
			}
		}
	}

	client, err := s.start(ctx, workspaceRoot)
	if err != nil {
		h.restartCount++
		h.lastRestart = time.Now()
		return errkind.Wrap(errkind.Disconnected, "start agent process", err)
	}

	h.client = client
	h.started = true
	h.activeTurns = 0
	h.restartCount = 0
	return nil
}

// backoffDuration computes an exponential delay with jitter, bounded by
// cfg.MaxBackoff, for the given consecutive-restart count.
func (s *Supervisor) backoffDuration(restartCount int) time.Duration {
	base := s.cfg.BaseBackoff
	d := base
	for i := 1; i < restartCount && d < s.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > s.cfg.MaxBackoff {
		d = s.cfg.MaxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	return d/2 + jitter
}

// MarkTurnStarted increments the handle's active-turn counter.
func (s *Supervisor) MarkTurnStarted(workspaceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.handles[workspaceID]; ok {
		h.activeTurns++
	}
}

// MarkTurnFinished decrements the handle's active-turn counter. Callers
// invoke this in a defer so it runs regardless of turn outcome.
func (s *Supervisor) MarkTurnFinished(workspaceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.handles[workspaceID]; ok && h.activeTurns > 0 {
		h.activeTurns--
	}
}

// NotifyDisconnected marks workspaceID's handle as needing a fresh start
// on the next GetClient call, for example after the client's owning
// process exits unexpectedly.
func (s *Supervisor) NotifyDisconnected(workspaceID string) {
	s.mu.Lock()
	h, ok := s.handles[workspaceID]
	s.mu.Unlock()
	if !ok {
		return
	}
	h.startMu.Lock()
	h.started = false
	h.restartCount++
	h.lastRestart = time.Now()
	h.startMu.Unlock()
}

// evictLRULocked evicts the least-recently-used idle handle to make room
// for a new one. Callers must hold s.mu. If no idle handle exists,
// insertion proceeds anyway — correctness over memory, per spec.md §4.E.
func (s *Supervisor) evictLRULocked() {
	var victimID string
	var oldest time.Time
	for id, h := range s.handles {
		if h.activeTurns > 0 {
			continue
		}
		if victimID == "" || h.lastUsedAt.Before(oldest) {
			victimID = id
			oldest = h.lastUsedAt
		}
	}
	if victimID == "" {
		s.logger.Warn("supervisor(%s): no idle handle to evict, exceeding MaxHandles=%d", s.kind, s.cfg.MaxHandles)
		return
	}
	h := s.handles[victimID]
	delete(s.handles, victimID)
	go s.evict(h)
}

func (s *Supervisor) evict(h *handle) {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			s.logger.Warn("supervisor(%s): error closing evicted handle %s: %v", s.kind, h.workspaceID, err)
		}
	}
}

// PruneIdle evicts every handle whose last use predates the configured
// IdleTTL and which has no active turns.
func (s *Supervisor) PruneIdle() {
	s.mu.Lock()
	var victims []*handle
	cutoff := time.Now().Add(-s.cfg.IdleTTL)
	for id, h := range s.handles {
		if h.activeTurns == 0 && h.started && h.lastUsedAt.Before(cutoff) {
			victims = append(victims, h)
			delete(s.handles, id)
		}
	}
	s.mu.Unlock()

	for _, h := range victims {
		s.evict(h)
	}
}

// CloseAll evicts every handle, for process shutdown.
func (s *Supervisor) CloseAll() {
	s.mu.Lock()
	victims := make([]*handle, 0, len(s.handles))
	for id, h := range s.handles {
		victims = append(victims, h)
		delete(s.handles, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range victims {
		wg.Add(1)
		go func(h *handle) {
			defer wg.Done()
			s.evict(h)
		}(h)
	}
	wg.Wait()
}

// HandleCount reports the number of handles currently tracked, for
// metrics emission.
func (s *Supervisor) HandleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// AppServerStartFunc builds a StartFunc for the JSON-RPC app-server
// variant, wiring execenv for PATH/CODEX_HOME and the supplied
// notification/approval handlers.
func AppServerStartFunc(binaryPath string, notif agentclient.NotificationHandler, approve agentclient.ApprovalHandler, userAuthPath string) StartFunc {
	return func(ctx context.Context, workspaceRoot string) (agentclient.Client, error) {
		env, err := execenv.Build(execenv.BuildOptions{
			WorkspaceRoot: workspaceRoot,
			BinaryPath:    binaryPath,
			CodexHomeDir:  workspaceRoot + "/.codex-autorunner/codex-home",
			UserAuthPath:  userAuthPath,
		})
		if err != nil {
			return nil, err
		}

		client, err := appserver.Start(appserver.Options{
			Command:             []string{binaryPath, "app-server"},
			Dir:                 workspaceRoot,
			Env:                 env,
			NotificationHandler: notif,
			ApprovalHandler:     approve,
		})
		if err != nil {
			return nil, err
		}
		if err := client.Initialize(ctx, map[string]any{"name": "carrunner"}); err != nil {
			client.Close()
			return nil, err
		}
		return client, nil
	}
}

// OpenCodeStartFunc builds a StartFunc for the HTTP+SSE opencode variant
// against an already-running server at baseURL (the caller is responsible
// for spawning the process and discovering its port from stdout, per
// spec.md §4.E).
func OpenCodeStartFunc(baseURL, username, password string) StartFunc {
	return func(ctx context.Context, workspaceRoot string) (agentclient.Client, error) {
		return opencode.New(opencode.Options{BaseURL: baseURL, Username: username, Password: password}), nil
	}
}
