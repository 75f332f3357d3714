// Package orchestrator implements the turn orchestrator (component G,
// spec.md §4.G): given a supervisor, a conversation reference, and a
// prompt, it drives one turn to completion, interruption, or timeout,
// owning cancellation and approval dispatch.
//
// Grounded on the teacher's pkg/pm driver Run-loop idiom (idempotency
// check first, external-state-change detection, terminal-state handling
// — read in full before deletion) and on Python's asyncio.wait(
// FIRST_COMPLETED) race in original_source/core/pma_queue.py's
// wait_for_lane_item, reimplemented here as a Go select over completion,
// stop, and timeout channels.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/lucky401/carrunner/internal/threadreg"
	"github.com/lucky401/carrunner/pkg/agentclient"
	"github.com/lucky401/carrunner/pkg/errkind"
	"github.com/lucky401/carrunner/pkg/logx"
	"github.com/lucky401/carrunner/pkg/metrics"
)

// InterruptGrace bounds how long RunTurn waits for a turn to finalize
// after issuing an interrupt before giving up and reporting failure.
const InterruptGrace = 30 * time.Second

// Request is the input to RunTurn.
type Request struct {
	WorkspaceRoot  string
	WorkspaceID    string
	FeatureKey     string
	// ThreadID, when FeatureKey is empty, names a conversation to resume
	// directly rather than through the closed-key thread registry — used
	// by callers (ticket-flow) that track their own per-item conversation
	// ids outside threadreg's fixed feature-key set. Ignored if FeatureKey
	// is set.
	ThreadID       string
	Prompt         string
	Model          string
	ReasoningEffort string
	ApprovalPolicy agentclient.ApprovalPolicy
	SandboxPolicy  agentclient.SandboxPolicy
	Timeout        time.Duration
}

// Result is the output of RunTurn, matching spec.md §4.G's contract.
type Result struct {
	TurnID         string
	ConversationID string
	Status         string // completed | failed | interrupted | timed_out
	Output         string
	Errors         []string
}

// GetClientFunc obtains a ready client for a workspace; normally
// supervisor.Supervisor.GetClient.
type GetClientFunc func(ctx context.Context, workspaceID, workspaceRoot string) (agentclient.Client, error)

// MarkFunc bookkeeps active-turn counts on a supervisor.
type MarkFunc func(workspaceID string)

// Orchestrator drives turns for one agent kind.
type Orchestrator struct {
	GetClient    GetClientFunc
	MarkStarted  MarkFunc
	MarkFinished MarkFunc
	Threads      *threadreg.Registry

	// AgentKind labels this Orchestrator's metrics ("codex_app_server",
	// "opencode", ...). Left empty if Metrics is unset.
	AgentKind string
	// Metrics, if non-nil, records turn counts and durations. A nil
	// Recorder is always safe to leave unset.
	Metrics *metrics.Recorder

	mu         sync.Mutex
	stopFlags  map[string]*int32 // workspaceID -> stop requested (1) or not (0)
	logger     *logx.Logger
}

// New constructs an Orchestrator.
func New(getClient GetClientFunc, markStarted, markFinished MarkFunc, threads *threadreg.Registry) *Orchestrator {
	return &Orchestrator{
		GetClient:    getClient,
		MarkStarted:  markStarted,
		MarkFinished: markFinished,
		Threads:      threads,
		stopFlags:    make(map[string]*int32),
		logger:       logx.NewLogger("orchestrator"),
	}
}

// RequestStop sets a monotonic stop flag for workspaceID, observed by any
// in-flight RunTurn for that workspace.
func (o *Orchestrator) RequestStop(workspaceID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	flag := o.stopFlagLocked(workspaceID)
	*flag = 1
}

// ClearStop resets the stop flag, e.g. at the start of a fresh run id.
func (o *Orchestrator) ClearStop(workspaceID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	flag := o.stopFlagLocked(workspaceID)
	*flag = 0
}

func (o *Orchestrator) stopFlagLocked(workspaceID string) *int32 {
	f, ok := o.stopFlags[workspaceID]
	if !ok {
		var zero int32
		f = &zero
		o.stopFlags[workspaceID] = f
	}
	return f
}

// RunTurn drives the 8-step sequence described in spec.md §4.G.
func (o *Orchestrator) RunTurn(ctx context.Context, req Request) (Result, error) {
	started := time.Now()
	client, err := o.GetClient(ctx, req.WorkspaceID, req.WorkspaceRoot)
	if err != nil {
		return Result{}, err
	}

	threadID, err := o.resolveThread(ctx, client, req)
	if err != nil {
		return Result{}, err
	}

	o.MarkStarted(req.WorkspaceID)
	defer o.MarkFinished(req.WorkspaceID)

	handle, err := client.TurnStart(ctx, threadID, agentclient.TurnStartOptions{
		Text:            req.Prompt,
		ApprovalPolicy:  req.ApprovalPolicy,
		SandboxPolicy:   req.SandboxPolicy,
		Model:           req.Model,
		ReasoningEffort: req.ReasoningEffort,
	})
	if err != nil {
		return Result{}, err
	}

	result, waitErr := o.waitForTurn(ctx, client, req, handle)
	if o.Metrics != nil {
		o.Metrics.TurnsTotal.WithLabelValues(o.AgentKind, result.Status).Inc()
		o.Metrics.TurnDuration.WithLabelValues(o.AgentKind).Observe(time.Since(started).Seconds())
	}
	return result, waitErr
}

func (o *Orchestrator) resolveThread(ctx context.Context, client agentclient.Client, req Request) (string, error) {
	if req.FeatureKey == "" {
		if req.ThreadID != "" {
			if resumeErr := client.ThreadResume(ctx, req.ThreadID); resumeErr == nil {
				return req.ThreadID, nil
			} else if !errkind.Is(resumeErr, errkind.Validation) {
				return "", resumeErr
			}
			// No such thread anymore: fall through to a fresh one.
		}
		return client.ThreadStart(ctx, req.WorkspaceRoot, req.ApprovalPolicy, req.SandboxPolicy)
	}

	existing, err := o.Threads.Get(req.FeatureKey)
	if err != nil {
		return "", err
	}

	if existing != "" {
		if resumeErr := client.ThreadResume(ctx, existing); resumeErr == nil {
			return existing, nil
		} else if !errkind.Is(resumeErr, errkind.Validation) {
			return "", resumeErr
		}
		// No such thread: fall through to start a fresh one.
		_ = o.Threads.Reset(req.FeatureKey)
	}

	threadID, err := client.ThreadStart(ctx, req.WorkspaceRoot, req.ApprovalPolicy, req.SandboxPolicy)
	if err != nil {
		return "", err
	}
	if err := o.Threads.Set(req.FeatureKey, threadID); err != nil {
		return "", err
	}
	return threadID, nil
}

// waitForTurn races turn completion against the stop flag and the
// configured timeout, issuing an interrupt+grace sequence on either
// firing first (spec.md §4.G steps 5-6).
func (o *Orchestrator) waitForTurn(ctx context.Context, client agentclient.Client, req Request, handle agentclient.TurnHandle) (Result, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Hour
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan agentclient.TurnResult, 1)
	errCh := make(chan error, 1)
	go func() {
		r, err := handle.Wait(waitCtx)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- r
	}()

	stopPoll := time.NewTicker(time.Second)
	defer stopPoll.Stop()

	for {
		select {
		case r := <-resultCh:
			return Result{
				TurnID:         handle.TurnID(),
				ConversationID: handle.ThreadID(),
				Status:         r.Status,
				Output:         joinMessages(r.AgentMessages),
				Errors:         r.Errors,
			}, nil

		case <-errCh:
			return o.interruptAndWait(ctx, client, handle, "timed_out")

		case <-stopPoll.C:
			if o.stopRequested(req.WorkspaceID) {
				return o.interruptAndWait(ctx, client, handle, "interrupted")
			}

		case <-ctx.Done():
			return o.interruptAndWait(ctx, client, handle, "interrupted")
		}
	}
}

func (o *Orchestrator) stopRequested(workspaceID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	flag, ok := o.stopFlags[workspaceID]
	return ok && *flag == 1
}

func (o *Orchestrator) interruptAndWait(ctx context.Context, client agentclient.Client, handle agentclient.TurnHandle, status string) (Result, error) {
	_ = client.TurnInterrupt(ctx, handle.TurnID(), handle.ThreadID())

	graceCtx, cancel := context.WithTimeout(context.Background(), InterruptGrace)
	defer cancel()

	select {
	case <-finalize(graceCtx, handle):
		return Result{TurnID: handle.TurnID(), ConversationID: handle.ThreadID(), Status: status}, nil
	case <-graceCtx.Done():
		return Result{}, errkind.New(errkind.Timeout, "turn did not finalize within interrupt grace window")
	}
}

func finalize(ctx context.Context, handle agentclient.TurnHandle) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		_, _ = handle.Wait(ctx)
		close(done)
	}()
	return done
}

func joinMessages(msgs []string) string {
	out := ""
	for i, m := range msgs {
		if i > 0 {
			out += "\n"
		}
		out += m
	}
	return out
}
