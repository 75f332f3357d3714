// Package autorunner implements the per-workspace run loop (component K,
// spec.md §4.K): a single-instance loop that drives the turn orchestrator
// repeatedly against one workspace until TODO.md is empty, a turn fails, a
// stop is requested, or the configured run/wallclock budget is exhausted.
//
// Grounded on original_source/core/engine.py's run_loop/_run_loop_async/
// _execute_run_step/_run_final_summary_job control flow, with the teacher's
// internal/supervisor (ctx.Done()-aware for/select skeleton, see
// SPEC_FULL.md §4.K) layered underneath it.
package autorunner

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lucky401/carrunner/internal/docs"
	"github.com/lucky401/carrunner/internal/filelock"
	"github.com/lucky401/carrunner/internal/orchestrator"
	"github.com/lucky401/carrunner/internal/promptbuild"
	"github.com/lucky401/carrunner/internal/runnerstate"
	"github.com/lucky401/carrunner/internal/threadreg"
	"github.com/lucky401/carrunner/pkg/agentclient"
	"github.com/lucky401/carrunner/pkg/config"
	"github.com/lucky401/carrunner/pkg/errkind"
	"github.com/lucky401/carrunner/pkg/git"
	"github.com/lucky401/carrunner/pkg/logx"
	"github.com/lucky401/carrunner/pkg/runlog"
	"github.com/lucky401/carrunner/pkg/utils"
)

// autorunnerMessage is the fixed instruction the loop hands the agent every
// run, matching original_source's AUTORUNNER_APP_SERVER_MESSAGE constant.
const autorunnerMessage = "Continue working through TODO.md from the top. Make real edits; keep the work docs in sync."

// finalSummaryMessage asks the agent to produce the closing SUMMARY.md once
// TODO.md is empty. original_source's dedicated prompt.build_final_summary_prompt
// template was not present in the filtered original_source snapshot available
// here, so this reuses the autorunner template with a summary-specific
// instruction instead of a separate builder.
const finalSummaryMessage = "All TODO items are complete. Write or update SUMMARY.md with a short final report of what was accomplished; do not start new work."

// EventKind identifies the notification hooks the loop fires.
type EventKind string

const (
	EventRunFinished EventKind = "run_finished"
	EventRunError    EventKind = "run_error"
	EventTUIIdle     EventKind = "tui_idle"
)

// Event is handed to every registered notification hook.
type Event struct {
	Kind     EventKind
	RunID    int
	ExitCode int
	Detail   string
}

// Orchestrators bundles the per-agent-kind turn orchestrators the loop may
// drive, selected per run by the workspace's AutorunnerAgentOverride.
type Orchestrators struct {
	AppServer *orchestrator.Orchestrator
	OpenCode  *orchestrator.Orchestrator
}

// Runner drives the run loop for a single workspace. Construct one per
// workspace; the lock file at .codex-autorunner/lock enforces that only one
// OS process actually runs the loop body at a time.
type Runner struct {
	workspaceRoot string
	workspaceID   string
	cfg           *config.RepoConfig
	orch          Orchestrators

	state  *runnerstate.Store
	log    *runlog.Writer
	lock   *filelock.Lock
	git    *git.Committer
	logger *logx.Logger

	hooks []func(Event)
}

// New constructs a Runner for workspaceRoot. workspaceID identifies the
// workspace to the agent client layer (component D/E); it is usually the
// same value the supervisor uses to key its handles.
func New(workspaceRoot, workspaceID string, cfg *config.RepoConfig, orch Orchestrators) *Runner {
	base := filepath.Join(workspaceRoot, ".codex-autorunner")
	return &Runner{
		workspaceRoot: workspaceRoot,
		workspaceID:   workspaceID,
		cfg:           cfg,
		orch:          orch,
		state:         runnerstate.NewStore(filepath.Join(base, "state.json")),
		log:           runlog.NewWriter(workspaceRoot, cfg.Log),
		lock:          filelock.New(filepath.Join(base, "lock")),
		git:           git.NewCommitter(workspaceRoot),
		logger:        logx.NewLogger("autorunner"),
	}
}

// OnEvent registers a notification hook. Hooks run synchronously on the
// loop goroutine in registration order; a hook that wants async delivery
// (webhook, Slack — out of scope per spec.md's Non-goals) must do its own
// dispatch.
func (r *Runner) OnEvent(hook func(Event)) {
	r.hooks = append(r.hooks, hook)
}

func (r *Runner) emit(evt Event) {
	for _, hook := range r.hooks {
		hook(evt)
	}
}

// Options bounds a single Run invocation, overriding the workspace config's
// defaults where set.
type Options struct {
	StopAfterRuns int // 0 means use cfg.RunnerStopAfterRuns
}

// Run acquires the single-instance lock (non-blocking: a second concurrent
// Run on the same workspace fails fast with errkind.Busy) and drives the
// loop until completion, a stop request, or ctx cancellation.
func (r *Runner) Run(ctx context.Context, opts Options) error {
	if err := r.lock.Acquire(false); err != nil {
		return err
	}
	defer r.lock.Release()
	defer r.log.Close()

	targetRuns := opts.StopAfterRuns
	if targetRuns == 0 {
		targetRuns = r.cfg.RunnerStopAfterRuns
	}

	state, err := r.state.Load()
	if err != nil {
		return err
	}
	runID := state.LastRunID + 1
	lastExitCode := state.LastExitCode
	start := time.Now()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if r.stopRequested() {
			r.clearStopRequest()
			r.updateIdle(runID-1, lastExitCode)
			return nil
		}

		if r.cfg.RunnerMaxWallclockSeconds > 0 {
			if time.Since(start) > time.Duration(r.cfg.RunnerMaxWallclockSeconds)*time.Second {
				r.updateIdle(runID-1, lastExitCode)
				return nil
			}
		}

		todoBefore := r.readDoc("todo")
		if docs.TodosDone(todoBefore) {
			if !r.summaryFinalized() {
				lastExitCode = r.runFinalSummaryJob(ctx, runID)
			} else {
				r.updateIdle(runID-1, lastExitCode)
			}
			return nil
		}

		prevOutput, _ := r.log.ExtractPrevOutput(runID-1, r.cfg.PromptPrevRunMaxChars)
		prompt, err := promptbuild.BuildAutorunnerPrompt(r.cfg, autorunnerMessage, todoBefore, prevOutput, promptbuild.DefaultAutorunnerBudgets())
		if err != nil {
			r.emit(Event{Kind: EventRunError, RunID: runID, Detail: err.Error()})
			return err
		}

		lastExitCode = r.executeRunStep(ctx, prompt, runID)
		if lastExitCode != 0 {
			return nil
		}

		todoAfter := r.readDoc("todo")
		if docs.TodosDone(todoAfter) && !r.summaryFinalized() {
			r.runFinalSummaryJob(ctx, runID+1)
			return nil
		}

		if targetRuns > 0 && runID >= targetRuns {
			return nil
		}

		runID++
		if r.stopRequested() {
			r.clearStopRequest()
			r.updateIdle(runID-1, lastExitCode)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(r.cfg.RunnerSleepSeconds) * time.Second):
		}
	}
}

// executeRunStep runs one turn to completion and records its bookkeeping:
// state transitions, log markers, the run index entry, and the optional
// git auto-commit — mirroring engine.py:_execute_run_step's six numbered
// steps.
func (r *Runner) executeRunStep(ctx context.Context, prompt string, runID int) int {
	todoBefore := r.readDoc("todo")

	if _, err := r.state.Mutate(func(s runnerstate.State) runnerstate.State {
		s.LastRunID = runID
		s.Status = runnerstate.StatusRunning
		s.RunnerPID = os.Getpid()
		return s
	}); err != nil {
		r.logger.Error("update state to running: %v", err)
	}

	if err := r.log.WriteRunMarker(runID, "start", nil); err != nil {
		r.logger.Error("write run start marker: %v", err)
	}

	state, _ := r.state.Load()
	agentKind, featureKey, orch := r.selectAgent(state.AutorunnerAgentOverride)

	// Each run id starts with a cleared in-memory stop flag;
	// watchMidTurnStop raises it again while the stop file exists.
	orch.ClearStop(r.workspaceID)
	turnCtx, cancelWatch := context.WithCancel(ctx)
	go r.watchMidTurnStop(turnCtx, orch)

	result, turnErr := orch.RunTurn(turnCtx, orchestrator.Request{
		WorkspaceRoot:   r.workspaceRoot,
		WorkspaceID:     r.workspaceID,
		FeatureKey:      featureKey,
		Prompt:          prompt,
		Model:           r.modelFor(state, agentKind),
		ReasoningEffort: r.reasoningFor(state, agentKind),
		ApprovalPolicy:  r.approvalFor(state),
		SandboxPolicy:   r.sandboxFor(state),
		Timeout:         r.turnTimeout(),
	})
	cancelWatch()

	exitCode := 0
	interrupted := false
	switch {
	case turnErr != nil:
		exitCode = 1
		r.logger.Error("run %d: turn error: %v", runID, turnErr)
	case result.Status == "interrupted":
		exitCode = 0
		interrupted = true
	case result.Status != "completed":
		exitCode = 1
	}
	if len(result.Errors) > 0 {
		exitCode = 1
	}

	if result.Output != "" {
		if _, _, err := r.log.AppendLine(runID, result.Output); err != nil {
			r.logger.Error("append turn output: %v", err)
		}
	}

	code := exitCode
	if err := r.log.WriteRunMarker(runID, "end", &code); err != nil {
		r.logger.Error("write run end marker: %v", err)
	}

	todoAfter := r.readDoc("todo")
	diff := docs.Attribution(todoBefore, todoAfter)
	snapshot := docs.BuildSnapshot(todoBefore, todoAfter)

	if _, err := r.log.Index().Merge(runID, func(entry runlog.Entry) runlog.Entry {
		entry.Todo = &runlog.TodoCounts{
			Completed: diff.Completed,
			Added:     diff.Added,
			Reopened:  diff.Reopened,
			Counts:    diff.Counts(),
		}
		entry.TodoSnapshot = map[string]string{
			"before_outstanding": strings.Join(snapshot.Before.Outstanding, "; "),
			"before_done":        strings.Join(snapshot.Before.Done, "; "),
			"after_outstanding":  strings.Join(snapshot.After.Outstanding, "; "),
			"after_done":         strings.Join(snapshot.After.Done, "; "),
		}
		if result.ConversationID != "" {
			meta := entry.AppServer
			if meta == nil {
				meta = &runlog.AppServerMeta{}
			}
			meta.ThreadID = result.ConversationID
			meta.TurnID = result.TurnID
			meta.Model = r.modelFor(state, agentKind)
			meta.ReasoningEffort = r.reasoningFor(state, agentKind)
			entry.AppServer = meta

			baseline, _ := r.log.Index().FindThreadTokenBaseline(result.ConversationID, runID)
			estimated := map[string]int64{"total": int64(utils.CountTokensSimple(prompt + result.Output))}
			entry.TokenUsage = &runlog.TokenUsage{
				Delta:             runlog.ComputeTokenDelta(baseline, estimated),
				ThreadTotalBefore: baseline,
				ThreadTotalAfter:  estimated,
				Estimated:         true,
			}
		}
		return entry
	}); err != nil {
		r.logger.Error("merge run index entry: %v", err)
	}

	status := runnerstate.StatusIdle
	if exitCode != 0 {
		status = runnerstate.StatusError
	}
	if _, err := r.state.Mutate(func(s runnerstate.State) runnerstate.State {
		s.Status = status
		s.LastExitCode = exitCode
		s.RunnerPID = 0
		return s
	}); err != nil {
		r.logger.Error("update state after run: %v", err)
	}

	if exitCode == 0 && r.cfg.GitAutoCommit && !interrupted {
		r.git.MaybeCommit(ctx, strconv.Itoa(runID), r.docPaths(), r.cfg.GitCommitMessageTemplate)
	}

	if exitCode != 0 {
		r.emit(Event{Kind: EventRunFinished, RunID: runID, ExitCode: exitCode, Detail: turnErrDetail(turnErr)})
	}

	return exitCode
}

// runFinalSummaryJob runs one dedicated turn to write SUMMARY.md once
// TODO.md is empty, stamping the idempotent finalization marker on
// success — ported from engine.py:_run_final_summary_job.
func (r *Runner) runFinalSummaryJob(ctx context.Context, runID int) int {
	prevOutput, _ := r.log.ExtractPrevOutput(runID-1, r.cfg.PromptPrevRunMaxChars)
	prompt, err := promptbuild.BuildAutorunnerPrompt(r.cfg, finalSummaryMessage, "", prevOutput, promptbuild.DefaultAutorunnerBudgets())
	if err != nil {
		r.emit(Event{Kind: EventRunError, RunID: runID, Detail: err.Error()})
		return 1
	}

	exitCode := r.executeRunStep(ctx, prompt, runID)
	if exitCode == 0 {
		r.stampSummaryFinalized(runID)
	}
	return exitCode
}

func turnErrDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (r *Runner) selectAgent(override string) (kind, featureKey string, orch *orchestrator.Orchestrator) {
	kind = override
	if kind == "" {
		kind = "codex"
	}
	if kind == "opencode" && r.orch.OpenCode != nil {
		return "opencode", "autorunner.opencode", r.orch.OpenCode
	}
	return "codex", "autorunner", r.orch.AppServer
}

func (r *Runner) modelFor(state runnerstate.State, agentKind string) string {
	if state.AutorunnerModelOverride != "" {
		return state.AutorunnerModelOverride
	}
	return r.cfg.CodexModel
}

func (r *Runner) reasoningFor(state runnerstate.State, agentKind string) string {
	if state.AutorunnerEffortOverride != "" {
		return state.AutorunnerEffortOverride
	}
	return r.cfg.CodexReasoning
}

func (r *Runner) approvalFor(state runnerstate.State) agentclient.ApprovalPolicy {
	if state.AutorunnerApprovalPolicy != "" {
		return agentclient.ApprovalPolicy(state.AutorunnerApprovalPolicy)
	}
	return agentclient.ApprovalNever
}

func (r *Runner) sandboxFor(state runnerstate.State) agentclient.SandboxPolicy {
	if state.AutorunnerSandboxMode != "" {
		return agentclient.SandboxPolicy(state.AutorunnerSandboxMode)
	}
	return agentclient.SandboxWorkspaceWrite
}

func (r *Runner) turnTimeout() time.Duration {
	if r.cfg.AppServer.TurnTimeoutSeconds > 0 {
		return time.Duration(r.cfg.AppServer.TurnTimeoutSeconds * float64(time.Second))
	}
	return 0
}

func (r *Runner) updateIdle(runID, exitCode int) {
	if _, err := r.state.Mutate(func(s runnerstate.State) runnerstate.State {
		s.LastRunID = runID
		s.Status = runnerstate.StatusIdle
		s.LastExitCode = exitCode
		s.RunnerPID = 0
		return s
	}); err != nil {
		r.logger.Error("update state to idle: %v", err)
	}
}

func (r *Runner) readDoc(kind string) string {
	path, err := r.cfg.DocPath(kind)
	if err != nil {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

func (r *Runner) docPaths() []string {
	var paths []string
	for _, kind := range []string{"todo", "progress", "opinions", "spec", "summary"} {
		if p, err := r.cfg.DocPath(kind); err == nil {
			paths = append(paths, p)
		}
	}
	return paths
}

func (r *Runner) summaryFinalized() bool {
	return docs.SummaryFinalized(r.readDoc("summary"))
}

func (r *Runner) stampSummaryFinalized(runID int) {
	path, err := r.cfg.DocPath("summary")
	if err != nil {
		return
	}
	existing := r.readDoc("summary")
	stamped := docs.StampSummaryFinalized(existing, runID)
	if stamped == existing {
		return
	}
	if err := filelock.AtomicWrite(path, []byte(stamped), 0o644); err != nil {
		r.logger.Error("stamp summary finalized: %v", err)
	}
}

func (r *Runner) stopPath() string {
	return filepath.Join(r.workspaceRoot, ".codex-autorunner", "stop")
}

// RequestStop asks a running loop (in this process or another) to stop by
// writing the stop file: the loop starts no further run, and
// watchMidTurnStop interrupts an in-flight turn within about a second.
func (r *Runner) RequestStop() error {
	return filelock.AtomicWrite(r.stopPath(), []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0o644)
}

func (r *Runner) clearStopRequest() {
	_ = os.Remove(r.stopPath())
}

func (r *Runner) stopRequested() bool {
	_, err := os.Stat(r.stopPath())
	return err == nil
}

// watchMidTurnStop forwards a file-based stop request into the
// orchestrator's in-turn interrupt mechanism, matching the
// external_stop_flag threaded into _execute_run_step in the original.
func (r *Runner) watchMidTurnStop(ctx context.Context, orch *orchestrator.Orchestrator) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.stopRequested() {
				orch.RequestStop(r.workspaceID)
				return
			}
		}
	}
}

// Doctor runs a read-only diagnostic pass over a workspace's autorunner
// state, ported from engine.py's DoctorCheck/DoctorReport dataclasses — a
// supplement recovered from original_source that the distillation dropped.
func Doctor(workspaceRoot string) (DoctorReport, error) {
	var report DoctorReport
	cfg, err := config.LoadRepoConfig(workspaceRoot)
	if err != nil {
		return DoctorReport{}, errkind.Wrap(errkind.Validation, "load config", err)
	}

	var missing []string
	for _, kind := range []string{"todo", "progress", "opinions"} {
		path, err := cfg.DocPath(kind)
		if err != nil || !fileExists(path) {
			missing = append(missing, kind)
		}
	}
	if len(missing) > 0 {
		report.append("docs.required", "error", "missing doc files: "+joinStrings(missing), "run the doc-ingest flow or create the missing files")
	} else {
		report.append("docs.required", "ok", "required doc files are present", "")
	}

	lockPath := filepath.Join(workspaceRoot, ".codex-autorunner", "lock")
	if fileExists(lockPath) {
		info, err := filelock.ReadInfo(lockPath)
		switch {
		case err != nil:
			report.append("lock.parseable", "warning", "lock file could not be parsed: "+err.Error(), "remove .codex-autorunner/lock if no runner is active")
		case info.PID != 0 && !filelock.ProcessAlive(info.PID):
			report.append("lock.stale", "warning", "lock file references a process that is no longer running", "remove .codex-autorunner/lock")
		default:
			report.append("lock.stale", "ok", "lock is either absent or held by a live process", "")
		}
	} else {
		report.append("lock.stale", "ok", "no lock file present", "")
	}

	statePath := filepath.Join(workspaceRoot, ".codex-autorunner", "state.json")
	if _, err := runnerstate.NewStore(statePath).Load(); err != nil {
		report.append("state.parseable", "error", "state.json could not be parsed: "+err.Error(), "inspect or remove .codex-autorunner/state.json")
	} else {
		report.append("state.parseable", "ok", "state.json parses", "")
	}

	threadsPath := filepath.Join(workspaceRoot, ".codex-autorunner", "app_server_threads.json")
	if _, err := threadreg.New(threadsPath).FeatureMap(); err != nil {
		report.append("threads.parseable", "error", "app_server_threads.json could not be parsed: "+err.Error(), "inspect or remove .codex-autorunner/app_server_threads.json")
	} else {
		report.append("threads.parseable", "ok", "thread registry parses", "")
	}

	return report, nil
}

// DoctorCheck is one diagnostic result.
type DoctorCheck struct {
	CheckID string `json:"id"`
	Status  string `json:"status"` // "ok" | "warning" | "error"
	Message string `json:"message"`
	Fix     string `json:"fix,omitempty"`
}

// DoctorReport is the full diagnostic pass result.
type DoctorReport struct {
	Checks []DoctorCheck `json:"checks"`
}

func (d *DoctorReport) append(id, status, message, fix string) {
	d.Checks = append(d.Checks, DoctorCheck{CheckID: id, Status: status, Message: message, Fix: fix})
}

// HasErrors reports whether any check's status is "error".
func (d DoctorReport) HasErrors() bool {
	for _, c := range d.Checks {
		if c.Status == "error" {
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func joinStrings(items []string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}
