package autorunner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucky401/carrunner/internal/orchestrator"
	"github.com/lucky401/carrunner/internal/runnerstate"
	"github.com/lucky401/carrunner/internal/threadreg"
	"github.com/lucky401/carrunner/pkg/agentclient"
	"github.com/lucky401/carrunner/pkg/config"
)

type fakeHandle struct {
	threadID string
	turnID   string
	result   agentclient.TurnResult
}

func (h *fakeHandle) ThreadID() string { return h.threadID }
func (h *fakeHandle) TurnID() string   { return h.turnID }
func (h *fakeHandle) Wait(ctx context.Context) (agentclient.TurnResult, error) {
	return h.result, nil
}

type fakeClient struct {
	handle *fakeHandle
}

func (f *fakeClient) ThreadStart(ctx context.Context, cwd string, _ agentclient.ApprovalPolicy, _ agentclient.SandboxPolicy) (string, error) {
	return "thread-1", nil
}
func (f *fakeClient) ThreadResume(ctx context.Context, threadID string) error { return nil }
func (f *fakeClient) ThreadList(ctx context.Context, cwd string) ([]string, error) {
	return nil, nil
}
func (f *fakeClient) TurnStart(ctx context.Context, threadID string, opts agentclient.TurnStartOptions) (agentclient.TurnHandle, error) {
	return f.handle, nil
}
func (f *fakeClient) TurnInterrupt(ctx context.Context, turnID, threadID string) error { return nil }
func (f *fakeClient) Close() error                                                    { return nil }

func newTestRunner(t *testing.T, root string, client *fakeClient) *Runner {
	t.Helper()
	reg := threadreg.New(filepath.Join(root, ".codex-autorunner", "app_server_threads.json"))
	orch := orchestrator.New(
		func(ctx context.Context, workspaceID, workspaceRoot string) (agentclient.Client, error) { return client, nil },
		func(string) {},
		func(string) {},
		reg,
	)
	cfg, err := config.LoadRepoConfig(root)
	require.NoError(t, err)
	cfg.RunnerSleepSeconds = 0
	return New(root, "ws-test", cfg, Orchestrators{AppServer: orch})
}

func setupWorkspace(t *testing.T, todo string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range []string{"TODO.md", "PROGRESS.md", "OPINIONS.md", "SPEC.md", "SUMMARY.md"} {
		content := ""
		if name == "TODO.md" {
			content = todo
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func TestRunExecutesOneStepAndStops(t *testing.T) {
	dir := setupWorkspace(t, "- [ ] do the thing\n")
	client := &fakeClient{handle: &fakeHandle{
		threadID: "thread-1",
		turnID:   "turn-1",
		result:   agentclient.TurnResult{Status: "completed", AgentMessages: []string{"did it"}},
	}}
	r := newTestRunner(t, dir, client)

	err := r.Run(context.Background(), Options{StopAfterRuns: 1})
	require.NoError(t, err)

	state, err := runnerstate.NewStore(filepath.Join(dir, ".codex-autorunner", "state.json")).Load()
	require.NoError(t, err)
	assert.Equal(t, 1, state.LastRunID)
	assert.Equal(t, runnerstate.StatusIdle, state.Status)
	assert.Equal(t, 0, state.LastExitCode)

	runLog, err := os.ReadFile(filepath.Join(dir, ".codex-autorunner", "runs", "run-1.log"))
	require.NoError(t, err)
	assert.Contains(t, string(runLog), "run 1 start")
	assert.Contains(t, string(runLog), "run 1 end")
	assert.Contains(t, string(runLog), "did it")
}

func TestRunStopsOnNonZeroExit(t *testing.T) {
	dir := setupWorkspace(t, "- [ ] do the thing\n")
	client := &fakeClient{handle: &fakeHandle{
		threadID: "thread-1",
		turnID:   "turn-1",
		result:   agentclient.TurnResult{Status: "failed", Errors: []string{"boom"}},
	}}
	r := newTestRunner(t, dir, client)

	err := r.Run(context.Background(), Options{StopAfterRuns: 5})
	require.NoError(t, err)

	state, err := runnerstate.NewStore(filepath.Join(dir, ".codex-autorunner", "state.json")).Load()
	require.NoError(t, err)
	assert.Equal(t, runnerstate.StatusError, state.Status)
	assert.Equal(t, 1, state.LastExitCode)
}

func TestRunFiresFinalSummaryJobWhenTodoAlreadyDone(t *testing.T) {
	dir := setupWorkspace(t, "- [x] already finished\n")
	client := &fakeClient{handle: &fakeHandle{
		threadID: "thread-1",
		turnID:   "turn-1",
		result:   agentclient.TurnResult{Status: "completed", AgentMessages: []string{"wrote summary"}},
	}}
	r := newTestRunner(t, dir, client)

	err := r.Run(context.Background(), Options{StopAfterRuns: 5})
	require.NoError(t, err)

	summary, err := os.ReadFile(filepath.Join(dir, "SUMMARY.md"))
	require.NoError(t, err)
	assert.Contains(t, string(summary), "CAR:SUMMARY_FINALIZED")
}

func TestRunStopsWhenStopFileRequested(t *testing.T) {
	dir := setupWorkspace(t, "- [ ] do the thing\n")
	client := &fakeClient{handle: &fakeHandle{
		threadID: "thread-1",
		turnID:   "turn-1",
		result:   agentclient.TurnResult{Status: "completed"},
	}}
	r := newTestRunner(t, dir, client)
	require.NoError(t, r.RequestStop())

	err := r.Run(context.Background(), Options{StopAfterRuns: 5})
	require.NoError(t, err)

	assert.False(t, r.stopRequested())
	state, err := runnerstate.NewStore(filepath.Join(dir, ".codex-autorunner", "state.json")).Load()
	require.NoError(t, err)
	assert.Equal(t, runnerstate.StatusIdle, state.Status)
	assert.Equal(t, 0, state.LastRunID)
}

func TestRunRejectsSecondConcurrentInstance(t *testing.T) {
	dir := setupWorkspace(t, "- [ ] do the thing\n")
	client := &fakeClient{handle: &fakeHandle{result: agentclient.TurnResult{Status: "completed"}}}
	r1 := newTestRunner(t, dir, client)
	r2 := newTestRunner(t, dir, client)

	require.NoError(t, r1.lock.Acquire(false))
	defer r1.lock.Release()

	err := r2.Run(context.Background(), Options{StopAfterRuns: 1})
	require.Error(t, err)
}

func TestDoctorReportsMissingDocsAndParseableState(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yml"), []byte("version: 1\nmode: repo\nagent_kind: codex_app_server\n"), 0o644))

	report, err := Doctor(dir)
	require.NoError(t, err)
	assert.True(t, report.HasErrors())

	var sawDocsCheck bool
	for _, c := range report.Checks {
		if c.CheckID == "docs.required" {
			sawDocsCheck = true
			assert.Equal(t, "error", c.Status)
		}
	}
	assert.True(t, sawDocsCheck)
}

func TestDoctorOKWhenDocsPresent(t *testing.T) {
	dir := setupWorkspace(t, "- [ ] x\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yml"), []byte("version: 1\nmode: repo\nagent_kind: codex_app_server\n"), 0o644))

	report, err := Doctor(dir)
	require.NoError(t, err)
	assert.False(t, report.HasErrors())
}

func TestRunRespectsContextCancellation(t *testing.T) {
	dir := setupWorkspace(t, "- [ ] do the thing\n")
	client := &fakeClient{handle: &fakeHandle{result: agentclient.TurnResult{Status: "completed"}}}
	r := newTestRunner(t, dir, client)
	r.cfg.RunnerSleepSeconds = 60

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, Options{StopAfterRuns: 5}) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not respect context cancellation")
	}
}
