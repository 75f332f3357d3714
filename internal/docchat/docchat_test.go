package docchat

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucky401/carrunner/internal/orchestrator"
	"github.com/lucky401/carrunner/internal/runnerstate"
	"github.com/lucky401/carrunner/internal/threadreg"
	"github.com/lucky401/carrunner/pkg/agentclient"
	"github.com/lucky401/carrunner/pkg/config"
)

type fakeHandle struct {
	threadID, turnID string
	result           agentclient.TurnResult
}

func (h *fakeHandle) ThreadID() string { return h.threadID }
func (h *fakeHandle) TurnID() string   { return h.turnID }
func (h *fakeHandle) Wait(ctx context.Context) (agentclient.TurnResult, error) {
	return h.result, nil
}

type fakeClient struct {
	output string
}

func (f *fakeClient) ThreadStart(ctx context.Context, cwd string, _ agentclient.ApprovalPolicy, _ agentclient.SandboxPolicy) (string, error) {
	return "thread-1", nil
}
func (f *fakeClient) ThreadResume(ctx context.Context, threadID string) error { return nil }
func (f *fakeClient) ThreadList(ctx context.Context, cwd string) ([]string, error) {
	return nil, nil
}
func (f *fakeClient) TurnStart(ctx context.Context, threadID string, opts agentclient.TurnStartOptions) (agentclient.TurnHandle, error) {
	return &fakeHandle{threadID: "thread-1", turnID: "turn-1", result: agentclient.TurnResult{
		Status:        "completed",
		AgentMessages: []string{f.output},
	}}, nil
}
func (f *fakeClient) TurnInterrupt(ctx context.Context, turnID, threadID string) error { return nil }
func (f *fakeClient) Close() error                                                     { return nil }

func newTestService(t *testing.T, output string) (*Service, string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "TODO.md"), []byte("# TODO\n"), 0o644))

	cfg, err := config.LoadRepoConfig(dir)
	require.NoError(t, err)

	reg := threadreg.New(filepath.Join(dir, "app_server_threads.json"))
	client := &fakeClient{output: output}
	orch := orchestrator.New(
		func(ctx context.Context, workspaceID, workspaceRoot string) (agentclient.Client, error) { return client, nil },
		func(string) {},
		func(string) {},
		reg,
	)
	state := runnerstate.NewStore(filepath.Join(dir, "state.json"))
	return New(dir, cfg, orch, state), dir
}

func TestExecutePreviewsPatchFromTaggedOutput(t *testing.T) {
	output := "Agent: updated the todo\n<PATCH>\n--- a/TODO.md\n+++ b/TODO.md\n@@ -1 +1,2 @@\n # TODO\n+- [ ] write tests\n</PATCH>"
	svc, _ := newTestService(t, output)

	res, err := svc.Execute(context.Background(), Request{Kind: "todo", Message: "add a task"})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Status)
	assert.Equal(t, "updated the todo", res.AgentMessage)
	assert.Contains(t, res.Content, "write tests")
}

func TestExecuteRejectsUnknownKind(t *testing.T) {
	svc, _ := newTestService(t, "")
	_, err := svc.Execute(context.Background(), Request{Kind: "nope", Message: "hi"})
	require.Error(t, err)
}

func TestExecuteRejectsEmptyMessage(t *testing.T) {
	svc, _ := newTestService(t, "")
	_, err := svc.Execute(context.Background(), Request{Kind: "todo", Message: "   "})
	require.Error(t, err)
}

func TestExecuteErrorsWhenOutputHasNoPatch(t *testing.T) {
	svc, _ := newTestService(t, "Agent: nothing to change")
	res, err := svc.Execute(context.Background(), Request{Kind: "todo", Message: "check status"})
	require.NoError(t, err)
	assert.Equal(t, "error", res.Status)
}

func TestPendingPatchRoundTripsThroughApply(t *testing.T) {
	output := "Agent: added a task\n<PATCH>\n--- a/TODO.md\n+++ b/TODO.md\n@@ -1 +1,2 @@\n # TODO\n+- [ ] ship it\n</PATCH>"
	svc, dir := newTestService(t, output)

	_, err := svc.Execute(context.Background(), Request{Kind: "todo", Message: "add a task"})
	require.NoError(t, err)

	pending, err := svc.PendingPatch("todo")
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Contains(t, pending.Content, "ship it")

	content, err := svc.ApplySavedPatch("todo")
	require.NoError(t, err)
	assert.Contains(t, content, "ship it")

	onDisk, err := os.ReadFile(filepath.Join(dir, "TODO.md"))
	require.NoError(t, err)
	assert.Contains(t, string(onDisk), "ship it")

	_, err = os.Stat(filepath.Join(dir, ".codex-autorunner", "doc-chat.patch"))
	assert.True(t, os.IsNotExist(err))
}

func TestDocBusyReflectsInFlightLock(t *testing.T) {
	svc, _ := newTestService(t, "")
	assert.False(t, svc.DocBusy("todo"))

	lock := svc.lockFor("todo")
	lock.Lock()
	defer lock.Unlock()
	assert.True(t, svc.DocBusy("todo"))
}

func TestRepoBlockedReasonEmptyWhenNoLockOrRunningState(t *testing.T) {
	svc, _ := newTestService(t, "")
	assert.Equal(t, "", svc.RepoBlockedReason())
}

func TestRepoBlockedReasonReflectsRunningState(t *testing.T) {
	svc, _ := newTestService(t, "")
	_, err := svc.State.Mutate(func(st runnerstate.State) runnerstate.State {
		st.Status = runnerstate.StatusRunning
		return st
	})
	require.NoError(t, err)
	assert.Contains(t, svc.RepoBlockedReason(), "currently running")
}
