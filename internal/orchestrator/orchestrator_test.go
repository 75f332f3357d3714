package orchestrator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucky401/carrunner/internal/threadreg"
	"github.com/lucky401/carrunner/pkg/agentclient"
	"github.com/lucky401/carrunner/pkg/errkind"
)

type fakeHandle struct {
	threadID string
	turnID   string
	result   agentclient.TurnResult
	delay    time.Duration
	block    bool
}

func (h *fakeHandle) ThreadID() string { return h.threadID }
func (h *fakeHandle) TurnID() string   { return h.turnID }
func (h *fakeHandle) Wait(ctx context.Context) (agentclient.TurnResult, error) {
	if h.block {
		<-ctx.Done()
		return agentclient.TurnResult{}, ctx.Err()
	}
	if h.delay > 0 {
		select {
		case <-time.After(h.delay):
		case <-ctx.Done():
			return agentclient.TurnResult{}, ctx.Err()
		}
	}
	return h.result, nil
}

type fakeClient struct {
	handle        *fakeHandle
	interrupted   bool
	threadStarted bool
	resumeErr     error
	resumedID     string
}

func (f *fakeClient) ThreadStart(ctx context.Context, cwd string, _ agentclient.ApprovalPolicy, _ agentclient.SandboxPolicy) (string, error) {
	f.threadStarted = true
	return "thread-1", nil
}
func (f *fakeClient) ThreadResume(ctx context.Context, threadID string) error {
	f.resumedID = threadID
	return f.resumeErr
}
func (f *fakeClient) ThreadList(ctx context.Context, cwd string) ([]string, error) {
	return nil, nil
}
func (f *fakeClient) TurnStart(ctx context.Context, threadID string, opts agentclient.TurnStartOptions) (agentclient.TurnHandle, error) {
	return f.handle, nil
}
func (f *fakeClient) TurnInterrupt(ctx context.Context, turnID, threadID string) error {
	f.interrupted = true
	f.handle.block = false
	f.handle.result = agentclient.TurnResult{Status: "interrupted"}
	return nil
}
func (f *fakeClient) Close() error { return nil }

func newTestOrchestrator(t *testing.T, client *fakeClient) *Orchestrator {
	dir := t.TempDir()
	reg := threadreg.New(filepath.Join(dir, "app_server_threads.json"))
	return New(
		func(ctx context.Context, workspaceID, workspaceRoot string) (agentclient.Client, error) { return client, nil },
		func(string) {},
		func(string) {},
		reg,
	)
}

func TestRunTurnCompletesSuccessfully(t *testing.T) {
	client := &fakeClient{handle: &fakeHandle{threadID: "thread-1", turnID: "turn-1", result: agentclient.TurnResult{Status: "completed", AgentMessages: []string{"done"}}}}
	o := newTestOrchestrator(t, client)

	res, err := o.RunTurn(context.Background(), Request{
		WorkspaceRoot: "/repo", WorkspaceID: "ws-a", Prompt: "do it", Timeout: time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "completed", res.Status)
	assert.Equal(t, "done", res.Output)
}

func TestRunTurnHonorsStopRequest(t *testing.T) {
	client := &fakeClient{handle: &fakeHandle{threadID: "thread-1", turnID: "turn-1", block: true}}
	o := newTestOrchestrator(t, client)

	done := make(chan Result, 1)
	go func() {
		r, err := o.RunTurn(context.Background(), Request{
			WorkspaceRoot: "/repo", WorkspaceID: "ws-stop", Prompt: "do it", Timeout: time.Minute,
		})
		require.NoError(t, err)
		done <- r
	}()

	time.Sleep(50 * time.Millisecond)
	o.RequestStop("ws-stop")

	select {
	case r := <-done:
		assert.Equal(t, "interrupted", r.Status)
		assert.True(t, client.interrupted)
	case <-time.After(3 * time.Second):
		t.Fatal("RunTurn did not honor stop request in time")
	}
}

func TestRunTurnResolvesFeatureKeyThread(t *testing.T) {
	client := &fakeClient{handle: &fakeHandle{threadID: "thread-1", turnID: "turn-1", result: agentclient.TurnResult{Status: "completed"}}}
	o := newTestOrchestrator(t, client)

	_, err := o.RunTurn(context.Background(), Request{
		WorkspaceRoot: "/repo", WorkspaceID: "ws-a", FeatureKey: "autorunner", Prompt: "do it", Timeout: time.Second,
	})
	require.NoError(t, err)
	assert.True(t, client.threadStarted)

	stored, err := o.Threads.Get("autorunner")
	require.NoError(t, err)
	assert.Equal(t, "thread-1", stored)
}

func TestRunTurnResumesExplicitThreadIDWithoutFeatureKey(t *testing.T) {
	client := &fakeClient{handle: &fakeHandle{threadID: "thread-9", turnID: "turn-1", result: agentclient.TurnResult{Status: "completed"}}}
	o := newTestOrchestrator(t, client)

	res, err := o.RunTurn(context.Background(), Request{
		WorkspaceRoot: "/repo", WorkspaceID: "ws-a", ThreadID: "thread-9", Prompt: "do it", Timeout: time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "thread-9", client.resumedID)
	assert.False(t, client.threadStarted)
	assert.Equal(t, "thread-9", res.ConversationID)
}

func TestRunTurnFallsBackToFreshThreadWhenExplicitThreadIDInvalid(t *testing.T) {
	client := &fakeClient{
		handle:    &fakeHandle{threadID: "thread-1", turnID: "turn-1", result: agentclient.TurnResult{Status: "completed"}},
		resumeErr: errkind.New(errkind.Validation, "no such thread"),
	}
	o := newTestOrchestrator(t, client)

	_, err := o.RunTurn(context.Background(), Request{
		WorkspaceRoot: "/repo", WorkspaceID: "ws-a", ThreadID: "stale-thread", Prompt: "do it", Timeout: time.Second,
	})
	require.NoError(t, err)
	assert.True(t, client.threadStarted)
}
