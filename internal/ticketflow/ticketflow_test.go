package ticketflow

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucky401/carrunner/internal/orchestrator"
	"github.com/lucky401/carrunner/internal/threadreg"
	"github.com/lucky401/carrunner/pkg/agentclient"
	"github.com/lucky401/carrunner/pkg/config"
)

func TestParseAndRenderTicketRoundTrips(t *testing.T) {
	content := "---\nagent: codex\ndone: false\ntitle: Add logging\ngoal: wire up a logger\nrequires: []\n---\nBody text here.\n"
	fm, body, err := ParseTicket(content)
	require.NoError(t, err)
	assert.Equal(t, "codex", fm.Agent)
	assert.False(t, fm.Done)
	assert.Equal(t, "Add logging", fm.Title)
	assert.Contains(t, body, "Body text here.")

	fm.Done = true
	rendered, err := RenderTicket(fm, body)
	require.NoError(t, err)
	fm2, body2, err := ParseTicket(rendered)
	require.NoError(t, err)
	assert.True(t, fm2.Done)
	assert.Equal(t, body, body2)
}

func TestParseTicketRejectsInvalidBoolean(t *testing.T) {
	_, _, err := ParseTicket("---\nagent: codex\ndone: notabool\n---\nbody\n")
	assert.Error(t, err)
}

type fakeHandle struct {
	threadID string
	turnID   string
	result   agentclient.TurnResult
	mutate   func()
}

func (h *fakeHandle) ThreadID() string { return h.threadID }
func (h *fakeHandle) TurnID() string   { return h.turnID }
func (h *fakeHandle) Wait(ctx context.Context) (agentclient.TurnResult, error) {
	if h.mutate != nil {
		h.mutate()
	}
	return h.result, nil
}

type fakeClient struct {
	nextHandle func() *fakeHandle
}

func (f *fakeClient) ThreadStart(ctx context.Context, cwd string, _ agentclient.ApprovalPolicy, _ agentclient.SandboxPolicy) (string, error) {
	return "thread-1", nil
}
func (f *fakeClient) ThreadResume(ctx context.Context, threadID string) error { return nil }
func (f *fakeClient) ThreadList(ctx context.Context, cwd string) ([]string, error) {
	return nil, nil
}
func (f *fakeClient) TurnStart(ctx context.Context, threadID string, opts agentclient.TurnStartOptions) (agentclient.TurnHandle, error) {
	return f.nextHandle(), nil
}
func (f *fakeClient) TurnInterrupt(ctx context.Context, turnID, threadID string) error { return nil }
func (f *fakeClient) Close() error                                                    { return nil }

func newTestEngine(t *testing.T, root string, client *fakeClient) *Engine {
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
	return New(root, cfg, Orchestrators{AppServer: orch})
}

func writeTicket(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestStepPausesWhenNoTicketsFound(t *testing.T) {
	root := t.TempDir()
	e := newTestEngine(t, root, &fakeClient{})

	state, res, err := e.Step(context.Background(), NewState())
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, res.Status)
	assert.Equal(t, "No tickets found", state.Reason)
}

func TestStepPausesOnMissingRequires(t *testing.T) {
	root := t.TempDir()
	writeTicket(t, filepath.Join(root, "tickets"), "TICKET-001.md",
		"---\nagent: codex\ndone: false\nrequires: [missing-input.md]\n---\nwork\n")
	e := newTestEngine(t, root, &fakeClient{})

	state, res, err := e.Step(context.Background(), NewState())
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, res.Status)
	assert.Contains(t, state.Reason, "missing-input.md")
	assert.Equal(t, "TICKET-001.md", state.CurrentTicket)
}

func TestStepRunsTurnAndCompletesWhenTicketMarkedDone(t *testing.T) {
	root := t.TempDir()
	ticketDir := filepath.Join(root, "tickets")
	writeTicket(t, ticketDir, "TICKET-001.md",
		"---\nagent: codex\ndone: false\ntitle: do it\n---\nwork the ticket\n")

	client := &fakeClient{}
	client.nextHandle = func() *fakeHandle {
		return &fakeHandle{
			threadID: "thread-1",
			turnID:   "turn-1",
			result:   agentclient.TurnResult{Status: "completed", AgentMessages: []string{"done"}},
			mutate: func() {
				writeTicket(t, ticketDir, "TICKET-001.md",
					"---\nagent: codex\ndone: true\ntitle: do it\n---\nwork the ticket\n")
			},
		}
	}
	e := newTestEngine(t, root, client)

	state, res, err := e.Step(context.Background(), NewState())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "", state.CurrentTicket)
	assert.Equal(t, 1, state.TotalTurns)
	assert.Equal(t, "thread-1", state.ConversationIDByTicket["TICKET-001.md"])
}

func TestStepSelectsLowestNumberedTicketFirst(t *testing.T) {
	root := t.TempDir()
	ticketDir := filepath.Join(root, "tickets")
	writeTicket(t, ticketDir, "TICKET-010.md", "---\nagent: codex\ndone: false\n---\nlater\n")
	writeTicket(t, ticketDir, "TICKET-002.md", "---\nagent: codex\ndone: false\n---\nfirst\n")

	client := &fakeClient{}
	client.nextHandle = func() *fakeHandle {
		return &fakeHandle{
			threadID: "thread-1",
			turnID:   "turn-1",
			result:   agentclient.TurnResult{Status: "completed"},
		}
	}
	e := newTestEngine(t, root, client)

	state, _, err := e.Step(context.Background(), NewState())
	require.NoError(t, err)
	assert.Equal(t, "TICKET-002.md", state.CurrentTicket)
}

func TestStepKeepsConversationIDOnLintFailureThenFailsAfterMaxRetries(t *testing.T) {
	root := t.TempDir()
	ticketDir := filepath.Join(root, "tickets")
	writeTicket(t, ticketDir, "TICKET-001.md", "---\nagent: codex\ndone: false\n---\nwork\n")

	client := &fakeClient{}
	client.nextHandle = func() *fakeHandle {
		return &fakeHandle{
			threadID: "thread-1",
			turnID:   "turn-1",
			result:   agentclient.TurnResult{Status: "completed"},
			mutate: func() {
				writeTicket(t, ticketDir, "TICKET-001.md", "---\nagent: codex\ndone: notabool\n---\nwork\n")
			},
		}
	}
	e := newTestEngine(t, root, client)
	e.MaxLintRetries = 2

	state := NewState()
	var res StepResult
	var err error
	for i := 0; i < 2; i++ {
		state, res, err = e.Step(context.Background(), state)
		require.NoError(t, err)
	}
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 2, state.LintRetries["TICKET-001.md"])
	assert.Equal(t, "thread-1", state.ConversationIDByTicket["TICKET-001.md"])
}

func TestStepArchivesDispatchAndPauses(t *testing.T) {
	root := t.TempDir()
	ticketDir := filepath.Join(root, "tickets")
	writeTicket(t, ticketDir, "TICKET-001.md", "---\nagent: codex\ndone: false\n---\nwork\n")

	runDir := filepath.Join(root, ".codex-autorunner", "ticketflow")
	client := &fakeClient{}
	client.nextHandle = func() *fakeHandle {
		return &fakeHandle{
			threadID: "thread-1",
			turnID:   "turn-1",
			result:   agentclient.TurnResult{Status: "completed", AgentMessages: []string{"paused for review"}},
			mutate: func() {
				require.NoError(t, os.MkdirAll(runDir, 0o755))
				require.NoError(t, os.WriteFile(filepath.Join(runDir, "DISPATCH.md"), []byte("---\nmode: pause\n---\nneed a decision\n"), 0o644))
			},
		}
	}
	e := newTestEngine(t, root, client)

	state, res, err := e.Step(context.Background(), NewState())
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, res.Status)
	assert.Equal(t, "dispatch", state.Reason)
	assert.Equal(t, 2, state.DispatchSeq)

	archived, err := os.ReadFile(filepath.Join(e.DispatchHistoryDir, "0000", "DISPATCH.md"))
	require.NoError(t, err)
	assert.Contains(t, string(archived), "need a decision")

	summary, err := os.ReadFile(filepath.Join(e.DispatchHistoryDir, "0001", "turn-summary.md"))
	require.NoError(t, err)
	assert.Contains(t, string(summary), "paused for review")

	_, statErr := os.Stat(filepath.Join(runDir, "DISPATCH.md"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestStepGathersPendingRepliesAndAdvancesSeq(t *testing.T) {
	root := t.TempDir()
	ticketDir := filepath.Join(root, "tickets")
	writeTicket(t, ticketDir, "TICKET-001.md", "---\nagent: codex\ndone: false\n---\nwork\n")

	replyDir := filepath.Join(root, ".codex-autorunner", "ticketflow", "reply_history", "0001")
	require.NoError(t, os.MkdirAll(replyDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(replyDir, "USER_REPLY.md"), []byte("please use option B"), 0o644))

	client := &fakeClient{}
	client.nextHandle = func() *fakeHandle {
		return &fakeHandle{
			threadID: "thread-1",
			turnID:   "turn-1",
			result:   agentclient.TurnResult{Status: "completed"},
		}
	}
	e := newTestEngine(t, root, client)
	block, newSeq := e.gatherPendingReplies(0)
	assert.Contains(t, block, "please use option B")
	assert.Equal(t, 1, newSeq)

	state, _, err := e.Step(context.Background(), NewState())
	require.NoError(t, err)
	assert.Equal(t, 1, state.ReplySeq)
}
