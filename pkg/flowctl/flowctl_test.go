package flowctl

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "flow.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func twoStepFlow() FlowDefinition {
	return FlowDefinition{
		Type:  "two_step",
		Start: "first",
		Steps: map[string]StepFunc{
			"first": func(ctx context.Context, rec *Record, input map[string]any) (StepOutcome, error) {
				return ContinueTo([]string{"second"}, map[string]any{"first_done": true}), nil
			},
			"second": func(ctx context.Context, rec *Record, input map[string]any) (StepOutcome, error) {
				return Complete(map[string]any{"second_done": true}), nil
			},
		},
	}
}

func TestRunFlowDrivesTwoStepFlowToCompletion(t *testing.T) {
	c := newTestController(t)
	c.Register(twoStepFlow())

	run, err := c.StartFlow(context.Background(), "two_step", "run-1", map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, run.Status)

	require.NoError(t, c.RunFlow(context.Background(), "run-1"))

	final, err := c.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, true, final.State["first_done"])
	assert.Equal(t, true, final.State["second_done"])
	assert.NotNil(t, final.FinishedAt)

	events, err := c.eventsSince(context.Background(), "run-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 6)
	assert.Equal(t, EventFlowStarted, events[0].EventType)
	assert.Equal(t, EventStepStarted, events[1].EventType)
	assert.Equal(t, EventStepCompleted, events[2].EventType)
	assert.Equal(t, EventStepStarted, events[3].EventType)
	assert.Equal(t, EventStepCompleted, events[4].EventType)
	assert.Equal(t, EventFlowCompleted, events[5].EventType)
}

func TestRunFlowFailsAndEmitsFlowFailed(t *testing.T) {
	c := newTestController(t)
	c.Register(FlowDefinition{
		Type:  "failer",
		Start: "only",
		Steps: map[string]StepFunc{
			"only": func(ctx context.Context, rec *Record, input map[string]any) (StepOutcome, error) {
				return Fail("boom"), nil
			},
		},
	})

	_, err := c.StartFlow(context.Background(), "failer", "run-fail", nil)
	require.NoError(t, err)
	err = c.RunFlow(context.Background(), "run-fail")
	assert.NoError(t, err) // step failure is recorded on the run, not returned as an error

	final, err := c.GetRun(context.Background(), "run-fail")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Equal(t, "boom", final.ErrorMessage)

	events, err := c.eventsSince(context.Background(), "run-fail", 0)
	require.NoError(t, err)
	assert.Equal(t, EventFlowFailed, events[len(events)-1].EventType)
}

func TestRunFlowPausesThenResumeContinuesFromSameStep(t *testing.T) {
	c := newTestController(t)
	c.Register(FlowDefinition{
		Type:  "pauser",
		Start: "wait",
		Steps: map[string]StepFunc{
			"wait": func(ctx context.Context, rec *Record, input map[string]any) (StepOutcome, error) {
				if rec.State["approved"] != true {
					return Pause("awaiting approval", nil), nil
				}
				return ContinueTo([]string{"done"}, nil), nil
			},
			"done": func(ctx context.Context, rec *Record, input map[string]any) (StepOutcome, error) {
				return Complete(nil), nil
			},
		},
	})

	_, err := c.StartFlow(context.Background(), "pauser", "run-pause", nil)
	require.NoError(t, err)
	require.NoError(t, c.RunFlow(context.Background(), "run-pause"))

	paused, err := c.GetRun(context.Background(), "run-pause")
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, paused.Status)
	assert.Equal(t, "wait", paused.CurrentStep)

	require.NoError(t, c.saveState(context.Background(), "run-pause", map[string]any{"approved": true}))
	require.NoError(t, c.ResumeFlow(context.Background(), "run-pause"))

	final, err := c.GetRun(context.Background(), "run-pause")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
}

func TestResumeFlowRejectsNonPausedRun(t *testing.T) {
	c := newTestController(t)
	c.Register(twoStepFlow())
	_, err := c.StartFlow(context.Background(), "two_step", "run-active", nil)
	require.NoError(t, err)
	require.NoError(t, c.RunFlow(context.Background(), "run-active"))

	err = c.ResumeFlow(context.Background(), "run-active")
	assert.Error(t, err)
}

func TestStopFlowObservedAtNextStepBoundary(t *testing.T) {
	c := newTestController(t)
	var ranB bool
	c.Register(FlowDefinition{
		Type:  "stoppable",
		Start: "a",
		Steps: map[string]StepFunc{
			"a": func(ctx context.Context, rec *Record, input map[string]any) (StepOutcome, error) {
				c.StopFlow("run-stop")
				return ContinueTo([]string{"b"}, nil), nil
			},
			"b": func(ctx context.Context, rec *Record, input map[string]any) (StepOutcome, error) {
				ranB = true
				return Complete(nil), nil
			},
		},
	})

	_, err := c.StartFlow(context.Background(), "stoppable", "run-stop", nil)
	require.NoError(t, err)
	require.NoError(t, c.RunFlow(context.Background(), "run-stop"))

	assert.False(t, ranB)
	final, err := c.GetRun(context.Background(), "run-stop")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, final.Status)
}

func TestStreamEventsDeliversPastEvents(t *testing.T) {
	c := newTestController(t)
	c.Register(twoStepFlow())
	_, err := c.StartFlow(context.Background(), "two_step", "run-stream", nil)
	require.NoError(t, err)
	require.NoError(t, c.RunFlow(context.Background(), "run-stream"))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	ch, err := c.StreamEvents(ctx, "run-stream", 0)
	require.NoError(t, err)

	var received []FlowEvent
	for ev := range ch {
		received = append(received, ev)
	}
	require.Len(t, received, 6)
	assert.Equal(t, EventFlowStarted, received[0].EventType)
	assert.Equal(t, EventFlowCompleted, received[5].EventType)
}

func initGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		require.NoError(t, cmd.Run())
	}
	run("init", "-q")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	run("add", "README.md")
	run("commit", "-q", "-m", "initial")
	return dir
}

func TestPRFlowRunsToCompletionAcrossCycles(t *testing.T) {
	root := initGitRepo(t)
	c := newTestController(t)
	c.Register(NewPRFlow())

	input := map[string]any{
		"repo_root":  root,
		"input_type": "issue",
		"issue_url":  "https://github.com/example/repo/issues/7",
	}
	_, err := c.StartFlow(context.Background(), PRFlowType, "pr-run-1", input)
	require.NoError(t, err)
	require.NoError(t, c.RunFlow(context.Background(), "pr-run-1"))

	final, err := c.GetRun(context.Background(), "pr-run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, true, final.State["finalized"])
	assert.EqualValues(t, 5, final.State["cycle_count"])
	assert.EqualValues(t, 2, final.State["feedback_count"])
	assert.Equal(t, "pr-flow/pr-run-1", final.State["branch"])

	worktreePath := filepath.Join(root, ".codex-autorunner", "worktrees", "pr-run-1")
	_, statErr := os.Stat(worktreePath)
	assert.NoError(t, statErr)
}

func TestPRFlowFailsPreflightOnDirtyWorkingTree(t *testing.T) {
	root := initGitRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "dirty.txt"), []byte("uncommitted\n"), 0o644))

	c := newTestController(t)
	c.Register(NewPRFlow())

	input := map[string]any{"repo_root": root, "input_type": "issue", "issue_url": "https://github.com/example/repo/issues/7"}
	_, err := c.StartFlow(context.Background(), PRFlowType, "pr-run-dirty", input)
	require.NoError(t, err)
	require.NoError(t, c.RunFlow(context.Background(), "pr-run-dirty"))

	final, err := c.GetRun(context.Background(), "pr-run-dirty")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "not clean")
}
