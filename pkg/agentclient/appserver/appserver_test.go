package appserver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucky401/carrunner/pkg/agentclient"
)

// fakeAgentScript is a tiny shell program that plays the app-server side
// of the protocol: it replies to initialize and thread/start, then on any
// turn/start emits a turn/completed notification for the same turn id.
const fakeAgentScript = `
while IFS= read -r line; do
  id=$(echo "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  method=$(echo "$line" | sed -n 's/.*"method":"\([^"]*\)".*/\1/p')
  case "$method" in
    initialize)
      echo "{\"id\":$id,\"result\":{}}"
      ;;
    thread/start)
      echo "{\"id\":$id,\"result\":{\"threadId\":\"thread-1\",\"cwd\":\"/tmp\"}}"
      ;;
    turn/start)
      echo "{\"id\":$id,\"result\":{\"turnId\":\"turn-1\"}}"
      echo "{\"method\":\"turn/completed\",\"params\":{\"turnId\":\"turn-1\",\"message\":\"done\"}}"
      ;;
    turn/interrupt)
      echo "{\"id\":$id,\"result\":{}}"
      ;;
  esac
done
`

func TestThreadStartAndTurnLifecycle(t *testing.T) {
	c, err := Start(Options{
		Command:        []string{"sh", "-c", fakeAgentScript},
		RequestTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx, map[string]any{"name": "test"}))

	threadID, err := c.ThreadStart(ctx, "/tmp", "never", "readOnly")
	require.NoError(t, err)
	assert.Equal(t, "thread-1", threadID)

	handle, err := c.TurnStart(ctx, threadID, agentclient.TurnStartOptions{
		Text:           "do the thing",
		ApprovalPolicy: agentclient.ApprovalNever,
		SandboxPolicy:  agentclient.SandboxReadOnly,
	})
	require.NoError(t, err)
	assert.Equal(t, "turn-1", handle.TurnID())

	result, err := handle.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "completed", result.Status)
	assert.Contains(t, result.AgentMessages, "done")
}

func TestThreadStartRejectsCwdMismatch(t *testing.T) {
	script := `
while IFS= read -r line; do
  id=$(echo "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  method=$(echo "$line" | sed -n 's/.*"method":"\([^"]*\)".*/\1/p')
  if [ "$method" = "thread/start" ]; then
    echo "{\"id\":$id,\"result\":{\"threadId\":\"thread-1\",\"cwd\":\"/other\"}}"
  fi
done
`
	c, err := Start(Options{Command: []string{"sh", "-c", script}, RequestTimeout: 5 * time.Second})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.ThreadStart(context.Background(), "/tmp", "never", "readOnly")
	require.Error(t, err)
}
