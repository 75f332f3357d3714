package opencode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucky401/carrunner/pkg/agentclient"
)

func TestSplitModel(t *testing.T) {
	provider, model := SplitModel("anthropic/claude-sonnet-4")
	assert.Equal(t, "anthropic", provider)
	assert.Equal(t, "claude-sonnet-4", model)

	provider, model = SplitModel("bare-model")
	assert.Equal(t, "", provider)
	assert.Equal(t, "bare-model", model)
}

func TestCreateSessionAndTurnLifecycle(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(sessionPayload{ID: "sess-1"})
	})
	mux.HandleFunc("/session/sess-1/message", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/event", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "event: session.idle\ndata: {\"sessionID\":\"sess-1\"}\n\n")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := New(Options{BaseURL: srv.URL, Timeout: 5 * time.Second})

	id, err := client.CreateSession(context.Background(), "/tmp", "")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", id)

	handle, err := client.TurnStart(context.Background(), id, agentclient.TurnStartOptions{Text: "hello"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	result, err := handle.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "completed", result.Status)
}
