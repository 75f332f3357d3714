// Package opencode implements the HTTP+SSE wire protocol for the
// "opencode" agent variant (spec.md §4.D2, §6.2).
package opencode

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lucky401/carrunner/pkg/agentclient"
	"github.com/lucky401/carrunner/pkg/errkind"
)

// Options configures a Client bound to one opencode HTTP server.
type Options struct {
	BaseURL  string
	Username string // optional HTTP Basic auth, from OPENCODE_SERVER_USERNAME
	Password string // from OPENCODE_SERVER_PASSWORD
	Timeout  time.Duration
}

// Client drives one opencode server over its REST + SSE surface.
type Client struct {
	opts       Options
	httpClient *http.Client

	mu       sync.Mutex
	sessions map[string]*turnHandle // sessionID -> in-flight turn, if any
}

// New returns a Client bound to opts.BaseURL.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	return &Client{
		opts:       opts,
		httpClient: &http.Client{Timeout: opts.Timeout},
		sessions:   make(map[string]*turnHandle),
	}
}

func (c *Client) req(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, errkind.Wrap(errkind.Validation, "marshal request body", err)
		}
		reader = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.opts.BaseURL+path, reader)
	if err != nil {
		return nil, errkind.Wrap(errkind.Validation, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.opts.Username != "" {
		httpReq.SetBasicAuth(c.opts.Username, c.opts.Password)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errkind.Wrap(errkind.Disconnected, fmt.Sprintf("%s %s", method, path), err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		return nil, errkind.New(errkind.AgentError, fmt.Sprintf("%s %s: status %d: %s", method, path, resp.StatusCode, string(data)))
	}
	return resp, nil
}

type sessionPayload struct {
	ID string `json:"id"`
}

// CreateSession implements the session-create half of ThreadStart.
func (c *Client) CreateSession(ctx context.Context, directory, title string) (string, error) {
	resp, err := c.req(ctx, http.MethodPost, "/session", map[string]any{"directory": directory, "title": title})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var payload sessionPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", errkind.Wrap(errkind.AgentError, "decode session response", err)
	}
	return payload.ID, nil
}

// ThreadStart implements agentclient.Client.
func (c *Client) ThreadStart(ctx context.Context, cwd string, _ agentclient.ApprovalPolicy, _ agentclient.SandboxPolicy) (string, error) {
	return c.CreateSession(ctx, cwd, "")
}

// ThreadResume implements agentclient.Client: opencode sessions are
// addressed directly by id, so resume is a GET existence check.
func (c *Client) ThreadResume(ctx context.Context, threadID string) error {
	resp, err := c.req(ctx, http.MethodGet, "/session/"+threadID, nil)
	if err != nil {
		if e, ok := err.(*errkind.Error); ok && e.Kind == errkind.AgentError {
			return errkind.New(errkind.Validation, "no such session: "+threadID)
		}
		return err
	}
	resp.Body.Close()
	return nil
}

// ThreadList implements agentclient.Client.
func (c *Client) ThreadList(ctx context.Context, _ string) ([]string, error) {
	resp, err := c.req(ctx, http.MethodGet, "/session", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var sessions []sessionPayload
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return nil, errkind.Wrap(errkind.AgentError, "decode session list", err)
	}
	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.ID)
	}
	return ids, nil
}

// SplitModel splits a "provider/model" identifier into its two halves, per
// spec.md §4.D2.
func SplitModel(model string) (providerID, modelID string) {
	idx := strings.IndexByte(model, '/')
	if idx < 0 {
		return "", model
	}
	return model[:idx], model[idx+1:]
}

type turnHandle struct {
	threadID string
	turnID   string
	resultCh chan agentclient.TurnResult
}

func (h *turnHandle) ThreadID() string { return h.threadID }
func (h *turnHandle) TurnID() string   { return h.turnID }

func (h *turnHandle) Wait(ctx context.Context) (agentclient.TurnResult, error) {
	select {
	case r := <-h.resultCh:
		return r, nil
	case <-ctx.Done():
		return agentclient.TurnResult{}, errkind.Wrap(errkind.Timeout, "turn wait cancelled", ctx.Err())
	}
}

// TurnStart sends a message to the session and starts a background SSE
// listen loop that resolves the handle on session.idle.
func (c *Client) TurnStart(ctx context.Context, threadID string, opts agentclient.TurnStartOptions) (agentclient.TurnHandle, error) {
	body := map[string]any{"text": opts.Text}
	if opts.Model != "" {
		providerID, modelID := SplitModel(opts.Model)
		body["providerID"] = providerID
		body["modelID"] = modelID
	}

	resp, err := c.req(ctx, http.MethodPost, "/session/"+threadID+"/message", body)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()

	h := &turnHandle{threadID: threadID, turnID: threadID, resultCh: make(chan agentclient.TurnResult, 1)}
	c.mu.Lock()
	c.sessions[threadID] = h
	c.mu.Unlock()

	go c.streamUntilIdle(threadID, h)

	return h, nil
}

// streamUntilIdle reads /event SSE frames for threadID's directory and
// resolves h when a session.idle frame for this session arrives.
func (c *Client) streamUntilIdle(threadID string, h *turnHandle) {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Hour)
	defer cancel()

	resp, err := c.req(ctx, http.MethodGet, "/event", nil)
	if err != nil {
		h.resultCh <- agentclient.TurnResult{Status: "failed", Errors: []string{err.Error()}}
		return
	}
	defer resp.Body.Close()

	var messages []string
	scanner := bufio.NewScanner(resp.Body)
	var eventName string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			c.handleSSEFrame(threadID, eventName, data, h, &messages)
		case line == "":
			eventName = ""
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (c *Client) handleSSEFrame(threadID, eventName, data string, h *turnHandle, messages *[]string) {
	var frame map[string]any
	if err := json.Unmarshal([]byte(data), &frame); err != nil {
		return
	}
	if sid, _ := frame["sessionID"].(string); sid != "" && sid != threadID {
		return
	}

	switch eventName {
	case "message.part.updated":
		if text, ok := frame["text"].(string); ok {
			*messages = append(*messages, text)
		}
	case "session.idle":
		c.mu.Lock()
		delete(c.sessions, threadID)
		c.mu.Unlock()
		h.resultCh <- agentclient.TurnResult{Status: "completed", AgentMessages: *messages}
	}
}

// TurnInterrupt implements agentclient.Client via the abort endpoint.
func (c *Client) TurnInterrupt(ctx context.Context, _ string, threadID string) error {
	resp, err := c.req(ctx, http.MethodPost, "/session/"+threadID+"/abort", nil)
	if err != nil {
		return err
	}
	resp.Body.Close()

	c.mu.Lock()
	h, ok := c.sessions[threadID]
	if ok {
		delete(c.sessions, threadID)
	}
	c.mu.Unlock()
	if ok {
		h.resultCh <- agentclient.TurnResult{Status: "interrupted"}
	}
	return nil
}

// RespondPermission answers a permission.asked SSE event.
func (c *Client) RespondPermission(ctx context.Context, requestID string, accept bool) error {
	reply := "reject"
	if accept {
		reply = "accept"
	}
	resp, err := c.req(ctx, http.MethodPost, "/permission/"+requestID, map[string]any{"response": reply})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Close releases the underlying HTTP transport's idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
