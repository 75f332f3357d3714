// Package appserver implements the JSON-RPC-over-stdio wire protocol for
// the "codex_app_server" agent variant (spec.md §4.D1, §6.1).
//
// Grounded on the teacher's closed-variant request/response design idiom
// (formerly pkg/proto, read in full before deletion: integer-id
// correlation, a dispatch map of outstanding requests failed in bulk on
// disconnect) and on the calling conventions visible in
// original_source/core/doc_chat.py / spec_ingest.py (thread_resume
// returning a dict with an "id" key, turn_start returning a handle whose
// .wait(timeout=...) yields agent_messages/errors, turn_interrupt taking
// both turn_id and thread_id).
package appserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/lucky401/carrunner/pkg/agentclient"
	"github.com/lucky401/carrunner/pkg/errkind"
	"github.com/lucky401/carrunner/pkg/logx"
)

// MaxNotificationBytes bounds a single inbound line; larger notifications
// are dropped with a warning rather than risking host memory pressure.
const MaxNotificationBytes = 4 << 20 // 4 MiB

// Options configures a Client's wiring to its child process.
type Options struct {
	Command             []string
	Dir                 string
	Env                 []string
	RequestTimeout       time.Duration
	NotificationHandler agentclient.NotificationHandler
	ApprovalHandler     agentclient.ApprovalHandler
}

type rpcRequest struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type rpcMessage struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type pending struct {
	resultCh chan json.RawMessage
	errCh    chan error
}

// Client drives one app-server subprocess over newline-delimited JSON-RPC.
type Client struct {
	opts Options
	cmd  *exec.Cmd
	in   io.WriteCloser

	writeMu sync.Mutex
	nextID  int64

	mu          sync.Mutex
	outstanding map[int64]*pending
	turns       map[string]*turnHandle

	droppedNotifications atomic.Int64

	logger *logx.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// Start launches the configured subprocess and begins the reader
// goroutine. Callers must call initialize before any other method.
func Start(opts Options) (*Client, error) {
	if len(opts.Command) == 0 {
		return nil, errkind.New(errkind.Validation, "appserver: empty command")
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}

	cmd := exec.Command(opts.Command[0], opts.Command[1:]...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = opts.Env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errkind.Wrap(errkind.Fatal, "open stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errkind.Wrap(errkind.Fatal, "open stdout pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, errkind.Wrap(errkind.Disconnected, "start app-server process", err)
	}

	c := &Client{
		opts:        opts,
		cmd:         cmd,
		in:          stdin,
		outstanding: make(map[int64]*pending),
		turns:       make(map[string]*turnHandle),
		logger:      logx.NewLogger("appserver-client"),
		done:        make(chan struct{}),
	}

	go c.readLoop(stdout)
	go c.waitLoop()

	return c, nil
}

func (c *Client) waitLoop() {
	_ = c.cmd.Wait()
	c.failAllOutstanding(errkind.New(errkind.Disconnected, "app-server process exited"))
	close(c.done)
}

func (c *Client) failAllOutstanding(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, p := range c.outstanding {
		p.errCh <- err
		delete(c.outstanding, id)
	}
	for id, h := range c.turns {
		h.resultCh <- agentclient.TurnResult{Status: "failed", Errors: []string{err.Error()}}
		delete(c.turns, id)
	}
}

func (c *Client) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxNotificationBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if len(line) >= MaxNotificationBytes {
			c.droppedNotifications.Add(1)
			c.logger.Warn("appserver: dropped oversized line (%d bytes)", len(line))
			continue
		}
		var msg rpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Warn("appserver: unparsable line: %v", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg rpcMessage) {
	switch {
	case msg.ID != nil && msg.Method == "" :
		// Response to one of our requests.
		c.mu.Lock()
		p, ok := c.outstanding[*msg.ID]
		if ok {
			delete(c.outstanding, *msg.ID)
		}
		c.mu.Unlock()
		if !ok {
			return
		}
		if msg.Error != nil {
			p.errCh <- errkind.New(errkind.AgentError, msg.Error.Message)
			return
		}
		p.resultCh <- msg.Result

	case msg.ID != nil && msg.Method != "":
		// Server-initiated request: currently only approvals.
		c.handleApprovalRequest(msg)

	default:
		// Notification.
		var params map[string]any
		_ = json.Unmarshal(msg.Params, &params)

		switch msg.Method {
		case "turn/completed":
			c.resolveTurn(params, "completed")
		case "error":
			c.resolveTurn(params, "failed")
		}

		if c.opts.NotificationHandler != nil {
			c.opts.NotificationHandler(msg.Method, params)
		}
	}
}

// resolveTurn looks up the turn handle named in params["turnId"] and
// delivers a terminal TurnResult, if one is still registered (a second
// notification for an already-resolved turn is ignored).
func (c *Client) resolveTurn(params map[string]any, status string) {
	turnID, _ := params["turnId"].(string)
	if turnID == "" {
		return
	}

	c.mu.Lock()
	h, ok := c.turns[turnID]
	if ok {
		delete(c.turns, turnID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	result := agentclient.TurnResult{Status: status}
	if msg, ok := params["message"].(string); ok && msg != "" {
		result.AgentMessages = append(result.AgentMessages, msg)
	}
	if errMsg, ok := params["error"].(string); ok && errMsg != "" {
		result.Errors = append(result.Errors, errMsg)
	}
	h.resultCh <- result
}

func (c *Client) handleApprovalRequest(msg rpcMessage) {
	var params map[string]any
	_ = json.Unmarshal(msg.Params, &params)

	decision := agentclient.ApprovalDecline
	if c.opts.ApprovalHandler != nil {
		kind := "commandExecution"
		if msg.Method == "item/fileChange/requestApproval" {
			kind = "fileChange"
		}
		decision = c.opts.ApprovalHandler(agentclient.ApprovalRequest{
			Kind:   kind,
			ItemID: fmt.Sprintf("%v", params["itemId"]),
			Detail: params,
		})
	}

	reply := struct {
		ID     int64  `json:"id"`
		Result any    `json:"result"`
	}{ID: *msg.ID, Result: map[string]string{"decision": string(decision)}}

	data, _ := json.Marshal(reply)
	c.writeLine(data)
}

// call issues an id-correlated request and blocks until the matching
// response arrives, ctx is done, or the configured request timeout
// elapses.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := atomic.AddInt64(&c.nextID, 1)
	p := &pending{resultCh: make(chan json.RawMessage, 1), errCh: make(chan error, 1)}

	c.mu.Lock()
	c.outstanding[id] = p
	c.mu.Unlock()

	req := rpcRequest{ID: id, Method: method, Params: params}
	data, err := json.Marshal(req)
	if err != nil {
		c.mu.Lock()
		delete(c.outstanding, id)
		c.mu.Unlock()
		return nil, errkind.Wrap(errkind.Validation, "marshal request", err)
	}

	if err := c.writeLine(data); err != nil {
		c.mu.Lock()
		delete(c.outstanding, id)
		c.mu.Unlock()
		return nil, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	select {
	case res := <-p.resultCh:
		return res, nil
	case err := <-p.errCh:
		return nil, err
	case <-timeoutCtx.Done():
		c.mu.Lock()
		delete(c.outstanding, id)
		c.mu.Unlock()
		return nil, errkind.Wrap(errkind.Timeout, fmt.Sprintf("%s timed out", method), timeoutCtx.Err())
	}
}

func (c *Client) writeLine(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.in.Write(append(data, '\n')); err != nil {
		return errkind.Wrap(errkind.Disconnected, "write to app-server stdin", err)
	}
	return nil
}

// Initialize must be called once before any other RPC method.
func (c *Client) Initialize(ctx context.Context, clientInfo map[string]any) error {
	_, err := c.call(ctx, "initialize", clientInfo)
	if err != nil {
		return err
	}
	return c.writeLine(mustMarshal(rpcMessage{Method: "initialized"}))
}

func mustMarshal(v any) []byte {
	data, _ := json.Marshal(v)
	return data
}

// ThreadStart implements agentclient.Client.
func (c *Client) ThreadStart(ctx context.Context, cwd string, approval agentclient.ApprovalPolicy, sandbox agentclient.SandboxPolicy) (string, error) {
	res, err := c.call(ctx, "thread/start", map[string]any{
		"cwd":            cwd,
		"approvalPolicy": approval,
		"sandboxPolicy":  sandbox,
	})
	if err != nil {
		return "", err
	}
	var payload map[string]any
	if err := json.Unmarshal(res, &payload); err != nil {
		return "", errkind.Wrap(errkind.AgentError, "parse thread/start response", err)
	}

	id := extractThreadID(payload)
	if id == "" {
		return "", errkind.New(errkind.AgentError, "thread/start response missing thread id")
	}
	if echoedCwd, ok := payload["cwd"].(string); ok && echoedCwd != "" && echoedCwd != cwd {
		return "", errkind.New(errkind.AgentError, fmt.Sprintf("agent echoed cwd %q, expected %q", echoedCwd, cwd))
	}
	return id, nil
}

// extractThreadID normalizes the three observed spellings of a thread id
// field (spec.md Design Notes: "Dynamic JSON shapes").
func extractThreadID(payload map[string]any) string {
	for _, key := range []string{"id", "threadId", "thread_id"} {
		if v, ok := payload[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// ThreadResume implements agentclient.Client.
func (c *Client) ThreadResume(ctx context.Context, threadID string) error {
	_, err := c.call(ctx, "thread/resume", map[string]any{"threadId": threadID})
	if err != nil {
		if e, ok := err.(*errkind.Error); ok && e.Kind == errkind.AgentError {
			return errkind.New(errkind.Validation, "no such thread: "+threadID)
		}
		return err
	}
	return nil
}

// ThreadList implements agentclient.Client.
func (c *Client) ThreadList(ctx context.Context, cwd string) ([]string, error) {
	res, err := c.call(ctx, "thread/list", map[string]any{"cwd": cwd})
	if err != nil {
		return nil, err
	}
	return normalizeThreadList(res)
}

// normalizeThreadList accepts the three observed server shapes:
// {threads:[...]}, {data:[...]}, or a bare list.
func normalizeThreadList(res json.RawMessage) ([]string, error) {
	var wrapped struct {
		Threads []map[string]any `json:"threads"`
		Data    []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(res, &wrapped); err == nil {
		entries := wrapped.Threads
		if len(entries) == 0 {
			entries = wrapped.Data
		}
		if len(entries) > 0 {
			ids := make([]string, 0, len(entries))
			for _, e := range entries {
				if id := extractThreadID(e); id != "" {
					ids = append(ids, id)
				}
			}
			return ids, nil
		}
	}

	var bare []map[string]any
	if err := json.Unmarshal(res, &bare); err == nil {
		ids := make([]string, 0, len(bare))
		for _, e := range bare {
			if id := extractThreadID(e); id != "" {
				ids = append(ids, id)
			}
		}
		return ids, nil
	}

	return nil, errkind.New(errkind.AgentError, "unrecognized thread/list response shape")
}

type turnHandle struct {
	threadID string
	turnID   string
	client   *Client
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

// TurnStart implements agentclient.Client. The returned handle's Wait
// blocks until the reader goroutine sees a turn/completed or error
// notification for this turn id; this does not depend on
// NotificationHandler, which, if set, still receives every notification.
func (c *Client) TurnStart(ctx context.Context, threadID string, opts agentclient.TurnStartOptions) (agentclient.TurnHandle, error) {
	params := map[string]any{
		"threadId":       threadID,
		"input":          opts.Text,
		"approvalPolicy": opts.ApprovalPolicy,
		"sandboxPolicy":  opts.SandboxPolicy,
	}
	if opts.Model != "" {
		params["model"] = opts.Model
	}
	if opts.ReasoningEffort != "" {
		params["effort"] = opts.ReasoningEffort
	}

	res, err := c.call(ctx, "turn/start", params)
	if err != nil {
		return nil, err
	}
	var payload map[string]any
	if err := json.Unmarshal(res, &payload); err != nil {
		return nil, errkind.Wrap(errkind.AgentError, "parse turn/start response", err)
	}
	turnID, _ := payload["turnId"].(string)
	if turnID == "" {
		turnID, _ = payload["id"].(string)
	}
	if turnID == "" {
		return nil, errkind.New(errkind.AgentError, "turn/start response missing turn id")
	}

	h := &turnHandle{threadID: threadID, turnID: turnID, client: c, resultCh: make(chan agentclient.TurnResult, 1)}

	c.mu.Lock()
	c.turns[turnID] = h
	c.mu.Unlock()

	return h, nil
}

// TurnInterrupt implements agentclient.Client.
func (c *Client) TurnInterrupt(ctx context.Context, turnID, threadID string) error {
	if turnID == "" || threadID == "" {
		return errkind.New(errkind.Validation, "turn interrupt requires both turn id and thread id")
	}
	_, err := c.call(ctx, "turn/interrupt", map[string]any{"turnId": turnID, "threadId": threadID})
	return err
}

// DroppedNotifications returns the running count of oversized notification
// lines dropped since Start, for metrics emission.
func (c *Client) DroppedNotifications() int64 {
	return c.droppedNotifications.Load()
}

// Close terminates the subprocess and releases resources: it closes
// stdin, sends SIGTERM, and sends SIGKILL if the process has not exited
// within five seconds.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.in.Close()
		if c.cmd.Process != nil {
			_ = c.cmd.Process.Signal(syscall.SIGTERM)
			select {
			case <-c.done:
			case <-time.After(5 * time.Second):
				_ = c.cmd.Process.Kill()
			}
		}
	})
	return err
}
