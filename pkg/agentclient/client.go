// Package agentclient defines the capability interface shared by the two
// agent wire protocols (JSON-RPC-over-stdio "app-server" and HTTP+SSE
// "opencode"), per spec.md §4.D and the Design Notes' "duck-typed client
// polymorphism -> capability interface" guidance. Concrete implementations
// live in the appserver and opencode subpackages; variant-specific methods
// (e.g. opencode's Abort) stay on the concrete type rather than this
// interface.
package agentclient

import "context"

// ApprovalPolicy is the closed set of approval policies a turn may run
// under.
type ApprovalPolicy string

const (
	ApprovalNever     ApprovalPolicy = "never"
	ApprovalOnRequest ApprovalPolicy = "on-request"
	ApprovalAlways    ApprovalPolicy = "always"
)

// SandboxPolicy is the closed set of sandbox modes a turn may run under.
type SandboxPolicy string

const (
	SandboxReadOnly         SandboxPolicy = "readOnly"
	SandboxWorkspaceWrite   SandboxPolicy = "workspaceWrite"
	SandboxDangerFullAccess SandboxPolicy = "dangerFullAccess"
)

// TurnStartOptions carries the parameters of a turn/start call that are
// common to both wire protocols.
type TurnStartOptions struct {
	Text             string
	ApprovalPolicy   ApprovalPolicy
	SandboxPolicy    SandboxPolicy
	Model            string // provider/model, empty to use the agent's default profile
	ReasoningEffort  string
}

// TurnResult is the terminal outcome of a turn, normalized across wire
// protocols.
type TurnResult struct {
	AgentMessages []string
	Errors        []string
	Status        string // completed | failed | interrupted | timed_out
}

// TurnHandle represents an in-flight turn. Wait blocks until the turn
// reaches a terminal state or ctx is done, whichever comes first.
type TurnHandle interface {
	ThreadID() string
	TurnID() string
	Wait(ctx context.Context) (TurnResult, error)
}

// ApprovalRequest is delivered to an ApprovalHandler when the agent asks
// for permission mid-turn.
type ApprovalRequest struct {
	Kind   string // "commandExecution" | "fileChange"
	ItemID string
	Detail map[string]any
}

// ApprovalDecision is the closed set of replies an ApprovalHandler may
// give.
type ApprovalDecision string

const (
	ApprovalAccept  ApprovalDecision = "accept"
	ApprovalDecline ApprovalDecision = "decline"
)

// ApprovalHandler decides how to answer an agent's approval request. It
// must always return a decision; never block indefinitely without one, or
// the agent hangs (spec.md §4.D1).
type ApprovalHandler func(ApprovalRequest) ApprovalDecision

// NotificationHandler receives every inbound notification the agent
// emits, keyed loosely so the caller can route it to an event buffer by
// (thread, turn).
type NotificationHandler func(method string, params map[string]any)

// Client is the capability interface (G) Turn orchestrator and (I)
// Doc-chat/Spec-ingest depend on. Both wire-protocol implementations
// satisfy it.
type Client interface {
	// ThreadStart begins a new conversation rooted at cwd.
	ThreadStart(ctx context.Context, cwd string, approval ApprovalPolicy, sandbox SandboxPolicy) (threadID string, err error)

	// ThreadResume resumes an existing thread. Implementations must
	// return an error satisfying errkind.Is(err, errkind.Validation) if
	// the agent reports no such thread, so callers can clear the
	// registry entry.
	ThreadResume(ctx context.Context, threadID string) error

	// ThreadList lists known threads, optionally scoped to cwd.
	ThreadList(ctx context.Context, cwd string) ([]string, error)

	// TurnStart begins a turn on threadID and returns a handle the
	// caller waits on.
	TurnStart(ctx context.Context, threadID string, opts TurnStartOptions) (TurnHandle, error)

	// TurnInterrupt requests cancellation of an in-flight turn. Both ids
	// are required.
	TurnInterrupt(ctx context.Context, turnID, threadID string) error

	// Close releases any resources (subprocess, HTTP connections) held
	// by the client.
	Close() error
}
