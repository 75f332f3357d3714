// Package ticketflow implements the ticket-flow engine (component L,
// spec.md §4.L): a durable 9-step state machine that scans a directory of
// Markdown tickets, runs one agent turn per selected ticket, and archives
// dispatch/reply traffic between turns.
//
// Grounded on spec.md §4.L's step(state) -> StepResult pseudocode (the
// authoritative source: no file in the example pack implements a
// Markdown-ticket engine directly — original_source/core/pma_queue.py is a
// different asyncio lane-queue subsystem and was rejected as a grounding
// source) and on the teacher's pkg/pm driver idiom of an explicit state
// struct threaded through an idempotency-checked step function.
package ticketflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lucky401/carrunner/internal/orchestrator"
	"github.com/lucky401/carrunner/pkg/agentclient"
	"github.com/lucky401/carrunner/pkg/config"
	"github.com/lucky401/carrunner/pkg/errkind"
	"github.com/lucky401/carrunner/pkg/logx"
)

// Status is the flow's closed set of terminal/non-terminal states.
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// State is the durable state threaded through Step, per spec.md §4.L's
// literal field list.
type State struct {
	CurrentTicket          string              `json:"current_ticket"`
	TicketTurns            map[string]int      `json:"ticket_turns"`
	TotalTurns             int                 `json:"total_turns"`
	DispatchSeq            int                 `json:"dispatch_seq"`
	ReplySeq               int                 `json:"reply_seq"`
	Reason                 string              `json:"reason"`
	Status                 Status              `json:"status"`
	ConversationIDByTicket map[string]string   `json:"conversation_id_by_ticket"`
	LintErrors             map[string][]string `json:"lint_errors"`
	LintRetries            map[string]int      `json:"lint_retries"`
}

// NewState returns a fresh, running flow state.
func NewState() State {
	return State{
		Status:                 StatusRunning,
		TicketTurns:            map[string]int{},
		ConversationIDByTicket: map[string]string{},
		LintErrors:             map[string][]string{},
		LintRetries:            map[string]int{},
	}
}

// StepResult summarizes the outcome of one Step call.
type StepResult struct {
	Status Status
	Reason string
}

// FrontMatter is a ticket's YAML front matter, per spec.md §4.L.
type FrontMatter struct {
	Agent    string   `yaml:"agent"`
	Done     bool     `yaml:"done"`
	Title    string   `yaml:"title"`
	Goal     string   `yaml:"goal"`
	Requires []string `yaml:"requires"`
}

// Orchestrators holds one orchestrator per agent kind, mirroring
// internal/autorunner's pairing — ticket-flow and the autorunner are
// independent run loops, so this is a sibling type rather than a shared
// import.
type Orchestrators struct {
	AppServer *orchestrator.Orchestrator
	OpenCode  *orchestrator.Orchestrator
}

// Engine drives the ticket-flow step function for one workspace.
type Engine struct {
	RepoRoot           string
	TicketDir          string
	DispatchPath       string
	DispatchDir        string
	DispatchHistoryDir string
	ReplyHistoryDir    string
	MaxLintRetries     int

	orch Orchestrators
	cfg  *config.RepoConfig

	logger *logx.Logger
}

// New wires an Engine rooted at repoRoot.
func New(repoRoot string, cfg *config.RepoConfig, orch Orchestrators) *Engine {
	runDir := filepath.Join(repoRoot, ".codex-autorunner", "ticketflow")
	maxRetries := cfg.TicketFlow.MaxLintRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	ticketDir := cfg.TicketFlow.TicketDir
	if ticketDir == "" {
		ticketDir = "tickets"
	}
	return &Engine{
		RepoRoot:           repoRoot,
		TicketDir:          filepath.Join(repoRoot, ticketDir),
		DispatchPath:       filepath.Join(runDir, "DISPATCH.md"),
		DispatchDir:        filepath.Join(runDir, "dispatch"),
		DispatchHistoryDir: filepath.Join(runDir, "dispatch_history"),
		ReplyHistoryDir:    filepath.Join(runDir, "reply_history"),
		MaxLintRetries:     maxRetries,
		orch:               orch,
		cfg:                cfg,
		logger:             logx.NewLogger("ticketflow"),
	}
}

var ticketFileRe = regexp.MustCompile(`^TICKET-(\d+)\.md$`)

// frontMatterRe splits a ticket's "---\n<yaml>\n---\n<body>" shell.
var frontMatterRe = regexp.MustCompile(`(?s)^---\r?\n(.*?\r?\n)---\r?\n?(.*)$`)

// ParseTicket splits content into front matter and body.
func ParseTicket(content string) (FrontMatter, string, error) {
	m := frontMatterRe.FindStringSubmatch(content)
	if m == nil {
		return FrontMatter{}, "", errkind.New(errkind.Validation, "ticket is missing --- front matter")
	}
	var fm FrontMatter
	if err := yaml.Unmarshal([]byte(m[1]), &fm); err != nil {
		return FrontMatter{}, "", errkind.Wrap(errkind.Validation, "parse ticket front matter", err)
	}
	return fm, m[2], nil
}

// RenderTicket serializes fm/body back into a ticket file's text.
func RenderTicket(fm FrontMatter, body string) (string, error) {
	data, err := yaml.Marshal(fm)
	if err != nil {
		return "", errkind.Wrap(errkind.Fatal, "marshal ticket front matter", err)
	}
	return "---\n" + string(data) + "---\n" + body, nil
}

// scanTickets lists ticket filenames in e.TicketDir sorted by numeric index.
func (e *Engine) scanTickets() ([]string, error) {
	entries, err := os.ReadDir(e.TicketDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errkind.Wrap(errkind.Fatal, "read ticket dir", err)
	}
	type numbered struct {
		name string
		n    int
	}
	var found []numbered
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		m := ticketFileRe.FindStringSubmatch(ent.Name())
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		found = append(found, numbered{ent.Name(), n})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].n < found[j].n })
	names := make([]string, len(found))
	for i, f := range found {
		names[i] = f.name
	}
	return names, nil
}

func (e *Engine) readTicketRaw(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(e.TicketDir, name))
	if err != nil {
		return "", errkind.Wrap(errkind.Fatal, "read ticket "+name, err)
	}
	return string(data), nil
}

// selectNextTicket implements step 2 (first ticket whose done is false),
// with a carve-out for a ticket already mid lint-retry: it stays selected
// even though its front matter currently fails to parse, so the next
// prompt can show it the lint error block.
func (e *Engine) selectNextTicket(tickets []string, state State) (string, error) {
	if state.CurrentTicket != "" && state.LintRetries[state.CurrentTicket] > 0 {
		for _, t := range tickets {
			if t == state.CurrentTicket {
				return t, nil
			}
		}
	}
	for _, t := range tickets {
		raw, err := e.readTicketRaw(t)
		if err != nil {
			return "", err
		}
		fm, _, parseErr := ParseTicket(raw)
		if parseErr != nil {
			// Not already in lint retry and unparseable: skip past it
			// rather than silently picking a broken ticket as "next".
			continue
		}
		if !fm.Done {
			return t, nil
		}
	}
	return "", nil
}

func (e *Engine) allTicketsDone(tickets []string) (bool, error) {
	for _, t := range tickets {
		raw, err := e.readTicketRaw(t)
		if err != nil {
			return false, err
		}
		fm, _, parseErr := ParseTicket(raw)
		if parseErr != nil || !fm.Done {
			return false, nil
		}
	}
	return true, nil
}

// checkRequires resolves each required path relative to TicketDir first,
// then RepoRoot, returning the ones that are missing.
func (e *Engine) checkRequires(requires []string) []string {
	var missing []string
	for _, req := range requires {
		if filepath.IsAbs(req) {
			if _, err := os.Stat(req); err != nil {
				missing = append(missing, req)
			}
			continue
		}
		if _, err := os.Stat(filepath.Join(e.TicketDir, req)); err == nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(e.RepoRoot, req)); err == nil {
			continue
		}
		missing = append(missing, req)
	}
	return missing
}

// gatherPendingReplies reads reply_history/<seq:04d>/USER_REPLY.md
// directories with seq > afterSeq, returning a tagged prompt block and
// the new reply_seq watermark (step 4).
func (e *Engine) gatherPendingReplies(afterSeq int) (string, int) {
	entries, err := os.ReadDir(e.ReplyHistoryDir)
	if err != nil {
		return "", afterSeq
	}
	seqRe := regexp.MustCompile(`^\d+$`)
	type reply struct {
		seq int
		dir string
	}
	var pending []reply
	for _, ent := range entries {
		if !ent.IsDir() || !seqRe.MatchString(ent.Name()) {
			continue
		}
		n, _ := strconv.Atoi(ent.Name())
		if n > afterSeq {
			pending = append(pending, reply{n, ent.Name()})
		}
	}
	if len(pending) == 0 {
		return "", afterSeq
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].seq < pending[j].seq })

	var sb strings.Builder
	newSeq := afterSeq
	for _, r := range pending {
		data, err := os.ReadFile(filepath.Join(e.ReplyHistoryDir, r.dir, "USER_REPLY.md"))
		if err != nil {
			continue
		}
		fmt.Fprintf(&sb, "[USER_REPLY %04d]\n%s\n", r.seq, strings.TrimSpace(string(data)))
		if r.seq > newSeq {
			newSeq = r.seq
		}
	}
	return sb.String(), newSeq
}

func lintBlock(errs []string) string {
	if len(errs) == 0 {
		return ""
	}
	return "[LINT_ERRORS]\n" + strings.Join(errs, "\n")
}

func (e *Engine) buildPrompt(ticket string, fm FrontMatter, body, replyBlock, lint string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Ticket: %s\n", ticket)
	if fm.Title != "" {
		fmt.Fprintf(&sb, "Title: %s\n", fm.Title)
	}
	if fm.Goal != "" {
		fmt.Fprintf(&sb, "Goal: %s\n", fm.Goal)
	}
	sb.WriteString("\n")
	sb.WriteString(body)
	if lint != "" {
		sb.WriteString("\n\n")
		sb.WriteString(lint)
	}
	if replyBlock != "" {
		sb.WriteString("\n\n")
		sb.WriteString(replyBlock)
	}
	return sb.String()
}

// selectAgent maps a ticket's declared agent to an orchestrator, defaulting
// to codex with a warning for an unknown value (step 5's closed variant).
func (e *Engine) selectAgent(agent string) (kind, featureKey string, orch *orchestrator.Orchestrator) {
	switch agent {
	case "opencode":
		if e.orch.OpenCode != nil {
			return "opencode", "", e.orch.OpenCode
		}
		e.logger.Warn("ticket requested opencode agent but no opencode orchestrator is configured; falling back to codex")
	case "", "codex", "codex_app_server":
		// fall through to default
	default:
		e.logger.Warn("ticket declared unknown agent %q; defaulting to codex", agent)
	}
	return "codex", "", e.orch.AppServer
}

func (e *Engine) turnTimeout() time.Duration {
	if e.cfg.AppServer.TurnTimeoutSeconds > 0 {
		return time.Duration(e.cfg.AppServer.TurnTimeoutSeconds * float64(time.Second))
	}
	return 30 * time.Minute
}

// detectDispatch implements step 7: if run_dir/DISPATCH.md exists, archive
// it (plus the sibling dispatch/ directory) to
// dispatch_history/<seq:04d>/, archive a best-effort turn-summary entry at
// the next seq, and report whether the flow should pause.
func (e *Engine) detectDispatch(state *State, agentOutput string) (dispatched bool, pause bool, err error) {
	raw, statErr := os.ReadFile(e.DispatchPath)
	if statErr != nil {
		return false, false, nil
	}

	seq := state.DispatchSeq
	destDir := filepath.Join(e.DispatchHistoryDir, fmt.Sprintf("%04d", seq))
	if _, err := os.Stat(destDir); err == nil {
		return false, false, errkind.New(errkind.Fatal, fmt.Sprintf("dispatch archive collision at seq %d", seq))
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return false, false, errkind.Wrap(errkind.Fatal, "create dispatch archive dir", err)
	}
	if err := os.WriteFile(filepath.Join(destDir, "DISPATCH.md"), raw, 0o644); err != nil {
		return false, false, errkind.Wrap(errkind.Fatal, "archive dispatch", err)
	}
	if info, statErr := os.Stat(e.DispatchDir); statErr == nil && info.IsDir() {
		if err := os.Rename(e.DispatchDir, filepath.Join(destDir, "dispatch")); err != nil {
			return false, false, errkind.Wrap(errkind.Fatal, "archive dispatch sibling dir", err)
		}
	}
	_ = os.Remove(e.DispatchPath)

	summaryDir := filepath.Join(e.DispatchHistoryDir, fmt.Sprintf("%04d", seq+1))
	if err := os.MkdirAll(summaryDir, 0o755); err == nil {
		_ = os.WriteFile(filepath.Join(summaryDir, "turn-summary.md"), []byte(agentOutput), 0o644)
	}
	state.DispatchSeq = seq + 2

	mode := dispatchMode(raw)
	return true, mode == "pause", nil
}

func dispatchMode(raw []byte) string {
	var doc struct {
		Mode string `yaml:"mode"`
	}
	m := frontMatterRe.FindSubmatch(raw)
	if m == nil {
		return "notify"
	}
	if err := yaml.Unmarshal(m[1], &doc); err != nil {
		return "notify"
	}
	if doc.Mode == "" {
		return "notify"
	}
	return doc.Mode
}

// Step executes one call of the 9-step ticket-flow state machine,
// returning the updated state and outcome.
func (e *Engine) Step(ctx context.Context, state State) (State, StepResult, error) {
	if state.TicketTurns == nil {
		state.TicketTurns = map[string]int{}
	}
	if state.ConversationIDByTicket == nil {
		state.ConversationIDByTicket = map[string]string{}
	}
	if state.LintErrors == nil {
		state.LintErrors = map[string][]string{}
	}
	if state.LintRetries == nil {
		state.LintRetries = map[string]int{}
	}

	tickets, err := e.scanTickets()
	if err != nil {
		return state, StepResult{}, err
	}
	if len(tickets) == 0 {
		state.Status = StatusPaused
		state.Reason = "No tickets found"
		return state, StepResult{Status: state.Status, Reason: state.Reason}, nil
	}

	ticket, err := e.selectNextTicket(tickets, state)
	if err != nil {
		return state, StepResult{}, err
	}
	if ticket == "" {
		allDone, err := e.allTicketsDone(tickets)
		if err != nil {
			return state, StepResult{}, err
		}
		if allDone {
			state.Status = StatusCompleted
			state.Reason = "All tickets done"
		} else {
			state.Status = StatusPaused
			state.Reason = "No selectable ticket (all remaining tickets fail to parse)"
		}
		return state, StepResult{Status: state.Status, Reason: state.Reason}, nil
	}

	raw, err := e.readTicketRaw(ticket)
	if err != nil {
		return state, StepResult{}, err
	}
	fm, body, parseErr := ParseTicket(raw)
	lintRetrying := state.LintRetries[ticket] > 0

	if parseErr == nil {
		missing := e.checkRequires(fm.Requires)
		if len(missing) > 0 {
			state.CurrentTicket = ticket
			state.Status = StatusPaused
			state.Reason = "Missing required input files: " + strings.Join(missing, ", ")
			return state, StepResult{Status: state.Status, Reason: state.Reason}, nil
		}
	} else if !lintRetrying {
		return state, StepResult{}, errkind.Wrap(errkind.Fatal, "selected ticket is unparseable and not in lint retry", parseErr)
	}

	state.CurrentTicket = ticket

	replyBlock, newReplySeq := e.gatherPendingReplies(state.ReplySeq)
	state.ReplySeq = newReplySeq

	lint := lintBlock(state.LintErrors[ticket])
	prompt := e.buildPrompt(ticket, fm, body, replyBlock, lint)

	agentField := fm.Agent
	_, featureKey, orch := e.selectAgent(agentField)
	if orch == nil {
		return state, StepResult{}, errkind.New(errkind.Fatal, "no orchestrator configured for ticket agent")
	}

	req := orchestrator.Request{
		WorkspaceRoot:  e.RepoRoot,
		WorkspaceID:    e.RepoRoot,
		FeatureKey:     featureKey,
		ThreadID:       state.ConversationIDByTicket[ticket],
		Prompt:         prompt,
		ApprovalPolicy: agentclient.ApprovalOnRequest,
		SandboxPolicy:  agentclient.SandboxWorkspaceWrite,
		Timeout:        e.turnTimeout(),
	}
	result, err := orch.RunTurn(ctx, req)
	if err != nil {
		return state, StepResult{}, err
	}
	if result.ConversationID != "" {
		state.ConversationIDByTicket[ticket] = result.ConversationID
	}
	state.TotalTurns++

	rawAfter, err := e.readTicketRaw(ticket)
	if err != nil {
		return state, StepResult{}, err
	}
	fmAfter, _, lintErrAfter := ParseTicket(rawAfter)
	if lintErrAfter != nil {
		state.LintRetries[ticket]++
		state.LintErrors[ticket] = []string{lintErrAfter.Error()}
		if state.LintRetries[ticket] >= e.MaxLintRetries {
			state.Status = StatusFailed
			state.Reason = fmt.Sprintf("ticket %s failed lint after %d retries", ticket, state.LintRetries[ticket])
			return state, StepResult{Status: state.Status, Reason: state.Reason}, nil
		}
		state.Status = StatusRunning
		state.Reason = ""
		return state, StepResult{Status: state.Status}, nil
	}
	delete(state.LintErrors, ticket)
	delete(state.LintRetries, ticket)

	dispatched, pause, err := e.detectDispatch(&state, result.Output)
	if err != nil {
		return state, StepResult{}, err
	}
	if pause {
		state.Status = StatusPaused
		state.Reason = "dispatch"
		return state, StepResult{Status: state.Status, Reason: state.Reason}, nil
	}

	if fmAfter.Done {
		state.CurrentTicket = ""
		delete(state.TicketTurns, ticket)
	} else if !dispatched {
		state.TicketTurns[ticket]++
	}

	ticketsAfter, err := e.scanTickets()
	if err != nil {
		return state, StepResult{}, err
	}
	allDone, err := e.allTicketsDone(ticketsAfter)
	if err != nil {
		return state, StepResult{}, err
	}
	if allDone {
		state.Status = StatusCompleted
		state.Reason = "All tickets done"
		return state, StepResult{Status: state.Status, Reason: state.Reason}, nil
	}

	state.Status = StatusRunning
	state.Reason = ""
	return state, StepResult{Status: state.Status}, nil
}
