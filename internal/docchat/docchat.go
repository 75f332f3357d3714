// Package docchat implements the interactive doc-chat surface (component
// I, spec.md §4.I): one turn against the app-server or opencode agent per
// invocation, scoped to a single work doc, producing a reviewable patch
// rather than writing straight to disk.
//
// Grounded file-for-file on original_source/core/doc_chat.py's
// DocChatService: prompt→turn→parse(message,patch)→whitelist→store is kept
// verbatim in shape; asyncio.Lock/asynccontextmanager become a plain
// sync.Mutex with TryLock, since a Go goroutine has no event loop to yield
// to.
package docchat

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lucky401/carrunner/internal/filelock"
	"github.com/lucky401/carrunner/internal/orchestrator"
	"github.com/lucky401/carrunner/internal/promptbuild"
	"github.com/lucky401/carrunner/internal/runnerstate"
	"github.com/lucky401/carrunner/internal/threadreg"
	"github.com/lucky401/carrunner/pkg/agentclient"
	"github.com/lucky401/carrunner/pkg/config"
	"github.com/lucky401/carrunner/pkg/errkind"
	"github.com/lucky401/carrunner/pkg/logx"
	"github.com/lucky401/carrunner/pkg/patch"
)

// PatchFilename is the pending-patch file written under .codex-autorunner.
const PatchFilename = "doc-chat.patch"

// Timeout bounds a single doc-chat turn, per spec.md §4.I.
const Timeout = 180 * time.Second

// Kinds is the closed set of work docs doc-chat can target.
var Kinds = threadreg.DocChatKinds

// Request is one doc-chat invocation.
type Request struct {
	Kind    string
	Message string
	Stream  bool
}

// Result is the outcome of an execute/pending/apply/discard call. Detail
// is populated only when Status is "error".
type Result struct {
	Status       string // "ok" | "error" | "interrupted"
	Kind         string
	Patch        string
	Content      string
	AgentMessage string
	Detail       string
}

// PrevOutputFunc resolves the previous run's trailing output for a given
// run id, normally pkg/runlog.ExtractPrevOutput. It is injected rather
// than imported directly so this package has no dependency on the run
// index before component J exists.
type PrevOutputFunc func(runID int) (string, error)

// Service drives doc-chat turns for one workspace.
type Service struct {
	RepoRoot    string
	Config      *config.RepoConfig
	Orchestrator *orchestrator.Orchestrator
	State       *runnerstate.Store
	PrevOutput  PrevOutputFunc

	patchPath string
	logPath   string
	lockPath  string
	logger    *logx.Logger

	mu               sync.Mutex
	locks            map[string]*sync.Mutex
	lastAgentMessage map[string]string
	summaryCache     string
	summaryCached    bool
}

// New constructs a Service rooted at repoRoot.
func New(repoRoot string, cfg *config.RepoConfig, orch *orchestrator.Orchestrator, state *runnerstate.Store) *Service {
	return &Service{
		RepoRoot:         repoRoot,
		Config:           cfg,
		Orchestrator:     orch,
		State:            state,
		patchPath:        filepath.Join(repoRoot, ".codex-autorunner", PatchFilename),
		logPath:          filepath.Join(repoRoot, ".codex-autorunner", "codex-autorunner.log"),
		lockPath:         filepath.Join(repoRoot, ".codex-autorunner", "lock"),
		logger:           logx.NewLogger("docchat"),
		locks:            make(map[string]*sync.Mutex),
		lastAgentMessage: make(map[string]string),
	}
}

// NormalizeKind validates kind against Kinds.
func NormalizeKind(kind string) (string, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	for _, k := range Kinds {
		if k == kind {
			return kind, nil
		}
	}
	return "", errkind.New(errkind.Validation, "invalid doc kind: "+kind)
}

func (s *Service) lockFor(kind string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[kind]
	if !ok {
		l = &sync.Mutex{}
		s.locks[kind] = l
	}
	return l
}

// DocBusy reports whether a turn is currently running for kind, without
// blocking.
func (s *Service) DocBusy(kind string) bool {
	lock := s.lockFor(kind)
	if !lock.TryLock() {
		return true
	}
	lock.Unlock()
	return false
}

// RepoBlockedReason reports why doc-chat should refuse to run right now —
// the autorunner holds its workspace lock, or its last recorded status is
// "running" — or "" if the workspace is free. Ported from
// DocChatService.repo_blocked_reason.
func (s *Service) RepoBlockedReason() string {
	if info, err := filelock.ReadInfo(s.lockPath); err == nil {
		if info.PID != 0 && filelock.ProcessAlive(info.PID) {
			host := ""
			if info.Host != "" {
				host = " on " + info.Host
			}
			return fmt.Sprintf("Autorunner is running (pid=%d%s); try again later.", info.PID, host)
		}
		return "Autorunner lock present; clear or resume before using doc chat."
	}
	if s.State == nil {
		return ""
	}
	st, err := s.State.Load()
	if err != nil {
		return ""
	}
	if st.Status == runnerstate.StatusRunning {
		return "Autorunner is currently running; try again later."
	}
	return ""
}

func (s *Service) readDoc(kind string) string {
	path, err := s.Config.DocPath(kind)
	if err != nil {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

func (s *Service) docPointer(kind string) string {
	path, err := s.Config.DocPath(kind)
	if err != nil {
		return kind
	}
	if rel, err := filepath.Rel(s.RepoRoot, path); err == nil {
		return rel
	}
	return path
}

func compactMessage(message string, limit int) string {
	compact := strings.Join(strings.Fields(message), " ")
	compact = strings.ReplaceAll(compact, `"`, "'")
	if len(compact) > limit {
		return compact[:limit-3] + "..."
	}
	return compact
}

func (s *Service) recentRunSummary() string {
	if s.summaryCached {
		return s.summaryCache
	}
	s.summaryCached = true
	if s.State == nil || s.PrevOutput == nil {
		return ""
	}
	st, err := s.State.Load()
	if err != nil || st.LastRunID == 0 {
		return ""
	}
	summary, err := s.PrevOutput(st.LastRunID)
	if err != nil {
		return ""
	}
	s.summaryCache = summary
	return summary
}

func (s *Service) log(chatID, message string) {
	if err := os.MkdirAll(filepath.Dir(s.logPath), 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(s.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "[%s] doc-chat id=%s %s\n", time.Now().UTC().Format(time.RFC3339), chatID, message)
}

func chatID() string {
	return uuid.New().String()[:8]
}

var agentPrefix = regexp.MustCompile(`(?i)^agent:\s*`)

// parseAgentMessage extracts the human-facing summary from a turn's
// output: an "Agent:"-prefixed line if present, else the first line.
func parseAgentMessage(text, kind string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Sprintf("Updated %s via doc chat.", strings.ToUpper(kind))
	}
	for _, line := range strings.Split(text, "\n") {
		if agentPrefix.MatchString(line) {
			rest := strings.TrimSpace(agentPrefix.ReplaceAllString(line, ""))
			if rest == "" {
				return fmt.Sprintf("Updated %s via doc chat.", strings.ToUpper(kind))
			}
			return rest
		}
	}
	lines := strings.Split(text, "\n")
	return strings.TrimSpace(lines[0])
}

func (s *Service) cleanupPatch() {
	_ = os.Remove(s.patchPath)
}

func (s *Service) readPatch() (string, error) {
	data, err := os.ReadFile(s.patchPath)
	if err != nil {
		return "", errkind.New(errkind.Fatal, "agent did not produce a patch file")
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", errkind.New(errkind.Fatal, "agent produced an empty patch")
	}
	return string(data), nil
}

// PendingPatch previews the patch awaiting apply/discard for kind, or nil
// if none exists.
func (s *Service) PendingPatch(kind string) (*Result, error) {
	kind, err := NormalizeKind(kind)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(s.patchPath); err != nil {
		return nil, nil
	}
	target, err := s.Config.DocPath(kind)
	if err != nil {
		return nil, err
	}
	expected, err := filepath.Rel(s.RepoRoot, target)
	if err != nil {
		return nil, err
	}

	raw, err := s.readPatch()
	if err != nil {
		return nil, nil
	}
	normalized, targets, err := patch.NormalizePatchText(raw, expected)
	if err != nil {
		return nil, nil
	}
	allowed, err := patch.EnsureTargetsAllowed(targets, []string{expected})
	if err != nil {
		return nil, nil
	}
	preview, err := patch.PreviewPatch(s.RepoRoot, normalized, allowed)
	if err != nil {
		return nil, nil
	}

	content, ok := preview[expected]
	if !ok {
		content = s.readDoc(kind)
	}
	s.mu.Lock()
	msg := s.lastAgentMessage[kind]
	s.mu.Unlock()
	if msg == "" {
		msg = fmt.Sprintf("Pending patch for %s", strings.ToUpper(kind))
	}
	return &Result{Status: "ok", Kind: kind, Patch: normalized, AgentMessage: msg, Content: content}, nil
}

// ApplySavedPatch writes the pending patch for kind to disk, returning the
// doc's new content.
func (s *Service) ApplySavedPatch(kind string) (string, error) {
	kind, err := NormalizeKind(kind)
	if err != nil {
		return "", err
	}
	target, err := s.Config.DocPath(kind)
	if err != nil {
		return "", err
	}
	expected, err := filepath.Rel(s.RepoRoot, target)
	if err != nil {
		return "", err
	}

	raw, err := s.readPatch()
	if err != nil {
		return "", err
	}
	normalized, targets, err := patch.NormalizePatchText(raw, expected)
	if err != nil {
		return "", err
	}
	allowed, err := patch.EnsureTargetsAllowed(targets, []string{expected})
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(s.patchPath, []byte(normalized), 0o644); err != nil {
		return "", errkind.Wrap(errkind.Fatal, "rewrite normalized patch", err)
	}
	if err := patch.ApplyPatchFile(s.RepoRoot, s.patchPath, allowed); err != nil {
		return "", errkind.Wrap(errkind.PatchRejected, "apply patch", err)
	}
	s.cleanupPatch()
	return s.readDoc(kind), nil
}

// DiscardPatch removes the pending patch for kind without applying it.
func (s *Service) DiscardPatch(kind string) (string, error) {
	kind, err := NormalizeKind(kind)
	if err != nil {
		return "", err
	}
	s.cleanupPatch()
	return s.readDoc(kind), nil
}

// Execute runs one doc-chat turn for req, acquiring the per-kind lock for
// the duration. It returns errkind.Busy if a turn is already running for
// this kind.
func (s *Service) Execute(ctx context.Context, req Request) (Result, error) {
	kind, err := NormalizeKind(req.Kind)
	if err != nil {
		return Result{}, err
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return Result{}, errkind.New(errkind.Validation, "message is required")
	}
	req.Kind = kind
	req.Message = message

	lock := s.lockFor(kind)
	if !lock.TryLock() {
		return Result{}, errkind.New(errkind.Busy, fmt.Sprintf("doc chat already running for %s", kind))
	}
	defer lock.Unlock()

	return s.executeLocked(ctx, req)
}

func (s *Service) executeLocked(ctx context.Context, req Request) (Result, error) {
	id := chatID()
	started := time.Now()
	pointer := s.docPointer(req.Kind)
	compact := compactMessage(req.Message, 240)
	s.log(id, fmt.Sprintf("start kind=%s path=%s message=%q", req.Kind, pointer, compact))

	result, err := s.runTurn(ctx, req)
	duration := time.Since(started).Milliseconds()
	if err != nil {
		detail := compactMessage(err.Error(), 240)
		s.log(id, fmt.Sprintf("result=error kind=%s path=%s duration_ms=%d message=%q detail=%q backend=app_server", req.Kind, pointer, duration, compact, detail))
		s.cleanupPatch()
		if errkind.Is(err, errkind.Timeout) {
			return Result{Status: "error", Detail: "Doc chat agent timed out"}, nil
		}
		return Result{Status: "error", Detail: err.Error()}, nil
	}

	s.log(id, fmt.Sprintf("result=success kind=%s path=%s duration_ms=%d message=%q backend=app_server", req.Kind, pointer, duration, compact))
	return result, nil
}

func (s *Service) runTurn(ctx context.Context, req Request) (Result, error) {
	s.cleanupPatch()

	target, err := s.Config.DocPath(req.Kind)
	if err != nil {
		return Result{}, err
	}
	expected, err := filepath.Rel(s.RepoRoot, target)
	if err != nil {
		return Result{}, err
	}

	docs := map[string]promptbuild.DocChatDoc{}
	for _, k := range Kinds {
		docs[k] = promptbuild.DocChatDoc{Content: s.readDoc(k), Source: "disk"}
	}
	prompt, err := promptbuild.BuildDocChatPrompt(s.Config, req.Kind, req.Message, s.recentRunSummary(), docs, promptbuild.DefaultDocChatBudgets())
	if err != nil {
		return Result{}, err
	}

	turnResult, err := s.Orchestrator.RunTurn(ctx, orchestrator.Request{
		WorkspaceRoot:  s.RepoRoot,
		WorkspaceID:    s.RepoRoot,
		FeatureKey:     "doc_chat." + req.Kind,
		Prompt:         prompt,
		ApprovalPolicy: agentclient.ApprovalNever,
		SandboxPolicy:  agentclient.SandboxReadOnly,
		Timeout:        Timeout,
	})
	if err != nil {
		return Result{}, err
	}
	if turnResult.Status == "interrupted" {
		return Result{Status: "interrupted", Kind: req.Kind}, nil
	}
	if turnResult.Status == "timed_out" {
		return Result{}, errkind.New(errkind.Timeout, "doc chat agent timed out")
	}
	if len(turnResult.Errors) > 0 {
		return Result{}, errkind.New(errkind.AgentError, turnResult.Errors[len(turnResult.Errors)-1])
	}

	messageText, rawPatch := splitPatchFromOutput(turnResult.Output)
	if strings.TrimSpace(rawPatch) == "" {
		return Result{}, errkind.New(errkind.AgentError, "app-server output missing a patch")
	}
	if messageText == "" {
		messageText = turnResult.Output
	}
	agentMessage := parseAgentMessage(messageText, req.Kind)

	normalized, targets, err := patch.NormalizePatchText(rawPatch, expected)
	if err != nil {
		return Result{}, err
	}
	allowed, err := patch.EnsureTargetsAllowed(targets, []string{expected})
	if err != nil {
		return Result{}, err
	}
	preview, err := patch.PreviewPatch(s.RepoRoot, normalized, allowed)
	if err != nil {
		return Result{}, err
	}

	if err := os.MkdirAll(filepath.Dir(s.patchPath), 0o755); err != nil {
		return Result{}, errkind.Wrap(errkind.Fatal, "create patch directory", err)
	}
	if err := os.WriteFile(s.patchPath, []byte(normalized), 0o644); err != nil {
		return Result{}, errkind.Wrap(errkind.Fatal, "write pending patch", err)
	}

	s.mu.Lock()
	s.lastAgentMessage[req.Kind] = agentMessage
	s.mu.Unlock()

	return Result{
		Status:       "ok",
		Kind:         req.Kind,
		Patch:        normalized,
		Content:      preview[expected],
		AgentMessage: agentMessage,
	}, nil
}

var fencedBlock = regexp.MustCompile("(?is)^```[a-z]*\\s*\\n(.*)\\n```$")

func stripCodeFences(text string) string {
	text = strings.TrimSpace(text)
	if m := fencedBlock.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return text
}

var taggedPatch = regexp.MustCompile(`(?is)<PATCH>(.*?)</PATCH>`)

// splitPatchFromOutput separates a turn's agent-message text from its
// trailing patch body. Ported from DocChatService._split_patch_from_output.
func splitPatchFromOutput(output string) (message, patchText string) {
	if output == "" {
		return "", ""
	}
	if loc := taggedPatch.FindStringSubmatchIndex(output); loc != nil {
		patchText = stripCodeFences(output[loc[2]:loc[3]])
		before := strings.TrimSpace(output[:loc[0]])
		after := strings.TrimSpace(output[loc[1]:])
		var parts []string
		if before != "" {
			parts = append(parts, before)
		}
		if after != "" {
			parts = append(parts, after)
		}
		return strings.Join(parts, "\n"), patchText
	}

	lines := strings.Split(output, "\n")
	startIdx := -1
	for i, line := range lines {
		if strings.HasPrefix(line, "--- ") || strings.HasPrefix(line, "*** Begin Patch") {
			startIdx = i
			break
		}
	}
	if startIdx < 0 {
		return strings.TrimSpace(output), ""
	}
	message = strings.TrimSpace(strings.Join(lines[:startIdx], "\n"))
	patchText = stripCodeFences(strings.TrimSpace(strings.Join(lines[startIdx:], "\n")))
	return message, patchText
}
