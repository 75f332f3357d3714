// Package specingest implements the one-shot SPEC-to-work-docs ingestion
// surface (component I, spec.md §4.I): a single turn that reads SPEC.md
// and rewrites TODO/PROGRESS/OPINIONS to match it, producing a reviewable
// patch exactly like doc-chat does.
//
// Grounded file-for-file on original_source/spec_ingest.py's
// SpecIngestService. The original's belt-and-suspenders
// threading.Lock+asyncio.Lock+FileLock triple collapses to a sync.Mutex
// (in-process exclusivity) plus internal/filelock (cross-process
// exclusivity) — Go has no event loop, so there is no asyncio.Lock layer
// to reproduce.
package specingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/lucky401/carrunner/internal/filelock"
	"github.com/lucky401/carrunner/internal/orchestrator"
	"github.com/lucky401/carrunner/internal/promptbuild"
	"github.com/lucky401/carrunner/pkg/agentclient"
	"github.com/lucky401/carrunner/pkg/config"
	"github.com/lucky401/carrunner/pkg/errkind"
	"github.com/lucky401/carrunner/pkg/logx"
	"github.com/lucky401/carrunner/pkg/patch"
)

// PatchFilename is the pending-patch file written under .codex-autorunner.
const PatchFilename = "spec-ingest.patch"

// Timeout bounds a single spec-ingest turn.
const Timeout = 240 * time.Second

// workDocKinds are the docs spec-ingest is allowed to rewrite; SPEC/SUMMARY
// are inputs, never targets.
var workDocKinds = []string{"todo", "progress", "opinions"}

var taggedPatchRe = regexp.MustCompile(`(?is)<PATCH>(.*?)</PATCH>`)

// Result mirrors spec_ingest.py's _assemble_response payload.
type Result struct {
	Status       string
	Docs         map[string]string // todo, progress, opinions, spec, summary
	Patch        string
	AgentMessage string
}

// Service drives spec-ingest turns for one workspace. Only one ingest may
// run at a time, enforced in-process by busyMu and cross-process by the
// .codex-autorunner/locks/spec_ingest.lock file.
type Service struct {
	RepoRoot     string
	Config       *config.RepoConfig
	Orchestrator *orchestrator.Orchestrator

	patchPath string
	lockPath  string
	logger    *logx.Logger

	busyMu             sync.Mutex
	mu                 sync.Mutex
	lastAgentMessage   string
	pendingInterrupt   bool
}

// New constructs a Service rooted at repoRoot.
func New(repoRoot string, cfg *config.RepoConfig, orch *orchestrator.Orchestrator) *Service {
	return &Service{
		RepoRoot:     repoRoot,
		Config:       cfg,
		Orchestrator: orch,
		patchPath:    filepath.Join(repoRoot, ".codex-autorunner", PatchFilename),
		lockPath:     filepath.Join(repoRoot, ".codex-autorunner", "locks", "spec_ingest.lock"),
		logger:       logx.NewLogger("specingest"),
	}
}

// EnsureCanOverwrite refuses to proceed when TODO/PROGRESS/OPINIONS already
// carry content, unless force is set. Ported from spec_ingest.py's
// ensure_can_overwrite.
func (s *Service) EnsureCanOverwrite(force bool) error {
	if force {
		return nil
	}
	for _, kind := range workDocKinds {
		if strings.TrimSpace(s.readDoc(kind)) != "" {
			return errkind.New(errkind.Validation, "TODO/PROGRESS/OPINIONS already contain content; rerun with force to overwrite")
		}
	}
	return nil
}

// ClearWorkDocs seeds TODO/PROGRESS/OPINIONS with their header-only
// defaults, returning the doc actually written. Ported from
// spec_ingest.py's clear_work_docs.
func (s *Service) ClearWorkDocs() (map[string]string, error) {
	defaults := map[string]string{
		"todo":     "# TODO\n\n",
		"progress": "# Progress\n\n",
		"opinions": "# Opinions\n\n",
	}
	for kind, content := range defaults {
		path, err := s.Config.DocPath(kind)
		if err != nil {
			return nil, err
		}
		if err := filelock.AtomicWrite(path, []byte(content), 0o644); err != nil {
			return nil, err
		}
	}
	out := make(map[string]string, len(defaults))
	for kind := range defaults {
		out[kind] = s.readDoc(kind)
	}
	return out, nil
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

func (s *Service) allowedTargets() (map[string]string, error) {
	rel := make(map[string]string, len(workDocKinds))
	for _, kind := range workDocKinds {
		abs, err := s.Config.DocPath(kind)
		if err != nil {
			return nil, err
		}
		r, err := filepath.Rel(s.RepoRoot, abs)
		if err != nil {
			return nil, err
		}
		rel[kind] = r
	}
	return rel, nil
}

func (s *Service) assembleResponse(docs map[string]string, patchText, agentMessage, status string) Result {
	get := func(kind string) string {
		if v, ok := docs[kind]; ok {
			return v
		}
		return s.readDoc(kind)
	}
	return Result{
		Status: status,
		Docs: map[string]string{
			"todo":     get("todo"),
			"progress": get("progress"),
			"opinions": get("opinions"),
			"spec":     s.readDoc("spec"),
			"summary":  s.readDoc("summary"),
		},
		Patch:        patchText,
		AgentMessage: agentMessage,
	}
}

// whichever lock "ingestLock" acquisition path this goes through, release
// always happens via the returned func, even on error.
func (s *Service) acquire() (func(), error) {
	if !s.busyMu.TryLock() {
		return nil, errkind.New(errkind.Busy, "spec ingest is already running")
	}
	fileLock := filelock.New(s.lockPath)
	if err := fileLock.Acquire(false); err != nil {
		s.busyMu.Unlock()
		if errkind.Is(err, errkind.Busy) {
			return nil, errkind.New(errkind.Busy, "spec ingest is already running")
		}
		return nil, err
	}
	return func() {
		_ = fileLock.Release()
		s.busyMu.Unlock()
		s.mu.Lock()
		s.pendingInterrupt = false
		s.mu.Unlock()
	}, nil
}

// Busy reports whether an ingest is currently in progress, without
// blocking.
func (s *Service) Busy() bool {
	if !s.busyMu.TryLock() {
		return true
	}
	s.busyMu.Unlock()
	fileLock := filelock.New(s.lockPath)
	if err := fileLock.Acquire(false); err != nil {
		return true
	}
	_ = fileLock.Release()
	return false
}

// Interrupt cancels an in-flight ingest turn, or — if none is running —
// arms a pending-interrupt flag so the next Execute call aborts
// immediately. Ported from SpecIngestService.interrupt.
func (s *Service) Interrupt() Result {
	if s.Busy() {
		s.Orchestrator.RequestStop(s.RepoRoot)
	} else {
		s.mu.Lock()
		s.pendingInterrupt = true
		s.mu.Unlock()
	}
	return s.assembleResponse(nil, "", "Spec ingest interrupted", "interrupted")
}

func (s *Service) specContent(override string) (string, error) {
	target := override
	if target == "" {
		abs, err := s.Config.DocPath("spec")
		if err != nil {
			return "", err
		}
		target = abs
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return "", errkind.New(errkind.Validation, fmt.Sprintf("SPEC not found at %s", target))
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", errkind.New(errkind.Validation, fmt.Sprintf("SPEC at %s is empty", target))
	}
	return string(data), nil
}

// PendingPatch previews the patch awaiting apply/discard, or nil if none
// exists.
func (s *Service) PendingPatch() (*Result, error) {
	release, err := s.acquirePatchLock()
	if err != nil {
		return nil, err
	}
	defer release()

	if _, err := os.Stat(s.patchPath); err != nil {
		return nil, nil
	}
	targets, err := s.allowedTargets()
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(s.patchPath)
	if err != nil {
		return nil, nil
	}
	normalized, rawTargets, err := patch.NormalizePatchText(string(raw), "")
	if err != nil {
		return nil, nil
	}
	whitelist := make([]string, 0, len(targets))
	for _, v := range targets {
		whitelist = append(whitelist, v)
	}
	if _, err := patch.EnsureTargetsAllowed(rawTargets, whitelist); err != nil {
		return nil, nil
	}
	preview, err := patch.PreviewPatch(s.RepoRoot, normalized, rawTargets)
	if err != nil {
		return nil, nil
	}
	docs := map[string]string{}
	for kind, rel := range targets {
		if v, ok := preview[rel]; ok {
			docs[kind] = v
		}
	}
	s.mu.Lock()
	msg := s.lastAgentMessage
	s.mu.Unlock()
	res := s.assembleResponse(docs, normalized, msg, "ok")
	return &res, nil
}

// ApplyPatch writes the pending patch to disk.
func (s *Service) ApplyPatch() (Result, error) {
	release, err := s.acquirePatchLock()
	if err != nil {
		return Result{}, err
	}
	defer release()

	if _, err := os.Stat(s.patchPath); err != nil {
		return Result{}, errkind.New(errkind.Validation, "no pending spec ingest patch")
	}
	targets, err := s.allowedTargets()
	if err != nil {
		return Result{}, err
	}
	raw, err := os.ReadFile(s.patchPath)
	if err != nil {
		return Result{}, errkind.Wrap(errkind.Fatal, "read pending patch", err)
	}
	normalized, rawTargets, err := patch.NormalizePatchText(string(raw), "")
	if err != nil {
		return Result{}, err
	}
	whitelist := make([]string, 0, len(targets))
	for _, v := range targets {
		whitelist = append(whitelist, v)
	}
	allowed, err := patch.EnsureTargetsAllowed(rawTargets, whitelist)
	if err != nil {
		return Result{}, err
	}
	if err := os.WriteFile(s.patchPath, []byte(normalized), 0o644); err != nil {
		return Result{}, errkind.Wrap(errkind.Fatal, "rewrite normalized patch", err)
	}
	if err := patch.ApplyPatchFile(s.RepoRoot, s.patchPath, allowed); err != nil {
		return Result{}, errkind.Wrap(errkind.PatchRejected, "apply patch", err)
	}
	_ = os.Remove(s.patchPath)

	docs := map[string]string{}
	for _, kind := range workDocKinds {
		docs[kind] = s.readDoc(kind)
	}
	return s.assembleResponse(docs, "", "", "ok"), nil
}

// DiscardPatch removes the pending patch without applying it.
func (s *Service) DiscardPatch() (Result, error) {
	release, err := s.acquirePatchLock()
	if err != nil {
		return Result{}, err
	}
	defer release()

	_ = os.Remove(s.patchPath)
	docs := map[string]string{}
	for _, kind := range workDocKinds {
		docs[kind] = s.readDoc(kind)
	}
	return s.assembleResponse(docs, "", "", "ok"), nil
}

// acquirePatchLock guards the read/write/apply/discard patch operations
// with the same exclusivity Execute uses, so a patch can't be applied
// concurrently with a fresh ingest turn overwriting it.
func (s *Service) acquirePatchLock() (func(), error) {
	if !s.busyMu.TryLock() {
		return nil, errkind.New(errkind.Busy, "spec ingest is already running")
	}
	fileLock := filelock.New(s.lockPath)
	if err := fileLock.Acquire(false); err != nil {
		s.busyMu.Unlock()
		return nil, errkind.New(errkind.Busy, "spec ingest is already running")
	}
	return func() {
		_ = fileLock.Release()
		s.busyMu.Unlock()
	}, nil
}

// Execute runs one spec-ingest turn: reads SPEC, asks the agent to rewrite
// TODO/PROGRESS/OPINIONS, and stores the resulting patch for review.
func (s *Service) Execute(ctx context.Context, force bool, specOverride, message string) (Result, error) {
	release, err := s.acquire()
	if err != nil {
		return Result{}, err
	}
	defer release()

	s.mu.Lock()
	interrupted := s.pendingInterrupt
	s.mu.Unlock()
	if interrupted {
		return s.assembleResponse(nil, "", "Spec ingest interrupted", "interrupted"), nil
	}

	if !force {
		if err := s.EnsureCanOverwrite(false); err != nil {
			return Result{}, err
		}
	}

	specText, err := s.specContent(specOverride)
	if err != nil {
		return Result{}, err
	}

	if message == "" {
		message = "Ingest SPEC into TODO/PROGRESS/OPINIONS."
	}
	prompt, err := promptbuild.BuildSpecIngestPrompt(s.Config, message, specText, promptbuild.DefaultSpecIngestBudgets())
	if err != nil {
		return Result{}, err
	}

	turnResult, err := s.Orchestrator.RunTurn(ctx, orchestrator.Request{
		WorkspaceRoot:  s.RepoRoot,
		WorkspaceID:    s.RepoRoot,
		FeatureKey:     "spec_ingest",
		Prompt:         prompt,
		ApprovalPolicy: agentclient.ApprovalNever,
		SandboxPolicy:  agentclient.SandboxReadOnly,
		Timeout:        Timeout,
	})
	if err != nil {
		return Result{}, err
	}
	if turnResult.Status == "interrupted" {
		return s.assembleResponse(nil, "", "Spec ingest interrupted", "interrupted"), nil
	}
	if turnResult.Status == "timed_out" {
		return Result{}, errkind.New(errkind.Timeout, "spec ingest agent timed out")
	}
	if len(turnResult.Errors) > 0 {
		return Result{}, errkind.New(errkind.AgentError, turnResult.Errors[len(turnResult.Errors)-1])
	}

	messageText, rawPatch := splitPatch(turnResult.Output)
	if strings.TrimSpace(rawPatch) == "" {
		return Result{}, errkind.New(errkind.AgentError, "app-server output missing a patch")
	}
	if messageText == "" {
		messageText = turnResult.Output
	}
	agentMessage := parseAgentMessage(messageText)

	targets, err := s.allowedTargets()
	if err != nil {
		return Result{}, err
	}
	whitelist := make([]string, 0, len(targets))
	for _, v := range targets {
		whitelist = append(whitelist, v)
	}
	normalized, rawTargets, err := patch.NormalizePatchText(rawPatch, "")
	if err != nil {
		return Result{}, err
	}
	allowed, err := patch.EnsureTargetsAllowed(rawTargets, whitelist)
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
	s.lastAgentMessage = agentMessage
	s.mu.Unlock()

	docs := map[string]string{}
	for kind, rel := range targets {
		if v, ok := preview[rel]; ok {
			docs[kind] = v
		}
	}
	return s.assembleResponse(docs, normalized, agentMessage, "ok"), nil
}

func parseAgentMessage(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return "Updated docs via spec ingest."
	}
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.ToLower(line), "agent:") {
			rest := strings.TrimSpace(line[len("agent:"):])
			if rest == "" {
				return "Updated docs via spec ingest."
			}
			return rest
		}
	}
	return strings.TrimSpace(strings.Split(text, "\n")[0])
}

func stripCodeFences(text string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) >= 2 && strings.HasPrefix(lines[0], "```") && strings.HasPrefix(lines[len(lines)-1], "```") {
		return strings.TrimSpace(strings.Join(lines[1:len(lines)-1], "\n"))
	}
	return strings.TrimSpace(text)
}

// splitPatch separates a turn's message text from its trailing patch body.
// Ported from SpecIngestPatchParser.split_patch.
func splitPatch(output string) (message, patchText string) {
	if output == "" {
		return "", ""
	}
	if loc := taggedPatchRe.FindStringSubmatchIndex(output); loc != nil {
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
