package flowctl

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lucky401/carrunner/pkg/git"
	"github.com/lucky401/carrunner/pkg/utils"
)

// PRFlowType names the reference flow definition ported from
// original_source/flows/pr_flow/definition.go, exercising pkg/flowctl and
// pkg/git end to end. It takes its repo root from input["repo_root"]
// rather than walking cwd upward the way find_repo_root() does, since a
// flow step here is explicitly handed its dependencies rather than
// inferring them from the process's working directory.
const PRFlowType = "pr_flow"

// NewPRFlow builds the ported PR flow: preflight -> resolve_target ->
// prepare_workspace -> link_issue_or_pr -> generate_spec ->
// implement_cycle (self-loops until cycle_count reaches 3; the count is
// cumulative, so each visit after apply_feedback runs one cycle) -> sync_pr ->
// wait_for_feedback (loops to apply_feedback up to 2 rounds, then
// finalize) -> apply_feedback -> implement_cycle.
func NewPRFlow() FlowDefinition {
	return FlowDefinition{
		Type:  PRFlowType,
		Start: "preflight",
		Steps: map[string]StepFunc{
			"preflight":         prflowPreflight,
			"resolve_target":    prflowResolveTarget,
			"prepare_workspace": prflowPrepareWorkspace,
			"link_issue_or_pr":  prflowLinkIssueOrPR,
			"generate_spec":     prflowGenerateSpec,
			"implement_cycle":   prflowImplementCycle,
			"sync_pr":           prflowSyncPR,
			"wait_for_feedback": prflowWaitForFeedback,
			"apply_feedback":    prflowApplyFeedback,
			"finalize":          prflowFinalize,
		},
	}
}

func repoRoot(input map[string]any) string {
	return utils.GetMapFieldOr(input, "repo_root", ".")
}

// stateInt reads a Record.State int, tolerating the float64 shape a value
// takes on after a round trip through the SQLite JSON column.
func stateInt(state map[string]any, key string) int {
	if v, ok := utils.GetMapField[float64](state, key); ok == nil {
		return int(v)
	}
	return utils.GetMapFieldOr(state, key, 0)
}

func stateString(state map[string]any, key string) string {
	return utils.GetMapFieldOr(state, key, "")
}

func prflowPreflight(ctx context.Context, rec *Record, input map[string]any) (StepOutcome, error) {
	root := repoRoot(input)
	result, err := git.Run(ctx, root, []string{"status", "--porcelain"}, 10*time.Second)
	if err != nil {
		return StepOutcome{}, err
	}
	if result.ExitCode == 0 && result.Stdout != "" {
		return Fail("working directory not clean (uncommitted changes)"), nil
	}
	return ContinueTo([]string{"resolve_target"}, map[string]any{"preflight_complete": true}), nil
}

func prflowResolveTarget(ctx context.Context, rec *Record, input map[string]any) (StepOutcome, error) {
	targetType, _ := input["input_type"].(string)
	switch targetType {
	case "issue":
		issueURL, _ := input["issue_url"].(string)
		if issueURL == "" {
			return Fail("invalid issue URL: " + issueURL), nil
		}
		return ContinueTo([]string{"prepare_workspace"}, map[string]any{
			"target_type": targetType,
			"target_url":  issueURL,
		}), nil
	case "pr":
		prURL, _ := input["pr_url"].(string)
		if prURL == "" {
			return Fail("invalid PR URL: " + prURL), nil
		}
		return ContinueTo([]string{"prepare_workspace"}, map[string]any{
			"target_type": targetType,
			"target_url":  prURL,
		}), nil
	default:
		return Fail("invalid target configuration"), nil
	}
}

func prflowPrepareWorkspace(ctx context.Context, rec *Record, input map[string]any) (StepOutcome, error) {
	root := repoRoot(input)
	worktreeRoot := filepath.Join(root, ".codex-autorunner", "worktrees")
	worktreePath := filepath.Join(worktreeRoot, utils.SanitizeIdentifier(rec.ID))

	if err := os.MkdirAll(worktreeRoot, 0o755); err != nil {
		return Fail(fmt.Sprintf("failed to prepare workspace: %v", err)), nil
	}

	branchResult, err := git.Run(ctx, root, []string{"rev-parse", "--abbrev-ref", "HEAD"}, 10*time.Second)
	if err != nil {
		return StepOutcome{}, err
	}
	branch := trimNewline(branchResult.Stdout)
	if branchResult.ExitCode != 0 || branch == "" {
		return Fail("failed to get current branch"), nil
	}

	if _, statErr := os.Stat(worktreePath); statErr == nil {
		// Worktree already exists; reuse it.
	} else {
		addResult, err := git.Run(ctx, root, []string{"worktree", "add", worktreePath, "HEAD"}, 60*time.Second)
		if err != nil {
			return StepOutcome{}, err
		}
		if addResult.ExitCode != 0 {
			return Fail("failed to prepare workspace: " + addResult.Detail()), nil
		}
	}

	return ContinueTo([]string{"link_issue_or_pr"}, map[string]any{
		"branch":         branch,
		"workspace_path": worktreePath,
	}), nil
}

func prflowLinkIssueOrPR(ctx context.Context, rec *Record, input map[string]any) (StepOutcome, error) {
	root := repoRoot(input)
	worktreePath := filepath.Join(root, ".codex-autorunner", "worktrees", utils.SanitizeIdentifier(rec.ID))
	targetType := stateString(rec.State, "target_type")

	switch targetType {
	case "issue":
		branchName := "pr-flow/" + rec.ID
		result, err := git.Run(ctx, worktreePath, []string{"checkout", "-b", branchName}, 10*time.Second)
		if err != nil {
			return StepOutcome{}, err
		}
		if result.ExitCode != 0 {
			return Fail("failed to create/checkout branch: " + result.Detail()), nil
		}
		return ContinueTo([]string{"generate_spec"}, map[string]any{"branch": branchName}), nil

	case "pr":
		prNumber := stateString(rec.State, "pr_number")
		fetchRef := "pull/" + prNumber + "/head"
		localBranch := "pr-" + prNumber
		fetchResult, err := git.Run(ctx, worktreePath, []string{"fetch", "origin", fetchRef + ":" + localBranch}, 60*time.Second)
		if err != nil {
			return StepOutcome{}, err
		}
		if fetchResult.ExitCode != 0 {
			return Fail("failed to create/checkout branch: " + fetchResult.Detail()), nil
		}
		checkoutResult, err := git.Run(ctx, worktreePath, []string{"checkout", localBranch}, 10*time.Second)
		if err != nil {
			return StepOutcome{}, err
		}
		if checkoutResult.ExitCode != 0 {
			return Fail("failed to create/checkout branch: " + checkoutResult.Detail()), nil
		}
		return ContinueTo([]string{"generate_spec"}, map[string]any{"branch": localBranch}), nil

	default:
		return Fail("no target type in state"), nil
	}
}

func prflowGenerateSpec(ctx context.Context, rec *Record, input map[string]any) (StepOutcome, error) {
	return ContinueTo([]string{"implement_cycle"}, map[string]any{"spec_generated": true}), nil
}

func prflowImplementCycle(ctx context.Context, rec *Record, input map[string]any) (StepOutcome, error) {
	cycleCount := stateInt(rec.State, "cycle_count") + 1
	if cycleCount >= 3 {
		return ContinueTo([]string{"sync_pr"}, map[string]any{"cycle_count": cycleCount}), nil
	}
	return ContinueTo([]string{"implement_cycle"}, map[string]any{"cycle_count": cycleCount}), nil
}

func prflowSyncPR(ctx context.Context, rec *Record, input map[string]any) (StepOutcome, error) {
	return ContinueTo([]string{"wait_for_feedback"}, map[string]any{"synced": true}), nil
}

func prflowWaitForFeedback(ctx context.Context, rec *Record, input map[string]any) (StepOutcome, error) {
	feedbackCount := stateInt(rec.State, "feedback_count")
	if feedbackCount < 2 {
		return ContinueTo([]string{"apply_feedback"}, map[string]any{"feedback_count": feedbackCount + 1}), nil
	}
	return ContinueTo([]string{"finalize"}, map[string]any{"feedback_count": feedbackCount}), nil
}

func prflowApplyFeedback(ctx context.Context, rec *Record, input map[string]any) (StepOutcome, error) {
	return ContinueTo([]string{"implement_cycle"}, map[string]any{"feedback_applied": true}), nil
}

func prflowFinalize(ctx context.Context, rec *Record, input map[string]any) (StepOutcome, error) {
	return Complete(map[string]any{
		"finalized":    true,
		"final_report": "PR flow completed (placeholder implementation; no PR actions executed).",
	}), nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
