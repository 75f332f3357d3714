// Package git wraps the handful of git subprocess operations the core
// needs: autorunner's auto-commit-on-success step and flowctl's PR-flow
// branch/worktree steps. It shells out to the git binary rather than using
// a Go git library, matching the original's run_git subprocess wrapper.
//
// Grounded on original_source/core/engine.py's maybe_git_commit (the
// add-then-commit sequence, non-fatal on failure, logged not raised) and
// its run_git helper's shape (timeout-bounded, returns rather than panics
// on a non-zero exit).
package git

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/lucky401/carrunner/pkg/errkind"
	"github.com/lucky401/carrunner/pkg/logx"
)

// Result captures a completed git invocation's outcome.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

func (r Result) Detail() string {
	if d := strings.TrimSpace(r.Stderr); d != "" {
		return d
	}
	if d := strings.TrimSpace(r.Stdout); d != "" {
		return d
	}
	return fmt.Sprintf("exit %d", r.ExitCode)
}

// Run executes `git <args...>` in repoRoot, bounded by timeout (0 means no
// timeout). It returns an errkind.Fatal error only when the git binary
// itself could not be started — a non-zero exit is reported via Result,
// not an error, matching run_git's check=false convention.
func Run(ctx context.Context, repoRoot string, args []string, timeout time.Duration) (Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = repoRoot

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	if exitErr, ok := err.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	if err != nil {
		return Result{}, errkind.Wrap(errkind.Fatal, "start git "+strings.Join(args, " "), err)
	}
	return result, nil
}

// Committer performs auto-commit-on-success for a workspace, per
// spec.md §4.K's Non-goal-adjacent "git_auto_commit" config option.
type Committer struct {
	repoRoot string
	logger   *logx.Logger
}

func NewCommitter(repoRoot string) *Committer {
	return &Committer{repoRoot: repoRoot, logger: logx.NewLogger("git")}
}

// MaybeCommit stages paths (skipping any that don't exist) and commits
// with messageTemplate, substituting "{run_id}" and "#{run_id}" with
// runID. Failures are logged and swallowed — a failed auto-commit must
// never fail the run itself, matching the original's behavior.
func (c *Committer) MaybeCommit(ctx context.Context, runID string, paths []string, messageTemplate string) {
	existing := make([]string, 0, len(paths))
	for _, p := range paths {
		rel, err := filepath.Rel(c.repoRoot, p)
		if err != nil {
			continue
		}
		if fileExists(p) {
			existing = append(existing, rel)
		}
	}
	if len(existing) == 0 {
		return
	}

	addResult, err := Run(ctx, c.repoRoot, append([]string{"add"}, existing...), 0)
	if err != nil {
		c.logger.Warn("git add failed: %v", err)
		return
	}
	if addResult.ExitCode != 0 {
		c.logger.Warn("git add failed: %s", addResult.Detail())
		return
	}

	msg := strings.NewReplacer("{run_id}", runID, "#{run_id}", runID).Replace(messageTemplate)
	commitResult, err := Run(ctx, c.repoRoot, []string{"commit", "-m", msg}, 120*time.Second)
	if err != nil {
		c.logger.Warn("git commit failed: %v", err)
		return
	}
	if commitResult.ExitCode != 0 {
		c.logger.Warn("git commit failed: %s", commitResult.Detail())
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
