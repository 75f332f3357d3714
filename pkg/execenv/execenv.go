// Package execenv builds the subprocess environment for a spawned agent
// process: PATH augmentation and, for the app-server variant, a
// per-workspace CODEX_HOME with a symlinked credential file. Grounded on
// the teacher's pkg/exec local executor's PATH-building half (the rest of
// that package's Docker/sandbox machinery is out of scope for this
// module's subprocess-only agent clients; see DESIGN.md).
package execenv

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/lucky401/carrunner/pkg/errkind"
)

// BuildOptions configures environment construction for one agent process.
type BuildOptions struct {
	WorkspaceRoot string
	BinaryPath    string   // resolved path to the agent binary, may be empty
	ExtraPath     []string // additional PATH prefixes, workspace-specific tooling
	CodexHomeDir  string   // per-workspace scratch dir to seed as CODEX_HOME, empty to skip
	UserAuthPath  string   // source auth.json to symlink from, empty to skip
}

// Build returns the environment slice (os.Environ()-shaped "K=V" strings)
// for the child process, starting from the current process environment.
func Build(opts BuildOptions) ([]string, error) {
	env := os.Environ()

	prefixes := make([]string, 0, len(opts.ExtraPath)+2)
	prefixes = append(prefixes, opts.ExtraPath...)
	if opts.BinaryPath != "" {
		prefixes = append(prefixes, filepath.Dir(opts.BinaryPath))
	}
	prefixes = append(prefixes, platformDefaultPaths()...)

	env = setPath(env, prefixes)

	if opts.CodexHomeDir != "" {
		if err := seedCodexHome(opts.CodexHomeDir, opts.UserAuthPath); err != nil {
			return nil, err
		}
		env = setVar(env, "CODEX_HOME", opts.CodexHomeDir)
	}

	return env, nil
}

func setPath(env []string, prefixes []string) []string {
	existing := ""
	idx := -1
	for i, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			existing = strings.TrimPrefix(kv, "PATH=")
			idx = i
			break
		}
	}

	newPath := strings.Join(prefixes, string(os.PathListSeparator))
	if existing != "" {
		newPath = newPath + string(os.PathListSeparator) + existing
	}

	kv := "PATH=" + newPath
	if idx >= 0 {
		env[idx] = kv
		return env
	}
	return append(env, kv)
}

func setVar(env []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}

func platformDefaultPaths() []string {
	if runtime.GOOS == "windows" {
		return nil
	}
	return []string{"/usr/local/bin", "/usr/bin", "/bin"}
}

// seedCodexHome creates dir if needed and, if userAuthPath is non-empty and
// exists, symlinks dir/auth.json to it unless a credential is already
// present — the symlink must never overwrite an existing one
// (spec.md §4.E).
func seedCodexHome(dir, userAuthPath string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errkind.Wrap(errkind.Fatal, "create CODEX_HOME", err)
	}
	if userAuthPath == "" {
		return nil
	}
	if _, err := os.Stat(userAuthPath); err != nil {
		return nil
	}

	target := filepath.Join(dir, "auth.json")
	if _, err := os.Lstat(target); err == nil {
		return nil // already seeded, never overwrite
	}

	if err := os.Symlink(userAuthPath, target); err != nil {
		return errkind.Wrap(errkind.Fatal, fmt.Sprintf("symlink %s -> %s", target, userAuthPath), err)
	}
	return nil
}
