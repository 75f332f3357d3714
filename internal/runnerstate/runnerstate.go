// Package runnerstate implements the durable per-workspace scalar state
// registry (component B): last run id, status, policy overrides, and the
// session/repo-to-session side registries, all guarded by a single
// internal/filelock.StateLock per spec.md §4.B.
package runnerstate

import (
	"encoding/json"
	"os"
	"strings"
	"sync"

	"github.com/lucky401/carrunner/internal/filelock"
	"github.com/lucky401/carrunner/pkg/errkind"
)

// Status is the closed set of runner lifecycle states.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusError   Status = "error"
)

// State is the durable per-workspace record described in spec.md §3.
type State struct {
	LastRunID                      int               `json:"last_run_id"`
	Status                         Status            `json:"status"`
	LastExitCode                   int               `json:"last_exit_code"`
	LastRunStartedAt               string            `json:"last_run_started_at,omitempty"`
	LastRunFinishedAt              string            `json:"last_run_finished_at,omitempty"`
	AutorunnerAgentOverride        string            `json:"autorunner_agent_override,omitempty"`
	AutorunnerModelOverride        string            `json:"autorunner_model_override,omitempty"`
	AutorunnerEffortOverride       string            `json:"autorunner_effort_override,omitempty"`
	AutorunnerApprovalPolicy       string            `json:"autorunner_approval_policy,omitempty"`
	AutorunnerSandboxMode          string            `json:"autorunner_sandbox_mode,omitempty"`
	AutorunnerWorkspaceWriteNetwork bool             `json:"autorunner_workspace_write_network"`
	RunnerPID                      int               `json:"runner_pid,omitempty"`
	Sessions                       map[string]string `json:"sessions"`
	RepoToSession                  map[string]string `json:"repo_to_session"`
}

func defaultState() State {
	return State{
		Status:         StatusIdle,
		Sessions:       map[string]string{},
		RepoToSession:  map[string]string{},
	}
}

// Store reads and writes State at a single on-disk path, serialized through
// a filelock.StateLock bound to the same path.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore returns a Store for the state file at path (e.g.
// ".codex-autorunner/state.json").
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the current state. A missing file yields the default state
// (status idle, last_run_id 0, empty maps) rather than an error.
func (s *Store) Load() (State, error) {
	var result State
	err := filelock.WithLock(s.lockPath(), true, func() error {
		st, err := s.loadUnlocked()
		result = st
		return err
	})
	return result, err
}

// Save persists state atomically under the lock.
func (s *Store) Save(state State) error {
	return filelock.WithLock(s.lockPath(), true, func() error {
		return s.saveUnlocked(state)
	})
}

// Mutate loads the current state, applies fn, and atomically saves the
// result, all under a single lock acquisition so the read-modify-write is
// race-free across processes.
func (s *Store) Mutate(fn func(State) State) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result State
	err := filelock.WithLock(s.lockPath(), true, func() error {
		current, err := s.loadUnlocked()
		if err != nil {
			return err
		}
		next := fn(current)
		normalizeKeys(&next)
		if err := s.saveUnlocked(next); err != nil {
			return err
		}
		result = next
		return nil
	})
	return result, err
}

func (s *Store) lockPath() string {
	return s.path + ".lock"
}

func (s *Store) loadUnlocked() (State, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return defaultState(), nil
	}
	if err != nil {
		return State{}, errkind.Wrap(errkind.Fatal, "read state file", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, errkind.Wrap(errkind.Validation, "parse state file", err)
	}
	if st.Sessions == nil {
		st.Sessions = map[string]string{}
	}
	if st.RepoToSession == nil {
		st.RepoToSession = map[string]string{}
	}
	normalizeKeys(&st)
	return st, nil
}

func (s *Store) saveUnlocked(state State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return errkind.Wrap(errkind.Fatal, "marshal state", err)
	}
	return filelock.AtomicWrite(s.path, data, 0o644)
}

// RepoSessionKey builds the repo_to_session key for a given repo and agent
// name: bare "repo" for the default agent, "repo:agent" otherwise.
func RepoSessionKey(repo, agent string) string {
	if agent == "" || agent == "default" {
		return repo
	}
	return repo + ":" + agent
}

// normalizeKeys rewrites any legacy repo_to_session key form into the
// canonical RepoSessionKey shape. Legacy keys observed in the wild used a
// "/" separator instead of ":".
func normalizeKeys(st *State) {
	if len(st.RepoToSession) == 0 {
		return
	}
	normalized := make(map[string]string, len(st.RepoToSession))
	for k, v := range st.RepoToSession {
		if idx := strings.LastIndex(k, "/"); idx >= 0 && !strings.Contains(k, ":") {
			k = k[:idx] + ":" + k[idx+1:]
		}
		normalized[k] = v
	}
	st.RepoToSession = normalized
}
