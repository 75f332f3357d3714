// Package runlog implements the per-workspace run index and log layout
// (component J): a shared size-bounded rotating log plus per-run files, and
// the JSON run index that records offsets and per-run metadata.
//
// Grounded on the teacher's pkg/eventlog/writer.go (file-handle/mutex
// skeleton; JSON-record-per-line idiom) with the rotation predicate swapped
// from daily to size-bounded-with-backups per spec.md's explicit
// requirement, using gopkg.in/natefinch/lumberjack.v2 (pulled in, directly
// or transitively, by several pack repos — kdlbs-kandev, haasonsaas-nexus,
// nickmisasi-mattermost-plugin-cursor, alantheprice-ledit — for exactly this
// "rotate a plain-text log file by size, keep N backups" concern) rather
// than hand-rolling rotation. The run-index shape, the start/end marker
// format, and the previous-output extraction algorithm are ported from
// original_source/core/engine.py's _load_run_index/_save_run_index/
// _update_run_index/extract_prev_output/_strip_log_prefixes/_read_tail_text.
package runlog

import (
	"encoding/json"
	"os"
	"strconv"
	"sync"

	"github.com/lucky401/carrunner/internal/filelock"
	"github.com/lucky401/carrunner/pkg/errkind"
)

// AppServerMeta records which agent thread/turn produced a run, per spec.md
// §3's RunIndexEntry shape.
type AppServerMeta struct {
	ThreadID        string `json:"thread_id"`
	TurnID          string `json:"turn_id"`
	Model           string `json:"model,omitempty"`
	Provider        string `json:"provider,omitempty"`
	ReasoningEffort string `json:"reasoning_effort,omitempty"`
}

// TokenUsage records the token-count delta for a run against the thread's
// running total, tagged Estimated when the agent backend didn't report
// usage natively and the count was approximated from tiktoken-go.
type TokenUsage struct {
	Delta             map[string]int64 `json:"delta,omitempty"`
	ThreadTotalBefore map[string]int64 `json:"thread_total_before,omitempty"`
	ThreadTotalAfter  map[string]int64 `json:"thread_total_after,omitempty"`
	Estimated         bool             `json:"estimated,omitempty"`
}

// Artifacts points at the plan/diff files an app-server turn produced.
type Artifacts struct {
	PlanPath string `json:"plan_path,omitempty"`
	DiffPath string `json:"diff_path,omitempty"`
}

// TodoCounts records which TODO items changed state across a run.
type TodoCounts struct {
	Completed []string       `json:"completed,omitempty"`
	Added     []string       `json:"added,omitempty"`
	Reopened  []string       `json:"reopened,omitempty"`
	Counts    map[string]int `json:"counts,omitempty"`
}

// Entry is the exact RunIndexEntry shape from spec.md §3.
type Entry struct {
	StartOffset  *int64          `json:"start_offset,omitempty"`
	EndOffset    *int64          `json:"end_offset,omitempty"`
	StartedAt    string          `json:"started_at,omitempty"`
	FinishedAt   string          `json:"finished_at,omitempty"`
	ExitCode     *int            `json:"exit_code,omitempty"`
	LogPath      string          `json:"log_path,omitempty"`
	RunLogPath   string          `json:"run_log_path,omitempty"`
	AppServer    *AppServerMeta  `json:"app_server,omitempty"`
	TokenUsage   *TokenUsage     `json:"token_usage,omitempty"`
	Artifacts    *Artifacts      `json:"artifacts,omitempty"`
	Todo         *TodoCounts     `json:"todo,omitempty"`
	TodoSnapshot map[string]string `json:"todo_snapshot,omitempty"` // before/after
}

// RunIndex is the durable run_index.json, keyed by stringified run id and
// serialized through a filelock.StateLock bound to its own path.
type RunIndex struct {
	path string
	mu   sync.Mutex
}

// NewRunIndex returns a RunIndex backed by the file at path (typically
// ".codex-autorunner/run_index.json").
func NewRunIndex(path string) *RunIndex {
	return &RunIndex{path: path}
}

// Load reads the full index. A missing file yields an empty map.
func (ri *RunIndex) Load() (map[string]Entry, error) {
	var result map[string]Entry
	err := filelock.WithLock(ri.lockPath(), true, func() error {
		idx, err := ri.loadUnlocked()
		result = idx
		return err
	})
	return result, err
}

// Get returns a single entry by run id.
func (ri *RunIndex) Get(runID int) (Entry, bool, error) {
	idx, err := ri.Load()
	if err != nil {
		return Entry{}, false, err
	}
	entry, ok := idx[strconv.Itoa(runID)]
	return entry, ok, nil
}

// Merge loads the index, applies fn to the entry for runID (zero value if
// absent), and atomically saves the result, race-free across processes.
func (ri *RunIndex) Merge(runID int, fn func(Entry) Entry) (Entry, error) {
	ri.mu.Lock()
	defer ri.mu.Unlock()

	var result Entry
	err := filelock.WithLock(ri.lockPath(), true, func() error {
		idx, err := ri.loadUnlocked()
		if err != nil {
			return err
		}
		key := strconv.Itoa(runID)
		next := fn(idx[key])
		idx[key] = next
		result = next
		return ri.saveUnlocked(idx)
	})
	return result, err
}

// FindThreadTokenBaseline returns the most recent thread_total_after
// recorded for threadID among entries with run id < beforeRunID — ported
// from engine.py:_find_thread_token_baseline.
func (ri *RunIndex) FindThreadTokenBaseline(threadID string, beforeRunID int) (map[string]int64, error) {
	idx, err := ri.Load()
	if err != nil {
		return nil, err
	}
	bestRun := -1
	var baseline map[string]int64
	for key, entry := range idx {
		entryID, convErr := strconv.Atoi(key)
		if convErr != nil || entryID >= beforeRunID {
			continue
		}
		if entry.AppServer == nil || entry.AppServer.ThreadID != threadID {
			continue
		}
		if entry.TokenUsage == nil || entry.TokenUsage.ThreadTotalAfter == nil {
			continue
		}
		if entryID > bestRun {
			bestRun = entryID
			baseline = entry.TokenUsage.ThreadTotalAfter
		}
	}
	return baseline, nil
}

// ComputeTokenDelta subtracts baseline from final, key by key, treating a
// missing baseline key as zero — ported from engine.py:_compute_token_delta.
func ComputeTokenDelta(baseline, final map[string]int64) map[string]int64 {
	if final == nil {
		return nil
	}
	delta := make(map[string]int64, len(final))
	for k, v := range final {
		prior := int64(0)
		if baseline != nil {
			prior = baseline[k]
		}
		delta[k] = v - prior
	}
	return delta
}

func (ri *RunIndex) lockPath() string {
	return ri.path + ".lock"
}

func (ri *RunIndex) loadUnlocked() (map[string]Entry, error) {
	data, err := os.ReadFile(ri.path)
	if os.IsNotExist(err) {
		return map[string]Entry{}, nil
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.Fatal, "read run index", err)
	}
	var idx map[string]Entry
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, errkind.Wrap(errkind.Validation, "parse run index", err)
	}
	if idx == nil {
		idx = map[string]Entry{}
	}
	return idx, nil
}

func (ri *RunIndex) saveUnlocked(idx map[string]Entry) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return errkind.Wrap(errkind.Fatal, "marshal run index", err)
	}
	return filelock.AtomicWrite(ri.path, data, 0o644)
}
