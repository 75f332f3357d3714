package runlog

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/lucky401/carrunner/pkg/config"
	"github.com/lucky401/carrunner/pkg/errkind"
)

const (
	runsSubdir      = "runs"
	tailScanMaxBytes = 250_000
	blockScanMaxBytes = 1_000_000
)

// Writer owns the shared rotating log, the per-run log files, and the run
// index for one workspace.
type Writer struct {
	mu      sync.Mutex
	logPath string
	runDir  string
	rotate  *lumberjack.Logger
	index   *RunIndex
}

// NewWriter returns a Writer rooted at repoRoot/.codex-autorunner.
func NewWriter(repoRoot string, logCfg config.LogConfig) *Writer {
	base := filepath.Join(repoRoot, ".codex-autorunner")
	logPath := filepath.Join(base, "codex-autorunner.log")
	maxSizeMB := int(logCfg.MaxBytes / (1024 * 1024))
	if maxSizeMB < 1 {
		maxSizeMB = 1
	}
	return &Writer{
		logPath: logPath,
		runDir:  filepath.Join(base, runsSubdir),
		rotate: &lumberjack.Logger{
			Filename:   logPath,
			MaxSize:    maxSizeMB,
			MaxBackups: logCfg.BackupCount,
		},
		index: NewRunIndex(filepath.Join(base, "run_index.json")),
	}
}

// LogPath returns the shared log's path.
func (w *Writer) LogPath() string { return w.logPath }

// RunLogPath returns the per-run log file path for runID.
func (w *Writer) RunLogPath(runID int) string {
	return filepath.Join(w.runDir, fmt.Sprintf("run-%d.log", runID))
}

// Index returns the run index backing this writer.
func (w *Writer) Index() *RunIndex { return w.index }

// Close releases the rotating file handle.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotate.Close()
}

// WriteRunMarker appends a start or end marker line to both the shared log
// and the per-run file, then updates the run index entry. marker must be
// "start" or "end"; exitCode is only consulted for "end".
func (w *Writer) WriteRunMarker(runID int, marker string, exitCode *int) error {
	suffix := ""
	if marker == "end" {
		code := 0
		if exitCode != nil {
			code = *exitCode
		}
		suffix = fmt.Sprintf(" (code %d)", code)
	}
	text := fmt.Sprintf("=== run %d %s%s ===", runID, marker, suffix)

	start, end, err := w.appendLine(runID, text)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, mergeErr := w.index.Merge(runID, func(entry Entry) Entry {
		switch marker {
		case "start":
			s := start
			entry.StartOffset = &s
			entry.StartedAt = now
			entry.LogPath = w.logPath
			entry.RunLogPath = w.RunLogPath(runID)
		case "end":
			e := end
			entry.EndOffset = &e
			entry.FinishedAt = now
			entry.ExitCode = exitCode
			if entry.LogPath == "" {
				entry.LogPath = w.logPath
			}
			if entry.RunLogPath == "" {
				entry.RunLogPath = w.RunLogPath(runID)
			}
		}
		return entry
	})
	return mergeErr
}

// AppendLine writes a plain content line (no marker semantics) to both the
// shared rotating log and the per-run file, returning the shared log's
// [start, end) byte offsets for the write.
func (w *Writer) AppendLine(runID int, text string) (int64, int64, error) {
	return w.appendLine(runID, text)
}

func (w *Writer) appendLine(runID int, text string) (int64, int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(w.runDir, 0o755); err != nil {
		return 0, 0, errkind.Wrap(errkind.Fatal, "create run log directory", err)
	}

	start := fileSize(w.logPath)
	if _, err := w.rotate.Write([]byte(text + "\n")); err != nil {
		return 0, 0, errkind.Wrap(errkind.Fatal, "write shared log", err)
	}
	end := fileSize(w.logPath)

	runLog, err := os.OpenFile(w.RunLogPath(runID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return start, end, errkind.Wrap(errkind.Fatal, "open run log", err)
	}
	defer runLog.Close()
	if _, err := runLog.WriteString(text + "\n"); err != nil {
		return start, end, errkind.Wrap(errkind.Fatal, "write run log", err)
	}
	return start, end, nil
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// ReadRunBlock returns a single run's full log text, preferring the per-run
// file and falling back to the shared log's recorded offset range.
func (w *Writer) ReadRunBlock(runID int) (string, error) {
	runLogPath := w.RunLogPath(runID)
	if data, err := os.ReadFile(runLogPath); err == nil {
		return string(data), nil
	}

	entry, ok, err := w.index.Get(runID)
	if err != nil {
		return "", err
	}
	if ok && entry.StartOffset != nil && entry.EndOffset != nil {
		block, err := w.readLogRange(*entry.StartOffset, *entry.EndOffset)
		if err == nil {
			return block, nil
		}
	}

	return w.scanBlockFromTail(runID)
}

func (w *Writer) readLogRange(start, end int64) (string, error) {
	f, err := os.Open(w.logPath)
	if err != nil {
		return "", errkind.Wrap(errkind.Fatal, "open shared log", err)
	}
	defer f.Close()
	if end < start {
		return "", errkind.New(errkind.Validation, "invalid run block offsets")
	}
	buf := make([]byte, end-start)
	if _, err := f.ReadAt(buf, start); err != nil {
		return "", errkind.Wrap(errkind.Fatal, "read shared log range", err)
	}
	return string(buf), nil
}

func (w *Writer) scanBlockFromTail(runID int) (string, error) {
	text := readTailText(w.logPath, blockScanMaxBytes)
	if text == "" {
		return "", errkind.New(errkind.Validation, "no log block found for run")
	}
	startMarker := fmt.Sprintf("=== run %d start", runID)
	endMarker := fmt.Sprintf("=== run %d end", runID)
	var collected []string
	collecting := false
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), startMarker) {
			collecting = true
			continue
		}
		if collecting && strings.HasPrefix(line, endMarker) {
			break
		}
		if collecting {
			collected = append(collected, line)
		}
	}
	if len(collected) == 0 {
		return "", errkind.New(errkind.Validation, "no log block found for run")
	}
	return strings.Join(collected, "\n"), nil
}

// ExtractPrevOutput returns the tail of runID's output, with log-line
// prefixes stripped and content after a "tokens used" marker preferred,
// bounded to maxChars — ported from
// engine.py:extract_prev_output/_strip_log_prefixes/_read_tail_text.
func (w *Writer) ExtractPrevOutput(runID int, maxChars int) (string, bool) {
	if runID <= 0 {
		return "", false
	}

	if data, err := os.ReadFile(w.RunLogPath(runID)); err == nil && len(data) > 0 {
		lines := filterMarkerLines(string(data))
		text := stripLogPrefixes(lines)
		if text == "" {
			return "", false
		}
		return tailChars(text, maxChars), true
	}

	if _, err := os.Stat(w.logPath); err != nil {
		return "", false
	}

	text := readTailText(w.logPath, tailScanMaxBytes)
	startMarker := fmt.Sprintf("=== run %d start ===", runID)
	endMarker := fmt.Sprintf("=== run %d end", runID)
	var collected []string
	collecting := false
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == startMarker {
			collecting = true
			continue
		}
		if collecting && strings.HasPrefix(line, endMarker) {
			break
		}
		if collecting {
			collected = append(collected, line)
		}
	}
	if len(collected) == 0 {
		return "", false
	}
	stripped := stripLogPrefixes(strings.Join(collected, "\n"))
	return tailChars(stripped, maxChars), true
}

func filterMarkerLines(text string) string {
	var kept []string
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, "=== run ") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// stripLogPrefixes drops everything up to and including a "stdout: tokens
// used" marker line (if present), then for every remaining line shaped like
// a timestamped "] run=... stdout: <content>" record keeps only the content
// after "stdout:".
func stripLogPrefixes(text string) string {
	lines := strings.Split(text, "\n")
	tokenMarkerIdx := -1
	for i, line := range lines {
		if strings.Contains(line, "stdout: tokens used") {
			tokenMarkerIdx = i
			break
		}
	}
	if tokenMarkerIdx >= 0 {
		lines = lines[tokenMarkerIdx+1:]
	}

	cleaned := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.Contains(line, "] run=") && strings.Contains(line, "stdout:") {
			if _, remainder, ok := strings.Cut(line, "stdout:"); ok {
				cleaned = append(cleaned, strings.TrimSpace(remainder))
				continue
			}
		}
		cleaned = append(cleaned, line)
	}
	return strings.TrimSpace(strings.Join(cleaned, "\n"))
}

func tailChars(text string, maxChars int) string {
	if maxChars <= 0 || len(text) <= maxChars {
		return text
	}
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	return string(runes[len(runes)-maxChars:])
}

// readTailText reads at most maxBytes from the end of path, decoding
// invalid UTF-8 with the replacement character rather than failing.
func readTailText(path string, maxBytes int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.Size() <= 0 {
		return ""
	}

	size := info.Size()
	offset := int64(0)
	if size > maxBytes {
		offset = size - maxBytes
	}
	if _, err := f.Seek(offset, 0); err != nil {
		return ""
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return ""
	}
	return strings.ToValidUTF8(buf.String(), "�")
}
