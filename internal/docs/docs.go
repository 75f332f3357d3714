// Package docs parses the TODO.md checkbox convention the autorunner loop
// watches for completion, and the SUMMARY.md finalization marker that ends
// a run sequence.
//
// Grounded on original_source/core/docs.go's parse_todos/validate_todo_markdown
// and engine.go's todo-attribution/snapshot helpers
// (_compute_todo_attribution/_build_todo_snapshot), ported verbatim in
// semantics: counting logic included, since spec.md §3's RunIndexEntry.todo
// shape names completed/added/reopened/counts explicitly.
package docs

import (
	"regexp"
	"strings"
)

const (
	// SummaryFinalizedMarker is the sentinel substring a finalized SUMMARY.md
	// contains.
	SummaryFinalizedMarker = "CAR:SUMMARY_FINALIZED"
	summaryMarkerPrefix    = "<!-- " + SummaryFinalizedMarker
)

var (
	checkboxLineRe = regexp.MustCompile(`^\s*[-*]\s*\[([ xX])\]\s+\S`)
	bulletLineRe   = regexp.MustCompile(`^\s*[-*]\s+`)
)

// ParseTodos splits TODO.md content into outstanding ("- [ ]") and done
// ("- [x]", case-insensitive) item text, in file order.
func ParseTodos(content string) (outstanding, done []string) {
	if content == "" {
		return nil, nil
	}
	for _, line := range strings.Split(content, "\n") {
		stripped := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(stripped, "- [ ]"):
			outstanding = append(outstanding, strings.TrimSpace(stripped[5:]))
		case strings.HasPrefix(strings.ToLower(stripped), "- [x]"):
			done = append(done, strings.TrimSpace(stripped[5:]))
		}
	}
	return outstanding, done
}

// TodosDone reports whether content has no outstanding items.
func TodosDone(content string) bool {
	outstanding, _ := ParseTodos(content)
	return len(outstanding) == 0
}

// ValidateTodoMarkdown checks that any non-heading content in a TODO doc is
// expressed as checkbox bullets, returning human-readable error strings
// (empty when the content is fine or entirely empty/headings).
func ValidateTodoMarkdown(content string) []string {
	var errors []string
	lines := strings.Split(content, "\n")
	var meaningful []string
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if strings.HasPrefix(strings.TrimLeft(line, " \t"), "#") {
			continue
		}
		meaningful = append(meaningful, line)
	}
	if len(meaningful) == 0 {
		return nil
	}

	hasCheckbox := false
	var firstBadBullet string
	for _, line := range meaningful {
		if checkboxLineRe.MatchString(line) {
			hasCheckbox = true
			continue
		}
		if bulletLineRe.MatchString(line) && firstBadBullet == "" {
			firstBadBullet = strings.TrimSpace(line)
		}
	}
	if !hasCheckbox {
		errors = append(errors, "TODO must contain at least one markdown checkbox task line like `- [ ] ...`.")
	}
	if firstBadBullet != "" {
		errors = append(errors, "TODO contains non-checkbox bullet(s); use `- [ ] ...` instead. Example: `"+firstBadBullet+"`")
	}
	return errors
}

// SummaryFinalized reports whether a SUMMARY.md's content already carries
// the finalization sentinel.
func SummaryFinalized(content string) bool {
	return strings.Contains(content, SummaryFinalizedMarker)
}

// StampSummaryFinalized appends the idempotent finalization marker to
// existing SUMMARY.md content for runID, a no-op if already present.
func StampSummaryFinalized(existing string, runID int) string {
	if SummaryFinalized(existing) {
		return existing
	}
	text := existing
	if text != "" && !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	if text != "" && !strings.HasSuffix(text, "\n\n") {
		text += "\n"
	}
	text += summaryMarkerPrefix + " run_id=" + itoa(runID) + " -->\n"
	return text
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// TodoCounts summarizes how outstanding/done counts changed between two
// counts snapshot: how many items completed, were newly added, or reopened
// between a before/after TODO.md pair.
type TodoCounts struct {
	Completed []string
	Added     []string
	Reopened  []string
}

// Counts returns the completed/added/reopened length triple.
func (c TodoCounts) Counts() map[string]int {
	return map[string]int{
		"completed": len(c.Completed),
		"added":     len(c.Added),
		"reopened":  len(c.Reopened),
	}
}

// Attribution computes which outstanding items were completed, newly
// added, or reopened between beforeText and afterText — ported from
// engine.go:_compute_todo_attribution's multiset-counting logic, which
// distinguishes a genuinely new item from one that flipped back from done
// to outstanding (a "reopen").
func Attribution(beforeText, afterText string) TodoCounts {
	beforeOut, beforeDone := ParseTodos(beforeText)
	afterOut, afterDone := ParseTodos(afterText)

	beforeOutCount := countOf(beforeOut)
	beforeDoneCount := countOf(beforeDone)
	afterOutCount := countOf(afterOut)
	afterDoneCount := countOf(afterDone)

	completedCount := map[string]int{}
	for item, count := range afterDoneCount {
		if beforeOutCount[item] > 0 {
			completedCount[item] = minInt(beforeOutCount[item], count)
		}
	}

	reopenedCount := map[string]int{}
	for item, count := range afterOutCount {
		if beforeDoneCount[item] > 0 {
			reopenedCount[item] = minInt(beforeDoneCount[item], count)
		}
	}

	newOutstandingCount := subtractCounts(afterOutCount, beforeOutCount)
	addedCount := subtractCounts(newOutstandingCount, reopenedCount)

	return TodoCounts{
		Completed: listFromCounts(afterDone, completedCount),
		Added:     listFromCounts(afterOut, addedCount),
		Reopened:  listFromCounts(afterOut, reopenedCount),
	}
}

// Snapshot pairs outstanding/done items (and their counts) before and after
// a run — ported from engine.go:_build_todo_snapshot.
type Snapshot struct {
	Before DocState
	After  DocState
}

// DocState is one side of a Snapshot.
type DocState struct {
	Outstanding []string
	Done        []string
}

// BuildSnapshot captures the before/after TODO.md state for a run's index
// entry.
func BuildSnapshot(beforeText, afterText string) Snapshot {
	beforeOut, beforeDone := ParseTodos(beforeText)
	afterOut, afterDone := ParseTodos(afterText)
	return Snapshot{
		Before: DocState{Outstanding: beforeOut, Done: beforeDone},
		After:  DocState{Outstanding: afterOut, Done: afterDone},
	}
}

func countOf(items []string) map[string]int {
	counts := map[string]int{}
	for _, item := range items {
		counts[item]++
	}
	return counts
}

func subtractCounts(a, b map[string]int) map[string]int {
	result := map[string]int{}
	for item, count := range a {
		diff := count - b[item]
		if diff > 0 {
			result[item] = diff
		}
	}
	return result
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// listFromCounts walks source in order, emitting each entry while its
// remaining count budget in counts is positive — this is what turns a
// bag-of-counts result back into an ordered, deduplicated-by-multiplicity
// list matching source's original ordering.
func listFromCounts(source []string, counts map[string]int) []string {
	if len(source) == 0 || len(counts) == 0 {
		return nil
	}
	remaining := make(map[string]int, len(counts))
	for k, v := range counts {
		remaining[k] = v
	}
	var items []string
	for _, entry := range source {
		if remaining[entry] > 0 {
			items = append(items, entry)
			remaining[entry]--
		}
	}
	return items
}
