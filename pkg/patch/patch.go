// Package patch implements the whitelisted unified-diff patch service
// (component H, spec.md §4.H): normalize patch text from either GNU-style
// unified diffs or the app-server's "*** Begin Patch" envelope, extract
// target paths, and refuse to touch disk if any target resolves outside a
// caller-supplied whitelist.
//
// Grounded on original_source/core/doc_chat.py's _split_patch_from_output
// and original_source/spec_ingest.py's SpecIngestPatchParser.split_patch
// (near-duplicate logic in the original, unified here into one service).
package patch

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/lucky401/carrunner/pkg/errkind"
)

var (
	gnuHeaderRe  = regexp.MustCompile(`(?m)^--- (?:a/)?(\S+)`)
	fencedPatch  = regexp.MustCompile("(?s)```(?:diff|patch)?\\s*\\n(.*?)```")
	taggedPatch  = regexp.MustCompile(`(?s)<PATCH>\s*\n(.*?)</PATCH>`)
)

// NormalizePatchText extracts the patch body from raw agent output — a
// <PATCH> tag, a fenced code block, or the raw text itself if it already
// starts with a recognized diff header — and returns it along with the
// set of paths the patch claims to touch. When the patch carries no
// recognizable target header (a bare hunk with no "--- "/"+++ " lines),
// defaultTarget — if non-empty — is used as the sole target, matching
// doc-chat and spec-ingest's single-file patches.
func NormalizePatchText(raw, defaultTarget string) (normalized string, targets []string, err error) {
	normalized = extractPatchBody(raw)
	if normalized == "" {
		return "", nil, errkind.New(errkind.AgentError, "no patch found in agent output")
	}

	targets = extractTargets(normalized)
	if len(targets) == 0 {
		if defaultTarget == "" {
			return "", nil, errkind.New(errkind.AgentError, "patch contains no recognizable target paths")
		}
		targets = []string{filepath.Clean(defaultTarget)}
	}
	return normalized, targets, nil
}

func extractPatchBody(raw string) string {
	if m := taggedPatch.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := fencedPatch.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1])
	}

	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, "--- ") || strings.HasPrefix(line, "*** Begin Patch") {
			return strings.TrimSpace(strings.Join(lines[i:], "\n"))
		}
	}
	return ""
}

// extractTargets returns every path a normalized patch claims to modify,
// supporting both GNU unified-diff headers and the app-server envelope's
// "*** Update File:"/"*** Add File:"/"*** Delete File:" lines.
func extractTargets(normalized string) []string {
	seen := map[string]struct{}{}
	var targets []string

	for _, m := range gnuHeaderRe.FindAllStringSubmatch(normalized, -1) {
		addTarget(&targets, seen, m[1])
	}

	scanner := bufio.NewScanner(strings.NewReader(normalized))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		for _, prefix := range []string{"*** Update File:", "*** Add File:", "*** Delete File:"} {
			if strings.HasPrefix(line, prefix) {
				addTarget(&targets, seen, strings.TrimSpace(strings.TrimPrefix(line, prefix)))
			}
		}
	}

	return targets
}

func addTarget(targets *[]string, seen map[string]struct{}, path string) {
	path = strings.TrimPrefix(path, "a/")
	path = strings.TrimPrefix(path, "b/")
	path = filepath.Clean(path)
	if path == "" || path == "." {
		return
	}
	if _, ok := seen[path]; ok {
		return
	}
	seen[path] = struct{}{}
	*targets = append(*targets, path)
}

// EnsureTargetsAllowed validates that every target resolves (after
// normalization) to a path present in whitelist. It returns the
// normalized target list on success, or an errkind.PatchRejected error
// naming the first disallowed path — without performing any write.
func EnsureTargetsAllowed(targets []string, whitelist []string) ([]string, error) {
	allowed := make(map[string]struct{}, len(whitelist))
	for _, w := range whitelist {
		allowed[filepath.Clean(w)] = struct{}{}
	}

	normalized := make([]string, 0, len(targets))
	for _, t := range targets {
		clean := filepath.Clean(t)
		if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
			return nil, errkind.New(errkind.PatchRejected, fmt.Sprintf("patch target %q escapes workspace", t))
		}
		if _, ok := allowed[clean]; !ok {
			return nil, errkind.New(errkind.PatchRejected, fmt.Sprintf("patch target %q is not in the allowed set", t))
		}
		normalized = append(normalized, clean)
	}
	return normalized, nil
}

// PreviewFile returns path's content after hypothetically applying a
// single-file unified diff body, without touching disk. It is a thin,
// dependency-free line-based patcher sufficient for the additions/
// deletions produced by the agents this module drives; it does not
// attempt fuzzy or offset-tolerant matching.
func PreviewFile(original string, hunkLines []string) (string, error) {
	origLines := strings.Split(original, "\n")
	var result []string
	origIdx := 0

	for i := 0; i < len(hunkLines); i++ {
		line := hunkLines[i]
		switch {
		case strings.HasPrefix(line, "@@"):
			continue
		case strings.HasPrefix(line, "-"):
			origIdx++
		case strings.HasPrefix(line, "+"):
			result = append(result, line[1:])
		case strings.HasPrefix(line, " "):
			if origIdx < len(origLines) {
				result = append(result, origLines[origIdx])
			}
			origIdx++
		}
	}
	for origIdx < len(origLines) {
		result = append(result, origLines[origIdx])
		origIdx++
	}
	return strings.Join(result, "\n"), nil
}

// PreviewPatch computes the post-apply content of every target in
// targets, without touching disk, keyed by the same normalized path
// names ApplyPatchFile would write to. Callers use this to show a
// pending-patch preview (spec.md §4.H pending_patch operation).
func PreviewPatch(repoRoot, normalizedText string, targets []string) (map[string]string, error) {
	perFile := splitByFile(normalizedText, targets)
	result := make(map[string]string, len(targets))
	for _, target := range targets {
		hunks, ok := perFile[target]
		if !ok {
			continue
		}
		fullPath := filepath.Join(repoRoot, target)
		original := ""
		if data, err := os.ReadFile(fullPath); err == nil {
			original = string(data)
		}
		updated, err := PreviewFile(original, hunks)
		if err != nil {
			return nil, errkind.Wrap(errkind.PatchRejected, "preview hunk for "+target, err)
		}
		result[target] = updated
	}
	return result, nil
}

// ApplyPatchFile reads patchPath and applies its contents unmodified against
// repoRoot restricted to targets, writes every affected file, and
// removes patchPath on success. Callers must have already validated
// targets via EnsureTargetsAllowed before calling this.
func ApplyPatchFile(repoRoot, patchPath string, targets []string) error {
	data, err := os.ReadFile(patchPath)
	if err != nil {
		return errkind.Wrap(errkind.Fatal, "read patch file", err)
	}

	updated, err := PreviewPatch(repoRoot, string(data), targets)
	if err != nil {
		return err
	}

	for target, content := range updated {
		fullPath := filepath.Join(repoRoot, target)
		if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
			return errkind.Wrap(errkind.Fatal, "create target directory", err)
		}
		if err := os.WriteFile(fullPath, []byte(content), 0o644); err != nil {
			return errkind.Wrap(errkind.Fatal, "write patched file", err)
		}
	}

	return os.Remove(patchPath)
}

// splitByFile partitions a multi-file unified diff's hunk lines by the
// target path they belong to, keyed by the already-normalized target
// names in the same order extractTargets produced them.
func splitByFile(normalized string, targets []string) map[string][]string {
	result := make(map[string][]string, len(targets))
	lines := strings.Split(normalized, "\n")
	current := ""
	inHunk := false

	for _, line := range lines {
		if strings.HasPrefix(line, "--- ") {
			inHunk = false
			continue
		}
		if strings.HasPrefix(line, "+++ ") {
			path := strings.TrimSpace(strings.TrimPrefix(line, "+++ "))
			path = strings.TrimPrefix(path, "b/")
			path = filepath.Clean(path)
			current = path
			continue
		}
		if strings.HasPrefix(line, "@@") {
			inHunk = true
			result[current] = append(result[current], line)
			continue
		}
		if inHunk && current != "" {
			result[current] = append(result[current], line)
		}
	}
	return result
}
