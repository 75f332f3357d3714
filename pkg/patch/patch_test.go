package patch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucky401/carrunner/pkg/errkind"
)

const sampleDiff = `--- a/TODO.md
+++ b/TODO.md
@@ -1,2 +1,2 @@
 line one
-line two
+line two edited
`

func TestNormalizePatchTextExtractsTaggedPatch(t *testing.T) {
	raw := "Here is my change.\n\n<PATCH>\n" + sampleDiff + "\n</PATCH>\nThanks."
	normalized, targets, err := NormalizePatchText(raw, "")
	require.NoError(t, err)
	assert.Contains(t, normalized, "@@ -1,2 +1,2 @@")
	assert.Equal(t, []string{"TODO.md"}, targets)
}

func TestNormalizePatchTextExtractsFencedPatch(t *testing.T) {
	raw := "```diff\n" + sampleDiff + "```"
	_, targets, err := NormalizePatchText(raw, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"TODO.md"}, targets)
}

func TestNormalizePatchTextFallsBackToDefaultTarget(t *testing.T) {
	raw := "<PATCH>\n@@ -1,1 +1,1 @@\n-old\n+new\n</PATCH>"
	_, targets, err := NormalizePatchText(raw, "docs/SPEC.md")
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/SPEC.md"}, targets)
}

func TestNormalizePatchTextNoPatchFound(t *testing.T) {
	_, _, err := NormalizePatchText("just some agent chatter, no diff here", "")
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.AgentError))
}

func TestEnsureTargetsAllowedRejectsOutsideWhitelist(t *testing.T) {
	_, err := EnsureTargetsAllowed([]string{"TODO.md", "secrets.env"}, []string{"TODO.md"})
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.PatchRejected))
}

func TestEnsureTargetsAllowedRejectsPathEscape(t *testing.T) {
	_, err := EnsureTargetsAllowed([]string{"../../etc/passwd"}, []string{"../../etc/passwd"})
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.PatchRejected))
}

func TestEnsureTargetsAllowedAccepts(t *testing.T) {
	normalized, err := EnsureTargetsAllowed([]string{"TODO.md"}, []string{"TODO.md"})
	require.NoError(t, err)
	assert.Equal(t, []string{"TODO.md"}, normalized)
}

func TestApplyPatchFileAppliesAndRemovesPatch(t *testing.T) {
	repo := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(repo, "TODO.md"), []byte("line one\nline two\n"), 0o644))

	patchPath := filepath.Join(repo, "pending.patch")
	require.NoError(t, os.WriteFile(patchPath, []byte(sampleDiff), 0o644))

	err := ApplyPatchFile(repo, patchPath, []string{"TODO.md"})
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(repo, "TODO.md"))
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two edited\n", string(content))

	_, statErr := os.Stat(patchPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestPreviewPatchLeavesDiskUntouched(t *testing.T) {
	repo := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(repo, "TODO.md"), []byte("line one\nline two\n"), 0o644))

	preview, err := PreviewPatch(repo, sampleDiff, []string{"TODO.md"})
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two edited\n", preview["TODO.md"])

	onDisk, err := os.ReadFile(filepath.Join(repo, "TODO.md"))
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", string(onDisk))
}
