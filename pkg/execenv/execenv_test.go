package execenv

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findVar(env []string, key string) (string, bool) {
	prefix := key + "="
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			return strings.TrimPrefix(kv, prefix), true
		}
	}
	return "", false
}

func TestBuildPrependsExtraPath(t *testing.T) {
	env, err := Build(BuildOptions{ExtraPath: []string{"/opt/custom/bin"}})
	require.NoError(t, err)

	path, ok := findVar(env, "PATH")
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(path, "/opt/custom/bin"+string(os.PathListSeparator)))
}

func TestBuildSeedsCodexHomeSymlink(t *testing.T) {
	dir := t.TempDir()
	codexHome := filepath.Join(dir, "codex-home")
	authSrc := filepath.Join(dir, "auth.json")
	require.NoError(t, os.WriteFile(authSrc, []byte(`{"token":"x"}`), 0o600))

	env, err := Build(BuildOptions{CodexHomeDir: codexHome, UserAuthPath: authSrc})
	require.NoError(t, err)

	got, ok := findVar(env, "CODEX_HOME")
	require.True(t, ok)
	assert.Equal(t, codexHome, got)

	linkTarget, err := os.Readlink(filepath.Join(codexHome, "auth.json"))
	require.NoError(t, err)
	assert.Equal(t, authSrc, linkTarget)
}

func TestSeedCodexHomeDoesNotOverwriteExisting(t *testing.T) {
	dir := t.TempDir()
	codexHome := filepath.Join(dir, "codex-home")
	require.NoError(t, os.MkdirAll(codexHome, 0o700))
	existing := filepath.Join(codexHome, "auth.json")
	require.NoError(t, os.WriteFile(existing, []byte(`{"token":"already-here"}`), 0o600))

	authSrc := filepath.Join(dir, "other-auth.json")
	require.NoError(t, os.WriteFile(authSrc, []byte(`{"token":"new"}`), 0o600))

	require.NoError(t, seedCodexHome(codexHome, authSrc))

	data, err := os.ReadFile(existing)
	require.NoError(t, err)
	assert.Equal(t, `{"token":"already-here"}`, string(data))
}
