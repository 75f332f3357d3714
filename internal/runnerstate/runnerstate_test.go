package runnerstate

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileYieldsDefault(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "state.json"))

	st, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, st.Status)
	assert.Equal(t, 0, st.LastRunID)
	assert.NotNil(t, st.Sessions)
	assert.NotNil(t, st.RepoToSession)
}

func TestMutateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "state.json"))

	_, err := store.Mutate(func(s State) State {
		s.LastRunID = 1
		s.Status = StatusRunning
		return s
	})
	require.NoError(t, err)

	st, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, st.LastRunID)
	assert.Equal(t, StatusRunning, st.Status)
}

func TestRepoSessionKeyNormalization(t *testing.T) {
	assert.Equal(t, "repo", RepoSessionKey("repo", ""))
	assert.Equal(t, "repo", RepoSessionKey("repo", "default"))
	assert.Equal(t, "repo:opencode", RepoSessionKey("repo", "opencode"))
}

func TestLegacyKeyNormalizedOnLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	store := NewStore(path)

	_, err := store.Mutate(func(s State) State {
		s.RepoToSession["repo/opencode"] = "thread-1"
		return s
	})
	require.NoError(t, err)

	st, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "thread-1", st.RepoToSession["repo:opencode"])
	_, hasLegacy := st.RepoToSession["repo/opencode"]
	assert.False(t, hasLegacy)
}
