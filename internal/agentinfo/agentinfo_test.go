package agentinfo

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewGeneratesIdentityOnFirstRun(t *testing.T) {
	dir := t.TempDir()

	info, err := New(dir, "1.0.0", zap.NewNop())
	require.NoError(t, err)

	require.NotEmpty(t, info.UUID())
	require.NotEmpty(t, info.Key())
	require.NotEmpty(t, info.Name())

	// The identity was persisted.
	_, err = os.Stat(filepath.Join(dir, stateFileName))
	require.NoError(t, err)
}

func TestNewLoadsPersistedIdentity(t *testing.T) {
	dir := t.TempDir()

	first, err := New(dir, "1.0.0", zap.NewNop())
	require.NoError(t, err)

	second, err := New(dir, "1.0.0", zap.NewNop())
	require.NoError(t, err)

	require.Equal(t, first.UUID(), second.UUID())
	require.Equal(t, first.Key(), second.Key())
}

func TestNewRejectsCorruptStateFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, stateFileName), []byte("not json"), 0600))

	_, err := New(dir, "1.0.0", zap.NewNop())
	require.Error(t, err)
}

func TestSetGroupsPersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()

	info, err := New(dir, "1.0.0", zap.NewNop())
	require.NoError(t, err)
	require.Empty(t, info.Groups())

	require.NoError(t, info.SetGroups([]string{"default", "webservers"}))
	require.Equal(t, []string{"default", "webservers"}, info.Groups())

	reloaded, err := New(dir, "1.0.0", zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, []string{"default", "webservers"}, reloaded.Groups())
}

func TestGroupsReturnsACopy(t *testing.T) {
	info, err := New(t.TempDir(), "1.0.0", zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, info.SetGroups([]string{"default"}))

	groups := info.Groups()
	groups[0] = "mutated"
	require.Equal(t, []string{"default"}, info.Groups())
}

func TestUserAgentCarriesVersion(t *testing.T) {
	info, err := New(t.TempDir(), "2.3.4", zap.NewNop())
	require.NoError(t, err)
	require.Contains(t, info.UserAgent(), "vigil-agent/2.3.4")
}

func TestMetadataIsOneJSONDocument(t *testing.T) {
	info, err := New(t.TempDir(), "1.0.0", zap.NewNop())
	require.NoError(t, err)

	var parsed struct {
		Agent struct {
			ID      string `json:"id"`
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"agent"`
	}
	require.NoError(t, json.Unmarshal([]byte(info.Metadata()), &parsed))
	require.Equal(t, info.UUID(), parsed.Agent.ID)
	require.Equal(t, info.Name(), parsed.Agent.Name)
	require.Equal(t, "1.0.0", parsed.Agent.Version)
}
