package file

import (
	"os"
	"path/filepath"
	"testing"

	"p2d/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettingsRepository_DefaultsWhenMissing(t *testing.T) {
	repo := NewSettingsRepository(filepath.Join(t.TempDir(), "nested", "settings.yaml"))

	settings, err := repo.Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultSignalingURL, settings.SignalingURL)
	assert.Empty(t, settings.TURNURL)
}

func TestSettingsRepository_SaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p2d", "settings.yaml")
	repo := NewSettingsRepository(path)

	want := &ports.Settings{
		SignalingURL:   "wss://signal.example.com",
		TURNURL:        "turn:turn.example.com:3478",
		TURNUsername:   "alice",
		TURNCredential: "s3cret",
		DisplayName:    "Alice",
	}
	require.NoError(t, repo.Save(want))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, err := NewSettingsRepository(path).Load()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSettingsRepository_EmptyURLFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("turn_url: turn:relay\nsignaling_url: \"\"\n"), 0o600))

	settings, err := NewSettingsRepository(path).Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultSignalingURL, settings.SignalingURL)
	assert.Equal(t, "turn:relay", settings.TURNURL)
}

func TestSettingsRepository_RejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("signaling_url: [unclosed"), 0o600))

	_, err := NewSettingsRepository(path).Load()
	assert.Error(t, err)
}
