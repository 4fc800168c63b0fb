package file

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"p2d/internal/core/ports"

	"gopkg.in/yaml.v2"
)

const DefaultSignalingURL = "ws://localhost:8080"

// SettingsRepository keeps client settings in a YAML file.
type SettingsRepository struct {
	path string
	mu   sync.Mutex
}

func NewSettingsRepository(path string) ports.SettingsStore {
	return &SettingsRepository{path: path}
}

// DefaultSettingsPath returns ~/.config/p2d/settings.yaml, or the platform
// equivalent.
func DefaultSettingsPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate config dir: %w", err)
	}
	return filepath.Join(dir, "p2d", "settings.yaml"), nil
}

func defaultSettings() *ports.Settings {
	return &ports.Settings{SignalingURL: DefaultSignalingURL}
}

// Load returns defaults when the file does not exist yet.
func (r *SettingsRepository) Load() (*ports.Settings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return defaultSettings(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	settings := defaultSettings()
	if err := yaml.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("parse settings %s: %w", r.path, err)
	}
	if settings.SignalingURL == "" {
		settings.SignalingURL = DefaultSignalingURL
	}
	return settings, nil
}

// Save replaces the file atomically. It holds TURN credentials, so it is
// readable by the owner only.
func (r *SettingsRepository) Save(settings *ports.Settings) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".settings-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp settings: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write settings: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close settings: %w", err)
	}
	return os.Rename(tmp.Name(), r.path)
}
