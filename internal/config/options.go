// Package config persists runtime options so thresholds and notification
// preferences survive a restart.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"vulcanbrownout/internal/battery"
	"vulcanbrownout/internal/notify"
)

// Options represents the options.yaml structure
type Options struct {
	GlobalThreshold int                `yaml:"global_threshold"`
	DeviceRules     map[string]int     `yaml:"device_rules,omitempty"`
	Notifications   notify.Preferences `yaml:"notifications"`
}

// DefaultOptions returns the options used when no file exists yet
func DefaultOptions() Options {
	return Options{
		GlobalThreshold: battery.ThresholdDefault,
		Notifications:   notify.DefaultPreferences(),
	}
}

// Store manages the options file
type Store struct {
	path   string
	logger *zap.Logger
	mu     sync.Mutex
}

// NewStore creates a new options store
func NewStore(path string, logger *zap.Logger) *Store {
	return &Store{
		path:   path,
		logger: logger,
	}
}

// Load reads options from disk. A missing file yields the defaults.
func (s *Store) Load() (Options, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info("No options file found, using defaults", zap.String("path", s.path))
			return DefaultOptions(), nil
		}
		return Options{}, fmt.Errorf("failed to read options: %w", err)
	}

	opts := DefaultOptions()
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return Options{}, fmt.Errorf("failed to parse options: %w", err)
	}

	s.logger.Info("Options loaded",
		zap.String("path", s.path),
		zap.Int("global_threshold", opts.GlobalThreshold),
		zap.Int("device_rules", len(opts.DeviceRules)))
	return opts, nil
}

// Save writes options to disk atomically via a temp file rename
func (s *Store) Save(opts Options) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := yaml.Marshal(&opts)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create options dir: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write options: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace options: %w", err)
	}

	s.logger.Debug("Options saved", zap.String("path", s.path))
	return nil
}
