// File: internal/config/settings.go
package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Settings is the persisted, user-editable configuration the scheduler runs from.
// Reads return a snapshot; callers must not assume two reads agree.
type Settings interface {
	Autopilot() AutopilotConfig
	SetPrompts(prompts []string) error
}

// StaticSettings keeps the autopilot block in memory. Used by one-shot commands and tests.
type StaticSettings struct {
	mu  sync.RWMutex
	cfg AutopilotConfig
}

var _ Settings = (*StaticSettings)(nil)

// NewStaticSettings wraps cfg.
func NewStaticSettings(cfg AutopilotConfig) *StaticSettings {
	cfg.Prompts = clonePrompts(cfg.Prompts)
	return &StaticSettings{cfg: cfg}
}

func (s *StaticSettings) Autopilot() AutopilotConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.cfg
	out.Prompts = clonePrompts(s.cfg.Prompts)
	return out
}

func (s *StaticSettings) SetPrompts(prompts []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Prompts = clonePrompts(prompts)
	return nil
}

// ViperSettings serves a snapshot of the autopilot block and writes prompt list edits
// back to the config file in use. Without a config file, edits stay in memory.
//
// The viper instance passed in is read once; later reloads go through a fresh
// instance so the shared one is never touched concurrently.
type ViperSettings struct {
	file   string
	logger *zap.Logger

	mu  sync.RWMutex
	cfg AutopilotConfig
}

var _ Settings = (*ViperSettings)(nil)

// NewViperSettings snapshots the autopilot block of v.
func NewViperSettings(v *viper.Viper, logger *zap.Logger) *ViperSettings {
	s := &ViperSettings{file: v.ConfigFileUsed(), logger: logger.Named("settings")}
	cfg, err := autopilotFrom(v)
	if err != nil {
		s.logger.Warn("Failed to read autopilot settings, using defaults.", zap.Error(err))
		cfg = NewDefaultConfig().Autopilot
	}
	s.cfg = cfg
	return s
}

// autopilotFrom unmarshals the whole config so defaults and env values fill any
// autopilot key the file leaves out.
func autopilotFrom(v *viper.Viper) (AutopilotConfig, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return AutopilotConfig{}, err
	}
	if err := cfg.Autopilot.Validate(); err != nil {
		return AutopilotConfig{}, err
	}
	return cfg.Autopilot, nil
}

func (s *ViperSettings) Autopilot() AutopilotConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.cfg
	out.Prompts = clonePrompts(s.cfg.Prompts)
	return out
}

func (s *ViperSettings) SetPrompts(prompts []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg.Prompts = clonePrompts(prompts)
	if s.file == "" {
		return nil
	}

	// A scratch viper holds only the file's own keys, so defaults and env values are not written out.
	w := viper.New()
	w.SetConfigFile(s.file)
	if err := w.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to re-read settings file %s: %w", s.file, err)
	}
	w.Set("autopilot.prompts", s.cfg.Prompts)
	if err := w.WriteConfig(); err != nil {
		return fmt.Errorf("failed to persist prompts to %s: %w", s.file, err)
	}
	return nil
}

// Reload re-reads the settings file with defaults and environment overrides applied.
// An unreadable or invalid file leaves the current snapshot in place.
func (s *ViperSettings) Reload() error {
	if s.file == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r := viper.New()
	SetDefaults(r)
	BindEnvironment(r)
	r.SetConfigFile(s.file)
	if err := r.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to re-read settings file %s: %w", s.file, err)
	}
	cfg, err := autopilotFrom(r)
	if err != nil {
		return fmt.Errorf("settings file %s rejected: %w", s.file, err)
	}
	s.cfg = cfg
	return nil
}

// Watch reloads the settings whenever the config file is written or replaced and
// then calls onChange. It returns once the watch is set up; watching ends with ctx.
func (s *ViperSettings) Watch(ctx context.Context, onChange func()) error {
	if s.file == "" {
		s.logger.Debug("No settings file in use; change watching disabled.")
		return nil
	}
	file, err := filepath.Abs(s.file)
	if err != nil {
		return fmt.Errorf("failed to resolve settings file %s: %w", s.file, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create settings watcher: %w", err)
	}
	// Editors often replace the file, so the directory is watched rather than the file.
	if err := watcher.Add(filepath.Dir(file)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(file), err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(e.Name) != file || (!e.Has(fsnotify.Write) && !e.Has(fsnotify.Create)) {
					continue
				}
				if err := s.Reload(); err != nil {
					s.logger.Warn("Ignoring settings change.", zap.Error(err))
					continue
				}
				s.logger.Info("Settings file changed.", zap.String("file", file))
				if onChange != nil {
					onChange()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("Settings watcher error.", zap.Error(err))
			}
		}
	}()
	return nil
}

func clonePrompts(p []string) []string {
	if p == nil {
		return nil
	}
	out := make([]string, len(p))
	copy(out, p)
	return out
}
