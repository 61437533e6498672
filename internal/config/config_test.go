// File: internal/config/config_test.go
package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "promptpilot", cfg.Logger.ServiceName)
	assert.Equal(t, "http://127.0.0.1:9222/json/list", cfg.Remote.DiscoveryURL)
	assert.Equal(t, 5*time.Second, cfg.Remote.CallTimeout)
	assert.Equal(t, 30*time.Second, cfg.Remote.ProbeCooldown)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.RetryBackoff)
	assert.Equal(t, 5, cfg.Scheduler.MaxAttemptsPerItem)
	assert.Equal(t, 50, cfg.Scheduler.HistoryCap)
	assert.Equal(t, QueueConsume, cfg.Autopilot.QueueMode)
	assert.Equal(t, 30*time.Second, cfg.Autopilot.SilenceTimeout())
	assert.Equal(t, DefaultCheckPrompt, cfg.Autopilot.CheckPrompt.Text)
	assert.False(t, cfg.Autopilot.CheckPrompt.Enabled)
	assert.NoError(t, cfg.Validate())
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	t.Run("Core Validation", func(t *testing.T) {
		cfg := NewDefaultConfig()
		require.NoError(t, cfg.Validate())

		noURL := *cfg
		noURL.Remote.DiscoveryURL = ""
		err := noURL.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "remote.discovery_url is required")

		badTimeout := *cfg
		badTimeout.Remote.CallTimeout = 0
		err = badTimeout.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "remote.call_timeout")
	})

	t.Run("Scheduler Validation", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Scheduler.MaxAttemptsPerItem = 0
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "max_attempts_per_item")

		cfg = NewDefaultConfig()
		cfg.Scheduler.HistoryCap = -1
		assert.Error(t, cfg.Validate())
	})

	t.Run("Autopilot Validation", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Autopilot.QueueMode = "shuffle"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "queue_mode")

		for _, mode := range []QueueMode{QueueConsume, QueueLoop, QueueKeep} {
			cfg.Autopilot.QueueMode = mode
			assert.NoError(t, cfg.Validate(), "mode %s should be valid", mode)
		}
	})

	t.Run("Store Validation", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Store.Driver = "postgres"
		cfg.Store.URL = ""
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "PROMPTPILOT_STORE_URL")

		cfg.Store.URL = "postgres://localhost/promptpilot"
		assert.NoError(t, cfg.Validate())

		cfg.Store.Driver = "mongo"
		assert.Error(t, cfg.Validate())
	})
}

func TestNewConfigFromViper(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("yaml")

	yamlConfig := []byte(`
remote:
  workspace: "my-project"
  call_timeout: 2s
autopilot:
  queue_mode: loop
  prompts:
    - "Task A"
    - "Task B"
  check_prompt:
    enabled: true
scheduler:
  max_attempts_per_item: 3
`)
	require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlConfig)))

	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)

	assert.Equal(t, "my-project", cfg.Remote.Workspace)
	assert.Equal(t, 2*time.Second, cfg.Remote.CallTimeout)
	assert.Equal(t, QueueLoop, cfg.Autopilot.QueueMode)
	assert.Equal(t, []string{"Task A", "Task B"}, cfg.Autopilot.Prompts)
	assert.True(t, cfg.Autopilot.CheckPrompt.Enabled)
	assert.Equal(t, DefaultCheckPrompt, cfg.Autopilot.CheckPrompt.Text, "default text survives a partial override")
	assert.Equal(t, 3, cfg.Scheduler.MaxAttemptsPerItem)
}

func TestNewConfigFromViper_Invalid(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("autopilot.silence_timeout_seconds", 0)

	_, err := NewConfigFromViper(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

// -- Settings Tests --

func TestStaticSettings(t *testing.T) {
	s := NewStaticSettings(AutopilotConfig{Prompts: []string{"one", "two"}, QueueMode: QueueKeep})

	snapshot := s.Autopilot()
	snapshot.Prompts[0] = "mutated"
	assert.Equal(t, []string{"one", "two"}, s.Autopilot().Prompts, "snapshots must not alias internal state")

	require.NoError(t, s.SetPrompts([]string{"two"}))
	assert.Equal(t, []string{"two"}, s.Autopilot().Prompts)
}

func TestViperSettings_InMemory(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("autopilot.prompts", []string{"a", "b"})

	s := NewViperSettings(v, zap.NewNop())
	assert.Equal(t, []string{"a", "b"}, s.Autopilot().Prompts)

	require.NoError(t, s.SetPrompts([]string{"b"}))
	assert.Equal(t, []string{"b"}, s.Autopilot().Prompts)
	assert.Equal(t, QueueConsume, s.Autopilot().QueueMode)

	assert.NoError(t, s.Reload(), "nothing to reload without a file")
	assert.NoError(t, s.Watch(context.Background(), nil), "nothing to watch without a file")
	assert.Equal(t, []string{"b"}, s.Autopilot().Prompts)
}

func TestViperSettings_PersistsToFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "promptpilot.yaml")
	require.NoError(t, os.WriteFile(file, []byte("autopilot:\n  queue_mode: consume\n  prompts:\n    - first\n    - second\n"), 0o600))

	v := viper.New()
	SetDefaults(v)
	v.SetConfigFile(file)
	require.NoError(t, v.ReadInConfig())

	s := NewViperSettings(v, zap.NewNop())
	require.Equal(t, []string{"first", "second"}, s.Autopilot().Prompts)

	require.NoError(t, s.SetPrompts([]string{"second"}))
	assert.Equal(t, []string{"second"}, s.Autopilot().Prompts)

	// A fresh reader sees the persisted list, and defaults were not written out.
	r := viper.New()
	r.SetConfigFile(file)
	require.NoError(t, r.ReadInConfig())
	assert.Equal(t, []string{"second"}, r.GetStringSlice("autopilot.prompts"))
	assert.False(t, r.IsSet("scheduler.history_cap"))
}

// replaceFile swaps in new contents the way editors do: write aside, then rename.
func replaceFile(t *testing.T, file, contents string) {
	t.Helper()
	tmp := file + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(contents), 0o600))
	require.NoError(t, os.Rename(tmp, file))
}

func settingsFromFile(t *testing.T, file string) (*viper.Viper, *ViperSettings) {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	v.SetConfigFile(file)
	require.NoError(t, v.ReadInConfig())
	return v, NewViperSettings(v, zap.NewNop())
}

func TestViperSettings_Reload(t *testing.T) {
	file := filepath.Join(t.TempDir(), "promptpilot.yaml")
	replaceFile(t, file, "autopilot:\n  queue_mode: keep\n  prompts:\n    - a\n")
	_, s := settingsFromFile(t, file)
	require.Equal(t, []string{"a"}, s.Autopilot().Prompts)

	t.Setenv("PROMPTPILOT_AUTOPILOT_SILENCE_TIMEOUT_SECONDS", "45")
	replaceFile(t, file, "autopilot:\n  queue_mode: loop\n  prompts:\n    - b\n    - c\n")
	require.NoError(t, s.Reload())

	got := s.Autopilot()
	assert.Equal(t, QueueLoop, got.QueueMode)
	assert.Equal(t, []string{"b", "c"}, got.Prompts)
	assert.Equal(t, 45, got.SilenceTimeoutSeconds, "environment overrides apply on reload")
	assert.Equal(t, DefaultCheckPrompt, got.CheckPrompt.Text, "defaults fill keys the file leaves out")

	t.Run("an invalid file keeps the last good snapshot", func(t *testing.T) {
		replaceFile(t, file, "autopilot:\n  queue_mode: sideways\n")
		err := s.Reload()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "queue_mode")
		assert.Equal(t, []string{"b", "c"}, s.Autopilot().Prompts)
	})
}

func TestViperSettings_WatchReloadsWhileReading(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	file := filepath.Join(t.TempDir(), "promptpilot.yaml")
	replaceFile(t, file, "autopilot:\n  prompts:\n    - p0\n")
	v, s := settingsFromFile(t, file)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var changes atomic.Int32
	require.NoError(t, s.Watch(ctx, func() { changes.Add(1) }))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = s.Autopilot()
			}
		}
	}()

	for i := 1; i <= 20; i++ {
		replaceFile(t, file, "autopilot:\n  prompts:\n    - p"+strconv.Itoa(i)+"\n    - last\n")
	}
	replaceFile(t, file, "autopilot:\n  prompts:\n    - final\n")

	assert.Eventually(t, func() bool {
		p := s.Autopilot().Prompts
		return len(p) == 1 && p[0] == "final"
	}, 5*time.Second, 10*time.Millisecond)
	assert.Positive(t, changes.Load())

	close(stop)
	wg.Wait()
	cancel()

	assert.Equal(t, []string{"p0"}, v.GetStringSlice("autopilot.prompts"), "the shared viper is never re-read")
}
