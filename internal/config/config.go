// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// QueueMode controls what happens to the persisted prompt list as the queue advances.
type QueueMode string

const (
	// QueueConsume removes each task prompt from the persisted list once it completes.
	QueueConsume QueueMode = "consume"
	// QueueLoop rebuilds the queue and starts over after the last item.
	QueueLoop QueueMode = "loop"
	// QueueKeep runs the list once and leaves it untouched.
	QueueKeep QueueMode = "keep"
)

// Valid reports whether m is one of the known queue modes.
func (m QueueMode) Valid() bool {
	switch m {
	case QueueConsume, QueueLoop, QueueKeep:
		return true
	}
	return false
}

// Config holds the entire application configuration.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Remote    RemoteConfig    `mapstructure:"remote" yaml:"remote"`
	Delivery  DeliveryConfig  `mapstructure:"delivery" yaml:"delivery"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Autopilot AutopilotConfig `mapstructure:"autopilot" yaml:"autopilot"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// RemoteConfig describes how remote debuggable surfaces are found and talked to.
type RemoteConfig struct {
	// DiscoveryURL is the local HTTP listing endpoint, e.g. http://127.0.0.1:9222/json/list.
	DiscoveryURL string `mapstructure:"discovery_url" yaml:"discovery_url"`
	// AcceptedKinds lists the surface types worth connecting to ("page", "webview", ...).
	AcceptedKinds []string `mapstructure:"accepted_kinds" yaml:"accepted_kinds"`
	// SelfSignatures are substrings identifying our own UI surfaces by id, title or url.
	SelfSignatures []string `mapstructure:"self_signatures" yaml:"self_signatures"`
	// Workspace is matched against surface titles to prefer the window of the current project.
	Workspace string `mapstructure:"workspace" yaml:"workspace"`
	// DetectKeywords are title keywords that make a surface worth injecting into.
	DetectKeywords []string `mapstructure:"detect_keywords" yaml:"detect_keywords"`
	// PanelSelectors identify an agent chat panel regardless of title.
	PanelSelectors []string `mapstructure:"panel_selectors" yaml:"panel_selectors"`

	DiscoveryTimeout time.Duration `mapstructure:"discovery_timeout" yaml:"discovery_timeout"`
	CallTimeout      time.Duration `mapstructure:"call_timeout" yaml:"call_timeout"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	ProbeCooldown    time.Duration `mapstructure:"probe_cooldown" yaml:"probe_cooldown"`
	RefreshInterval  time.Duration `mapstructure:"refresh_interval" yaml:"refresh_interval"`
	ActivityPoll     time.Duration `mapstructure:"activity_poll" yaml:"activity_poll"`
}

// DeliveryConfig tunes the two-stage prompt delivery pipeline.
type DeliveryConfig struct {
	HelperTimeout   time.Duration `mapstructure:"helper_timeout" yaml:"helper_timeout"`
	FallbackTimeout time.Duration `mapstructure:"fallback_timeout" yaml:"fallback_timeout"`
	// SubmitSettle is how long the fallback waits after submitting before checking post-conditions.
	SubmitSettle time.Duration `mapstructure:"submit_settle" yaml:"submit_settle"`
	QueueSize    int           `mapstructure:"queue_size" yaml:"queue_size"`
}

// SchedulerConfig carries the queue scheduler's policy constants.
type SchedulerConfig struct {
	RetryBackoff       time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	MaxAttemptsPerItem int           `mapstructure:"max_attempts_per_item" yaml:"max_attempts_per_item"`
	MinStartInterval   time.Duration `mapstructure:"min_start_interval" yaml:"min_start_interval"`
	ActivationGrace    time.Duration `mapstructure:"activation_grace" yaml:"activation_grace"`
	MinSettle          time.Duration `mapstructure:"min_settle" yaml:"min_settle"`
	MaxWaitPerItem     time.Duration `mapstructure:"max_wait_per_item" yaml:"max_wait_per_item"`
	PollInterval       time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	HistoryCap         int           `mapstructure:"history_cap" yaml:"history_cap"`
}

// StoreConfig selects where send history is persisted.
type StoreConfig struct {
	// Driver is one of "sqlite", "postgres" or "none".
	Driver string `mapstructure:"driver" yaml:"driver"`
	Path   string `mapstructure:"path" yaml:"path"`
	URL    string `mapstructure:"url" yaml:"url"`
}

// CheckPromptConfig configures the verification prompt inserted after every task.
type CheckPromptConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Text    string `mapstructure:"text" yaml:"text"`
}

// AutopilotConfig is the user-editable settings block the scheduler runs from.
type AutopilotConfig struct {
	Enabled               bool              `mapstructure:"enabled" yaml:"enabled"`
	Mode                  string            `mapstructure:"mode" yaml:"mode"`
	Prompts               []string          `mapstructure:"prompts" yaml:"prompts"`
	QueueMode             QueueMode         `mapstructure:"queue_mode" yaml:"queue_mode"`
	SilenceTimeoutSeconds int               `mapstructure:"silence_timeout_seconds" yaml:"silence_timeout_seconds"`
	CheckPrompt           CheckPromptConfig `mapstructure:"check_prompt" yaml:"check_prompt"`
	TargetConversation    string            `mapstructure:"target_conversation" yaml:"target_conversation"`
	PreferredTarget       string            `mapstructure:"preferred_target" yaml:"preferred_target"`
}

// SilenceTimeout converts the configured seconds into a duration.
func (a AutopilotConfig) SilenceTimeout() time.Duration {
	return time.Duration(a.SilenceTimeoutSeconds) * time.Second
}

// DefaultCheckPrompt is sent after each task when check prompts are enabled and no text is configured.
const DefaultCheckPrompt = "Review the previous task: verify it is complete and fix anything that is not."

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "promptpilot")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 20)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Remote --
	v.SetDefault("remote.discovery_url", "http://127.0.0.1:9222/json/list")
	v.SetDefault("remote.accepted_kinds", []string{"page", "webview", "iframe"})
	v.SetDefault("remote.self_signatures", []string{"promptpilot"})
	v.SetDefault("remote.workspace", "")
	v.SetDefault("remote.detect_keywords", []string{"chat", "agent", "assistant", "copilot", "composer"})
	v.SetDefault("remote.panel_selectors", []string{"[data-agent-panel]", ".chat-input", ".interactive-input-part"})
	v.SetDefault("remote.discovery_timeout", "2s")
	v.SetDefault("remote.call_timeout", "5s")
	v.SetDefault("remote.probe_timeout", "1500ms")
	v.SetDefault("remote.probe_cooldown", "30s")
	v.SetDefault("remote.refresh_interval", "5s")
	v.SetDefault("remote.activity_poll", "750ms")

	// -- Delivery --
	v.SetDefault("delivery.helper_timeout", "10s")
	v.SetDefault("delivery.fallback_timeout", "8s")
	v.SetDefault("delivery.submit_settle", "600ms")
	v.SetDefault("delivery.queue_size", 16)

	// -- Scheduler --
	v.SetDefault("scheduler.retry_backoff", "5s")
	v.SetDefault("scheduler.max_attempts_per_item", 5)
	v.SetDefault("scheduler.min_start_interval", "2s")
	v.SetDefault("scheduler.activation_grace", "3s")
	v.SetDefault("scheduler.min_settle", "3s")
	v.SetDefault("scheduler.max_wait_per_item", "10m")
	v.SetDefault("scheduler.poll_interval", "1s")
	v.SetDefault("scheduler.history_cap", 50)

	// -- Store --
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "~/.promptpilot/history.db")
	v.SetDefault("store.url", "")

	// -- Autopilot --
	v.SetDefault("autopilot.enabled", true)
	v.SetDefault("autopilot.mode", "queue")
	v.SetDefault("autopilot.prompts", []string{})
	v.SetDefault("autopilot.queue_mode", string(QueueConsume))
	v.SetDefault("autopilot.silence_timeout_seconds", 30)
	v.SetDefault("autopilot.check_prompt.enabled", false)
	v.SetDefault("autopilot.check_prompt.text", DefaultCheckPrompt)
	v.SetDefault("autopilot.target_conversation", "")
	v.SetDefault("autopilot.preferred_target", "")
}

// EnvPrefix prefixes every environment override, e.g. PROMPTPILOT_REMOTE_DISCOVERY_URL.
const EnvPrefix = "PROMPTPILOT"

// BindEnvironment makes v resolve keys from PROMPTPILOT_* variables.
func BindEnvironment(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	_ = v.BindEnv("store.url", "PROMPTPILOT_STORE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Remote.DiscoveryURL == "" {
		return fmt.Errorf("remote.discovery_url is required")
	}
	if c.Remote.CallTimeout <= 0 {
		return fmt.Errorf("remote.call_timeout must be a positive duration")
	}
	if c.Delivery.QueueSize <= 0 {
		return fmt.Errorf("delivery.queue_size must be a positive integer")
	}
	if err := c.Scheduler.Validate(); err != nil {
		return fmt.Errorf("scheduler configuration invalid: %w", err)
	}
	if err := c.Autopilot.Validate(); err != nil {
		return fmt.Errorf("autopilot configuration invalid: %w", err)
	}
	switch c.Store.Driver {
	case "sqlite", "none", "":
	case "postgres":
		if c.Store.URL == "" {
			return fmt.Errorf("store.url is required for the postgres driver (PROMPTPILOT_STORE_URL)")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	return nil
}

// Validate checks the scheduler policy values.
func (s *SchedulerConfig) Validate() error {
	if s.MaxAttemptsPerItem <= 0 {
		return fmt.Errorf("max_attempts_per_item must be greater than 0")
	}
	if s.HistoryCap <= 0 {
		return fmt.Errorf("history_cap must be greater than 0")
	}
	if s.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be a positive duration")
	}
	if s.RetryBackoff < 0 || s.MinSettle < 0 || s.MinStartInterval < 0 || s.ActivationGrace < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}

// Validate checks the autopilot settings block.
func (a *AutopilotConfig) Validate() error {
	if !a.QueueMode.Valid() {
		return fmt.Errorf("queue_mode must be one of consume, loop, keep (got %q)", a.QueueMode)
	}
	if a.SilenceTimeoutSeconds <= 0 {
		return fmt.Errorf("silence_timeout_seconds must be greater than 0")
	}
	return nil
}
