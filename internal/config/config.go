// Package config handles bridgekeeper configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/bridgekeeper/config.yaml, /config/config.yaml,
// /etc/bridgekeeper/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "bridgekeeper", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/bridgekeeper/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all bridgekeeper configuration. Every field named in the
// environment configuration table is represented here; Load applies
// defaults so callers never need to special-case a zero value.
type Config struct {
	Chat       ChatConfig       `yaml:"chat"`
	Paths      PathsConfig      `yaml:"paths"`
	Queue      QueueConfig      `yaml:"queue"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Retry      RetryConfig      `yaml:"retry"`
	Circuit    CircuitConfig    `yaml:"circuit"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	ControlAPI ControlAPIConfig `yaml:"control_api"`
	Integrity  IntegrityConfig  `yaml:"integrity"`

	Timezone          string `yaml:"timezone"`
	MessageStyle      string `yaml:"message_style"` // concise, detailed
	GracefulDeadline  Duration `yaml:"graceful_deadline"`
	RetentionDays     int      `yaml:"retention_days"`
	RetentionByFamily map[string]int `yaml:"retention_days_by_family"`
	HealthPort        int    `yaml:"health_port"`
	LogLevel          string `yaml:"log_level"`
}

// ChatConfig carries the outbound chat platform credentials and allow-list.
type ChatConfig struct {
	BotToken       string  `yaml:"bot_token"`
	APIBaseURL     string  `yaml:"api_base_url"`
	AllowedUserIDs []int64 `yaml:"allowed_user_ids"`
}

// PathsConfig names the directories and files the bridge reads and writes.
type PathsConfig struct {
	EventsDir     string `yaml:"events_dir"`
	ResponsesDir  string `yaml:"responses_dir"`
	QuarantineDir string `yaml:"quarantine_dir"`
	OffsetFile    string `yaml:"offset_file"`
	QueueSnapshot string `yaml:"queue_snapshot"`
}

// QueueConfig bounds the dispatcher's queue and worker pool.
type QueueConfig struct {
	Capacity          int `yaml:"capacity"`
	WorkerParallelism int `yaml:"worker_parallelism"`
}

// RateLimitConfig configures the three admission buckets (§4.3).
type RateLimitConfig struct {
	Global      int `yaml:"global"`       // messages/sec, all chats
	PerChat     int `yaml:"per_chat"`     // messages/sec, one chat
	PerProducer int `yaml:"per_producer"` // messages/sec, one source
}

// RetryConfig configures C5's exponential backoff.
type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
}

// CircuitConfig configures C5's per-endpoint circuit breaker.
type CircuitConfig struct {
	Threshold int      `yaml:"threshold"` // failures to trip
	Window    Duration `yaml:"window"`    // failure-counting window
	CoolDown  Duration `yaml:"cool_down"` // time spent open before half-open
}

// WebhookConfig configures C9's inbound HTTP surface.
type WebhookConfig struct {
	Address   string `yaml:"address"`
	Port      int    `yaml:"port"`
	BodyLimit int64  `yaml:"body_limit"`
}

// ControlAPIConfig configures C13's remote-invocation surface.
type ControlAPIConfig struct {
	Address    string   `yaml:"address"`
	Port       int      `yaml:"port"`
	APIKeys    []string `yaml:"api_keys"`
	HMACSecret string   `yaml:"hmac_secret"`
}

// IntegrityConfig configures C10.
type IntegrityConfig struct {
	// Required controls how strictly integrity metadata is enforced:
	// off, optional, required.
	Required   string `yaml:"required"`
	HMACSecret string `yaml:"hmac_secret"`
}

// Duration wraps time.Duration for YAML serialization as a Go duration
// string ("500ms", "30s").
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Allowed reports whether userID appears in the chat allow-list. An empty
// allow-list denies everyone — the bridge refuses to run wide open.
func (c ChatConfig) Allowed(userID int64) bool {
	for _, id := range c.AllowedUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${CHAT_BOT_TOKEN}). This is a
	// convenience for container deployments; secrets may also be placed
	// directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Paths.EventsDir == "" {
		c.Paths.EventsDir = "./data/events"
	}
	if c.Paths.ResponsesDir == "" {
		c.Paths.ResponsesDir = "./data/responses"
	}
	if c.Paths.QuarantineDir == "" {
		c.Paths.QuarantineDir = "./data/quarantine"
	}
	if c.Paths.OffsetFile == "" {
		c.Paths.OffsetFile = "./data/poll_offset"
	}
	if c.Paths.QueueSnapshot == "" {
		c.Paths.QueueSnapshot = "./data/queue_snapshot.json"
	}
	if c.Queue.Capacity == 0 {
		c.Queue.Capacity = 1000
	}
	if c.Queue.WorkerParallelism == 0 {
		c.Queue.WorkerParallelism = 8
	}
	if c.RateLimit.Global == 0 {
		c.RateLimit.Global = 30
	}
	if c.RateLimit.PerChat == 0 {
		c.RateLimit.PerChat = 10
	}
	if c.RateLimit.PerProducer == 0 {
		c.RateLimit.PerProducer = 10
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.BaseDelay.Duration == 0 {
		c.Retry.BaseDelay.Duration = 500 * time.Millisecond
	}
	if c.Retry.MaxDelay.Duration == 0 {
		c.Retry.MaxDelay.Duration = 30 * time.Second
	}
	if c.Circuit.Threshold == 0 {
		c.Circuit.Threshold = 5
	}
	if c.Circuit.Window.Duration == 0 {
		c.Circuit.Window.Duration = 60 * time.Second
	}
	if c.Circuit.CoolDown.Duration == 0 {
		c.Circuit.CoolDown.Duration = 30 * time.Second
	}
	if c.Webhook.Port == 0 {
		c.Webhook.Port = 8081
	}
	if c.Webhook.BodyLimit == 0 {
		c.Webhook.BodyLimit = 10 << 20 // 10 MiB
	}
	if c.ControlAPI.Port == 0 {
		c.ControlAPI.Port = 8082
	}
	if c.Integrity.Required == "" {
		c.Integrity.Required = "optional"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.MessageStyle == "" {
		c.MessageStyle = "concise"
	}
	if c.GracefulDeadline.Duration == 0 {
		c.GracefulDeadline.Duration = 30 * time.Second
	}
	if c.RetentionDays == 0 {
		c.RetentionDays = 90
	}
	if c.HealthPort == 0 {
		c.HealthPort = 8080
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.HealthPort < 1 || c.HealthPort > 65535 {
		return fmt.Errorf("health_port %d out of range (1-65535)", c.HealthPort)
	}
	if c.Webhook.Port < 1 || c.Webhook.Port > 65535 {
		return fmt.Errorf("webhook.port %d out of range (1-65535)", c.Webhook.Port)
	}
	if c.ControlAPI.Port < 1 || c.ControlAPI.Port > 65535 {
		return fmt.Errorf("control_api.port %d out of range (1-65535)", c.ControlAPI.Port)
	}
	switch c.MessageStyle {
	case "concise", "detailed":
	default:
		return fmt.Errorf("message_style %q must be concise or detailed", c.MessageStyle)
	}
	switch c.Integrity.Required {
	case "off", "optional", "required":
	default:
		return fmt.Errorf("integrity.required %q must be off, optional, or required", c.Integrity.Required)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// RetentionFor returns the retention window for the given event-type
// family, falling back to RetentionDays when no per-family override is
// configured. See spec Open Question on per-family retention.
func (c *Config) RetentionFor(family string) int {
	if c.RetentionByFamily != nil {
		if days, ok := c.RetentionByFamily[family]; ok {
			return days
		}
	}
	return c.RetentionDays
}

// Default returns a default configuration suitable for local development.
// All defaults are already applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
