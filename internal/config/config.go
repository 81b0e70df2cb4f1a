// Package config handles Cadence configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/cadence/internal/email"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/cadence/config.yaml, /etc/cadence/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "cadence", "config.yaml"))
	}

	paths = append(paths, "/etc/cadence/config.yaml")
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

// Config holds all Cadence configuration.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text (default) or json

	// DataDir holds the state database. Default: ./data.
	DataDir string `yaml:"data_dir"`

	// DefaultTimezone is used when a user's zone can't be determined.
	DefaultTimezone string `yaml:"default_timezone"`

	Listen     ListenConfig     `yaml:"listen"`
	Slack      SlackConfig      `yaml:"slack"`
	Classifier ClassifierConfig `yaml:"classifier"`
	CalDAV     CalDAVConfig     `yaml:"caldav"`
	CardDAV    CardDAVConfig    `yaml:"carddav"`
	Todoist    TodoistConfig    `yaml:"todoist"`
	Email      email.Config     `yaml:"email"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Timeouts   TimeoutsConfig   `yaml:"timeouts"`
	Retention  RetentionConfig  `yaml:"retention"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
}

// ListenConfig defines the operator API server settings. Port 0
// disables the server.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// SlackConfig holds the Slack app credentials. The app token (xapp-)
// opens Socket Mode connections; the bot token (xoxb-) calls the Web
// API.
type SlackConfig struct {
	BotToken string `yaml:"bot_token"`
	AppToken string `yaml:"app_token"`
	// APIURL overrides https://slack.com/api, for tests and proxies.
	APIURL string `yaml:"api_url"`
}

// Configured reports whether Slack is set up.
func (c SlackConfig) Configured() bool {
	return c.BotToken != "" && c.AppToken != ""
}

// ClassifierConfig points at the intent classification service.
type ClassifierConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

// CalDAVConfig defines the calendar server.
type CalDAVConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// Calendar is the collection path. Empty discovers the first event
	// calendar of the account.
	Calendar string `yaml:"calendar"`
	// InviteAttendees allows created events to carry attendees. Leave it
	// off for accounts that cannot send invitations.
	InviteAttendees bool `yaml:"invite_attendees"`
}

// Configured reports whether a calendar is set up.
func (c CalDAVConfig) Configured() bool { return c.URL != "" }

// CardDAVConfig defines the address book used as the timezone source
// when Slack profiles have none.
type CardDAVConfig struct {
	URL         string `yaml:"url"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	AddressBook string `yaml:"address_book"`
}

// Configured reports whether the address book is set up.
func (c CardDAVConfig) Configured() bool { return c.URL != "" }

// TodoistConfig defines the task service.
type TodoistConfig struct {
	Token             string  `yaml:"token"`
	BaseURL           string  `yaml:"base_url"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// Configured reports whether tasks are set up.
func (c TodoistConfig) Configured() bool { return c.Token != "" }

// MQTTConfig defines the optional activity publisher.
type MQTTConfig struct {
	// Broker is the broker URL (mqtt://, mqtts:// or ssl://). Empty
	// disables publishing.
	Broker   string `yaml:"broker"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// TopicPrefix roots every topic. Default: cadence.
	TopicPrefix string `yaml:"topic_prefix"`
	// ClientID defaults to "cadence-" plus the instance id.
	ClientID string `yaml:"client_id"`
	// DiscoveryPrefix enables Home Assistant discovery of the activity
	// sensors under this prefix (usually "homeassistant"). Empty
	// disables discovery.
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	// DeviceName is the device shown in Home Assistant. Default: Cadence.
	DeviceName string `yaml:"device_name"`
	// PublishInterval is how often sensor states are refreshed.
	// Default 60s.
	PublishInterval time.Duration `yaml:"publish_interval"`
}

// Configured reports whether MQTT publishing is enabled.
func (c MQTTConfig) Configured() bool { return c.Broker != "" }

// TimeoutsConfig bounds outbound work.
type TimeoutsConfig struct {
	// Provider bounds each calendar, task or identity call. Default 10s.
	Provider time.Duration `yaml:"provider"`
	// Handle bounds the handling of one inbound message. Default 2m.
	Handle time.Duration `yaml:"handle"`
	// Classifier bounds one classification call. Default 20s.
	Classifier time.Duration `yaml:"classifier"`
}

// RetentionConfig controls the state sweeper.
type RetentionConfig struct {
	Conversation  time.Duration `yaml:"conversation"`   // default 48h
	Timezone      time.Duration `yaml:"timezone"`       // default 168h
	SweepInterval time.Duration `yaml:"sweep_interval"` // default 1h
}

// RateLimitConfig limits inbound traffic.
type RateLimitConfig struct {
	// PerUserPerMinute caps messages handled per sender. Zero disables.
	PerUserPerMinute int `yaml:"per_user_per_minute"`
}

// Load reads configuration from a YAML file, expanding ${VAR}
// references from the environment, and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// Default returns a configuration with every default applied and no
// collaborators configured.
func Default() *Config {
	cfg := &Config{Listen: ListenConfig{Port: 8080}}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-value fields.
func (c *Config) ApplyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.DefaultTimezone == "" {
		c.DefaultTimezone = "UTC"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Todoist.RequestsPerSecond == 0 {
		c.Todoist.RequestsPerSecond = 4
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "cadence"
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "Cadence"
	}
	if c.MQTT.PublishInterval == 0 {
		c.MQTT.PublishInterval = time.Minute
	}
	if c.Timeouts.Provider == 0 {
		c.Timeouts.Provider = 10 * time.Second
	}
	if c.Timeouts.Handle == 0 {
		c.Timeouts.Handle = 2 * time.Minute
	}
	if c.Timeouts.Classifier == 0 {
		c.Timeouts.Classifier = 20 * time.Second
	}
	if c.Retention.Conversation == 0 {
		c.Retention.Conversation = 48 * time.Hour
	}
	if c.Retention.Timezone == 0 {
		c.Retention.Timezone = 7 * 24 * time.Hour
	}
	if c.Retention.SweepInterval == 0 {
		c.Retention.SweepInterval = time.Hour
	}
	c.Email.ApplyDefaults()
}

// Validate checks the configuration for settings that would fail at
// runtime. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}
	if _, err := time.LoadLocation(c.DefaultTimezone); err != nil || strings.TrimSpace(c.DefaultTimezone) == "" {
		errs = append(errs, fmt.Errorf("default_timezone %q is not an IANA zone", c.DefaultTimezone))
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range (0-65535)", c.Listen.Port))
	}
	if (c.Slack.BotToken == "") != (c.Slack.AppToken == "") {
		errs = append(errs, errors.New("slack.bot_token and slack.app_token must be set together"))
	}
	if c.Slack.Configured() && c.Classifier.URL == "" {
		errs = append(errs, errors.New("classifier.url is required when slack is configured"))
	}
	if c.CardDAV.Configured() && c.CardDAV.AddressBook == "" {
		errs = append(errs, errors.New("carddav.address_book is required when carddav.url is set"))
	}
	if c.Todoist.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("todoist.requests_per_second %v must be positive", c.Todoist.RequestsPerSecond))
	}
	if c.MQTT.Configured() && !validBrokerScheme(c.MQTT.Broker) {
		errs = append(errs, fmt.Errorf("mqtt.broker %q must use mqtt://, mqtts://, ssl://, tcp:// or ws://", c.MQTT.Broker))
	}
	if c.RateLimit.PerUserPerMinute < 0 {
		errs = append(errs, errors.New("rate_limit.per_user_per_minute must not be negative"))
	}
	for name, d := range map[string]time.Duration{
		"timeouts.provider":        c.Timeouts.Provider,
		"timeouts.handle":          c.Timeouts.Handle,
		"timeouts.classifier":      c.Timeouts.Classifier,
		"retention.conversation":   c.Retention.Conversation,
		"retention.timezone":       c.Retention.Timezone,
		"retention.sweep_interval": c.Retention.SweepInterval,
		"mqtt.publish_interval":    c.MQTT.PublishInterval,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if err := c.Email.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func validBrokerScheme(broker string) bool {
	for _, s := range []string{"mqtt://", "mqtts://", "ssl://", "tcp://", "ws://", "wss://"} {
		if strings.HasPrefix(broker, s) {
			return true
		}
	}
	return false
}

// DBPath is the state database location.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "cadence.db")
}
