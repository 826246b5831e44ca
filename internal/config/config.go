// Package config loads mirai's runtime configuration from the
// process environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration. Load is the only supported
// way to obtain one; after Load returns successfully every field is
// usable without further nil/empty checks.
type Config struct {
	HomeAssistant HomeAssistantConfig
	MQTT          MQTTConfig

	// DataDir is where the global key-value store file and any other
	// persistent runtime state lives.
	DataDir string
	// Timezone is the IANA zone name used for daily/sunrise/sunset
	// schedule calculations.
	Timezone string
	// Latitude and Longitude are used for sunrise/sunset schedule
	// kinds. Required only if a schedule of that kind is registered.
	Latitude  float64
	Longitude float64

	// HealthAddr, if non-empty, is the bind address for the /healthz
	// HTTP endpoint (e.g. ":8099"). Empty disables it.
	HealthAddr string
	// LogLevel is one of trace, debug, info, warn, error.
	LogLevel string

	// AutomationOverrides holds per-automation schedule-parameter
	// tunables loaded from MIRAI_AUTOMATIONS_FILE, keyed by the
	// automation's Name(). Nil if the file is unset. This never
	// changes which automations exist or what code runs — it only
	// lets an operator retune a registered schedule's time/offset/
	// interval without recompiling.
	AutomationOverrides map[string]AutomationOverride

	// EntityFilter is an optional comma-separated list of path.Match
	// globs (e.g. "light.*,switch.fan") loaded from MIRAI_ENTITY_FILTER.
	// When set, the state cache only tracks live state_changed updates
	// for matching entity IDs; empty means all entities are tracked.
	// Purely a noise-reduction knob — bootstrap from REST is unaffected.
	EntityFilter []string
	// EntityRateLimitPerMinute caps how many live state updates per
	// entity the state cache applies within a one-minute window, from
	// MIRAI_ENTITY_RATE_LIMIT. Zero (the default) disables the limit.
	EntityRateLimitPerMinute int
}

// AutomationOverride holds the schedule-parameter fields an operator
// may override for a single automation via MIRAI_AUTOMATIONS_FILE. A
// nil field leaves the automation's own registered value untouched.
type AutomationOverride struct {
	Time   *string  `yaml:"time,omitempty"`
	Offset *float64 `yaml:"offset,omitempty"`
	Every  *float64 `yaml:"every,omitempty"`
}

// HomeAssistantConfig defines the HA WebSocket/REST connection.
type HomeAssistantConfig struct {
	Host  string
	Port  int
	Token string
	// TLS enables wss:// / https:// instead of ws:// / http://.
	TLS bool
}

// MQTTConfig defines the MQTT broker connection. An empty Host means
// the MQTT connector is disabled entirely.
type MQTTConfig struct {
	Host     string
	Port     int
	ClientID string
	Username string
	Password string
	// Subscriptions is the list of topic filters to subscribe on
	// connect. Defaults to a single "pomodoro/timer/+" filter.
	Subscriptions []string
}

// Configured reports whether enough Home Assistant connection details
// are present to attempt a connection.
func (c HomeAssistantConfig) Configured() bool {
	return c.Host != "" && c.Token != ""
}

// Configured reports whether enough MQTT connection details are
// present to attempt a connection.
func (c MQTTConfig) Configured() bool {
	return c.Host != ""
}

// WSScheme returns "wss" or "ws" depending on TLS.
func (c HomeAssistantConfig) WSScheme() string {
	if c.TLS {
		return "wss"
	}
	return "ws"
}

// HTTPScheme returns "https" or "http" depending on TLS.
func (c HomeAssistantConfig) HTTPScheme() string {
	if c.TLS {
		return "https"
	}
	return "http"
}

// Load reads configuration from environment variables, applies
// defaults for anything unset, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		HomeAssistant: HomeAssistantConfig{
			Host:  os.Getenv("HA_HOST"),
			Token: os.Getenv("HA_TOKEN"),
			TLS:   envBool("HA_TLS", false),
		},
		MQTT: MQTTConfig{
			Host:     os.Getenv("MQTT_HOST"),
			ClientID: os.Getenv("MQTT_CLIENT_ID"),
			Username: os.Getenv("MQTT_USERNAME"),
			Password: os.Getenv("MQTT_PASSWORD"),
		},
		DataDir:    os.Getenv("MIRAI_DATA_DIR"),
		Timezone:   os.Getenv("MIRAI_TIMEZONE"),
		HealthAddr: os.Getenv("MIRAI_HEALTH_ADDR"),
		LogLevel:   os.Getenv("MIRAI_LOG_LEVEL"),
	}

	var err error
	if cfg.HomeAssistant.Port, err = envInt("HA_PORT", 8123); err != nil {
		return nil, err
	}
	if cfg.MQTT.Port, err = envInt("MQTT_PORT", 1883); err != nil {
		return nil, err
	}
	if cfg.Latitude, err = envFloat("MIRAI_LATITUDE", 0); err != nil {
		return nil, err
	}
	if cfg.Longitude, err = envFloat("MIRAI_LONGITUDE", 0); err != nil {
		return nil, err
	}

	if subs := os.Getenv("MQTT_SUBSCRIPTIONS"); subs != "" {
		for _, part := range strings.Split(subs, ",") {
			if part = strings.TrimSpace(part); part != "" {
				cfg.MQTT.Subscriptions = append(cfg.MQTT.Subscriptions, part)
			}
		}
	}

	if filter := os.Getenv("MIRAI_ENTITY_FILTER"); filter != "" {
		for _, part := range strings.Split(filter, ",") {
			if part = strings.TrimSpace(part); part != "" {
				cfg.EntityFilter = append(cfg.EntityFilter, part)
			}
		}
	}
	if cfg.EntityRateLimitPerMinute, err = envInt("MIRAI_ENTITY_RATE_LIMIT", 0); err != nil {
		return nil, err
	}

	if path := os.Getenv("MIRAI_AUTOMATIONS_FILE"); path != "" {
		overrides, err := loadAutomationOverrides(path)
		if err != nil {
			return nil, fmt.Errorf("MIRAI_AUTOMATIONS_FILE %q: %w", path, err)
		}
		cfg.AutomationOverrides = overrides
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Timezone == "" {
		c.Timezone = "Europe/Prague"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "mirai"
	}
	if c.MQTT.Configured() && len(c.MQTT.Subscriptions) == 0 {
		c.MQTT.Subscriptions = []string{"pomodoro/timer/+"}
	}
}

// Validate checks that the configuration is internally consistent. It
// runs after applyDefaults, so it can assume defaults are populated.
func (c *Config) Validate() error {
	if !c.HomeAssistant.Configured() {
		return fmt.Errorf("HA_HOST and HA_TOKEN are required")
	}
	if c.HomeAssistant.Port < 1 || c.HomeAssistant.Port > 65535 {
		return fmt.Errorf("HA_PORT %d out of range (1-65535)", c.HomeAssistant.Port)
	}
	if c.MQTT.Configured() && (c.MQTT.Port < 1 || c.MQTT.Port > 65535) {
		return fmt.Errorf("MQTT_PORT %d out of range (1-65535)", c.MQTT.Port)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("MIRAI_TIMEZONE %q: %w", c.Timezone, err)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// loadAutomationOverrides parses a YAML document of the form:
//
//	pomodoro_timer:
//	  time: "01:00"
//	morning_blinds:
//	  offset: 900
func loadAutomationOverrides(path string) (map[string]AutomationOverride, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	overrides := make(map[string]AutomationOverride)
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return overrides, nil
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s %q: %w", key, v, err)
	}
	return n, nil
}

func envFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s %q: %w", key, v, err)
	}
	return f, nil
}
