// Package config loads gateway and space configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/mewspace/gateway/internal/capability"
)

type Config struct {
	Gateway GatewayConfig `yaml:"gateway"`
	Spaces  []SpaceConfig `yaml:"spaces"`
}

type GatewayConfig struct {
	Port           string   `yaml:"port"`
	Env            string   `yaml:"env"` // development | production
	AllowedOrigins []string `yaml:"allowed_origins"`
	RedisAddr      string   `yaml:"redis_addr"`
	EnableDevToken bool     `yaml:"enable_dev_token"`
}

type SpaceConfig struct {
	Name                    string              `yaml:"name"`
	MaxParticipants         int                 `yaml:"max_participants"`
	HistoryLimit            int                 `yaml:"history_limit"`
	HistoryMaxBytes         int                 `yaml:"history_max_bytes"`
	HeartbeatSeconds        int                 `yaml:"heartbeat_seconds"`
	SlowConsumerDrainBudget int                 `yaml:"slow_consumer_drain_seconds"`
	GrantAckTimeoutSeconds  int                 `yaml:"grant_ack_timeout_seconds"`
	StreamOpenTimeoutSecs   int                 `yaml:"stream_open_timeout_seconds"`
	RateLimitPerMinute      int                 `yaml:"rate_limit_per_minute"`
	WelcomeHistoryLimit     int                 `yaml:"welcome_history_limit"`
	Participants            []ParticipantConfig `yaml:"participants"`
}

type ParticipantConfig struct {
	ID           string            `yaml:"id"`
	Name         string            `yaml:"name"`
	Kind         string            `yaml:"kind"` // human | agent | robot | ...
	Tokens       []string          `yaml:"tokens"`
	Capabilities []capability.Rule `yaml:"capabilities"`
	Observes     []capability.Rule `yaml:"observes"`
}

// Defaults per the protocol.
const (
	DefaultMaxParticipants     = 50
	DefaultHeartbeatInterval   = 30 * time.Second
	DefaultSlowConsumerBudget  = 5 * time.Second
	DefaultGrantAckTimeout     = 60 * time.Second
	DefaultStreamOpenTimeout   = 30 * time.Second
	DefaultWelcomeHistoryLimit = 100
)

// Load reads and normalizes a YAML config file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	if c.Gateway.Port == "" {
		c.Gateway.Port = "8080"
	}
	if c.Gateway.Env == "" {
		c.Gateway.Env = "development"
	}
	for i := range c.Spaces {
		s := &c.Spaces[i]
		if s.MaxParticipants <= 0 {
			s.MaxParticipants = DefaultMaxParticipants
		}
		if s.WelcomeHistoryLimit <= 0 {
			s.WelcomeHistoryLimit = DefaultWelcomeHistoryLimit
		}
		for j := range s.Participants {
			p := &s.Participants[j]
			p.Capabilities = normalizeRules(p.Capabilities)
			p.Observes = normalizeRules(p.Observes)
		}
	}
}

func (c *Config) validate() error {
	seen := make(map[string]bool)
	for _, s := range c.Spaces {
		if s.Name == "" {
			return fmt.Errorf("config: space with empty name")
		}
		if seen[s.Name] {
			return fmt.Errorf("config: duplicate space %q", s.Name)
		}
		seen[s.Name] = true
		ids := make(map[string]bool)
		for _, p := range s.Participants {
			if p.ID == "" {
				return fmt.Errorf("config: space %q: participant with empty id", s.Name)
			}
			if ids[p.ID] {
				return fmt.Errorf("config: space %q: duplicate participant %q", s.Name, p.ID)
			}
			ids[p.ID] = true
		}
	}
	return nil
}

// HeartbeatInterval returns the configured or default heartbeat period.
func (s *SpaceConfig) HeartbeatInterval() time.Duration {
	return secondsOr(s.HeartbeatSeconds, DefaultHeartbeatInterval)
}

// SlowConsumerBudget returns the drain budget before eviction.
func (s *SpaceConfig) SlowConsumerBudget() time.Duration {
	return secondsOr(s.SlowConsumerDrainBudget, DefaultSlowConsumerBudget)
}

// GrantAckTimeout returns the pending-grant expiry window.
func (s *SpaceConfig) GrantAckTimeout() time.Duration {
	return secondsOr(s.GrantAckTimeoutSeconds, DefaultGrantAckTimeout)
}

// StreamOpenTimeout returns the request-to-open expiry window.
func (s *SpaceConfig) StreamOpenTimeout() time.Duration {
	return secondsOr(s.StreamOpenTimeoutSecs, DefaultStreamOpenTimeout)
}

func secondsOr(n int, def time.Duration) time.Duration {
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

// normalizeRules rewrites yaml.v2's map[interface{}]interface{} payload
// values into the map[string]interface{} form the matcher expects, and
// widens integers to float64 so they compare equal against JSON numbers.
func normalizeRules(rules []capability.Rule) []capability.Rule {
	for i := range rules {
		if rules[i].Payload != nil {
			rules[i].Payload = normalizeMap(rules[i].Payload)
		}
	}
	return rules
}

func normalizeMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeValue(val)
		}
		return out
	case map[string]interface{}:
		return normalizeMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalizeValue(val)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return v
	}
}
