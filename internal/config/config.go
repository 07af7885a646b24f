package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models postline.yml.
type Config struct {
	Workspace struct {
		Name string `yaml:"name" json:"name"`
	} `yaml:"workspace" json:"workspace"`
	Limits struct {
		MainText int `yaml:"main_text" json:"main_text"`
		ArtText  int `yaml:"art_text" json:"art_text"`
	} `yaml:"limits" json:"limits"`
	Notifications struct {
		ReminderThresholdHours int `yaml:"reminder_threshold_hours" json:"reminder_threshold_hours"`
		DigestHour             int `yaml:"digest_hour" json:"digest_hour"`
	} `yaml:"notifications" json:"notifications"`
	Auth struct {
		RestrictedDomain string `yaml:"restricted_domain" json:"restricted_domain"`
	} `yaml:"auth" json:"auth"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

// WebhookConfig describes one outbox subscriber.
type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with pl config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Workspace.Name) == "" {
		return fmt.Errorf("config.workspace.name is required")
	}
	if c.Limits.MainText < 0 || c.Limits.ArtText < 0 {
		return fmt.Errorf("config.limits must not be negative")
	}
	if c.Notifications.ReminderThresholdHours < 0 {
		return fmt.Errorf("config.notifications.reminder_threshold_hours must not be negative")
	}
	if c.Notifications.DigestHour < 0 || c.Notifications.DigestHour > 23 {
		return fmt.Errorf("config.notifications.digest_hour must be between 0 and 23")
	}
	if d := c.Auth.RestrictedDomain; d != "" && strings.ContainsAny(d, "@/ ") {
		return fmt.Errorf("config.auth.restricted_domain must be a bare domain, got %q", d)
	}
	for i, hook := range c.Webhooks {
		u, err := url.Parse(hook.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config.webhooks[%d].url must be an absolute URL", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
		for _, evt := range hook.Events {
			if strings.TrimSpace(evt) == "" {
				return fmt.Errorf("config.webhooks[%d].events contains an empty entry", i)
			}
		}
	}
	return nil
}

// AllowsEmail reports whether email belongs to the restricted domain, if one
// is configured.
func (c *Config) AllowsEmail(email string) bool {
	domain := strings.ToLower(strings.TrimSpace(c.Auth.RestrictedDomain))
	if domain == "" {
		return true
	}
	at := strings.LastIndex(email, "@")
	return at >= 0 && strings.ToLower(email[at+1:]) == domain
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "postline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(name string) string {
	return fmt.Sprintf(defaultTemplate, name)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config for a workspace.
func Default(name string) *Config {
	if strings.TrimSpace(name) == "" {
		name = "postline"
	}
	var cfg Config
	_ = yaml.Unmarshal([]byte(GenerateDefault(name)), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Sections left
// out of the document keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("")
	cfg.Workspace.Name = ""
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `workspace:
  name: %s

limits:
  main_text: 1000
  art_text: 200

notifications:
  reminder_threshold_hours: 24
  digest_hour: 18

auth:
  restricted_domain: ""
`
