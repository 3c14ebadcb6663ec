package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models assignline.yml.
type Config struct {
	Admins   []string `yaml:"admins"`
	Channels Channels `yaml:"channels"`
	Gateway struct {
		PayPal struct {
			BusinessEmail string `yaml:"business_email"`
			NotifyURL     string `yaml:"notify_url"`
			ReturnURL     string `yaml:"return_url"`
			CancelURL     string `yaml:"cancel_url"`
		} `yaml:"paypal"`
		Stripe struct {
			APIKey     string `yaml:"api_key"`
			SuccessURL string `yaml:"success_url"`
			CancelURL  string `yaml:"cancel_url"`
		} `yaml:"stripe"`
	} `yaml:"gateway"`
	Slack struct {
		BotToken string `yaml:"bot_token"`
		AppToken string `yaml:"app_token"`
	} `yaml:"slack"`
	Lifecycle struct {
		TeardownGraceSeconds int `yaml:"teardown_grace_seconds"`
		SweepIntervalMinutes int `yaml:"sweep_interval_minutes"`
	} `yaml:"lifecycle"`
	API struct {
		Listen                 string `yaml:"listen"`
		BasePath               string `yaml:"base_path"`
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"api"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Logging  struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// WebhookConfig is one outbound event subscription.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Channels are the designated feed channel ids.
type Channels struct {
	Upload        string `yaml:"upload"`
	Reviews       string `yaml:"reviews"`
	PaymentStatus string `yaml:"payment_status"`
	Broadcast     string `yaml:"broadcast"`
}

// TeardownGrace is the delay between a terminal transition and channel deletion.
func (c *Config) TeardownGrace() time.Duration {
	if c.Lifecycle.TeardownGraceSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Lifecycle.TeardownGraceSeconds) * time.Second
}

// SweepInterval is how often the deadline sweeper scans the registry.
func (c *Config) SweepInterval() time.Duration {
	if c.Lifecycle.SweepIntervalMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(c.Lifecycle.SweepIntervalMinutes) * time.Minute
}

// APIListen is the HTTP API bind address.
func (c *Config) APIListen() string {
	if c.API.Listen == "" {
		return "127.0.0.1:8787"
	}
	return c.API.Listen
}

// IsAdmin reports whether the actor is in the configured admin set.
func (c *Config) IsAdmin(actorID string) bool {
	for _, id := range c.Admins {
		if id == actorID {
			return true
		}
	}
	return false
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with asl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Admins) == 0 {
		return fmt.Errorf("config.admins must list at least one administrator id")
	}
	for i, id := range c.Admins {
		if id == "" {
			return fmt.Errorf("config.admins[%d] is empty", i)
		}
	}
	if c.Channels.Upload == "" {
		return fmt.Errorf("config.channels.upload is required")
	}
	if c.Channels.Reviews == "" {
		return fmt.Errorf("config.channels.reviews is required")
	}
	if c.Channels.PaymentStatus == "" {
		return fmt.Errorf("config.channels.payment_status is required")
	}
	if c.Gateway.PayPal.BusinessEmail == "" && c.Gateway.Stripe.APIKey == "" {
		return fmt.Errorf("config.gateway must configure at least one provider")
	}
	if c.Lifecycle.TeardownGraceSeconds < 0 {
		return fmt.Errorf("config.lifecycle.teardown_grace_seconds must not be negative")
	}
	for i, h := range c.Webhooks {
		if strings.TrimSpace(h.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warning", "error":
	default:
		return fmt.Errorf("config.logging.level %q unknown", c.Logging.Level)
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "assignline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct. Placeholder ids satisfy
// Validate so tests can start from a working config.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(err)
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `admins:
  - U0000ADMIN

channels:
  upload: C0000UPLOAD
  reviews: C0000REVIEWS
  payment_status: C0000PAYSTATUS
  broadcast: C0000BROADCAST

gateway:
  paypal:
    business_email: billing@example.com
    notify_url: https://example.com/ipn
    return_url: https://example.com/return
    cancel_url: https://example.com/cancel
  stripe:
    api_key: ""
    success_url: https://example.com/success
    cancel_url: https://example.com/cancel

slack:
  bot_token: ""
  app_token: ""

lifecycle:
  teardown_grace_seconds: 60
  sweep_interval_minutes: 60

api:
  listen: 127.0.0.1:8787
  base_path: /v0
  jwt_secret: ""
  allow_legacy_actor_header: false

webhooks: []

logging:
  level: info
`
