package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up in a workspace.
const FileName = "escrow.yml"

// Config models escrow.yml.
type Config struct {
	Platform struct {
		Currency string `yaml:"currency"`
	} `yaml:"platform"`
	Fees struct {
		PlatformRate  decimal.Decimal `yaml:"platform_rate"`
		AffiliateRate decimal.Decimal `yaml:"affiliate_rate"`
		TaxRate       decimal.Decimal `yaml:"tax_rate"`
	} `yaml:"fees"`
	Protection struct {
		PeriodDays int `yaml:"period_days"`
	} `yaml:"protection"`
	AutoRelease struct {
		Enabled    bool          `yaml:"enabled"`
		Interval   time.Duration `yaml:"interval"`
		LockTTL    time.Duration `yaml:"lock_ttl"`
		BatchLimit int           `yaml:"batch_limit"`
	} `yaml:"auto_release"`
	Withdrawals struct {
		MinimumAmount decimal.Decimal `yaml:"minimum_amount"`
		ProcessingFee decimal.Decimal `yaml:"processing_fee"`
	} `yaml:"withdrawals"`
	Gateway struct {
		Timeout       time.Duration `yaml:"timeout"`
		WebhookSecret string        `yaml:"webhook_secret"`
	} `yaml:"gateway"`
	Notifications struct {
		Log      bool     `yaml:"log"`
		Webhooks []NotifyWebhook `yaml:"webhooks"`
		Kafka    struct {
			Brokers []string `yaml:"brokers"`
			Topic   string   `yaml:"topic"`
		} `yaml:"kafka"`
	} `yaml:"notifications"`
	Outbox struct {
		Webhooks     []OutboxWebhook `yaml:"webhooks"`
		PollInterval time.Duration   `yaml:"poll_interval"`
	} `yaml:"outbox"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
}

// NotifyWebhook receives participant notifications. With a secret set, each body is signed
// in X-Escrow-Signature.
type NotifyWebhook struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

// OutboxWebhook subscribes a URL to the event feed.
type OutboxWebhook struct {
	ID     string   `yaml:"id"`
	URL    string   `yaml:"url"`
	Events []string `yaml:"events"`
	Secret string   `yaml:"secret"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with escrowctl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Platform.Currency) != 3 {
		return fmt.Errorf("config.platform.currency must be a 3-letter code")
	}
	one := decimal.NewFromInt(1)
	if c.Fees.PlatformRate.IsNegative() || c.Fees.PlatformRate.GreaterThanOrEqual(one) {
		return fmt.Errorf("config.fees.platform_rate must be in [0,1)")
	}
	if c.Fees.AffiliateRate.IsNegative() || c.Fees.AffiliateRate.GreaterThanOrEqual(one) {
		return fmt.Errorf("config.fees.affiliate_rate must be in [0,1)")
	}
	if c.Fees.TaxRate.IsNegative() || c.Fees.TaxRate.GreaterThanOrEqual(one) {
		return fmt.Errorf("config.fees.tax_rate must be in [0,1)")
	}
	if c.Fees.PlatformRate.Add(c.Fees.AffiliateRate).Add(c.Fees.TaxRate).GreaterThan(one) {
		return fmt.Errorf("config.fees rates must not exceed 1 in total")
	}
	if c.Protection.PeriodDays <= 0 {
		return fmt.Errorf("config.protection.period_days must be positive")
	}
	if c.AutoRelease.Interval <= 0 {
		return fmt.Errorf("config.auto_release.interval must be positive")
	}
	if c.AutoRelease.BatchLimit < 0 {
		return fmt.Errorf("config.auto_release.batch_limit must not be negative")
	}
	if c.Withdrawals.MinimumAmount.IsNegative() {
		return fmt.Errorf("config.withdrawals.minimum_amount must not be negative")
	}
	if c.Withdrawals.ProcessingFee.IsNegative() {
		return fmt.Errorf("config.withdrawals.processing_fee must not be negative")
	}
	if c.Gateway.Timeout <= 0 {
		return fmt.Errorf("config.gateway.timeout must be positive")
	}
	if len(c.Notifications.Kafka.Brokers) > 0 && c.Notifications.Kafka.Topic == "" {
		return fmt.Errorf("config.notifications.kafka.topic is required when brokers are set")
	}
	for _, wh := range c.Notifications.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("config.notifications.webhooks contains an empty url")
		}
	}
	seen := map[string]bool{}
	for _, wh := range c.Outbox.Webhooks {
		if wh.ID == "" || wh.URL == "" {
			return fmt.Errorf("config.outbox.webhooks entries require id and url")
		}
		if seen[wh.ID] {
			return fmt.Errorf("config.outbox.webhooks has duplicate id %s", wh.ID)
		}
		seen[wh.ID] = true
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["admin"]; !ok {
			return fmt.Errorf("config.rbac.roles must include admin")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	return nil
}

// Permissions returns the union of permissions granted by roles.
func (c *Config) Permissions(roles []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range roles {
		role, ok := c.RBAC.Roles[r]
		if !ok {
			continue
		}
		for _, p := range role.Permissions {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from data keep
// their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
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

const defaultTemplate = `platform:
  currency: AUD

fees:
  platform_rate: "0.10"
  affiliate_rate: "0.02"
  tax_rate: "0"

protection:
  period_days: 15

auto_release:
  enabled: true
  interval: 24h
  lock_ttl: 10m
  batch_limit: 0

withdrawals:
  minimum_amount: "10.00"
  processing_fee: "2.50"

gateway:
  timeout: 10s
  webhook_secret: ""

notifications:
  log: true
  webhooks: []
  kafka:
    brokers: []
    topic: escrow.notifications

outbox:
  poll_interval: 2s
  webhooks: []

redis:
  addr: ""
  db: 0

rbac:
  roles:
    admin:
      description: "Platform operators"
      permissions:
        - payment.create
        - payment.read
        - payment.refund
        - escrow.read
        - escrow.release
        - withdrawal.request
        - withdrawal.read
        - withdrawal.manage
        - project.read
        - project.write
        - project.transition
        - dispute.open
        - dispute.resolve
        - balance.read
        - sweep.run
        - events.read
        - catalog.write
    owner:
      description: "Project owners paying into escrow"
      permissions:
        - payment.create
        - payment.read
        - escrow.read
        - escrow.release
        - project.read
        - project.transition
        - dispute.open
    tradie:
      description: "Tradies receiving funds"
      permissions:
        - payment.read
        - escrow.read
        - withdrawal.request
        - withdrawal.read
        - project.read
        - project.transition
        - dispute.open
        - balance.read
    marketplace:
      description: "Marketplace backend syncing projects, quotes and tradies"
      permissions:
        - project.read
        - project.write
        - project.transition
        - catalog.write
        - events.read
`
