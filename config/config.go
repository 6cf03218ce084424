// Package config loads process settings from defaults, an optional YAML file
// and the environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Plan struct {
	PriceID   string
	ProductID string
}

type Config struct {
	HTTPAddr string

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	StripeSecretKey     string
	StripeWebhookSecret string
	Currency            string
	StripeAPIVersion    string
	GatewayTimeout      time.Duration

	JWTSecret                string
	ReconcilerCredentialHash string

	DefaultCommissionRate decimal.Decimal
	RetentionWindow       time.Duration
	WebhookLossAfter      time.Duration
	AutoAcceptAfter       time.Duration
	ReconcilePageSize     int
	ReconcileConcurrency  int
	ReconcileSchedule     string
	ExpirySchedule        string
	BookingConfirmLead    time.Duration
	CompanyStrikeLimit    int

	RedisURL string
	LockTTL  time.Duration

	KafkaBrokers       []string
	KafkaTopicPrefix   string
	OutboxPollInterval time.Duration
	OutboxBatchSize    int

	CheckoutSuccessURL     string
	CheckoutCancelURL      string
	SubscriptionSuccessURL string
	SubscriptionCancelURL  string
	Plans                  map[string]Plan
}

type configFile struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	Database struct {
		URL      string `yaml:"url"`
		MaxConns int32  `yaml:"max_conns"`
		MinConns int32  `yaml:"min_conns"`
	} `yaml:"database"`
	Gateway struct {
		Currency   string `yaml:"currency"`
		APIVersion string `yaml:"api_version"`
		Timeout    string `yaml:"timeout"`
	} `yaml:"gateway"`
	Settlement struct {
		DefaultCommissionRate string `yaml:"default_commission_rate"`
		RetentionWindow       string `yaml:"retention_window"`
		WebhookLossAfter      string `yaml:"webhook_loss_after"`
		AutoAcceptAfter       string `yaml:"auto_accept_after"`
		PageSize              int    `yaml:"page_size"`
		Concurrency           int    `yaml:"concurrency"`
		Schedule              string `yaml:"schedule"`
		ExpirySchedule        string `yaml:"expiry_schedule"`
		ConfirmLead           string `yaml:"confirm_lead"`
		StrikeLimit           int    `yaml:"strike_limit"`
		LockTTL               string `yaml:"lock_ttl"`
	} `yaml:"settlement"`
	Dependencies struct {
		RedisURL         string   `yaml:"redis_url"`
		KafkaBrokers     []string `yaml:"kafka_brokers"`
		KafkaTopicPrefix string   `yaml:"kafka_topic_prefix"`
	} `yaml:"dependencies"`
	Outbox struct {
		PollInterval string `yaml:"poll_interval"`
		BatchSize    int    `yaml:"batch_size"`
	} `yaml:"outbox"`
	URLs struct {
		CheckoutSuccess     string `yaml:"checkout_success"`
		CheckoutCancel      string `yaml:"checkout_cancel"`
		SubscriptionSuccess string `yaml:"subscription_success"`
		SubscriptionCancel  string `yaml:"subscription_cancel"`
	} `yaml:"urls"`
	Plans map[string]struct {
		PriceID   string `yaml:"price_id"`
		ProductID string `yaml:"product_id"`
	} `yaml:"plans"`
}

func Defaults() Config {
	return Config{
		HTTPAddr:              ":8080",
		DBMaxConns:            20,
		DBMinConns:            2,
		Currency:              "brl",
		GatewayTimeout:        10 * time.Second,
		DefaultCommissionRate: decimal.RequireFromString("0.20"),
		RetentionWindow:       7 * 24 * time.Hour,
		WebhookLossAfter:      time.Hour,
		AutoAcceptAfter:       3 * 24 * time.Hour,
		ReconcilePageSize:     200,
		ReconcileConcurrency:  4,
		ReconcileSchedule:     "@daily",
		ExpirySchedule:        "@hourly",
		BookingConfirmLead:    24 * time.Hour,
		CompanyStrikeLimit:    3,
		LockTTL:               30 * time.Minute,
		KafkaTopicPrefix:      "escrow.",
		OutboxPollInterval:    2 * time.Second,
		OutboxBatchSize:       100,
		Plans:                 map[string]Plan{},
	}
}

// Load reads path when it exists, then applies environment overrides. An
// empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := cfg.applyFile(raw); err != nil {
				return Config{}, err
			}
		case !errors.Is(err, os.ErrNotExist):
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyFile(raw []byte) error {
	var f configFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("config: parse file: %w", err)
	}

	setString(&c.HTTPAddr, f.Server.Addr)
	setString(&c.DatabaseURL, f.Database.URL)
	if f.Database.MaxConns > 0 {
		c.DBMaxConns = f.Database.MaxConns
	}
	if f.Database.MinConns > 0 {
		c.DBMinConns = f.Database.MinConns
	}
	setString(&c.Currency, f.Gateway.Currency)
	setString(&c.StripeAPIVersion, f.Gateway.APIVersion)
	setString(&c.ReconcileSchedule, f.Settlement.Schedule)
	setString(&c.ExpirySchedule, f.Settlement.ExpirySchedule)
	setString(&c.RedisURL, f.Dependencies.RedisURL)
	setString(&c.KafkaTopicPrefix, f.Dependencies.KafkaTopicPrefix)
	setString(&c.CheckoutSuccessURL, f.URLs.CheckoutSuccess)
	setString(&c.CheckoutCancelURL, f.URLs.CheckoutCancel)
	setString(&c.SubscriptionSuccessURL, f.URLs.SubscriptionSuccess)
	setString(&c.SubscriptionCancelURL, f.URLs.SubscriptionCancel)
	if len(f.Dependencies.KafkaBrokers) > 0 {
		c.KafkaBrokers = trimNonEmpty(f.Dependencies.KafkaBrokers)
	}
	if f.Settlement.PageSize > 0 {
		c.ReconcilePageSize = f.Settlement.PageSize
	}
	if f.Settlement.Concurrency > 0 {
		c.ReconcileConcurrency = f.Settlement.Concurrency
	}
	if f.Settlement.StrikeLimit > 0 {
		c.CompanyStrikeLimit = f.Settlement.StrikeLimit
	}
	if f.Outbox.BatchSize > 0 {
		c.OutboxBatchSize = f.Outbox.BatchSize
	}
	for tier, p := range f.Plans {
		c.Plans[tier] = Plan{PriceID: p.PriceID, ProductID: p.ProductID}
	}

	if f.Settlement.DefaultCommissionRate != "" {
		rate, err := decimal.NewFromString(f.Settlement.DefaultCommissionRate)
		if err != nil {
			return fmt.Errorf("config: default_commission_rate: %w", err)
		}
		c.DefaultCommissionRate = rate
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"gateway.timeout", f.Gateway.Timeout, &c.GatewayTimeout},
		{"settlement.retention_window", f.Settlement.RetentionWindow, &c.RetentionWindow},
		{"settlement.webhook_loss_after", f.Settlement.WebhookLossAfter, &c.WebhookLossAfter},
		{"settlement.auto_accept_after", f.Settlement.AutoAcceptAfter, &c.AutoAcceptAfter},
		{"settlement.confirm_lead", f.Settlement.ConfirmLead, &c.BookingConfirmLead},
		{"settlement.lock_ttl", f.Settlement.LockTTL, &c.LockTTL},
		{"outbox.poll_interval", f.Outbox.PollInterval, &c.OutboxPollInterval},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("config: %s: %w", d.name, err)
		}
		*d.dst = v
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.HTTPAddr = envOrDefault("HTTP_ADDR", c.HTTPAddr)
	c.DatabaseURL = envOrDefault("DATABASE_URL", c.DatabaseURL)
	c.DBMaxConns = int32(envInt("DB_MAX_CONNS", int(c.DBMaxConns)))
	c.StripeSecretKey = envOrDefault("STRIPE_SECRET_KEY", c.StripeSecretKey)
	c.StripeWebhookSecret = envOrDefault("STRIPE_WEBHOOK_SECRET", c.StripeWebhookSecret)
	c.Currency = envOrDefault("PAYMENT_CURRENCY", c.Currency)
	c.JWTSecret = envOrDefault("JWT_SECRET", c.JWTSecret)
	c.ReconcilerCredentialHash = envOrDefault("RECONCILER_CREDENTIAL_HASH", c.ReconcilerCredentialHash)
	c.ReconcileSchedule = envOrDefault("RECONCILE_SCHEDULE", c.ReconcileSchedule)
	c.ExpirySchedule = envOrDefault("EXPIRY_SCHEDULE", c.ExpirySchedule)
	c.CompanyStrikeLimit = envInt("COMPANY_STRIKE_LIMIT", c.CompanyStrikeLimit)
	c.RedisURL = envOrDefault("REDIS_URL", c.RedisURL)
	c.KafkaBrokers = envCSV("KAFKA_BROKERS", c.KafkaBrokers)
	c.KafkaTopicPrefix = envOrDefault("KAFKA_TOPIC_PREFIX", c.KafkaTopicPrefix)
	c.ReconcilePageSize = envInt("RECONCILE_PAGE_SIZE", c.ReconcilePageSize)
	c.ReconcileConcurrency = envInt("RECONCILE_CONCURRENCY", c.ReconcileConcurrency)
	c.CheckoutSuccessURL = envOrDefault("CHECKOUT_SUCCESS_URL", c.CheckoutSuccessURL)
	c.CheckoutCancelURL = envOrDefault("CHECKOUT_CANCEL_URL", c.CheckoutCancelURL)

	for _, tier := range []string{"pro", "agency"} {
		key := strings.ToUpper(tier)
		p := c.Plans[tier]
		p.PriceID = envOrDefault("STRIPE_PRICE_ID_"+key, p.PriceID)
		p.ProductID = envOrDefault("STRIPE_PRODUCT_ID_"+key, p.ProductID)
		if p != (Plan{}) {
			c.Plans[tier] = p
		}
	}

	if raw := os.Getenv("DEFAULT_COMMISSION_RATE"); raw != "" {
		rate, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("config: DEFAULT_COMMISSION_RATE: %w", err)
		}
		c.DefaultCommissionRate = rate
	}
	for name, dst := range map[string]*time.Duration{
		"GATEWAY_TIMEOUT":      &c.GatewayTimeout,
		"RETENTION_WINDOW":     &c.RetentionWindow,
		"WEBHOOK_LOSS_AFTER":   &c.WebhookLossAfter,
		"AUTO_ACCEPT_AFTER":    &c.AutoAcceptAfter,
		"BOOKING_CONFIRM_LEAD": &c.BookingConfirmLead,
		"RECONCILE_LOCK_TTL":   &c.LockTTL,
	} {
		raw := os.Getenv(name)
		if raw == "" {
			continue
		}
		v, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
		*dst = v
	}
	return nil
}

// Validate checks the settings every binary relies on. Secrets are checked by
// the commands that need them.
func (c Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("missing DATABASE_URL"))
	}
	if c.DefaultCommissionRate.IsNegative() || c.DefaultCommissionRate.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Errorf("default commission rate %s outside [0,1]", c.DefaultCommissionRate))
	}
	for name, d := range map[string]time.Duration{
		"retention window":   c.RetentionWindow,
		"webhook loss after": c.WebhookLossAfter,
		"auto accept after":  c.AutoAcceptAfter,
		"gateway timeout":    c.GatewayTimeout,
		"confirm lead":       c.BookingConfirmLead,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.ReconcilePageSize <= 0 || c.ReconcileConcurrency <= 0 {
		errs = append(errs, errors.New("reconciler page size and concurrency must be positive"))
	}
	if c.CompanyStrikeLimit <= 0 {
		errs = append(errs, errors.New("company strike limit must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envCSV(name string, fallback []string) []string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	return trimNonEmpty(strings.Split(raw, ","))
}

func trimNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
