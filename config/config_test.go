package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

const sample = `
server:
  addr: ":9000"
database:
  url: postgres://file/escrow
  max_conns: 8
settlement:
  default_commission_rate: "0.15"
  retention_window: 120h
  page_size: 50
dependencies:
  kafka_brokers: [" kafka-1:9092 ", "", "kafka-2:9092"]
plans:
  pro:
    price_id: price_pro
    product_id: prod_pro
`

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "escrow.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, sample)
	t.Setenv("DATABASE_URL", "postgres://env/escrow")
	t.Setenv("AUTO_ACCEPT_AFTER", "48h")
	t.Setenv("STRIPE_PRICE_ID_AGENCY", "price_agency")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":9000" || cfg.DBMaxConns != 8 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.DatabaseURL != "postgres://env/escrow" {
		t.Fatalf("env must win over file, got %q", cfg.DatabaseURL)
	}
	if cfg.DefaultCommissionRate.String() != "0.15" {
		t.Fatalf("rate: got %s", cfg.DefaultCommissionRate)
	}
	if cfg.RetentionWindow != 120*time.Hour || cfg.AutoAcceptAfter != 48*time.Hour {
		t.Fatalf("durations: got %s / %s", cfg.RetentionWindow, cfg.AutoAcceptAfter)
	}
	if cfg.WebhookLossAfter != time.Hour {
		t.Fatalf("untouched default changed: %s", cfg.WebhookLossAfter)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[0] != "kafka-1:9092" {
		t.Fatalf("brokers: got %v", cfg.KafkaBrokers)
	}
	if cfg.Plans["pro"].PriceID != "price_pro" || cfg.Plans["agency"].PriceID != "price_agency" {
		t.Fatalf("plans: got %+v", cfg.Plans)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RetentionWindow != 7*24*time.Hour || cfg.ReconcileSchedule != "@daily" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoad_RejectsBadValues(t *testing.T) {
	if _, err := Load(writeFile(t, "settlement:\n  retention_window: soon\n")); err == nil {
		t.Fatalf("expected duration parse error")
	}
	t.Setenv("DEFAULT_COMMISSION_RATE", "a fifth")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected rate parse error")
	}
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	cfg.RetentionWindow = 0
	cfg.DefaultCommissionRate = decimal.RequireFromString("1.5")

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"DATABASE_URL", "retention window", "commission rate"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestLoad_ExpirySettings(t *testing.T) {
	path := writeFile(t, "settlement:\n  confirm_lead: 12h\n  strike_limit: 5\n  expiry_schedule: \"@every 30m\"\n")
	t.Setenv("COMPANY_STRIKE_LIMIT", "4")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BookingConfirmLead != 12*time.Hour {
		t.Fatalf("confirm lead: expected 12h got %s", cfg.BookingConfirmLead)
	}
	if cfg.CompanyStrikeLimit != 4 {
		t.Fatalf("strike limit: env must win, got %d", cfg.CompanyStrikeLimit)
	}
	if cfg.ExpirySchedule != "@every 30m" {
		t.Fatalf("expiry schedule: got %q", cfg.ExpirySchedule)
	}

	cfg.DatabaseURL = "postgres://x/escrow"
	cfg.CompanyStrikeLimit = 0
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "strike limit") {
		t.Fatalf("expected strike limit error, got %v", err)
	}
}
