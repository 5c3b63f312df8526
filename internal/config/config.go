package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// Config holds the application configuration.
type Config struct {
	Environment string
	ListenAddr  string
	DatabaseURL string
	SQLitePath  string

	// Receipt mapping: category and payment-method routes to chart account
	// numbers, e.g. RECEIPT_CATEGORY_MAP="groceries=5100,dining=5200".
	ReceiptCategories     map[string]string
	ReceiptPayments       map[string]string
	ReceiptTaxAccount     string
	ReceiptDefaultExpense string
}

// Load loads configuration from environment variables. DATABASE_URL selects
// the PostgreSQL backend; when it is empty the daemon falls back to a local
// SQLite file at LEDGER_DB.
func Load() (*Config, error) {
	cfg := &Config{
		Environment:           os.Getenv("APP_ENV"),
		ListenAddr:            os.Getenv("LEDGER_ADDR"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		SQLitePath:            os.Getenv("LEDGER_DB"),
		ReceiptTaxAccount:     os.Getenv("RECEIPT_TAX_ACCOUNT"),
		ReceiptDefaultExpense: os.Getenv("RECEIPT_DEFAULT_EXPENSE"),
	}

	var err error
	if cfg.ReceiptCategories, err = parseMappings("RECEIPT_CATEGORY_MAP", os.Getenv("RECEIPT_CATEGORY_MAP")); err != nil {
		return nil, err
	}
	if cfg.ReceiptPayments, err = parseMappings("RECEIPT_PAYMENT_MAP", os.Getenv("RECEIPT_PAYMENT_MAP")); err != nil {
		return nil, err
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.SQLitePath == "" {
		cfg.SQLitePath = "homeledger.db"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// parseMappings parses a "key=value,key=value" environment variable.
func parseMappings(name, raw string) (map[string]string, error) {
	out := make(map[string]string)
	if strings.TrimSpace(raw) == "" {
		return out, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || key == "" || value == "" {
			return nil, fmt.Errorf("%s: malformed mapping %q, want key=value", name, pair)
		}
		out[key] = value
	}
	return out, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var missing []string

	if c.Environment == "" {
		missing = append(missing, "APP_ENV")
	}

	if len(missing) > 0 {
		return errors.New("missing required environment variables: " + strings.Join(missing, ", "))
	}

	// Production never runs on the embedded SQLite fallback.
	if c.Environment == "production" || c.Environment == "staging" {
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required in " + c.Environment)
		}
	}

	return nil
}

// UsePostgres reports whether the PostgreSQL backend is configured.
func (c *Config) UsePostgres() bool {
	return c.DatabaseURL != ""
}
