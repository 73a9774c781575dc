// Package config loads server configuration from the environment and an
// optional YAML policy overlay. Production deployments fail fast when any
// secret is unset or still at a development default.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Development placeholders. Boot refuses these values when
// ENVIRONMENT=production.
const (
	devSecret = "dev-insecure-secret"
	devDBURL  = "file:tavren_dev.db"
)

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	Environment string

	DatabaseURL string
	RedisURL    string

	JWTSecretKey      string
	DataEncryptionKey string
	AdminAPIKey       string
	ExportHMACKey     string

	MinimumPayoutThreshold   float64
	AccessTokenExpireMinutes int
	LowTrustThreshold        float64
	HighTrustThreshold       float64

	LedgerWitnessPath string
	ExportArchiveURL  string
	PolicyFile        string

	PackageEncryptionEnabled bool

	OTLPEndpoint     string
	TelemetryEnabled bool
}

// Load reads configuration from environment variables, applying development
// defaults where permitted.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8000"),
		LogLevel:    getEnv("LOG_LEVEL", "INFO"),
		Environment: getEnv("ENVIRONMENT", "development"),

		DatabaseURL: getEnv("DATABASE_URL", devDBURL),
		RedisURL:    os.Getenv("REDIS_URL"),

		JWTSecretKey:      getEnv("JWT_SECRET_KEY", devSecret),
		DataEncryptionKey: getEnv("DATA_ENCRYPTION_KEY", devSecret),
		AdminAPIKey:       getEnv("ADMIN_API_KEY", devSecret),
		ExportHMACKey:     getEnv("EXPORT_HMAC_KEY", devSecret),

		LedgerWitnessPath: getEnv("LEDGER_WITNESS_PATH", "consent_ledger.jsonl"),
		ExportArchiveURL:  os.Getenv("EXPORT_ARCHIVE_URL"),
		PolicyFile:        os.Getenv("TAVREN_POLICY_FILE"),

		PackageEncryptionEnabled: os.Getenv("PACKAGE_ENCRYPTION_ENABLED") == "true",

		OTLPEndpoint:     getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		TelemetryEnabled: os.Getenv("TELEMETRY_ENABLED") == "true",
	}

	var err error
	if cfg.MinimumPayoutThreshold, err = getEnvFloat("MINIMUM_PAYOUT_THRESHOLD", 5.00); err != nil {
		return nil, err
	}
	if cfg.AccessTokenExpireMinutes, err = getEnvInt("ACCESS_TOKEN_EXPIRE_MINUTES", 30); err != nil {
		return nil, err
	}
	if cfg.LowTrustThreshold, err = getEnvFloat("LOW_TRUST_THRESHOLD", 0.3); err != nil {
		return nil, err
	}
	if cfg.HighTrustThreshold, err = getEnvFloat("HIGH_TRUST_THRESHOLD", 0.7); err != nil {
		return nil, err
	}
	if cfg.LowTrustThreshold >= cfg.HighTrustThreshold {
		return nil, fmt.Errorf("config: LOW_TRUST_THRESHOLD (%v) must be below HIGH_TRUST_THRESHOLD (%v)",
			cfg.LowTrustThreshold, cfg.HighTrustThreshold)
	}

	if cfg.IsProduction() {
		if err := cfg.validateProductionSecrets(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// IsProduction reports whether the server runs with production hardening.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// AccessTokenTTL returns the session token lifetime.
func (c *Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenExpireMinutes) * time.Minute
}

// validateProductionSecrets refuses to boot with missing or defaulted
// secrets. Listing every offender at once beats failing one variable at a
// time during a deploy.
func (c *Config) validateProductionSecrets() error {
	var missing []string
	check := func(name, value string) {
		if value == "" || value == devSecret {
			missing = append(missing, name)
		}
	}
	check("JWT_SECRET_KEY", c.JWTSecretKey)
	check("DATA_ENCRYPTION_KEY", c.DataEncryptionKey)
	check("ADMIN_API_KEY", c.AdminAPIKey)
	check("EXPORT_HMAC_KEY", c.ExportHMACKey)
	if c.DatabaseURL == "" || c.DatabaseURL == devDBURL {
		missing = append(missing, "DATABASE_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: production requires real values for %v", missing)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be numeric: %w", key, err)
	}
	return f, nil
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer: %w", key, err)
	}
	return i, nil
}
