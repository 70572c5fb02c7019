package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverDynamo   = "dynamodb"
	DriverMemory   = "memory"
)

type Config struct {
	DBSource string
	Port     string
	Env      string

	StoreDriver         string
	DynamoTablePrefix   string
	DynamoEndpoint      string
	AWSRegion           string
	StripeSecretKey     string
	StripeWebhookSecret string
	WebhookTolerance    time.Duration
	IdempotencyLease    time.Duration
	GADSMax             int64
	DefaultCurrency     string
	AuthJWTSecret       string
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
}

// Production reports whether the service runs with production logging.
func (c *Config) Production() bool {
	return c.Env == "production"
}

func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("STORE_DRIVER", DriverPostgres)
	v.SetDefault("DYNAMODB_TABLE_PREFIX", "")
	v.SetDefault("AWS_REGION", "eu-west-2")
	v.SetDefault("WEBHOOK_TOLERANCE", "5m")
	v.SetDefault("IDEMPOTENCY_LEASE", "5m")
	v.SetDefault("GIFT_AID_GADS_MAX", 3000)
	v.SetDefault("DEFAULT_CURRENCY", "usd")
	v.SetDefault("HTTP_READ_TIMEOUT", "10s")
	v.SetDefault("HTTP_WRITE_TIMEOUT", "30s")

	cfg := &Config{
		DBSource:            v.GetString("DB_SOURCE"),
		Port:                v.GetString("SERVER_PORT"),
		Env:                 v.GetString("ENVIRONMENT"),
		StoreDriver:         strings.ToLower(v.GetString("STORE_DRIVER")),
		DynamoTablePrefix:   v.GetString("DYNAMODB_TABLE_PREFIX"),
		DynamoEndpoint:      v.GetString("DYNAMODB_ENDPOINT"),
		AWSRegion:           v.GetString("AWS_REGION"),
		StripeSecretKey:     v.GetString("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: v.GetString("STRIPE_WEBHOOK_SECRET"),
		WebhookTolerance:    v.GetDuration("WEBHOOK_TOLERANCE"),
		IdempotencyLease:    v.GetDuration("IDEMPOTENCY_LEASE"),
		GADSMax:             v.GetInt64("GIFT_AID_GADS_MAX"),
		DefaultCurrency:     strings.ToLower(v.GetString("DEFAULT_CURRENCY")),
		AuthJWTSecret:       v.GetString("AUTH_JWT_SECRET"),
		ReadTimeout:         v.GetDuration("HTTP_READ_TIMEOUT"),
		WriteTimeout:        v.GetDuration("HTTP_WRITE_TIMEOUT"),
	}

	switch cfg.StoreDriver {
	case DriverPostgres:
		if cfg.DBSource == "" {
			return nil, fmt.Errorf("DB_SOURCE environment variable is required")
		}
	case DriverDynamo, DriverMemory:
	default:
		return nil, fmt.Errorf("unsupported STORE_DRIVER %q", cfg.StoreDriver)
	}

	if cfg.StripeWebhookSecret == "" {
		return nil, fmt.Errorf("STRIPE_WEBHOOK_SECRET environment variable is required")
	}
	if cfg.GADSMax <= 0 {
		return nil, fmt.Errorf("GIFT_AID_GADS_MAX must be positive, got %d", cfg.GADSMax)
	}
	if cfg.IdempotencyLease <= 0 {
		return nil, fmt.Errorf("IDEMPOTENCY_LEASE must be positive")
	}

	return cfg, nil
}
