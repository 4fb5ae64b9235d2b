// Package config handles loading and managing application configuration.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	// Server configuration
	Server ServerConfig

	// Ticketeer Core API configuration
	Core CoreConfig

	// Sofort vendor API configuration
	Sofort SofortConfig

	// Security settings
	Security SecurityConfig

	// Kafka event publishing
	Kafka KafkaConfig

	// Local persistence
	Database DatabaseConfig

	// Reconciliation policy
	Reconcile ReconcileConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port    string
	GinMode string // "debug", "release", or "test"
	// PublicBaseURL is the externally reachable base of this service, used
	// to build return and webhook URLs handed to the vendor.
	PublicBaseURL string
}

// CoreConfig holds Ticketeer Core API configuration.
type CoreConfig struct {
	BaseURL string
	APIKey  string
	// ServiceToken authenticates inbound calls from Core to this service.
	ServiceToken string
	// OrderURLTemplate is the public order page, with {code} and {secret}
	// placeholders, used as the redirect target after the return endpoint.
	OrderURLTemplate string
}

// SofortConfig holds the per-tenant vendor credentials.
type SofortConfig struct {
	APIURL     string
	CustomerID string
	APIKey     string
	ProjectID  string
	Timeout    time.Duration
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	SigningSecret string
}

// KafkaConfig holds event publishing configuration. Empty brokers disable
// publishing.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// DatabaseConfig holds local persistence configuration.
type DatabaseConfig struct {
	DSN string
}

// ReconcileConfig holds reconciliation policy knobs.
type ReconcileConfig struct {
	// LossRevert decides when a definitive loss reopens the order:
	// "due" (only while an amount is still due) or "always".
	LossRevert string
}

// Load reads configuration from environment variables.
// Returns a Config struct with all settings populated.
func Load() *Config {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("GIN_MODE", "debug")
	v.SetDefault("PUBLIC_BASE_URL", "http://localhost:8080")
	v.SetDefault("TICKETEER_CORE_URL", "http://localhost:8000")
	v.SetDefault("TICKETEER_CORE_API_KEY", "")
	v.SetDefault("SERVICE_TOKEN", "")
	v.SetDefault("ORDER_URL_TEMPLATE", "http://localhost:8000/order/{code}/{secret}/")
	v.SetDefault("SOFORT_API_URL", "https://api.sofort.com/api/xml")
	v.SetDefault("SOFORT_CUSTOMER_ID", "")
	v.SetDefault("SOFORT_API_KEY", "")
	v.SetDefault("SOFORT_PROJECT_ID", "")
	v.SetDefault("SOFORT_TIMEOUT_SECONDS", 20)
	v.SetDefault("SIGNING_SECRET", "")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_TOPIC", "payment.status")
	v.SetDefault("DATABASE_DSN", "ticketeer-payments.db")
	v.SetDefault("LOSS_REVERT", "due")

	return &Config{
		Server: ServerConfig{
			Port:          v.GetString("PORT"),
			GinMode:       v.GetString("GIN_MODE"),
			PublicBaseURL: v.GetString("PUBLIC_BASE_URL"),
		},
		Core: CoreConfig{
			BaseURL:          v.GetString("TICKETEER_CORE_URL"),
			APIKey:           v.GetString("TICKETEER_CORE_API_KEY"),
			ServiceToken:     v.GetString("SERVICE_TOKEN"),
			OrderURLTemplate: v.GetString("ORDER_URL_TEMPLATE"),
		},
		Sofort: SofortConfig{
			APIURL:     v.GetString("SOFORT_API_URL"),
			CustomerID: v.GetString("SOFORT_CUSTOMER_ID"),
			APIKey:     v.GetString("SOFORT_API_KEY"),
			ProjectID:  v.GetString("SOFORT_PROJECT_ID"),
			Timeout:    time.Duration(v.GetInt("SOFORT_TIMEOUT_SECONDS")) * time.Second,
		},
		Security: SecurityConfig{
			SigningSecret: v.GetString("SIGNING_SECRET"),
		},
		Kafka: KafkaConfig{
			Brokers: splitBrokers(v.GetString("KAFKA_BROKERS")),
			Topic:   v.GetString("KAFKA_TOPIC"),
		},
		Database: DatabaseConfig{
			DSN: v.GetString("DATABASE_DSN"),
		},
		Reconcile: ReconcileConfig{
			LossRevert: v.GetString("LOSS_REVERT"),
		},
	}
}

func splitBrokers(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
