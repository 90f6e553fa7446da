// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Env is the environment name (development, staging, production).
	Env string

	// Port is the HTTP server port for cmd/server.
	Port string

	DB    DBConfig
	Queue QueueConfig
	LLM   LLMConfig
	Graph GraphConfig
	Search SearchConfig
	OTel  OTelConfig

	// TurnsDir is the filesystem root under which turn directories are
	// allocated (internal/turn).
	TurnsDir string
}

// DBConfig configures the Postgres-backed turn index (internal/turnindex).
type DBConfig struct {
	DSN      string
	MaxConns int32
	MinConns int32
}

// QueueConfig configures the Redis stream used for thinking events and the
// approval rendezvous channel.
type QueueConfig struct {
	Addr            string
	Password        string
	DB              int
	ThinkingStream  string
	ApprovalChannel string
}

// LLMConfig configures the LLM provider, credentials, endpoint and model
// shared by every role. The per-role temperature bands (reflex/mind/voice)
// are defaults inside common/llm, not settings here.
type LLMConfig struct {
	Provider string
	APIKey   string
	BaseURL  string
	Model    string
}

// GraphConfig configures the ArangoDB-backed claim graph (internal/claimgraph).
type GraphConfig struct {
	URL      string
	Username string
	Password string
	Database string
}

// SearchConfig configures the Typesense-backed memory index (internal/memoryindex).
type SearchConfig struct {
	Hosts  []string
	APIKey string
}

// OTelConfig configures the OpenTelemetry exporters (common/otel).
type OTelConfig struct {
	Endpoint       string
	Headers        string
	ServiceName    string
	ServiceVersion string
	enabled        bool
}

// Enabled reports whether OTel export is configured.
func (c OTelConfig) Enabled() bool {
	return c.enabled && c.Endpoint != ""
}

// Load loads configuration from environment variables, with sensible
// defaults for local development.
func Load() Config {
	return Config{
		Env:      getEnv("ORCHESTRATOR_ENV", "development"),
		Port:     getEnv("PORT", "8080"),
		TurnsDir: getEnv("TURNS_DIR", "./data/turns"),
		DB: DBConfig{
			DSN:      buildDSN(),
			MaxConns: int32(getEnvInt("DB_MAX_CONNS", 10)),
			MinConns: int32(getEnvInt("DB_MIN_CONNS", 2)),
		},
		Queue: QueueConfig{
			Addr:            getEnv("REDIS_ADDR", "localhost:6379"),
			Password:        getEnv("REDIS_PASSWORD", ""),
			DB:              getEnvInt("REDIS_DB", 0),
			ThinkingStream:  getEnv("THINKING_STREAM", "orchestrator:thinking"),
			ApprovalChannel: getEnv("APPROVAL_CHANNEL", "orchestrator:approvals"),
		},
		LLM: LLMConfig{
			Provider: getEnv("LLM_PROVIDER", "openai"),
			APIKey:   getEnv("LLM_API_KEY", ""),
			BaseURL:  getEnv("LLM_BASE_URL", ""),
			Model:    getEnv("LLM_MODEL", ""),
		},
		Graph: GraphConfig{
			URL:      getEnv("ARANGO_URL", ""),
			Username: getEnv("ARANGO_USERNAME", "root"),
			Password: getEnv("ARANGO_PASSWORD", ""),
			Database: getEnv("ARANGO_DATABASE", "orchestrator"),
		},
		Search: SearchConfig{
			Hosts:  splitCSV(getEnv("TYPESENSE_HOSTS", "http://localhost:8108")),
			APIKey: getEnv("TYPESENSE_API_KEY", ""),
		},
		OTel: OTelConfig{
			Endpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Headers:        getEnv("OTEL_EXPORTER_OTLP_HEADERS", ""),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "orchestrator"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "dev"),
			enabled:        getEnvBool("OTEL_ENABLED", false),
		},
	}
}

func buildDSN() string {
	host := getEnv("DATABASE_HOST", "localhost")
	port := getEnv("DATABASE_PORT", "5432")
	user := getEnv("DATABASE_USER", "postgres")
	password := getEnv("DATABASE_PASSWORD", "postgres")
	name := getEnv("DATABASE_NAME", "orchestrator")
	sslMode := getEnv("DATABASE_SSLMODE", "disable")

	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		user, password, host, port, name, sslMode,
	)
}

// IsProduction returns true if running in production environment.
func (c Config) IsProduction() bool {
	return c.Env == "production"
}

// IsDevelopment returns true if running in development environment.
func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

// RequestTimeout is the default per-LLM-call timeout used by callers that
// don't derive their own deadline from an upstream context.
func (c Config) RequestTimeout() time.Duration {
	return 2 * time.Minute
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
