// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server timeouts,
// logging, storage backends, the retry scheduler, payload aliases, message
// queue wiring, rate limiting, and observability.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Primary store drivers accepted by STORE_PRIMARY_DRIVER.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverNone     = "none"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "dispatch-ledger")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// StoreConfig selects the primary database and the fallback document.
type StoreConfig struct {
	PrimaryDriver string        // STORE_PRIMARY_DRIVER: sqlite|postgres|none
	DBPath        string        // DB_PATH, SQLite file
	DatabaseURL   string        // DATABASE_URL, PostgreSQL DSN
	FallbackPath  string        // FALLBACK_PATH, JSON document
	Timeout       time.Duration // STORE_TIMEOUT, per backend call
}

// SchedulerConfig drives the retry scheduler.
type SchedulerConfig struct {
	Cron       string        // SCHEDULER_CRON, standard spec or descriptor ("@every 1m")
	MaxRetries int           // RETRY_MAX
	BaseDelay  time.Duration // RETRY_BASE_DELAY, backoff is BaseDelay * 2^retry
	Pause      time.Duration // RETRY_PAUSE, spacing between applied events
}

// PayloadConfig overrides the COD key aliases; empty lists keep the defaults.
type PayloadConfig struct {
	CODAmountKeys    []string // COD_AMOUNT_KEYS
	CODCollectedKeys []string // COD_COLLECTED_KEYS
}

// AMQPConfig wires the optional RabbitMQ ingest consumer and dead-letter
// publisher. Both are disabled when URL is empty.
type AMQPConfig struct {
	URL                string // AMQP_URL
	IngestQueue        string // AMQP_INGEST_QUEUE
	DeadLetterExchange string // AMQP_DEADLETTER_EXCHANGE
	DeadLetterKey      string // AMQP_DEADLETTER_KEY
	Prefetch           int    // AMQP_PREFETCH
}

// Enabled reports whether a broker URL is configured.
func (a AMQPConfig) Enabled() bool { return a.URL != "" }

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for API routes

	Store     StoreConfig
	Scheduler SchedulerConfig
	Payload   PayloadConfig
	AMQP      AMQPConfig

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	CORS CORSConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		Store: StoreConfig{
			PrimaryDriver: strings.ToLower(strings.TrimSpace(getenv("STORE_PRIMARY_DRIVER", DriverSQLite))),
			DBPath:        getenv("DB_PATH", "dispatch.db"),
			DatabaseURL:   getenv("DATABASE_URL", ""),
			FallbackPath:  getenv("FALLBACK_PATH", "dispatch-fallback.json"),
			Timeout:       getdur("STORE_TIMEOUT", 5*time.Second),
		},
		Scheduler: SchedulerConfig{
			Cron:       strings.TrimSpace(getenv("SCHEDULER_CRON", "@every 1m")),
			MaxRetries: getint("RETRY_MAX", 3),
			BaseDelay:  getdur("RETRY_BASE_DELAY", 60*time.Second),
			Pause:      getdur("RETRY_PAUSE", 500*time.Millisecond),
		},
		Payload: PayloadConfig{
			CODAmountKeys:    splitCSV(getenv("COD_AMOUNT_KEYS", "")),
			CODCollectedKeys: splitCSV(getenv("COD_COLLECTED_KEYS", "")),
		},
		AMQP: AMQPConfig{
			URL:                getenv("AMQP_URL", ""),
			IngestQueue:        getenv("AMQP_INGEST_QUEUE", "dispatch.webhooks"),
			DeadLetterExchange: getenv("AMQP_DEADLETTER_EXCHANGE", "dispatch.deadletter"),
			DeadLetterKey:      getenv("AMQP_DEADLETTER_KEY", "exceeded_retries"),
			Prefetch:           getint("AMQP_PREFETCH", 16),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 20.0),
		RateBurst: getint("RATE_BURST", 40),

		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "dispatch-ledger"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if err := cfg.Store.validate(); err != nil {
		return cfg, err
	}
	if err := cfg.Scheduler.validate(); err != nil {
		return cfg, err
	}
	if cfg.AMQP.Enabled() {
		if strings.TrimSpace(cfg.AMQP.IngestQueue) == "" {
			return cfg, errors.New("AMQP_INGEST_QUEUE must not be empty when AMQP_URL is set")
		}
		if cfg.AMQP.Prefetch < 1 {
			return cfg, errors.New("AMQP_PREFETCH must be >= 1")
		}
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

func (s StoreConfig) validate() error {
	switch s.PrimaryDriver {
	case DriverSQLite:
		if strings.TrimSpace(s.DBPath) == "" {
			return errors.New("DB_PATH must not be empty for the sqlite driver")
		}
	case DriverPostgres:
		if strings.TrimSpace(s.DatabaseURL) == "" {
			return errors.New("DATABASE_URL must be set for the postgres driver")
		}
	case DriverNone:
	default:
		return fmt.Errorf("STORE_PRIMARY_DRIVER must be one of: sqlite, postgres, none (got %q)", s.PrimaryDriver)
	}
	if strings.TrimSpace(s.FallbackPath) == "" {
		return errors.New("FALLBACK_PATH must not be empty")
	}
	if s.Timeout <= 0 {
		return errors.New("STORE_TIMEOUT must be > 0")
	}
	return nil
}

func (s SchedulerConfig) validate() error {
	if _, err := cron.ParseStandard(s.Cron); err != nil {
		return fmt.Errorf("SCHEDULER_CRON: %w", err)
	}
	if s.MaxRetries < 1 {
		return errors.New("RETRY_MAX must be >= 1")
	}
	if s.BaseDelay <= 0 {
		return errors.New("RETRY_BASE_DELAY must be > 0")
	}
	if s.Pause < 0 {
		return errors.New("RETRY_PAUSE must be >= 0")
	}
	return nil
}

// ---- helpers ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
