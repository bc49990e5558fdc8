/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// StoreBackend selects the local durable store implementation.
type StoreBackend string

const (
	StoreSQLite   StoreBackend = "sqlite"
	StorePostgres StoreBackend = "postgres"
	StoreMySQL    StoreBackend = "mysql"
	StoreBadger   StoreBackend = "badger"
	StoreMemory   StoreBackend = "memory"
)

// SourceKind selects the remote state transport.
type SourceKind string

const (
	SourceHTTP  SourceKind = "http"
	SourceNATS  SourceKind = "nats"
	SourceRedis SourceKind = "redis"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	DeviceID    string
	Timezone    string
	Location    *time.Location
	LogLevel    string

	// Local durable store
	StoreBackend StoreBackend
	StoreDSN     string
	StorePath    string // badger directory

	// Media cache
	HandleDir         string
	MediaCacheMaxMB   int // 0 disables capacity eviction
	PrefetchWorkers   int
	MediaFetchTimeout time.Duration

	// State source
	Source              SourceKind
	SourceURL           string
	SourceStreamURL     string // websocket endpoint, derived from SourceURL when empty
	SourceToken         string
	SyncRatePerMinute   int
	ReconnectMaxBackoff time.Duration

	// Redis source
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// NATS source
	NATSURL string

	// S3 media origin
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Region          string
	S3Endpoint        string
	S3UsePathStyle    bool

	// Engine timing
	EvalInterval      time.Duration
	TelemetryInterval time.Duration
	FadeLead          time.Duration
	ProgressInterval  time.Duration
	ImageDuration     time.Duration
	OvernightPolicy   string
	RebootCommand     string

	// Local HTTP surface
	HTTPBind string
	HTTPPort int

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	LegacyEnvWarnings []string
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnvAny([]string{"KIOSK_ENV", "GRIMNIR_KIOSK_ENV"}, "development"),
		DeviceID:    getEnvAny([]string{"KIOSK_DEVICE_ID", "GRIMNIR_KIOSK_DEVICE_ID"}, ""),
		Timezone:    getEnvAny([]string{"KIOSK_TIMEZONE", "GRIMNIR_KIOSK_TIMEZONE"}, "Local"),
		LogLevel:    getEnvAny([]string{"KIOSK_LOG_LEVEL", "GRIMNIR_KIOSK_LOG_LEVEL"}, ""),

		StoreBackend: StoreBackend(getEnvAny([]string{"KIOSK_STORE_BACKEND", "GRIMNIR_KIOSK_STORE_BACKEND"}, string(StoreSQLite))),
		StoreDSN:     getEnvAny([]string{"KIOSK_STORE_DSN", "GRIMNIR_KIOSK_STORE_DSN"}, ""),
		StorePath:    getEnvAny([]string{"KIOSK_STORE_PATH", "GRIMNIR_KIOSK_STORE_PATH"}, "./data/badger"),

		HandleDir:         getEnvAny([]string{"KIOSK_HANDLE_DIR", "GRIMNIR_KIOSK_HANDLE_DIR"}, "./data/media"),
		MediaCacheMaxMB:   getEnvIntAny([]string{"KIOSK_MEDIA_CACHE_MAX_MB", "GRIMNIR_KIOSK_MEDIA_CACHE_MAX_MB"}, 0),
		PrefetchWorkers:   getEnvIntAny([]string{"KIOSK_PREFETCH_WORKERS", "GRIMNIR_KIOSK_PREFETCH_WORKERS"}, 4),
		MediaFetchTimeout: time.Duration(getEnvIntAny([]string{"KIOSK_MEDIA_FETCH_TIMEOUT_SECONDS", "GRIMNIR_KIOSK_MEDIA_FETCH_TIMEOUT_SECONDS"}, 120)) * time.Second,

		Source:              SourceKind(getEnvAny([]string{"KIOSK_SOURCE", "GRIMNIR_KIOSK_SOURCE"}, string(SourceHTTP))),
		SourceURL:           strings.TrimRight(getEnvAny([]string{"KIOSK_SOURCE_URL", "GRIMNIR_KIOSK_SOURCE_URL"}, ""), "/"),
		SourceStreamURL:     strings.TrimRight(getEnvAny([]string{"KIOSK_SOURCE_STREAM_URL", "GRIMNIR_KIOSK_SOURCE_STREAM_URL"}, ""), "/"),
		SourceToken:         getEnvAny([]string{"KIOSK_SOURCE_TOKEN", "GRIMNIR_KIOSK_SOURCE_TOKEN"}, ""),
		SyncRatePerMinute:   getEnvIntAny([]string{"KIOSK_SYNC_RATE_PER_MINUTE", "GRIMNIR_KIOSK_SYNC_RATE_PER_MINUTE"}, 6),
		ReconnectMaxBackoff: time.Duration(getEnvIntAny([]string{"KIOSK_RECONNECT_MAX_BACKOFF_SECONDS", "GRIMNIR_KIOSK_RECONNECT_MAX_BACKOFF_SECONDS"}, 60)) * time.Second,

		RedisAddr:     getEnvAny([]string{"KIOSK_REDIS_ADDR", "GRIMNIR_KIOSK_REDIS_ADDR"}, "localhost:6379"),
		RedisPassword: getEnvAny([]string{"KIOSK_REDIS_PASSWORD", "GRIMNIR_KIOSK_REDIS_PASSWORD"}, ""),
		RedisDB:       getEnvIntAny([]string{"KIOSK_REDIS_DB", "GRIMNIR_KIOSK_REDIS_DB"}, 0),

		NATSURL: getEnvAny([]string{"KIOSK_NATS_URL", "GRIMNIR_KIOSK_NATS_URL", "NATS_URL"}, "nats://localhost:4222"),

		S3AccessKeyID:     getEnvAny([]string{"KIOSK_S3_ACCESS_KEY_ID", "AWS_ACCESS_KEY_ID"}, ""),
		S3SecretAccessKey: getEnvAny([]string{"KIOSK_S3_SECRET_ACCESS_KEY", "AWS_SECRET_ACCESS_KEY"}, ""),
		S3Region:          getEnvAny([]string{"KIOSK_S3_REGION", "AWS_REGION"}, "us-east-1"),
		S3Endpoint:        getEnvAny([]string{"KIOSK_S3_ENDPOINT", "S3_ENDPOINT"}, ""),
		S3UsePathStyle:    getEnvBoolAny([]string{"KIOSK_S3_USE_PATH_STYLE", "S3_USE_PATH_STYLE"}, false),

		EvalInterval:      time.Duration(getEnvIntAny([]string{"KIOSK_EVAL_INTERVAL_SECONDS", "GRIMNIR_KIOSK_EVAL_INTERVAL_SECONDS"}, 30)) * time.Second,
		TelemetryInterval: time.Duration(getEnvIntAny([]string{"KIOSK_TELEMETRY_INTERVAL_SECONDS", "GRIMNIR_KIOSK_TELEMETRY_INTERVAL_SECONDS"}, 300)) * time.Second,
		FadeLead:          time.Duration(getEnvIntAny([]string{"KIOSK_FADE_LEAD_MS", "GRIMNIR_KIOSK_FADE_LEAD_MS"}, 0)) * time.Millisecond,
		ProgressInterval:  time.Duration(getEnvIntAny([]string{"KIOSK_PROGRESS_INTERVAL_MS", "GRIMNIR_KIOSK_PROGRESS_INTERVAL_MS"}, 100)) * time.Millisecond,
		ImageDuration:     time.Duration(getEnvIntAny([]string{"KIOSK_IMAGE_DURATION_SECONDS", "GRIMNIR_KIOSK_IMAGE_DURATION_SECONDS"}, 10)) * time.Second,
		OvernightPolicy:   getEnvAny([]string{"KIOSK_OVERNIGHT_POLICY", "GRIMNIR_KIOSK_OVERNIGHT_POLICY"}, "naive"),
		RebootCommand:     getEnvAny([]string{"KIOSK_REBOOT_COMMAND", "GRIMNIR_KIOSK_REBOOT_COMMAND"}, ""),

		HTTPBind: getEnvAny([]string{"KIOSK_HTTP_BIND", "GRIMNIR_KIOSK_HTTP_BIND"}, "127.0.0.1"),
		HTTPPort: getEnvIntAny([]string{"KIOSK_HTTP_PORT", "GRIMNIR_KIOSK_HTTP_PORT"}, 8090),

		TracingEnabled:    getEnvBoolAny([]string{"KIOSK_TRACING_ENABLED", "GRIMNIR_KIOSK_TRACING_ENABLED"}, false),
		OTLPEndpoint:      getEnvAny([]string{"KIOSK_OTLP_ENDPOINT", "GRIMNIR_KIOSK_OTLP_ENDPOINT"}, "localhost:4317"),
		TracingSampleRate: getEnvFloatAny([]string{"KIOSK_TRACING_SAMPLE_RATE", "GRIMNIR_KIOSK_TRACING_SAMPLE_RATE"}, 1.0),
	}

	if cfg.StoreBackend == StoreSQLite && cfg.StoreDSN == "" {
		cfg.StoreDSN = "kiosk.db"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
	}
	cfg.Location = loc

	if cfg.SourceStreamURL == "" && cfg.Source == SourceHTTP {
		cfg.SourceStreamURL = websocketURL(cfg.SourceURL)
	}
	cfg.LegacyEnvWarnings = detectLegacyEnvWarnings()

	return cfg, nil
}

func (c *Config) validate() error {
	if c.DeviceID == "" {
		return fmt.Errorf("KIOSK_DEVICE_ID or GRIMNIR_KIOSK_DEVICE_ID must be provided")
	}

	switch c.StoreBackend {
	case StoreSQLite, StorePostgres, StoreMySQL, StoreBadger, StoreMemory:
	default:
		return fmt.Errorf("unsupported store backend %q", c.StoreBackend)
	}
	if (c.StoreBackend == StorePostgres || c.StoreBackend == StoreMySQL) && c.StoreDSN == "" {
		return fmt.Errorf("KIOSK_STORE_DSN must be provided for the %s backend", c.StoreBackend)
	}

	switch c.Source {
	case SourceHTTP:
		if c.SourceURL == "" {
			return fmt.Errorf("KIOSK_SOURCE_URL must be provided for the http source")
		}
	case SourceNATS:
		if c.NATSURL == "" {
			return fmt.Errorf("KIOSK_NATS_URL must be provided for the nats source")
		}
	case SourceRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("KIOSK_REDIS_ADDR must be provided for the redis source")
		}
	default:
		return fmt.Errorf("unsupported source %q", c.Source)
	}

	if c.OvernightPolicy != "naive" && c.OvernightPolicy != "split" {
		return fmt.Errorf("unsupported overnight policy %q", c.OvernightPolicy)
	}
	if c.EvalInterval <= 0 {
		return fmt.Errorf("KIOSK_EVAL_INTERVAL_SECONDS must be positive")
	}
	if c.TelemetryInterval <= 0 {
		return fmt.Errorf("KIOSK_TELEMETRY_INTERVAL_SECONDS must be positive")
	}
	if c.SyncRatePerMinute <= 0 {
		return fmt.Errorf("KIOSK_SYNC_RATE_PER_MINUTE must be positive")
	}
	if strings.EqualFold(c.Environment, "production") && c.Source == SourceHTTP && strings.HasPrefix(c.SourceURL, "http://") {
		return fmt.Errorf("KIOSK_SOURCE_URL must use https in production")
	}
	return nil
}

// MediaCacheMaxBytes returns the media cache capacity in bytes.
// A value of 0 means unbounded.
func (c *Config) MediaCacheMaxBytes() int64 {
	if c == nil || c.MediaCacheMaxMB <= 0 {
		return 0
	}
	return int64(c.MediaCacheMaxMB) * 1024 * 1024
}

// HTTPAddr is the listen address of the local surface.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.HTTPBind, c.HTTPPort)
}

// websocketURL maps an http(s) base URL onto its ws(s) counterpart.
func websocketURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}

func detectLegacyEnvWarnings() []string {
	legacy := map[string]string{
		"DEVICE_ID":        "use KIOSK_DEVICE_ID",
		"KIOSK_DB_DSN":     "use KIOSK_STORE_DSN",
		"KIOSK_DB_BACKEND": "use KIOSK_STORE_BACKEND",
		"TRACING_ENABLED":  "use KIOSK_TRACING_ENABLED",
		"OTLP_ENDPOINT":    "use KIOSK_OTLP_ENDPOINT",
	}

	warnings := make([]string, 0, len(legacy))
	for key, recommendation := range legacy {
		if os.Getenv(key) != "" {
			warnings = append(warnings, fmt.Sprintf("legacy env key %s is set; %s", key, recommendation))
		}
	}
	return warnings
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// getEnvIntAny returns the first set integer environment variable value from keys, or def.
func getEnvIntAny(keys []string, def int) int {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvBoolAny returns the first set boolean environment variable value from keys, or def.
func getEnvBoolAny(keys []string, def bool) bool {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "true" || v == "1" || v == "yes" {
				return true
			}
			if v == "false" || v == "0" || v == "no" {
				return false
			}
		}
	}
	return def
}

// getEnvFloatAny returns the first set float environment variable value from keys, or def.
func getEnvFloatAny(keys []string, def float64) float64 {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				return parsed
			}
		}
	}
	return def
}
