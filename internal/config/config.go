// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64  // Maximum hook request body size in bytes.
	HookToken           string // Shared bearer token for the hook bridge. Empty disables auth.

	// Query rate limiting, per client IP. Hook routes are never limited.
	QueryRateLimit float64 // Requests per second. Zero disables limiting.
	QueryRateBurst int

	// OTEL settings.
	OTELEndpoint            string
	OTELInsecure            bool
	ServiceName             string
	SpanAttributeValueLimit int
	SpanAttributeCountLimit int

	// Correlation settings.
	SweepInterval time.Duration
	MaxTraceAge   time.Duration // Zero disables expiry of stuck traces.

	// Archive settings.
	ArchivePath          string // SQLite file for finished traces. Empty disables the archive.
	ArchiveBufferSize    int
	ArchiveFlushInterval time.Duration

	// Operational settings.
	LogLevel        string
	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
// All parse errors are collected and returned together.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	cfg := Config{
		ServiceName:  envStr("OTEL_SERVICE_NAME", "flowtrace"),
		OTELEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		HookToken:    envStr("FLOWTRACE_HOOK_TOKEN", ""),
		ArchivePath:  envStr("FLOWTRACE_ARCHIVE_PATH", ""),
		LogLevel:     strings.ToLower(envStr("FLOWTRACE_LOG_LEVEL", "info")),
	}

	var err error
	cfg.Port, err = envInt("FLOWTRACE_PORT", 8080)
	collect(err)
	cfg.ReadTimeout, err = envDuration("FLOWTRACE_READ_TIMEOUT", 30*time.Second)
	collect(err)
	cfg.WriteTimeout, err = envDuration("FLOWTRACE_WRITE_TIMEOUT", 30*time.Second)
	collect(err)
	maxBody, err := envInt("FLOWTRACE_MAX_REQUEST_BODY_BYTES", 1*1024*1024) // 1 MB default
	collect(err)
	cfg.MaxRequestBodyBytes = int64(maxBody)
	cfg.QueryRateLimit, err = envFloat("FLOWTRACE_QUERY_RATE_LIMIT", 20)
	collect(err)
	cfg.QueryRateBurst, err = envInt("FLOWTRACE_QUERY_RATE_BURST", 40)
	collect(err)
	cfg.OTELInsecure, err = envBool("FLOWTRACE_OTEL_INSECURE", false)
	collect(err)
	cfg.SpanAttributeValueLimit, err = envInt("FLOWTRACE_SPAN_ATTRIBUTE_VALUE_LIMIT", 2048)
	collect(err)
	cfg.SpanAttributeCountLimit, err = envInt("FLOWTRACE_SPAN_ATTRIBUTE_COUNT_LIMIT", 256)
	collect(err)
	cfg.SweepInterval, err = envDuration("FLOWTRACE_SWEEP_INTERVAL", 5*time.Second)
	collect(err)
	cfg.MaxTraceAge, err = envDuration("FLOWTRACE_MAX_TRACE_AGE", 10*time.Minute)
	collect(err)
	cfg.ArchiveBufferSize, err = envInt("FLOWTRACE_ARCHIVE_BUFFER_SIZE", 500)
	collect(err)
	cfg.ArchiveFlushInterval, err = envDuration("FLOWTRACE_ARCHIVE_FLUSH_INTERVAL", 2*time.Second)
	collect(err)
	cfg.ShutdownTimeout, err = envDuration("FLOWTRACE_SHUTDOWN_TIMEOUT", 10*time.Second)
	collect(err)

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that configuration values are usable.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("config: FLOWTRACE_PORT must be between 1 and 65535"))
	}
	if c.QueryRateLimit < 0 {
		errs = append(errs, fmt.Errorf("config: FLOWTRACE_QUERY_RATE_LIMIT must not be negative"))
	}
	if c.QueryRateLimit > 0 && c.QueryRateBurst <= 0 {
		errs = append(errs, fmt.Errorf("config: FLOWTRACE_QUERY_RATE_BURST must be positive"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("config: FLOWTRACE_SWEEP_INTERVAL must be positive"))
	}
	if c.MaxTraceAge < 0 {
		errs = append(errs, fmt.Errorf("config: FLOWTRACE_MAX_TRACE_AGE must not be negative"))
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("config: FLOWTRACE_MAX_REQUEST_BODY_BYTES must be positive"))
	}
	if c.SpanAttributeValueLimit <= 0 || c.SpanAttributeCountLimit <= 0 {
		errs = append(errs, fmt.Errorf("config: span attribute limits must be positive"))
	}
	if c.ArchivePath != "" && c.ArchiveBufferSize <= 0 {
		errs = append(errs, fmt.Errorf("config: FLOWTRACE_ARCHIVE_BUFFER_SIZE must be positive"))
	}
	if c.ArchivePath != "" && c.ArchiveFlushInterval <= 0 {
		errs = append(errs, fmt.Errorf("config: FLOWTRACE_ARCHIVE_FLUSH_INTERVAL must be positive"))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("config: FLOWTRACE_LOG_LEVEL %q is not one of debug, info, warn, error", c.LogLevel))
	}
	return errors.Join(errs...)
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
