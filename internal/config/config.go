package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the feature server.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string
	LogFormat        string
	CallRetention    time.Duration
	// MaxCalls caps concurrently admitted calls; 0 disables the cap.
	MaxCalls int

	// LocalSIPAddress is the signaling address other feature servers use to
	// reach this process (host:port). It is written into the conference registry.
	LocalSIPAddress string
	// ServiceURL is the externally reachable base URL of the HTTP API.
	ServiceURL string

	StoreBackend         string
	DatabaseURL          string
	RedisURL             string
	MigrationTTL         time.Duration
	SnapshotReapInterval time.Duration

	MediaMode         string
	MediaControlURL   string
	MediaReconnectMax time.Duration

	SignalingURL   string
	WebhookTimeout time.Duration

	DefaultAccountSID     string
	DefaultApplicationSID string
	DefaultCallHook       string
	DefaultCallHookMethod string
	DefaultCallStatusHook string
	CallStatusEnabled     bool

	TTSEngine string
	TTSVoice  string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:              envOrDefault("APP_BIND_ADDR", ":3000"),
		MetricsNamespace:      envOrDefault("APP_METRICS_NAMESPACE", "featureserver"),
		LogLevel:              envOrDefault("APP_LOG_LEVEL", "info"),
		LogFormat:             envOrDefault("APP_LOG_FORMAT", "json"),
		LocalSIPAddress:       envOrDefault("LOCAL_SIP_ADDRESS", "127.0.0.1:5060"),
		ServiceURL:            envOrDefault("SERVICE_URL", "http://127.0.0.1:3000"),
		StoreBackend:          envOrDefault("STORE_BACKEND", "auto"),
		DatabaseURL:           stringsTrimSpace("DATABASE_URL"),
		RedisURL:              stringsTrimSpace("REDIS_URL"),
		MediaMode:             envOrDefault("MEDIA_MODE", "auto"),
		MediaControlURL:       stringsTrimSpace("MEDIA_CONTROL_URL"),
		SignalingURL:          stringsTrimSpace("SIGNALING_URL"),
		DefaultAccountSID:     envOrDefault("DEFAULT_ACCOUNT_SID", "default"),
		DefaultApplicationSID: envOrDefault("DEFAULT_APPLICATION_SID", "default"),
		DefaultCallHook:       stringsTrimSpace("DEFAULT_CALL_HOOK"),
		DefaultCallHookMethod: envOrDefault("DEFAULT_CALL_HOOK_METHOD", "POST"),
		DefaultCallStatusHook: stringsTrimSpace("DEFAULT_CALL_STATUS_HOOK"),
		TTSEngine:             envOrDefault("TTS_ENGINE", "flite"),
		TTSVoice:              envOrDefault("TTS_VOICE", "kal"),
		ShutdownTimeout:       15 * time.Second,
		CallRetention:         time.Minute,
		// Snapshots only need to outlive a REFER round trip.
		MigrationTTL:         30 * time.Second,
		SnapshotReapInterval: 15 * time.Second,
		MediaReconnectMax:    10 * time.Second,
		WebhookTimeout:       10 * time.Second,
		CallStatusEnabled:    true,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.CallRetention, err = durationFromEnv("APP_CALL_RETENTION", cfg.CallRetention)
	if err != nil {
		return Config{}, err
	}
	cfg.MigrationTTL, err = durationFromEnv("MIGRATION_TTL", cfg.MigrationTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.SnapshotReapInterval, err = durationFromEnv("SNAPSHOT_REAP_INTERVAL", cfg.SnapshotReapInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.MediaReconnectMax, err = durationFromEnv("MEDIA_RECONNECT_MAX", cfg.MediaReconnectMax)
	if err != nil {
		return Config{}, err
	}
	cfg.WebhookTimeout, err = durationFromEnv("WEBHOOK_TIMEOUT", cfg.WebhookTimeout)
	if err != nil {
		return Config{}, err
	}

	cfg.MaxCalls, err = intFromEnv("APP_MAX_CALLS", cfg.MaxCalls)
	if err != nil {
		return Config{}, err
	}
	cfg.CallStatusEnabled, err = boolFromEnv("CALL_STATUS_ENABLED", cfg.CallStatusEnabled)
	if err != nil {
		return Config{}, err
	}

	cfg.StoreBackend = strings.ToLower(cfg.StoreBackend)
	cfg.MediaMode = strings.ToLower(cfg.MediaMode)

	if strings.TrimSpace(cfg.LocalSIPAddress) == "" {
		return Config{}, fmt.Errorf("LOCAL_SIP_ADDRESS must not be empty")
	}
	if cfg.MaxCalls < 0 {
		return Config{}, fmt.Errorf("APP_MAX_CALLS must be >= 0")
	}
	if cfg.MigrationTTL <= 0 {
		return Config{}, fmt.Errorf("MIGRATION_TTL must be positive")
	}
	if cfg.SnapshotReapInterval <= 0 {
		return Config{}, fmt.Errorf("SNAPSHOT_REAP_INTERVAL must be positive")
	}
	switch cfg.StoreBackend {
	case "auto", "memory", "postgres", "redis":
	default:
		return Config{}, fmt.Errorf("invalid STORE_BACKEND: %q (expected auto|memory|postgres|redis)", cfg.StoreBackend)
	}
	if cfg.StoreBackend == "postgres" && cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("STORE_BACKEND=postgres requires DATABASE_URL")
	}
	if cfg.StoreBackend == "redis" && cfg.RedisURL == "" {
		return Config{}, fmt.Errorf("STORE_BACKEND=redis requires REDIS_URL")
	}
	switch cfg.MediaMode {
	case "auto", "ws", "mock":
	default:
		return Config{}, fmt.Errorf("invalid MEDIA_MODE: %q (expected auto|ws|mock)", cfg.MediaMode)
	}
	if cfg.MediaMode == "ws" && cfg.MediaControlURL == "" {
		return Config{}, fmt.Errorf("MEDIA_MODE=ws requires MEDIA_CONTROL_URL")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
