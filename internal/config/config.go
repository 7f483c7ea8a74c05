// Package config provides application configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Store backends accepted by STORE_BACKEND.
const (
	BackendSQLite = "sqlite"
	BackendBolt   = "bbolt"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

var defaultSensitiveKeywords = []string{"rm", "delete", "drop", "format", "shutdown", "reboot", "kill"}

// Config holds all application configuration.
type Config struct {
	Port          string
	PublicBaseURL string
	DataDir       string
	StoreBackend  string
	RedisAddr     string
	HookGRPCAddr  string
	NotifyWebhook string
	Auth          AuthConfig
	Provider      ProviderConfig
}

// AuthConfig controls the verification lifecycle.
type AuthConfig struct {
	SensitiveKeywords    []string
	SensitiveGrace       time.Duration
	FirstContactRequired bool
	FirstContactGrace    time.Duration
	SessionTimeout       time.Duration
	PendingExecTimeout   time.Duration
	SweepInterval        time.Duration
	DefaultMethod        string
}

// ProviderConfig holds credentials for the external scan-to-authenticate service.
type ProviderConfig struct {
	BaseURL   string
	AppID     string
	AppSecret string
	PollRPS   float64
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		PublicBaseURL: strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		DataDir:       getEnv("DATA_DIR", "./data"),
		StoreBackend:  strings.ToLower(getEnv("STORE_BACKEND", BackendSQLite)),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		HookGRPCAddr:  getEnv("HOOK_GRPC_ADDR", ""),
		NotifyWebhook: getEnv("NOTIFY_WEBHOOK_URL", ""),
		Auth: AuthConfig{
			SensitiveKeywords:    getEnvList("SENSITIVE_KEYWORDS", defaultSensitiveKeywords),
			SensitiveGrace:       getEnvMillis("SENSITIVE_GRACE_MS", 2*time.Minute),
			FirstContactRequired: getEnvBool("FIRST_CONTACT_REQUIRED", false),
			FirstContactGrace:    getEnvMillis("FIRST_CONTACT_GRACE_MS", 24*time.Hour),
			SessionTimeout:       getEnvMillis("SESSION_TIMEOUT_MS", 5*time.Minute),
			PendingExecTimeout:   getEnvMillis("PENDING_EXEC_TIMEOUT_MS", 10*time.Minute),
			SweepInterval:        getEnvMillis("SWEEP_INTERVAL_MS", 30*time.Second),
			DefaultMethod:        getEnv("AUTH_METHOD", "scan"),
		},
		Provider: ProviderConfig{
			BaseURL:   strings.TrimRight(getEnv("PROVIDER_BASE_URL", ""), "/"),
			AppID:     getEnv("PROVIDER_APP_ID", ""),
			AppSecret: getEnv("PROVIDER_APP_SECRET", ""),
			PollRPS:   getEnvFloat("PROVIDER_POLL_RPS", 10),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR cannot be empty")
	}
	if _, err := url.ParseRequestURI(c.PublicBaseURL); err != nil {
		return fmt.Errorf("PUBLIC_BASE_URL is not a valid URL: %w", err)
	}
	switch c.StoreBackend {
	case BackendSQLite, BackendBolt, BackendMemory:
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR cannot be empty when STORE_BACKEND=redis")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.Auth.SensitiveGrace <= 0 {
		return fmt.Errorf("SENSITIVE_GRACE_MS must be > 0")
	}
	if c.Auth.FirstContactGrace <= 0 {
		return fmt.Errorf("FIRST_CONTACT_GRACE_MS must be > 0")
	}
	if c.Auth.SessionTimeout <= 0 {
		return fmt.Errorf("SESSION_TIMEOUT_MS must be > 0")
	}
	if c.Auth.PendingExecTimeout <= 0 {
		return fmt.Errorf("PENDING_EXEC_TIMEOUT_MS must be > 0")
	}
	if c.Auth.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL_MS must be > 0")
	}
	if c.Auth.DefaultMethod == "" {
		return fmt.Errorf("AUTH_METHOD cannot be empty")
	}
	if c.Provider.PollRPS <= 0 {
		return fmt.Errorf("PROVIDER_POLL_RPS must be > 0")
	}
	return nil
}

// StorePath returns the file used by file-backed grant stores.
func (c *Config) StorePath() string {
	switch c.StoreBackend {
	case BackendBolt:
		return filepath.Join(c.DataDir, "grants.bolt")
	default:
		return filepath.Join(c.DataDir, "grants.db")
	}
}

// VerifyURL returns the browser link for a verification session.
func (c *Config) VerifyURL(sessionID string) string {
	return c.PublicBaseURL + "/mfa-auth/" + url.PathEscape(sessionID)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvMillis reads a duration expressed in milliseconds.
func getEnvMillis(key string, fallback time.Duration) time.Duration {
	ms := getEnvInt(key, -1)
	if ms < 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
