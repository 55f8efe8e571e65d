package config

import (
	"os"
	"strconv"
	"time"
)

const (
	defaultNATSURL      = "nats://localhost:4222"
	defaultRedisURL     = "redis://localhost:6379"
	defaultGatewayAddr  = ":8081"
	defaultMetricsAddr  = ":9092"
	defaultToolHostAddr = ":8090"
	defaultSkillsPath   = "config/skills.yaml"

	defaultPollInterval    = 2 * time.Second
	defaultCallTimeout     = 30 * time.Second
	defaultMaxFutureSkew   = 2 * time.Minute
	defaultReplayWindow    = 5 * time.Minute
	defaultRateLimitWindow = 60 * time.Second
	defaultRateLimitMax    = 120

	defaultMaxRunSteps     = 20
	defaultMaxRunToolCalls = 60
	defaultMaxRunPages     = 200
	defaultMaxBulkSize     = 50

	envNATSURL        = "NATS_URL"
	envRedisURL       = "REDIS_URL"
	envGatewayAddr    = "GATEWAY_HTTP_ADDR"
	envMetricsAddr    = "METRICS_ADDR"
	envToolHostAddr   = "TOOLHOST_ADDR"
	envToolHostURL    = "TOOLHOST_URL"
	envSkillsPath     = "SKILLS_CONFIG_PATH"
	envSigningKey     = "PAGEPILOT_SIGNING_KEY"     // base64 ed25519 private key (64 bytes)
	envVerifyKey      = "PAGEPILOT_VERIFY_KEY"      // base64 ed25519 public key (32 bytes)
	envInstallationID = "PAGEPILOT_INSTALLATION_ID" // UUID assigned at pairing
	envAudience       = "PAGEPILOT_AUDIENCE"
	envPollInterval   = "RUNNER_POLL_INTERVAL"
	envCallTimeout    = "TOOL_CALL_TIMEOUT"
	envMaxFutureSkew  = "GUARD_MAX_FUTURE_SKEW"
	envReplayWindow   = "GUARD_REPLAY_WINDOW"
	envRateWindow     = "GUARD_RATE_WINDOW"
	envRateLimit      = "GUARD_RATE_LIMIT"
	envMaxSteps       = "RUN_MAX_STEPS"
	envMaxToolCalls   = "RUN_MAX_TOOL_CALLS"
	envMaxPages       = "RUN_MAX_PAGES"
	envMaxBulkSize    = "RUN_MAX_BULK_SIZE"
)

// Config holds runtime configuration for the control plane components.
type Config struct {
	NatsURL        string
	RedisURL       string
	GatewayAddr    string
	MetricsAddr    string
	ToolHostAddr   string
	ToolHostURL    string
	SkillsPath     string
	SigningKey     string
	VerifyKey      string
	InstallationID string
	Audience       string

	PollInterval  time.Duration
	CallTimeout   time.Duration
	MaxFutureSkew time.Duration
	ReplayWindow  time.Duration
	RateWindow    time.Duration
	RateLimit     int

	// Environment-level run ceilings; the tightest of env, policy and
	// skill caps wins when a run is mapped.
	MaxRunSteps     int
	MaxRunToolCalls int
	MaxRunPages     int
	MaxBulkSize     int
}

// Load returns configuration using environment variables with sane defaults.
func Load() *Config {
	return &Config{
		NatsURL:        getString(envNATSURL, defaultNATSURL),
		RedisURL:       getString(envRedisURL, defaultRedisURL),
		GatewayAddr:    getString(envGatewayAddr, defaultGatewayAddr),
		MetricsAddr:    getString(envMetricsAddr, defaultMetricsAddr),
		ToolHostAddr:   getString(envToolHostAddr, defaultToolHostAddr),
		ToolHostURL:    getString(envToolHostURL, "http://localhost"+defaultToolHostAddr),
		SkillsPath:     getString(envSkillsPath, defaultSkillsPath),
		SigningKey:     os.Getenv(envSigningKey),
		VerifyKey:      os.Getenv(envVerifyKey),
		InstallationID: os.Getenv(envInstallationID),
		Audience:       getString(envAudience, "pagepilot-toolhost"),

		PollInterval:  getDuration(envPollInterval, defaultPollInterval),
		CallTimeout:   getDuration(envCallTimeout, defaultCallTimeout),
		MaxFutureSkew: getDuration(envMaxFutureSkew, defaultMaxFutureSkew),
		ReplayWindow:  getDuration(envReplayWindow, defaultReplayWindow),
		RateWindow:    getDuration(envRateWindow, defaultRateLimitWindow),
		RateLimit:     getInt(envRateLimit, defaultRateLimitMax),

		MaxRunSteps:     getInt(envMaxSteps, defaultMaxRunSteps),
		MaxRunToolCalls: getInt(envMaxToolCalls, defaultMaxRunToolCalls),
		MaxRunPages:     getInt(envMaxPages, defaultMaxRunPages),
		MaxBulkSize:     getInt(envMaxBulkSize, defaultMaxBulkSize),
	}
}

func getString(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}
