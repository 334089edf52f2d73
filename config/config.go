package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server configuration
	Port        string
	Environment string

	// Backend selection: redis or memory
	Backend string

	// Staff superuser seeded on first migration
	AdminEmail    string
	AdminPassword string

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// PubNub configuration
	PubNubPublishKey   string
	PubNubSubscribeKey string
	PubNubSecretKey    string
	PubNubUserID       string
	NotifyChannel      string

	// Session configuration
	SessionTTL       time.Duration
	SessionRetention time.Duration
	PinLength        int
	MaxPinAttempts   int
	PinHashCost      int

	// Queue configuration
	ClinicTimezone string

	// Backend retry schedule, first entry is the wait before the first attempt
	RetryDelays []time.Duration

	// Idempotent replay window for correlation ids
	ReplayTTL time.Duration

	// Route map
	RouteMapPath     string
	RouteMapRedisKey string

	// PIN brute-force throttle per client IP
	PinRateLimit  int
	PinRateWindow time.Duration

	// Notification timeout for fire-and-forget publishes
	NotifyTimeout time.Duration

	// Monitoring
	EnableMetrics bool
	OTLPEndpoint  string
	OTLPInsecure  bool
}

func LoadConfig() *Config {
	return &Config{
		// Server
		Port:        getEnv("PORT", "8090"),
		Environment: getEnv("ENVIRONMENT", "development"),

		Backend: getEnv("BACKEND", "redis"),

		AdminEmail:    getEnv("CLINIC_ADMIN_EMAIL", ""),
		AdminPassword: getEnv("CLINIC_ADMIN_PASSWORD", ""),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		// PubNub
		PubNubPublishKey:   getEnv("PUBNUB_PUBLISH_KEY", ""),
		PubNubSubscribeKey: getEnv("PUBNUB_SUBSCRIBE_KEY", ""),
		PubNubSecretKey:    getEnv("PUBNUB_SECRET_KEY", ""),
		PubNubUserID:       getEnv("PUBNUB_USER_ID", "clinic-flow"),
		NotifyChannel:      getEnv("NOTIFY_CHANNEL", "clinic-admin"),

		// Sessions
		SessionTTL:       getEnvAsDuration("SESSION_TTL", "24h"),
		SessionRetention: getEnvAsDuration("SESSION_RETENTION", "48h"),
		PinLength:        getEnvAsInt("PIN_LENGTH", 4),
		MaxPinAttempts:   getEnvAsInt("MAX_PIN_ATTEMPTS", 3),
		PinHashCost:      getEnvAsInt("PIN_HASH_COST", 10),

		// Queue
		ClinicTimezone: getEnv("CLINIC_TIMEZONE", "Asia/Qatar"),

		// Backend
		RetryDelays: getEnvAsDurations("BACKEND_RETRY_DELAYS", "0s,5s,10s"),
		ReplayTTL:   getEnvAsDuration("REPLAY_TTL", "10m"),

		// Route map
		RouteMapPath:     getEnv("ROUTE_MAP_PATH", "config/routeMap.json"),
		RouteMapRedisKey: getEnv("ROUTE_MAP_REDIS_KEY", ""),

		// Security
		PinRateLimit:  getEnvAsInt("PIN_RATE_LIMIT", 10),
		PinRateWindow: getEnvAsDuration("PIN_RATE_WINDOW", "1m"),

		NotifyTimeout: getEnvAsDuration("NOTIFY_TIMEOUT", "5s"),

		// Monitoring
		EnableMetrics: getEnvAsBool("ENABLE_METRICS", true),
		OTLPEndpoint:  getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTLPInsecure:  getEnvAsBool("OTEL_EXPORTER_OTLP_INSECURE", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := getEnv(key, defaultValue)
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	// If parsing fails, try to parse default value
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}

// getEnvAsDurations parses a comma separated list such as "0s,5s,10s".
// A single bad entry discards the whole value in favour of the default.
func getEnvAsDurations(key string, defaultValue string) []time.Duration {
	if delays, ok := parseDurations(getEnv(key, defaultValue)); ok {
		return delays
	}
	delays, _ := parseDurations(defaultValue)
	return delays
}

func parseDurations(raw string) ([]time.Duration, bool) {
	parts := strings.Split(raw, ",")
	delays := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		d, err := time.ParseDuration(strings.TrimSpace(part))
		if err != nil || d < 0 {
			return nil, false
		}
		delays = append(delays, d)
	}
	return delays, len(delays) > 0
}
