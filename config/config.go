package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	Redis          RedisConfig
	Signaling      SignalingConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// SignalingConfig holds the relay-side tunables for message delivery.
type SignalingConfig struct {
	// PollTimeout is how long a long-poll request is held open before
	// returning an empty batch.
	PollTimeout time.Duration
	// IdleEviction is the liveness window: a participant with no socket,
	// no pending poll and no queued message for this long is evicted and
	// an empty room is garbage-collected.
	IdleEviction time.Duration
	// DedupCacheSize bounds the per-participant seen-messageId cache used
	// to absorb client send retries.
	DedupCacheSize int
}

func Load() *Config {
	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	origins := strings.Split(originsStr, ",")

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       0,
		},
		Signaling: SignalingConfig{
			PollTimeout:    getDuration("POLL_TIMEOUT", 35*time.Second),
			IdleEviction:   getDuration("IDLE_EVICTION", 2*time.Minute),
			DedupCacheSize: getInt("DEDUP_CACHE_SIZE", 128),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
