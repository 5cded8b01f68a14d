package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	// HTTP Server
	HTTPAddr string

	// RTMP ingest
	RTMPAddr string

	// Station/devices served by this relay
	Station   string
	DeviceIDs []string

	// Upstream session budget reported to the relay's keep-alive policy
	MaxSessionDuration time.Duration

	// Key-frame caching (fast-attach seeding and session reuse)
	CachingEnabled bool

	// Storage
	StorageType   string // "local" or "gcs"
	StorageDir    string
	GCSBucketName string
	GCSBaseDir    string

	// Recording
	ChunkDuration time.Duration

	// Auth
	DefaultTokenExpiration time.Duration
	MaxTokenExpiration     time.Duration

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	return &Config{
		HTTPAddr:               getEnv("HTTP_ADDR", ":8080"),
		RTMPAddr:               getEnv("RTMP_ADDR", ":1935"),
		Station:                getEnv("STATION_ID", "station-1"),
		DeviceIDs:              getListEnv("DEVICE_IDS", []string{"cam-1"}),
		MaxSessionDuration:     getDurationEnv("MAX_SESSION_DURATION", 5*time.Minute),
		CachingEnabled:         getBoolEnv("CACHING_ENABLED", true),
		StorageType:            getEnv("STORAGE_TYPE", "local"),
		StorageDir:             getEnv("STORAGE_DIR", "./data/recordings"),
		GCSBucketName:          getEnv("GCS_BUCKET_NAME", ""),
		GCSBaseDir:             getEnv("GCS_BASE_DIR", "recordings"),
		ChunkDuration:          getDurationEnv("CHUNK_DURATION", 10*time.Second),
		DefaultTokenExpiration: getDurationEnv("DEFAULT_TOKEN_EXPIRATION", 1*time.Hour),
		MaxTokenExpiration:     getDurationEnv("MAX_TOKEN_EXPIRATION", 24*time.Hour),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
	}
}

// Helper functions to get environment variables with defaults

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	if len(items) == 0 {
		return defaultValue
	}
	return items
}
