package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// WithEnv applies environment variable overrides using the provided prefix.
//
// Simplified environment variable mapping:
//
// Server:
//   PORT - Server port (default: "8080")
//   ENVIRONMENT - Runtime environment (default: "development")
//   LOG_LEVEL - debug, info, warn, error (default: "info")
//   LOG_FORMAT - console, json (default: "console")
//
// Database:
//   DATABASE_URL - Connection string:
//                  "postgresql://..." or "postgres://..." selects postgres
//                  "redis://..." selects redis
//                  empty or "memory" selects the in-memory repository
//
// Storage:
//   STORAGE_URL - Storage connection string (one of):
//                 - "memory://" - In-memory storage (default)
//                 - "file:///path/to/data" - Filesystem storage
//                 - "s3://bucket?region=us-east-1" - S3 storage
//
// Limits and timing:
//   INLINE_MAX_BYTES - Largest artifact sent as an inline attachment
//   MAX_INPUT_BYTES - Largest accepted input
//   FETCH_TIMEOUT - Upstream fetch deadline (Go duration)
//   REAPER_INTERVAL - How often to sweep for stuck operations (Go duration)
//   REAPER_THRESHOLD - How long a running operation may go without progress
//   FFMPEG_PATH - ffmpeg binary location (default: "ffmpeg")
func WithEnv(prefix string) Option {
	return func(c *ServerConfig) error {
		if v, ok := lookupEnv(prefix, "PORT"); ok && v != "" {
			c.Port = v
		}
		if v, ok := lookupEnv(prefix, "ENVIRONMENT"); ok && v != "" {
			c.Environment = v
		}
		if v, ok := lookupEnv(prefix, "LOG_LEVEL"); ok && v != "" {
			c.LogLevel = v
		}
		if v, ok := lookupEnv(prefix, "LOG_FORMAT"); ok && v != "" {
			c.LogFormat = v
		}
		if v, ok := lookupEnv(prefix, "FFMPEG_PATH"); ok && v != "" {
			c.FFmpegPath = v
		}

		if err := applyDatabaseEnv(prefix, c); err != nil {
			return err
		}
		if err := applyStorageEnv(prefix, c); err != nil {
			return err
		}
		if err := applyLimitsEnv(prefix, c); err != nil {
			return err
		}

		return nil
	}
}

// applyDatabaseEnv applies database configuration from environment
func applyDatabaseEnv(prefix string, c *ServerConfig) error {
	dbURL, hasURL := lookupEnv(prefix, "DATABASE_URL")

	if !hasURL || dbURL == "" || dbURL == "memory" {
		c.DatabaseType = "memory"
		c.DatabaseURL = ""
		return nil
	}

	switch {
	case strings.HasPrefix(dbURL, "postgresql://"), strings.HasPrefix(dbURL, "postgres://"):
		c.DatabaseType = "postgres"
		c.DatabaseURL = dbURL
	case strings.HasPrefix(dbURL, "redis://"), strings.HasPrefix(dbURL, "rediss://"):
		c.DatabaseType = "redis"
		c.DatabaseURL = dbURL
	default:
		return fmt.Errorf("unsupported DATABASE_URL format: %s (use 'memory', 'postgresql://...' or 'redis://...')", dbURL)
	}

	return nil
}

// applyStorageEnv applies storage configuration from environment
func applyStorageEnv(prefix string, c *ServerConfig) error {
	storageURL, hasURL := lookupEnv(prefix, "STORAGE_URL")

	if !hasURL || storageURL == "" || storageURL == "memory" || storageURL == "memory://" {
		backend := StorageBackendConfig{
			Name:   "memory",
			Type:   "memory",
			Config: map[string]interface{}{},
		}
		c.StorageBackends = upsertStorageBackend(c.StorageBackends, backend)
		return nil
	}

	switch {
	case strings.HasPrefix(storageURL, "file://"):
		return applyFilesystemStorage(storageURL, c)
	case strings.HasPrefix(storageURL, "s3://"):
		return applyS3Storage(storageURL, c)
	}

	return fmt.Errorf("unsupported STORAGE_URL format: %s (use 'memory://', 'file://...', or 's3://...')", storageURL)
}

// applyFilesystemStorage configures filesystem storage from URL
// Format: file:///path/to/data
func applyFilesystemStorage(url string, c *ServerConfig) error {
	path := strings.TrimPrefix(url, "file://")
	if path == "" {
		return fmt.Errorf("filesystem path cannot be empty in STORAGE_URL")
	}

	backend := StorageBackendConfig{
		Name: "fs",
		Type: "fs",
		Config: map[string]interface{}{
			"base_dir": path,
		},
	}

	c.StorageBackends = []StorageBackendConfig{backend}
	return nil
}

// applyS3Storage configures S3 storage from URL
// Format: s3://bucket?region=us-east-1
func applyS3Storage(url string, c *ServerConfig) error {
	bucket := strings.TrimPrefix(url, "s3://")
	if i := strings.IndexByte(bucket, '?'); i >= 0 {
		bucket = bucket[:i]
	}
	if bucket == "" {
		return fmt.Errorf("S3 bucket name cannot be empty in STORAGE_URL")
	}

	backend := StorageBackendConfig{
		Name: "s3",
		Type: "s3",
		Config: map[string]interface{}{
			"bucket": bucket,
			"region": "us-east-1",
		},
	}

	if accessKey, ok := os.LookupEnv("AWS_ACCESS_KEY_ID"); ok && accessKey != "" {
		backend.Config["access_key_id"] = accessKey
	}
	if secretKey, ok := os.LookupEnv("AWS_SECRET_ACCESS_KEY"); ok && secretKey != "" {
		backend.Config["secret_access_key"] = secretKey
	}
	if region, ok := os.LookupEnv("AWS_REGION"); ok && region != "" {
		backend.Config["region"] = region
	}
	if endpoint, ok := os.LookupEnv("AWS_S3_ENDPOINT"); ok && endpoint != "" {
		backend.Config["endpoint"] = endpoint
	}

	// A local fs backend behind S3 keeps delivery working when the remote
	// store is unreachable.
	c.StorageBackends = []StorageBackendConfig{backend}
	if fallback, ok := lookupEnv("", "LOCAL_FALLBACK_DIR"); ok && fallback != "" {
		c.StorageBackends = append(c.StorageBackends, StorageBackendConfig{
			Name:   "fs",
			Type:   "fs",
			Config: map[string]interface{}{"base_dir": fallback},
		})
	}
	return nil
}

// applyLimitsEnv applies size limits and timing from environment
func applyLimitsEnv(prefix string, c *ServerConfig) error {
	if v, set, err := parseInt64Env(prefix, "INLINE_MAX_BYTES"); err != nil {
		return err
	} else if set {
		c.InlineMaxBytes = v
	}
	if v, set, err := parseInt64Env(prefix, "MAX_INPUT_BYTES"); err != nil {
		return err
	} else if set {
		c.MaxInputBytes = v
	}
	if v, set, err := parseDurationEnv(prefix, "FETCH_TIMEOUT"); err != nil {
		return err
	} else if set {
		c.FetchTimeout = v
	}
	if v, set, err := parseDurationEnv(prefix, "REAPER_INTERVAL"); err != nil {
		return err
	} else if set {
		c.ReaperInterval = v
	}
	if v, set, err := parseDurationEnv(prefix, "REAPER_THRESHOLD"); err != nil {
		return err
	} else if set {
		c.ReaperThreshold = v
	}
	return nil
}

func lookupEnv(prefix, key string) (string, bool) {
	return os.LookupEnv(prefix + key)
}

func parseInt64Env(prefix, key string) (int64, bool, error) {
	raw, ok := lookupEnv(prefix, key)
	if !ok || raw == "" {
		return 0, false, nil
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid integer for %s%s: %w", prefix, key, err)
	}
	return parsed, true, nil
}

func parseDurationEnv(prefix, key string) (time.Duration, bool, error) {
	raw, ok := lookupEnv(prefix, key)
	if !ok || raw == "" {
		return 0, false, nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false, fmt.Errorf("invalid duration for %s%s: %w", prefix, key, err)
	}
	return parsed, true, nil
}

func upsertStorageBackend(backends []StorageBackendConfig, backend StorageBackendConfig) []StorageBackendConfig {
	if backend.Config == nil {
		backend.Config = map[string]interface{}{}
	}
	for i := range backends {
		if backends[i].Name == backend.Name {
			backends[i] = backend
			return backends
		}
	}
	return append(backends, backend)
}
