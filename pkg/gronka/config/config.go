package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/p2xai/gronka/pkg/gronka"
	"github.com/p2xai/gronka/pkg/gronka/downloader"
	repomemory "github.com/p2xai/gronka/pkg/gronka/repo/memory"
	repopg "github.com/p2xai/gronka/pkg/gronka/repo/postgres"
	reporedis "github.com/p2xai/gronka/pkg/gronka/repo/redis"
	fsstorage "github.com/p2xai/gronka/pkg/gronka/storage/fs"
	memorystorage "github.com/p2xai/gronka/pkg/gronka/storage/memory"
	s3storage "github.com/p2xai/gronka/pkg/gronka/storage/s3"
	"github.com/p2xai/gronka/pkg/gronka/transcoder"
)

// Option applies configuration to a ServerConfig instance.
type Option func(*ServerConfig) error

// Load constructs a ServerConfig by applying the supplied options on top of
// library defaults.
func Load(opts ...Option) (*ServerConfig, error) {
	cfg := defaults()

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func defaults() ServerConfig {
	return ServerConfig{
		Port:         "8080",
		Environment:  "development",
		LogLevel:     "info",
		LogFormat:    "console",
		DatabaseType: "memory",
		DBSchema:     "gronka",
		StorageBackends: []StorageBackendConfig{
			{
				Name:   "memory",
				Type:   "memory",
				Config: map[string]interface{}{},
			},
		},
		InlineMaxBytes:   25 << 20,
		MaxInputBytes:    200 << 20,
		FetchTimeout:     2 * time.Minute,
		TranscodeTimeout: 5 * time.Minute,
		FFmpegPath:       "ffmpeg",
		ReaperInterval:   time.Minute,
		ReaperThreshold:  10 * time.Minute,
	}
}

// ServerConfig represents server configuration for the gronka service.
type ServerConfig struct {
	Port        string
	Environment string // development, production, testing

	LogLevel  string // debug, info, warn, error
	LogFormat string // console, json

	// Database configuration
	DatabaseURL  string
	DatabaseType string // "memory", "postgres", "redis"
	DBSchema     string // Postgres schema to use (default: gronka)

	// Storage backends tried in order by the fulfillment chain.
	StorageBackends []StorageBackendConfig

	// Delivery limits
	InlineMaxBytes int64
	MaxInputBytes  int64
	FetchTimeout   time.Duration

	// Transcoding
	FFmpegPath       string
	TranscodeTimeout time.Duration

	// Reaper
	ReaperInterval  time.Duration
	ReaperThreshold time.Duration

	// Collaborators only a caller can supply.
	attachmentSender gronka.AttachmentSender
	notifier         gronka.Notifier
}

// StorageBackendConfig represents configuration for a storage backend.
type StorageBackendConfig struct {
	Name   string
	Type   string // "memory", "fs", "s3"
	Config map[string]interface{}
}

// WithAttachmentSender supplies the chat-platform sender used for inline
// delivery. Without one the inline step is skipped entirely.
func WithAttachmentSender(sender gronka.AttachmentSender) Option {
	return func(c *ServerConfig) error {
		c.attachmentSender = sender
		return nil
	}
}

// WithNotifier supplies the notifier used when the reaper fails an operation.
func WithNotifier(n gronka.Notifier) Option {
	return func(c *ServerConfig) error {
		c.notifier = n
		return nil
	}
}

// Validate validates the server configuration.
func (c *ServerConfig) Validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}

	switch c.DatabaseType {
	case "memory":
	case "postgres", "redis":
		if c.DatabaseURL == "" {
			return fmt.Errorf("database_url is required when using %s", c.DatabaseType)
		}
	default:
		return errors.New("database_type must be 'memory', 'postgres' or 'redis'")
	}

	if len(c.StorageBackends) == 0 {
		return errors.New("at least one storage backend is required")
	}

	if c.MaxInputBytes > 0 && c.InlineMaxBytes > c.MaxInputBytes {
		return errors.New("inline_max_bytes cannot exceed max_input_bytes")
	}

	if c.ReaperThreshold <= 0 {
		return errors.New("reaper_threshold must be positive")
	}

	return nil
}

// BuildService creates a Service instance from the server configuration.
func (c *ServerConfig) BuildService(logger *slog.Logger) (gronka.Service, error) {
	repo, err := c.buildRepository()
	if err != nil {
		return nil, fmt.Errorf("failed to build repository: %w", err)
	}

	strategies, err := c.buildStrategies()
	if err != nil {
		return nil, err
	}
	chain := gronka.NewFulfillmentChain(logger, strategies...)
	store := gronka.NewContentStore(chain, logger)

	options := []gronka.Option{
		gronka.WithRepository(repo),
		gronka.WithContentStore(store),
		gronka.WithLogger(logger),
		gronka.WithDownloader(downloader.New()),
		gronka.WithTranscoder(transcoder.New(
			transcoder.WithBinaryPath(c.FFmpegPath),
			transcoder.WithTimeout(c.TranscodeTimeout),
		)),
		gronka.WithMaxInputBytes(c.MaxInputBytes),
		gronka.WithFetchTimeout(c.FetchTimeout),
	}

	if c.notifier != nil {
		tracker, err := gronka.NewTracker(repo, logger, gronka.WithNotifier(c.notifier))
		if err != nil {
			return nil, fmt.Errorf("failed to build tracker: %w", err)
		}
		options = append(options, gronka.WithTracker(tracker))
	}

	return gronka.New(options...)
}

// buildStrategies assembles the ordered delivery chain: inline first when a
// sender is available, then each configured storage backend.
func (c *ServerConfig) buildStrategies() ([]gronka.DeliveryStrategy, error) {
	var strategies []gronka.DeliveryStrategy

	if c.attachmentSender != nil {
		strategies = append(strategies, gronka.NewInlineStrategy(c.attachmentSender, c.InlineMaxBytes))
	}

	for _, backendConfig := range c.StorageBackends {
		store, err := c.buildStorageBackend(backendConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to build storage backend %s: %w", backendConfig.Name, err)
		}
		if backendConfig.Type == "fs" {
			baseDir := getString(backendConfig.Config, "base_dir", "./data/media")
			strategies = append(strategies, gronka.NewLocalStrategy(store, baseDir))
		} else {
			strategies = append(strategies, gronka.NewRemoteStrategy(store))
		}
	}

	return strategies, nil
}

// buildRepository creates a Repository based on the configuration.
func (c *ServerConfig) buildRepository() (gronka.Repository, error) {
	switch c.DatabaseType {
	case "memory":
		return repomemory.New(), nil
	case "postgres":
		cfg, err := pgxpool.ParseConfig(c.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
		}
		schema := c.DBSchema
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			if schema == "" {
				return nil
			}
			_, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s", schema))
			return err
		}
		pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create pgx pool: %w", err)
		}
		return repopg.NewWithPool(pool), nil
	case "redis":
		opts, err := goredis.ParseURL(c.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
		}
		return reporedis.New(goredis.NewClient(opts)), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", c.DatabaseType)
	}
}

// PingPostgres verifies connectivity to Postgres and optionally sets
// search_path for the session. It fails if the schema (when provided) does
// not exist.
func PingPostgres(databaseURL, schema string) error {
	if databaseURL == "" {
		return errors.New("database_url is required")
	}
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return fmt.Errorf("failed to parse DATABASE_URL: %w", err)
	}
	if schema != "" {
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s", schema))
			return err
		}
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return fmt.Errorf("failed to create pgx pool: %w", err)
	}
	defer pool.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// buildStorageBackend creates a BlobStore based on the backend configuration.
func (c *ServerConfig) buildStorageBackend(config StorageBackendConfig) (gronka.BlobStore, error) {
	switch config.Type {
	case "memory":
		return memorystorage.New(), nil

	case "fs":
		backend, err := fsstorage.New(fsstorage.Config{
			BaseDir:   getString(config.Config, "base_dir", "./data/media"),
			URLPrefix: getString(config.Config, "url_prefix", ""),
		})
		if err != nil {
			return nil, err
		}
		return backend, nil

	case "s3":
		backend, err := s3storage.New(s3storage.Config{
			Region:                 getString(config.Config, "region", "us-east-1"),
			Bucket:                 getString(config.Config, "bucket", ""),
			AccessKeyID:            getString(config.Config, "access_key_id", ""),
			SecretAccessKey:        getString(config.Config, "secret_access_key", ""),
			Endpoint:               getString(config.Config, "endpoint", ""),
			UsePathStyle:           getBool(config.Config, "use_path_style", false),
			PresignDuration:        getInt(config.Config, "presign_duration", 3600),
			PublicBaseURL:          getString(config.Config, "public_base_url", ""),
			CreateBucketIfNotExist: getBool(config.Config, "create_bucket_if_not_exist", false),
		})
		if err != nil {
			return nil, err
		}
		return backend, nil

	default:
		return nil, fmt.Errorf("unsupported storage backend type: %s", config.Type)
	}
}

func getString(config map[string]interface{}, key string, defaultValue string) string {
	if value, exists := config[key]; exists {
		if str, ok := value.(string); ok {
			return str
		}
	}
	return defaultValue
}

func getBool(config map[string]interface{}, key string, defaultValue bool) bool {
	if value, exists := config[key]; exists {
		if b, ok := value.(bool); ok {
			return b
		}
		if str, ok := value.(string); ok {
			if b, err := strconv.ParseBool(str); err == nil {
				return b
			}
		}
	}
	return defaultValue
}

func getInt(config map[string]interface{}, key string, defaultValue int) int {
	if value, exists := config[key]; exists {
		if i, ok := value.(int); ok {
			return i
		}
		if str, ok := value.(string); ok {
			if i, err := strconv.Atoi(str); err == nil {
				return i
			}
		}
		if f, ok := value.(float64); ok {
			return int(f)
		}
	}
	return defaultValue
}
