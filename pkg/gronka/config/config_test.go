package config_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p2xai/gronka/pkg/gronka/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "console", cfg.LogFormat)
	assert.Equal(t, "memory", cfg.DatabaseType)
	require.Len(t, cfg.StorageBackends, 1)
	assert.Equal(t, "memory", cfg.StorageBackends[0].Type)
	assert.Equal(t, int64(25<<20), cfg.InlineMaxBytes)
	assert.Equal(t, int64(200<<20), cfg.MaxInputBytes)
	assert.Equal(t, 10*time.Minute, cfg.ReaperThreshold)
}

func TestLoadOptionError(t *testing.T) {
	bad := func(c *config.ServerConfig) error {
		c.DatabaseType = "cassandra"
		return nil
	}
	_, err := config.Load(bad)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *config.ServerConfig)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *config.ServerConfig) {},
		},
		{
			name:    "missing port",
			mutate:  func(c *config.ServerConfig) { c.Port = "" },
			wantErr: "port is required",
		},
		{
			name:    "postgres without url",
			mutate:  func(c *config.ServerConfig) { c.DatabaseType = "postgres" },
			wantErr: "database_url is required",
		},
		{
			name:    "redis without url",
			mutate:  func(c *config.ServerConfig) { c.DatabaseType = "redis" },
			wantErr: "database_url is required",
		},
		{
			name:    "unknown database type",
			mutate:  func(c *config.ServerConfig) { c.DatabaseType = "sqlite" },
			wantErr: "database_type must be",
		},
		{
			name:    "no storage backends",
			mutate:  func(c *config.ServerConfig) { c.StorageBackends = nil },
			wantErr: "at least one storage backend",
		},
		{
			name: "inline threshold above input cap",
			mutate: func(c *config.ServerConfig) {
				c.InlineMaxBytes = 100
				c.MaxInputBytes = 50
			},
			wantErr: "inline_max_bytes cannot exceed",
		},
		{
			name:    "non-positive reaper threshold",
			mutate:  func(c *config.ServerConfig) { c.ReaperThreshold = 0 },
			wantErr: "reaper_threshold must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(func(c *config.ServerConfig) error {
				tt.mutate(c)
				return nil
			})
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestBuildService(t *testing.T) {
	t.Run("memory repo and storage", func(t *testing.T) {
		cfg, err := config.Load()
		require.NoError(t, err)

		svc, err := cfg.BuildService(slog.Default())
		require.NoError(t, err)
		assert.NotNil(t, svc)
	})

	t.Run("fs storage backend", func(t *testing.T) {
		cfg, err := config.Load(func(c *config.ServerConfig) error {
			c.StorageBackends = []config.StorageBackendConfig{
				{
					Name: "fs",
					Type: "fs",
					Config: map[string]interface{}{
						"base_dir": t.TempDir(),
					},
				},
			}
			return nil
		})
		require.NoError(t, err)

		svc, err := cfg.BuildService(slog.Default())
		require.NoError(t, err)
		assert.NotNil(t, svc)
	})

	t.Run("unknown storage backend type", func(t *testing.T) {
		cfg, err := config.Load(func(c *config.ServerConfig) error {
			c.StorageBackends = []config.StorageBackendConfig{
				{Name: "tape", Type: "tape"},
			}
			return nil
		})
		require.NoError(t, err)

		_, err = cfg.BuildService(slog.Default())
		assert.Error(t, err)
	})
}
