package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8083", cfg.HTTPAddr)
	assert.Equal(t, BlobBackendFS, cfg.BlobBackend)
	assert.Equal(t, int64(10<<20), cfg.MaxFileBytes)
	assert.Equal(t, int64(50<<20), cfg.MaxTotalBytes)
	assert.Equal(t, 10, cfg.MaxFiles)
	assert.Equal(t, time.Minute, cfg.SendRateWindow)
	assert.False(t, cfg.AuthEnabled())
	assert.False(t, cfg.RateLimitEnabled())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("BLOB_BACKEND", "minio")
	t.Setenv("MINIO_ENDPOINT", "localhost:9000")
	t.Setenv("SEND_RATE_LIMIT", "5")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("SEND_RATE_WINDOW", "10s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.AuthEnabled())
	assert.True(t, cfg.RateLimitEnabled())
	assert.Equal(t, "chat-attachments", cfg.MinioBucket)
	assert.Equal(t, 10*time.Second, cfg.SendRateWindow)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]map[string]string{
		"unknown backend":          {"BLOB_BACKEND": "s3"},
		"minio without endpoint":   {"BLOB_BACKEND": "minio"},
		"rate limit without redis": {"SEND_RATE_LIMIT": "3"},
		"zero files":               {"ATTACHMENT_MAX_FILES": "0"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadReportsParseErrors(t *testing.T) {
	t.Setenv("SEND_RATE_WINDOW", "soon")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse env")
}
