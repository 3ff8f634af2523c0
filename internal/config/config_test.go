package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Crawler.MaxConcurrentDownloads)
	assert.Equal(t, 10, cfg.Crawler.MaxConcurrentAssets)
	assert.Equal(t, 60, cfg.Crawler.DownloadTimeoutSeconds)
	assert.True(t, cfg.Crawler.RespectRobotsTxt)
	assert.Equal(t, "html_parser", cfg.Crawler.DefaultEngine)
	assert.Equal(t, 2000, cfg.Pipeline.MaxPagesPerDocument)
	assert.Equal(t, 100, cfg.Index.FlushDocs)
	assert.Equal(t, 5, cfg.Index.FlushSeconds)
	assert.Equal(t, 55*time.Minute, cfg.Pipeline.SoftTimeout())
	assert.Equal(t, 60*time.Minute, cfg.Pipeline.HardTimeout())
	assert.Equal(t, 30*time.Minute, cfg.Pipeline.MergeGrace())
}

func TestValidateRejectsBadValues(t *testing.T) {
	base, err := Load("")
	require.NoError(t, err)

	t.Run("bad engine", func(t *testing.T) {
		cfg := base
		cfg.Crawler.DefaultEngine = "playwright"
		assert.Error(t, cfg.Validate())
	})
	t.Run("soft timeout must undercut hard", func(t *testing.T) {
		cfg := base
		cfg.Pipeline.SoftTimeoutMinutes = 90
		assert.Error(t, cfg.Validate())
	})
	t.Run("zero downloads", func(t *testing.T) {
		cfg := base
		cfg.Crawler.MaxConcurrentDownloads = 0
		assert.Error(t, cfg.Validate())
	})
}
