package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	loader := NewConfigLoader()
	cfg, err := loader.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 100, cfg.DefaultRateLimit)
	assert.Equal(t, 20, cfg.ActivityRateLimit)
	assert.Equal(t, time.Minute, cfg.DefaultRateWindow)
	assert.Equal(t, 0.0001, cfg.TokenPriceDefault)
	assert.Equal(t, 5*time.Minute, cfg.MaxVAUAge)
	assert.Contains(t, cfg.BlockedCountries, "KP")
	assert.Equal(t, int64(1<<20), cfg.MaxBodyBytes)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("DEFAULT_RATE_LIMIT", "42")
	t.Setenv("ACTIVITY_RATE_LIMIT", "7")
	t.Setenv("TOKEN_PRICE_DEFAULT", "0.0005")
	t.Setenv("STORAGE_BACKEND", "redis")

	loader := NewConfigLoader()
	cfg, err := loader.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 42, cfg.DefaultRateLimit)
	assert.Equal(t, 7, cfg.ActivityRateLimit)
	assert.Equal(t, 0.0005, cfg.TokenPriceDefault)
	assert.Equal(t, "redis", cfg.StorageBackend)
}

func TestLoadConfigInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"Zero rate limit", "DEFAULT_RATE_LIMIT", "0"},
		{"Negative activity limit", "ACTIVITY_RATE_LIMIT", "-1"},
		{"Zero token price", "TOKEN_PRICE_DEFAULT", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)

			loader := NewConfigLoader()
			_, err := loader.LoadConfig()
			assert.Error(t, err)
		})
	}
}

func TestLoadSiteConfigs(t *testing.T) {
	dir := t.TempDir()
	siteFile := filepath.Join(dir, "sites.json")

	data := []byte(`{"sites":{"news.example.com":{"premium":true,"verified":true},"blog.example.com":{"verified":true}}}`)
	require.NoError(t, os.WriteFile(siteFile, data, 0o600))

	t.Setenv("SITE_CONFIG_FILE", siteFile)

	loader := NewConfigLoader()
	_, err := loader.LoadConfig()
	require.NoError(t, err)

	configs := loader.GetSiteConfigs()
	require.Len(t, configs, 2)
	assert.True(t, configs["news.example.com"].Premium)
	assert.Equal(t, "news.example.com", configs["news.example.com"].SiteID)
	assert.False(t, configs["blog.example.com"].Premium)
	assert.True(t, configs["blog.example.com"].Verified)
}

func TestLoadSiteConfigsMissingFile(t *testing.T) {
	t.Setenv("SITE_CONFIG_FILE", filepath.Join(t.TempDir(), "nope.json"))

	loader := NewConfigLoader()
	_, err := loader.LoadConfig()
	require.NoError(t, err)
	assert.Empty(t, loader.GetSiteConfigs())
}

func TestLoadSiteConfigsMalformed(t *testing.T) {
	dir := t.TempDir()
	siteFile := filepath.Join(dir, "sites.json")
	require.NoError(t, os.WriteFile(siteFile, []byte("{not json"), 0o600))

	t.Setenv("SITE_CONFIG_FILE", siteFile)

	loader := NewConfigLoader()
	_, err := loader.LoadConfig()
	assert.Error(t, err)

	var check json.RawMessage
	assert.Error(t, json.Unmarshal([]byte("{not json"), &check))
}
