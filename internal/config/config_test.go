package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() SyncConfig {
	cfg := Defaults()
	cfg.SourceEndpoint = "https://api.lens.cleverdata.gr/v1/images"
	cfg.StorageRoot = "/var/lib/lens-agent/images"
	return cfg
}

func TestValidate_Defaults(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 60000, cfg.PollingIntervalMs)
	assert.Equal(t, 3, cfg.MaxConcurrentDownloads)
	assert.Equal(t, 3, cfg.RetryAttempts)
	assert.Equal(t, 5000, cfg.RetryDelayMs)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestValidate_FieldBounds(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*SyncConfig)
		wantErr string
	}{
		{"polling too short", func(c *SyncConfig) { c.PollingIntervalMs = 999 }, "polling_interval_ms"},
		{"endpoint empty", func(c *SyncConfig) { c.SourceEndpoint = "" }, "source_endpoint"},
		{"endpoint relative", func(c *SyncConfig) { c.SourceEndpoint = "/v1/images" }, "source_endpoint"},
		{"endpoint bad scheme", func(c *SyncConfig) { c.SourceEndpoint = "ftp://host/x" }, "source_endpoint"},
		{"concurrency zero", func(c *SyncConfig) { c.MaxConcurrentDownloads = 0 }, "max_concurrent_downloads"},
		{"concurrency too high", func(c *SyncConfig) { c.MaxConcurrentDownloads = 11 }, "max_concurrent_downloads"},
		{"no file types", func(c *SyncConfig) { c.AcceptedFileTypes = nil }, "accepted_file_types"},
		{"relative storage root", func(c *SyncConfig) { c.StorageRoot = "images" }, "storage_root"},
		{"retry attempts zero", func(c *SyncConfig) { c.RetryAttempts = 0 }, "retry_attempts"},
		{"retry delay too short", func(c *SyncConfig) { c.RetryDelayMs = 500 }, "retry_delay_ms"},
		{"unknown log level", func(c *SyncConfig) { c.LogLevel = "verbose" }, "log_level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			require.Error(t, err)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.wantErr, verr.Field)
		})
	}
}

func TestValidate_NormalizesFileTypes(t *testing.T) {
	cfg := validConfig()
	cfg.AcceptedFileTypes = []string{".JPG", "png", "jpg", " jpeg "}

	require.NoError(t, cfg.Validate())
	assert.Equal(t, []string{"jpeg", "jpg", "png"}, cfg.AcceptedFileTypes)
	assert.Equal(t, "jpeg,jpg,png", cfg.FileTypesParam())
}

func TestAccepts(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	assert.True(t, cfg.Accepts("jpg"))
	assert.True(t, cfg.Accepts(".JPG"))
	assert.False(t, cfg.Accepts("gif"))
}

func TestPartial_Apply(t *testing.T) {
	base := validConfig()
	require.NoError(t, base.Validate())

	interval := 5000
	level := "DEBUG"
	merged := Partial{PollingIntervalMs: &interval, LogLevel: &level}.Apply(base)

	assert.Equal(t, 5000, merged.PollingIntervalMs)
	assert.Equal(t, "debug", merged.LogLevel)
	// Untouched fields carry over.
	assert.Equal(t, base.SourceEndpoint, merged.SourceEndpoint)
	assert.Equal(t, base.AcceptedFileTypes, merged.AcceptedFileTypes)
}

func TestPartial_ApplyDoesNotAliasSlices(t *testing.T) {
	base := validConfig()
	require.NoError(t, base.Validate())

	types := []string{"png"}
	merged := Partial{AcceptedFileTypes: &types}.Apply(base)
	types[0] = "gif"

	assert.Equal(t, []string{"png"}, merged.AcceptedFileTypes)
	assert.Equal(t, []string{"jpeg", "jpg", "png"}, base.AcceptedFileTypes)
}

func TestPartial_InvalidMergeLeavesBaseUsable(t *testing.T) {
	base := validConfig()
	require.NoError(t, base.Validate())

	bad := 0
	merged := Partial{MaxConcurrentDownloads: &bad}.Apply(base)
	require.Error(t, merged.Validate())

	// The base value was never touched.
	assert.Equal(t, 3, base.MaxConcurrentDownloads)
	require.NoError(t, base.Validate())
}
