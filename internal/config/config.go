package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// SyncConfig holds the full set of validated sync settings. Instances are
// immutable once validated: reconfiguration replaces the whole value, never
// mutates fields in place.
type SyncConfig struct {
	PollingIntervalMs      int      `mapstructure:"polling_interval_ms"`
	SourceEndpoint         string   `mapstructure:"source_endpoint"`
	MaxConcurrentDownloads int      `mapstructure:"max_concurrent_downloads"`
	AcceptedFileTypes      []string `mapstructure:"accepted_file_types"`
	StorageRoot            string   `mapstructure:"storage_root"`
	AuthToken              string   `mapstructure:"auth_token"`
	RetryAttempts          int      `mapstructure:"retry_attempts"`
	RetryDelayMs           int      `mapstructure:"retry_delay_ms"`
	LogLevel               string   `mapstructure:"log_level"`
}

// ValidationError reports the first configuration field that failed its
// bound check. The previous configuration stays in effect when one is
// returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

var logLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Defaults returns the configuration applied for fields absent from the
// config file.
func Defaults() SyncConfig {
	return SyncConfig{
		PollingIntervalMs:      60000,
		MaxConcurrentDownloads: 3,
		AcceptedFileTypes:      []string{"jpg", "jpeg", "png"},
		RetryAttempts:          3,
		RetryDelayMs:           5000,
		LogLevel:               "info",
	}
}

// Validate checks every bound from the settings contract, field by field,
// and reports the first violation. AcceptedFileTypes is normalized
// (lowercase, no leading dot, sorted, deduplicated) on the way through,
// which is why this takes a pointer.
func (c *SyncConfig) Validate() error {
	if c.PollingIntervalMs < 1000 {
		return &ValidationError{Field: "polling_interval_ms", Reason: "must be at least 1000"}
	}
	u, err := url.Parse(c.SourceEndpoint)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ValidationError{Field: "source_endpoint", Reason: "must be an absolute http(s) URL"}
	}
	if c.MaxConcurrentDownloads < 1 || c.MaxConcurrentDownloads > 10 {
		return &ValidationError{Field: "max_concurrent_downloads", Reason: "must be between 1 and 10"}
	}
	if len(c.AcceptedFileTypes) == 0 {
		return &ValidationError{Field: "accepted_file_types", Reason: "must not be empty"}
	}
	c.AcceptedFileTypes = normalizeTypes(c.AcceptedFileTypes)
	if !filepath.IsAbs(c.StorageRoot) {
		return &ValidationError{Field: "storage_root", Reason: "must be an absolute path"}
	}
	if c.RetryAttempts < 1 {
		return &ValidationError{Field: "retry_attempts", Reason: "must be at least 1"}
	}
	if c.RetryDelayMs < 1000 {
		return &ValidationError{Field: "retry_delay_ms", Reason: "must be at least 1000"}
	}
	if !logLevels[c.LogLevel] {
		return &ValidationError{Field: "log_level", Reason: "must be one of debug, info, warn, error"}
	}
	return nil
}

func normalizeTypes(types []string) []string {
	seen := make(map[string]bool, len(types))
	out := make([]string, 0, len(types))
	for _, t := range types {
		t = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(t), "."))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// PollingInterval returns the polling interval as a duration.
func (c SyncConfig) PollingInterval() time.Duration {
	return time.Duration(c.PollingIntervalMs) * time.Millisecond
}

// RetryDelay returns the per-item retry delay as a duration.
func (c SyncConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

// Accepts reports whether ext (with or without a leading dot, any case) is
// in the accepted file type set.
func (c SyncConfig) Accepts(ext string) bool {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	for _, t := range c.AcceptedFileTypes {
		if t == ext {
			return true
		}
	}
	return false
}

// FileTypesParam renders the accepted file types as the comma-joined query
// parameter expected by the manifest endpoint.
func (c SyncConfig) FileTypesParam() string {
	return strings.Join(c.AcceptedFileTypes, ",")
}

// Partial carries an optional override per field. Nil means "keep the
// current value". Reconfiguration merges a Partial over the current
// configuration with Apply and validates the result before anything is
// replaced.
type Partial struct {
	PollingIntervalMs      *int
	SourceEndpoint         *string
	MaxConcurrentDownloads *int
	AcceptedFileTypes      *[]string
	StorageRoot            *string
	AuthToken              *string
	RetryAttempts          *int
	RetryDelayMs           *int
	LogLevel               *string
}

// Apply merges the partial over base and returns the candidate
// configuration. The candidate is not yet validated.
func (p Partial) Apply(base SyncConfig) SyncConfig {
	out := base
	out.AcceptedFileTypes = append([]string(nil), base.AcceptedFileTypes...)
	if p.PollingIntervalMs != nil {
		out.PollingIntervalMs = *p.PollingIntervalMs
	}
	if p.SourceEndpoint != nil {
		out.SourceEndpoint = strings.TrimRight(*p.SourceEndpoint, "/")
	}
	if p.MaxConcurrentDownloads != nil {
		out.MaxConcurrentDownloads = *p.MaxConcurrentDownloads
	}
	if p.AcceptedFileTypes != nil {
		out.AcceptedFileTypes = append([]string(nil), (*p.AcceptedFileTypes)...)
	}
	if p.StorageRoot != nil {
		out.StorageRoot = *p.StorageRoot
	}
	if p.AuthToken != nil {
		out.AuthToken = *p.AuthToken
	}
	if p.RetryAttempts != nil {
		out.RetryAttempts = *p.RetryAttempts
	}
	if p.RetryDelayMs != nil {
		out.RetryDelayMs = *p.RetryDelayMs
	}
	if p.LogLevel != nil {
		out.LogLevel = strings.ToLower(*p.LogLevel)
	}
	return out
}
