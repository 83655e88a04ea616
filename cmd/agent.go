// Copyright 2026 CleverData
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cleverdata/lens-agent/internal/config"
	"github.com/cleverdata/lens-agent/internal/download"
	"github.com/cleverdata/lens-agent/internal/engine"
	"github.com/cleverdata/lens-agent/internal/manifest"
	"github.com/cleverdata/lens-agent/internal/metadata"
	"github.com/cleverdata/lens-agent/internal/state"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// loadSyncConfig reads the "sync" block of the config file over the
// defaults and validates it.
func loadSyncConfig() (config.SyncConfig, error) {
	cfg := config.Defaults()
	if err := viper.UnmarshalKey("sync", &cfg); err != nil {
		return config.SyncConfig{}, fmt.Errorf("error parsing config: %w", err)
	}
	cfg.SourceEndpoint = strings.TrimRight(cfg.SourceEndpoint, "/")
	if err := cfg.Validate(); err != nil {
		return config.SyncConfig{}, err
	}
	return cfg, nil
}

// statePath resolves the sqlite state database location: db_path from the
// config file, else the standard OS data directory.
func statePath() (string, error) {
	if viper.IsSet("db_path") {
		return viper.GetString("db_path"), nil
	}

	// Windows: %PROGRAMDATA%\CleverData\LensAgent
	// Linux: /var/lib/lens-agent
	var dataDir string
	if os.Getenv("OS") == "Windows_NT" {
		dataDir = filepath.Join(os.Getenv("ProgramData"), "CleverData", "LensAgent")
	} else {
		dataDir = "/var/lib/lens-agent"
	}
	return filepath.Join(dataDir, "state.db"), nil
}

// buildEngine wires a sync engine from a validated configuration and an
// open state store.
func buildEngine(cfg config.SyncConfig, store *state.Store, log zerolog.Logger) (*engine.Engine, error) {
	meta := metadata.NewStore(cfg.SourceEndpoint, cfg.AuthToken)
	worker := download.NewWorker(meta, store, log.With().Str("component", "download").Logger())
	fetcher := manifest.NewClient(log.With().Str("component", "manifest").Logger())
	return engine.New(cfg, fetcher, worker, store, log.With().Str("component", "engine").Logger())
}

// partialFrom turns a full configuration into an all-fields-set partial for
// Engine.UpdateConfig, used when the config file is reloaded wholesale.
func partialFrom(c config.SyncConfig) config.Partial {
	return config.Partial{
		PollingIntervalMs:      &c.PollingIntervalMs,
		SourceEndpoint:         &c.SourceEndpoint,
		MaxConcurrentDownloads: &c.MaxConcurrentDownloads,
		AcceptedFileTypes:      &c.AcceptedFileTypes,
		StorageRoot:            &c.StorageRoot,
		AuthToken:              &c.AuthToken,
		RetryAttempts:          &c.RetryAttempts,
		RetryDelayMs:           &c.RetryDelayMs,
		LogLevel:               &c.LogLevel,
	}
}
