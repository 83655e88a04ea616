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
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/cleverdata/lens-agent/internal/engine"
	"github.com/cleverdata/lens-agent/internal/logging"
	"github.com/cleverdata/lens-agent/internal/state"
	"github.com/fsnotify/fsnotify"
	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// RunAgent is the entry point for the long-running process
func RunAgent() {
	if service.Interactive() {
		fmt.Println("Lens Agent Starting...")
	} else {
		log.Println("Lens Agent Starting as Service...")
	}

	// reload config just in case
	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Warning: Config not found or invalid: %v", err)
	}

	cfg, err := loadSyncConfig()
	if err != nil {
		log.Printf("Error parsing config: %v", err)
		return
	}
	logger := logging.New("agent", cfg.LogLevel, service.Interactive())

	dbPath, err := statePath()
	if err != nil {
		logger.Error().Err(err).Msg("state path")
		return
	}
	store, err := state.Open(dbPath)
	if err != nil {
		logger.Error().Err(err).Msg("state database")
		return
	}
	defer store.Close()

	eng, err := buildEngine(cfg, store, logger)
	if err != nil {
		logger.Error().Err(err).Msg("engine setup")
		return
	}
	registry := engine.NewRegistry()
	if err := registry.Register("service", eng); err != nil {
		logger.Error().Err(err).Msg("engine registry")
		return
	}

	if err := eng.Start(); err != nil {
		logger.Error().Err(err).Msg("engine start")
		return
	}

	// Hot-reload: a config file edit stops, reconfigures and restarts the
	// engine. A rejected config keeps the running one in effect.
	viper.OnConfigChange(func(ev fsnotify.Event) {
		logger.Info().Str("file", ev.Name).Msg("config file changed")
		next, err := loadSyncConfig()
		if err != nil {
			logger.Warn().Err(err).Msg("ignoring invalid config change")
			return
		}
		running, _ := registry.Get("service")
		if err := running.UpdateConfig(partialFrom(next)); err != nil {
			logger.Warn().Err(err).Msg("reconfiguration rejected")
		}
	})
	viper.WatchConfig()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")
	eng.Stop()

	st := eng.Status()
	logger.Info().Int("active", st.ActiveDownloads).Msg("shutdown complete")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent in the foreground (Internal Use)",
	Long:  `Runs the sync engine directly. Usually invoked by the OS service.`,
	Run: func(cmd *cobra.Command, args []string) {
		if service.Interactive() {
			RunAgent()
		} else {
			// When running as a service, we MUST call s.Run() to check-in with the service manager
			s, err := getService(viper.ConfigFileUsed())
			if err != nil {
				log.Fatalf("Failed to initialize service: %v", err)
			}
			s.Run()
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
