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
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cleverdata/lens-agent/internal/logging"
	"github.com/cleverdata/lens-agent/internal/state"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a single sync cycle and exit",
	Long: `Fetches the manifest, downloads any new images and advances the
watermark, then exits. Intended for OS schedulers (cron, Task Scheduler) as
a backstop to the long-running service's own timer.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadSyncConfig()
		if err != nil {
			fmt.Printf("Config invalid or missing: %v\n", err)
			os.Exit(1)
		}
		logger := logging.New("sync", cfg.LogLevel, true)

		dbPath, err := statePath()
		if err != nil {
			fmt.Printf("Could not resolve state database: %v\n", err)
			os.Exit(1)
		}
		store, err := state.Open(dbPath)
		if err != nil {
			fmt.Printf("Could not open state database: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()

		eng, err := buildEngine(cfg, store, logger)
		if err != nil {
			fmt.Printf("Engine setup failed: %v\n", err)
			os.Exit(1)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := eng.RunOnce(ctx); err != nil {
			fmt.Printf("Sync failed: %v\n", err)
			os.Exit(1)
		}

		wm, _ := eng.LastSyncTimestamp()
		if wm == "" {
			fmt.Println("Sync complete. Last Sync: never (no items recorded)")
		} else {
			fmt.Printf("Sync complete. Last Sync: %s\n", wm)
		}
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
