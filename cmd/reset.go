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

	"github.com/cleverdata/lens-agent/internal/state"
	"github.com/spf13/cobra"
)

var resetCmd = &cobra.Command{
	Use:   "reset-history",
	Short: "Clear the sync watermark and image log",
	Long:  `Clears the local SQLite database that tracks the last sync time and downloaded images. The next cycle re-fetches the full history and re-downloads anything missing on disk.`,
	Run: func(cmd *cobra.Command, args []string) {
		dbPath, err := statePath()
		if err != nil {
			fmt.Printf("Could not resolve state database: %v\n", err)
			return
		}
		store, err := state.Open(dbPath)
		if err != nil {
			fmt.Printf("Could not open state database: %v\n", err)
			return
		}
		defer store.Close()

		fmt.Println("⚠️  WARNING: Clearing sync history. The next cycle fetches the ENTIRE image manifest.")

		if err := store.Reset(); err != nil {
			log.Printf("Failed to reset history: %v", err)
			return
		}

		log.Println("Database reset complete.")
	},
}

func init() {
	rootCmd.AddCommand(resetCmd)
}
