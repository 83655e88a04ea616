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

	"github.com/cleverdata/lens-agent/internal/state"
	"github.com/kardianos/service"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the agent service status and last sync time",
	Run: func(cmd *cobra.Command, args []string) {
		svcConfig := &service.Config{
			Name: "LensAgent",
		}
		prg := &program{}
		s, err := service.New(prg, svcConfig)
		if err == nil {
			if status, err := s.Status(); err == nil {
				statusStr := "Unknown"
				switch status {
				case service.StatusRunning:
					statusStr = "Running"
				case service.StatusStopped:
					statusStr = "Stopped"
				}
				fmt.Printf("Lens Agent Service Status: %s\n", statusStr)
			} else {
				fmt.Printf("Lens Agent Service Status: not installed (%v)\n", err)
			}
		}

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

		wm, err := store.Watermark()
		if err != nil {
			fmt.Printf("Could not read last sync time: %v\n", err)
			return
		}
		if wm == "" {
			fmt.Println("Last Sync: never")
		} else {
			fmt.Printf("Last Sync: %s\n", wm)
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
