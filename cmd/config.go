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
	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the sync configuration",
}

var configSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Set sync configuration fields",
	Long: `Updates the agent's sync configuration. Only the flags you pass change;
everything else keeps its current value. The merged configuration is
validated as a whole before anything is written, so a bad flag leaves the
existing config untouched.

The endpoint connection is verified before saving unless --force is given.`,
	Example: `  lens config set --endpoint "https://api.lens.cleverdata.gr/v1/images" --token "sk_..." --storage-root /var/lib/lens-agent/images --concurrency 5`,
	Run: func(cmd *cobra.Command, args []string) {
		current := config.Defaults()
		if viper.IsSet("sync") {
			if err := viper.UnmarshalKey("sync", &current); err != nil {
				fmt.Printf("Error parsing existing config: %v\n", err)
				return
			}
		}

		merged := flagPartial(cmd).Apply(current)
		if err := merged.Validate(); err != nil {
			fmt.Printf("❌ Invalid configuration: %v\n", err)
			return
		}

		force, _ := cmd.Flags().GetBool("force")

		// --- VERIFICATION STEP ---
		if !force {
			fmt.Printf("Verifying connection to %s...\n", merged.SourceEndpoint)
			client := resty.New()
			req := client.R().SetQueryParam("fileTypes", merged.FileTypesParam())
			if merged.AuthToken != "" {
				req.SetHeader("Authorization", "Bearer "+merged.AuthToken)
			}
			resp, err := req.Get(merged.SourceEndpoint)

			if err != nil {
				fmt.Printf("❌ Connection Failed: %v\n", err)
				fmt.Println("Use --force to save anyway.")
				return
			}

			if resp.StatusCode() == 401 || resp.StatusCode() == 403 {
				fmt.Printf("❌ Authentication Failed: Invalid token (Status: %d)\n", resp.StatusCode())
				return
			}

			if resp.StatusCode() != 200 {
				fmt.Printf("❌ Unexpected Response: Status %d - %s\n", resp.StatusCode(), resp.String())
				return
			}

			fmt.Println("✅ Connection Verified!")
		}
		// -------------------------

		viper.Set("sync", map[string]interface{}{
			"polling_interval_ms":      merged.PollingIntervalMs,
			"source_endpoint":          merged.SourceEndpoint,
			"max_concurrent_downloads": merged.MaxConcurrentDownloads,
			"accepted_file_types":      merged.AcceptedFileTypes,
			"storage_root":             merged.StorageRoot,
			"auth_token":               merged.AuthToken,
			"retry_attempts":           merged.RetryAttempts,
			"retry_delay_ms":           merged.RetryDelayMs,
			"log_level":                merged.LogLevel,
		})

		// Save config
		if viper.ConfigFileUsed() != "" {
			if err := viper.WriteConfig(); err != nil {
				fmt.Printf("Failed to update config: %v\n", err)
				return
			}
		} else {
			// No config exists yet, create one next to the executable
			exePath, _ := os.Executable()
			targetDir := filepath.Dir(exePath)
			os.MkdirAll(targetDir, 0755)
			viper.SetConfigFile(filepath.Join(targetDir, "config.yaml"))

			if err := viper.SafeWriteConfig(); err != nil {
				fmt.Printf("Failed to create config: %v\n", err)
				return
			}
		}

		fmt.Printf("Configuration saved. Storage: %s\n", merged.StorageRoot)
		fmt.Printf("Policy: poll %dms | workers %d | retries %d @ %dms | types %s\n",
			merged.PollingIntervalMs, merged.MaxConcurrentDownloads,
			merged.RetryAttempts, merged.RetryDelayMs, merged.FileTypesParam())
		fmt.Println("\n>>> The running service picks this up automatically; run 'lens restart' if in doubt.")
	},
}

// flagPartial builds a config.Partial from exactly the flags the user set.
func flagPartial(cmd *cobra.Command) config.Partial {
	var p config.Partial
	if cmd.Flags().Changed("interval-ms") {
		v, _ := cmd.Flags().GetInt("interval-ms")
		p.PollingIntervalMs = &v
	}
	if cmd.Flags().Changed("endpoint") {
		v, _ := cmd.Flags().GetString("endpoint")
		v = strings.TrimRight(v, "/")
		p.SourceEndpoint = &v
	}
	if cmd.Flags().Changed("concurrency") {
		v, _ := cmd.Flags().GetInt("concurrency")
		p.MaxConcurrentDownloads = &v
	}
	if cmd.Flags().Changed("file-types") {
		v, _ := cmd.Flags().GetStringSlice("file-types")
		p.AcceptedFileTypes = &v
	}
	if cmd.Flags().Changed("storage-root") {
		v, _ := cmd.Flags().GetString("storage-root")
		p.StorageRoot = &v
	}
	if cmd.Flags().Changed("token") {
		v, _ := cmd.Flags().GetString("token")
		p.AuthToken = &v
	}
	if cmd.Flags().Changed("retry-attempts") {
		v, _ := cmd.Flags().GetInt("retry-attempts")
		p.RetryAttempts = &v
	}
	if cmd.Flags().Changed("retry-delay-ms") {
		v, _ := cmd.Flags().GetInt("retry-delay-ms")
		p.RetryDelayMs = &v
	}
	if cmd.Flags().Changed("log-level") {
		v, _ := cmd.Flags().GetString("log-level")
		p.LogLevel = &v
	}
	return p
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective sync configuration",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadSyncConfig()
		if err != nil {
			fmt.Printf("Config invalid or missing: %v\n", err)
			return
		}

		token := "(none)"
		if cfg.AuthToken != "" {
			token = "****" // never echo the secret
		}

		fmt.Printf("%-28s %s\n", "source_endpoint", cfg.SourceEndpoint)
		fmt.Printf("%-28s %s\n", "storage_root", cfg.StorageRoot)
		fmt.Printf("%-28s %d\n", "polling_interval_ms", cfg.PollingIntervalMs)
		fmt.Printf("%-28s %d\n", "max_concurrent_downloads", cfg.MaxConcurrentDownloads)
		fmt.Printf("%-28s %s\n", "accepted_file_types", cfg.FileTypesParam())
		fmt.Printf("%-28s %d\n", "retry_attempts", cfg.RetryAttempts)
		fmt.Printf("%-28s %d\n", "retry_delay_ms", cfg.RetryDelayMs)
		fmt.Printf("%-28s %s\n", "log_level", cfg.LogLevel)
		fmt.Printf("%-28s %s\n", "auth_token", token)
	},
}

func init() {
	configSetCmd.Flags().String("endpoint", "", "Manifest API endpoint URL")
	configSetCmd.Flags().String("token", "", "API token (Secret)")
	configSetCmd.Flags().String("storage-root", "", "Absolute local folder for downloaded images")
	configSetCmd.Flags().Int("interval-ms", 60000, "Polling interval in milliseconds (min 1000)")
	configSetCmd.Flags().Int("concurrency", 3, "Maximum simultaneous downloads (1-10)")
	configSetCmd.Flags().StringSlice("file-types", []string{"jpg", "jpeg", "png"}, "Accepted file extensions")
	configSetCmd.Flags().Int("retry-attempts", 3, "Failed download attempts before abandonment (min 1)")
	configSetCmd.Flags().Int("retry-delay-ms", 5000, "Delay before a failed download is retried (min 1000)")
	configSetCmd.Flags().String("log-level", "info", "Log verbosity: debug, info, warn, error")
	configSetCmd.Flags().Bool("force", false, "Skip connection verification")

	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
