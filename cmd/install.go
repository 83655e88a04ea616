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
	"os/exec"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// program implements the service.Interface
type program struct{}

func (p *program) Start(s service.Service) error {
	go p.run()
	return nil
}

func (p *program) Stop(s service.Service) error {
	return nil
}

func (p *program) run() {
	RunAgent()
}

func getService(configPath string) (service.Service, error) {
	args := []string{"run"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}

	svcConfig := &service.Config{
		Name:        "LensAgent",
		DisplayName: "Lens Field Image Agent",
		Description: "Periodically syncs device-captured images from the Lens platform to local storage.",
		Arguments:   args,
	}

	prg := &program{}
	return service.New(prg, svcConfig)
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the Lens Agent as an OS Service",
	Run: func(cmd *cobra.Command, args []string) {
		// Find current config file to pass to the service
		configPath := viper.ConfigFileUsed()
		if configPath == "" {
			fmt.Println("Error: No config file found. Please run 'lens config set' first.")
			return
		}

		s, err := getService(configPath)
		if err != nil {
			fmt.Printf("Setup failed: %v\n", err)
			return
		}

		// Check if already installed
		status, err := s.Status()
		if err == nil {
			fmt.Println("Lens Agent is already installed.")
			if status == service.StatusRunning {
				fmt.Println("Service is currently RUNNING.")
			} else {
				fmt.Println("Service is currently STOPPED.")
			}
			fmt.Println("Use 'lens restart' to apply config changes, or 'lens uninstall' to remove it.")
			return
		}

		fmt.Println("Installing Lens Agent Service...")
		if err := s.Install(); err != nil {
			fmt.Printf("Failed to install: %v\n", err)
			fmt.Println("Hint: Ensure you are running as Administrator.")
			return
		}
		fmt.Println("Service installed successfully.")

		fmt.Println("Starting service...")
		if err := s.Start(); err != nil {
			fmt.Printf("Failed to start: %v\n", err)
			return
		}
		fmt.Println("Service started.")
	},
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the Lens Agent Service",
	Run: func(cmd *cobra.Command, args []string) {
		svcConfig := &service.Config{
			Name: "LensAgent",
		}
		prg := &program{}
		s, err := service.New(prg, svcConfig)
		if err != nil {
			fmt.Println(err)
			return
		}

		if err := s.Stop(); err != nil {
			// Ignore stop errors, it might not be running
		}

		if err := s.Uninstall(); err != nil {
			fmt.Printf("Failed to uninstall: %v\n", err)
			return
		}
		fmt.Println("Service uninstalled.")
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the Lens Agent Service",
	Run: func(cmd *cobra.Command, args []string) {
		svcConfig := &service.Config{
			Name: "LensAgent",
		}
		prg := &program{}
		s, err := service.New(prg, svcConfig)
		if err != nil {
			fmt.Println(err)
			return
		}

		fmt.Println("Restarting Lens Agent Service...")
		if err := s.Restart(); err != nil {
			fmt.Printf("Failed to restart: %v\n", err)
			return
		}
		fmt.Println("Service restarted.")
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the Lens Agent Service",
	Run: func(cmd *cobra.Command, args []string) {
		svcConfig := &service.Config{
			Name: "LensAgent",
		}
		prg := &program{}
		s, err := service.New(prg, svcConfig)
		if err != nil {
			fmt.Println(err)
			return
		}

		fmt.Println("Stopping Lens Agent Service...")
		if err := s.Stop(); err != nil {
			fmt.Printf("Failed to stop: %v\n", err)
			return
		}
		fmt.Println("Service stopped.")
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Lens Agent Service",
	Run: func(cmd *cobra.Command, args []string) {
		svcConfig := &service.Config{
			Name: "LensAgent",
		}
		prg := &program{}
		s, err := service.New(prg, svcConfig)
		if err != nil {
			fmt.Println(err)
			return
		}

		fmt.Println("Starting Lens Agent Service...")
		if err := s.Start(); err != nil {
			fmt.Printf("Failed to start: %v\n", err)
			return
		}
		fmt.Println("Service started.")
	},
}

var enableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Enable the Lens Agent to start automatically with Windows",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("Enabling Lens Agent Service (Automatic Start)...")
		// We use standard Windows 'sc' command to set start type
		cmdExec := exec.Command("sc", "config", "LensAgent", "start=", "auto")
		if err := cmdExec.Run(); err != nil {
			fmt.Printf("Failed to enable: %v\n", err)
			return
		}
		fmt.Println("Service enabled for automatic start.")
	},
}

var disableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Disable the Lens Agent from starting with Windows",
	Run: func(cmd *cobra.Command, args []string) {
		svcConfig := &service.Config{
			Name: "LensAgent",
		}
		prg := &program{}
		s, err := service.New(prg, svcConfig)
		if err != nil {
			fmt.Println(err)
			return
		}

		fmt.Println("Stopping Lens Agent Service...")
		s.Stop()

		fmt.Println("Disabling Lens Agent Service (Manual Start Only)...")
		cmdExec := exec.Command("sc", "config", "LensAgent", "start=", "demand")
		if err := cmdExec.Run(); err != nil {
			fmt.Printf("Failed to disable: %v\n", err)
			return
		}
		fmt.Println("Service disabled.")
	},
}

func init() {
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(enableCmd)
	rootCmd.AddCommand(disableCmd)
}
