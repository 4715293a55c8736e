package main

import (
	"fmt"
	"os"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"

	"github.com/northpolesec/santa-sub002/internal/agent"
)

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Service management commands",
	Long:  `Manage the Santa sync service as a system service`,
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install as a system service",
	Long:  `Install the sync service as a system service that will start automatically on boot`,
	Run: func(cmd *cobra.Command, args []string) {
		s := mustCreateService()
		if err := s.Install(); err != nil {
			fmt.Printf("Failed to install service: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Santa sync service installed successfully")
		fmt.Println("   Use 'santasyncd service start' to start the service")
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the service",
	Run: func(cmd *cobra.Command, args []string) {
		s := mustCreateService()
		if err := s.Start(); err != nil {
			fmt.Printf("Failed to start service: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Santa sync service started successfully")
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the service",
	Run: func(cmd *cobra.Command, args []string) {
		s := mustCreateService()
		if err := s.Stop(); err != nil {
			fmt.Printf("Failed to stop service: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Santa sync service stopped successfully")
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the service status",
	Run: func(cmd *cobra.Command, args []string) {
		s := mustCreateService()
		status, err := s.Status()
		if err != nil {
			fmt.Printf("Failed to get service status: %v\n", err)
			os.Exit(1)
		}

		var statusText string
		switch status {
		case service.StatusRunning:
			statusText = "Running"
		case service.StatusStopped:
			statusText = "Stopped"
		default:
			statusText = "Unknown"
		}
		fmt.Printf("Santa Sync Service Status: %s\n", statusText)
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove",
	Short: "Uninstall the service",
	Run: func(cmd *cobra.Command, args []string) {
		s := mustCreateService()
		if err := s.Uninstall(); err != nil {
			fmt.Printf("Failed to uninstall service: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Santa sync service uninstalled successfully")
	},
}

func mustCreateService() service.Service {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	s, err := agent.CreateService(cfg)
	if err != nil {
		fmt.Printf("Failed to create service: %v\n", err)
		os.Exit(1)
	}
	return s
}

func init() {
	serviceCmd.AddCommand(installCmd)
	serviceCmd.AddCommand(startCmd)
	serviceCmd.AddCommand(stopCmd)
	serviceCmd.AddCommand(statusCmd)
	serviceCmd.AddCommand(removeCmd)
}
