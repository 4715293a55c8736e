package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/northpolesec/santa-sub002/internal/agent"
	"github.com/northpolesec/santa-sub002/internal/config"
	"github.com/northpolesec/santa-sub002/internal/syncd"
)

var (
	configFile string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "santasyncd",
	Short: "Santa sync service",
	Long: `Santa sync service.

If no config file is specified, the service will look for config files in the
following locations:
  - ./config.yaml
  - ./config/config.yaml
  - /etc/santasync/config.yaml
  - ~/.config/santasync/config.yaml`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync service in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		a, err := agent.New(cfg, agent.DevelopmentPeers())
		if err != nil {
			return fmt.Errorf("failed to build sync service: %w", err)
		}
		a.Start()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		s := <-sig
		logrus.WithField("signal", s.String()).Infoln("Shutting down")
		a.Stop()
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a single full sync and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		a, err := agent.New(cfg, agent.DevelopmentPeers())
		if err != nil {
			return fmt.Errorf("failed to build sync service: %w", err)
		}
		if st := a.RunOnce(context.Background()); st != syncd.StatusOK {
			return fmt.Errorf("sync failed: %s", st.String())
		}
		fmt.Println("Sync completed successfully")
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the service version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(agent.Version())
	},
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to the configuration file (optional)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serviceCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logrus.Fatalf("Failed to execute command: %v", err)
	}
}
