// Command moissense keeps a local view of one MoisSense irrigation
// controller in sync and relays operator pump commands to it.
//
// Usage:
//
//	moissense serve [--config config.yaml]
//	moissense status
//	moissense pump on|off
//
// Every setting can be overridden with a MOISSENSE_* environment variable,
// e.g. MOISSENSE_REMOTE_BASE_URL=http://192.168.1.40:1880.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bagaspng/Moisture-Sense-Dashboard/internal/api"
	"github.com/bagaspng/Moisture-Sense-Dashboard/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "moissense",
	Short: "MoisSense - soil moisture and irrigation pump sync service",
	Long: `MoisSense polls an irrigation controller for its sensor readings and
event history, derives dry-soil and rain alerts, and relays operator pump
commands back to the device.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func newDeviceClient(cfg *config.Config) *api.Client {
	return api.NewClient(cfg.Remote.BaseURL,
		api.WithTimeout(cfg.Remote.Timeout),
		api.WithUserAgent(cfg.Remote.UserAgent),
	)
}
