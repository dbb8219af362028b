package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bagaspng/Moisture-Sense-Dashboard/internal/models"
)

var pumpCmd = &cobra.Command{
	Use:       "pump on|off",
	Short:     "Send one pump command directly to the device",
	Long:      `Send one pump command to the device, bypassing the operating mode of a running server.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE:      runPump,
}

func init() {
	rootCmd.AddCommand(pumpCmd)
}

func runPump(cmd *cobra.Command, args []string) error {
	target, err := models.ParsePumpState(args[0])
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	device := newDeviceClient(cfg)

	result, err := device.SendCommand(cmd.Context(), target)
	if err != nil {
		return fmt.Errorf("failed to send command: %w", err)
	}
	if !result.Accepted {
		return fmt.Errorf("device rejected command: %s", result.ErrorMessage)
	}

	pump := target
	if result.ConfirmedPumpState != nil {
		pump = *result.ConfirmedPumpState
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Pump %s\n", pump)
	return nil
}
