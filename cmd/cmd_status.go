package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bagaspng/Moisture-Sense-Dashboard/internal/alerts"
	"github.com/bagaspng/Moisture-Sense-Dashboard/internal/models"
)

var (
	statusEvents int
	statusJSON   bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Read the device once and print its state",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().IntVarP(&statusEvents, "events", "n", 5, "number of events to print")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print JSON instead of a table")
	rootCmd.AddCommand(statusCmd)
}

type statusReport struct {
	Snapshot        models.StateSnapshot `json:"snapshot"`
	MoisturePercent int                  `json:"moisture_percent"`
	Alerts          []models.AlertKind   `json:"alerts"`
	Events          []models.EventRecord `json:"events"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	device := newDeviceClient(cfg)

	var (
		snapshot models.StateSnapshot
		events   []models.EventRecord
	)
	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error {
		var err error
		snapshot, err = device.ReadState(ctx)
		return err
	})
	g.Go(func() error {
		var err error
		events, err = device.ReadEvents(ctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to read device at %s: %w", device.BaseURL(), err)
	}

	if statusEvents >= 0 && len(events) > statusEvents {
		events = events[:statusEvents]
	}
	report := statusReport{
		Snapshot:        snapshot,
		MoisturePercent: snapshot.MoisturePercent(),
		Alerts:          alerts.Derive(snapshot).Active(),
		Events:          events,
	}

	if statusJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	return printReport(cmd.OutOrStdout(), report)
}

func printReport(out io.Writer, r statusReport) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	observed := "unknown"
	if r.Snapshot.ObservedAt != nil {
		observed = r.Snapshot.ObservedAt.Local().Format(time.DateTime)
	}
	alertText := "none"
	if len(r.Alerts) > 0 {
		names := make([]string, len(r.Alerts))
		for i, a := range r.Alerts {
			names[i] = string(a)
		}
		alertText = strings.Join(names, ", ")
	}

	fmt.Fprintf(w, "Temperature\t%.1f °C\n", r.Snapshot.Temperature)
	fmt.Fprintf(w, "Humidity\t%.1f %%\n", r.Snapshot.Humidity)
	fmt.Fprintf(w, "Soil moisture\t%d %% (raw %d)\n", r.MoisturePercent, r.Snapshot.SoilRaw)
	fmt.Fprintf(w, "Rain\t%s\n", r.Snapshot.Rain)
	fmt.Fprintf(w, "Pump\t%s\n", r.Snapshot.Pump)
	fmt.Fprintf(w, "Observed\t%s\n", observed)
	fmt.Fprintf(w, "Alerts\t%s\n", alertText)

	if len(r.Events) > 0 {
		fmt.Fprintln(w, "\nTIME\tTYPE\tLEVEL\tMESSAGE")
		for _, e := range r.Events {
			ts := e.RawTimestamp
			if !e.Timestamp.IsZero() {
				ts = e.Timestamp.Local().Format(time.DateTime)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ts, e.Category, e.Severity, e.Message)
		}
	}
	return w.Flush()
}
