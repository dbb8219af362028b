// Package alerts derives alert conditions from a device snapshot.
package alerts

import "github.com/bagaspng/Moisture-Sense-Dashboard/internal/models"

// DryThreshold is the raw soil reading below which the soil counts as dry.
// The raw value is authoritative; the moisture percentage is display only.
const DryThreshold = 300

// Derive maps a snapshot to its active alerts. There is no hysteresis:
// a reading that flaps around the threshold flaps the alert.
func Derive(s models.StateSnapshot) models.AlertSet {
	return models.AlertSet{
		Dry:  s.SoilRaw < DryThreshold,
		Rain: s.Rain == models.RainDetected,
	}
}
