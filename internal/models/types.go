package models

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// SoilRawMax is the full-scale value of the soil moisture ADC.
const SoilRawMax = 1023

// PumpState is the on/off state of the irrigation pump
type PumpState int

const (
	PumpOff PumpState = iota
	PumpOn
)

// Inverse returns the opposite pump state.
func (p PumpState) Inverse() PumpState {
	if p == PumpOn {
		return PumpOff
	}
	return PumpOn
}

func (p PumpState) String() string {
	if p == PumpOn {
		return "ON"
	}
	return "OFF"
}

func (p PumpState) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *PumpState) UnmarshalText(b []byte) error {
	v, err := ParsePumpState(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ParsePumpState accepts "ON"/"OFF" in any case.
func ParsePumpState(s string) (PumpState, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ON":
		return PumpOn, nil
	case "OFF":
		return PumpOff, nil
	}
	return PumpOff, fmt.Errorf("invalid pump state: %q", s)
}

// RainStatus reports whether the rain sensor is wet
type RainStatus int

const (
	RainClear RainStatus = iota
	RainDetected
)

func (r RainStatus) String() string {
	if r == RainDetected {
		return "rain"
	}
	return "clear"
}

func (r RainStatus) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *RainStatus) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "rain":
		*r = RainDetected
	case "clear":
		*r = RainClear
	default:
		return fmt.Errorf("invalid rain status: %q", b)
	}
	return nil
}

// StateSnapshot represents the latest full state reported by the device
type StateSnapshot struct {
	Temperature float64    `json:"temperature"`
	Humidity    float64    `json:"humidity"`
	SoilRaw     int        `json:"soil_raw"`
	RainRaw     *int       `json:"rain_raw,omitempty"`
	Rain        RainStatus `json:"rain"`
	Pump        PumpState  `json:"pump"`
	ObservedAt  *time.Time `json:"observed_at"`
}

// MoisturePercent derives the soil moisture percentage from the raw ADC
// reading. The raw value stays authoritative for alerting.
func (s StateSnapshot) MoisturePercent() int {
	return MoisturePercent(s.SoilRaw)
}

// MoisturePercent converts a raw soil reading into a 0-100 percentage.
func MoisturePercent(soilRaw int) int {
	return int(math.Round(float64(soilRaw) / SoilRawMax * 100))
}

// Clone returns a copy that shares no pointers with s.
func (s StateSnapshot) Clone() StateSnapshot {
	out := s
	if s.RainRaw != nil {
		v := *s.RainRaw
		out.RainRaw = &v
	}
	if s.ObservedAt != nil {
		t := *s.ObservedAt
		out.ObservedAt = &t
	}
	return out
}

// EventCategory classifies an event record
type EventCategory int

const (
	CategoryPumpOn EventCategory = iota
	CategoryPumpOff
	CategoryRainDetected
	CategoryWarning
	CategoryAutoModeChange
)

var categoryNames = map[EventCategory]string{
	CategoryPumpOn:         "pump_on",
	CategoryPumpOff:        "pump_off",
	CategoryRainDetected:   "rain",
	CategoryWarning:        "warning",
	CategoryAutoModeChange: "auto",
}

func (c EventCategory) String() string {
	if n, ok := categoryNames[c]; ok {
		return n
	}
	return "unknown"
}

func (c EventCategory) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *EventCategory) UnmarshalText(b []byte) error {
	for k, name := range categoryNames {
		if name == string(b) {
			*c = k
			return nil
		}
	}
	return fmt.Errorf("invalid event category: %q", b)
}

// Severity of an event record
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarn
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityWarn:
		return "warn"
	case SeverityError:
		return "error"
	default:
		return "info"
	}
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	switch string(b) {
	case "info":
		*s = SeverityInfo
	case "warn":
		*s = SeverityWarn
	case "error":
		*s = SeverityError
	default:
		return fmt.Errorf("invalid severity: %q", b)
	}
	return nil
}

// EventRecord is one entry of the device event history. RawTimestamp and
// RawType keep the values exactly as the remote service sent them.
type EventRecord struct {
	Timestamp    time.Time     `json:"timestamp"`
	RawTimestamp string        `json:"raw_timestamp"`
	Category     EventCategory `json:"category"`
	RawType      string        `json:"raw_type"`
	Severity     Severity      `json:"severity"`
	Message      string        `json:"message"`
}

// ConnectivityStatus describes the outcome of the most recent poll
type ConnectivityStatus struct {
	Connected           bool       `json:"connected"`
	LastError           string     `json:"last_error,omitempty"`
	LastSuccessAt       *time.Time `json:"last_success_at"`
	LastAttemptAt       *time.Time `json:"last_attempt_at"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
}

// CommandResult is the device's answer to a pump command
type CommandResult struct {
	Accepted           bool       `json:"accepted"`
	ConfirmedPumpState *PumpState `json:"confirmed_pump_state,omitempty"`
	ErrorMessage       string     `json:"error_message,omitempty"`
}

// OperatingMode controls whether operator commands are accepted. It is
// local to this process and never sent to the device.
type OperatingMode int

const (
	ModeAuto OperatingMode = iota
	ModeManual
)

func (m OperatingMode) String() string {
	if m == ModeManual {
		return "manual"
	}
	return "auto"
}

func (m OperatingMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *OperatingMode) UnmarshalText(b []byte) error {
	v, err := ParseOperatingMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ParseOperatingMode accepts "auto" or "manual" in any case.
func ParseOperatingMode(s string) (OperatingMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "auto":
		return ModeAuto, nil
	case "manual":
		return ModeManual, nil
	}
	return ModeAuto, fmt.Errorf("invalid operating mode: %q", s)
}

// AlertKind names a derived alert condition
type AlertKind string

const (
	AlertDry  AlertKind = "dry"
	AlertRain AlertKind = "rain"
)

// AlertSet holds the alert conditions derived from one snapshot
type AlertSet struct {
	Dry  bool `json:"dry"`
	Rain bool `json:"rain"`
}

// Active lists the active alerts in a stable order.
func (a AlertSet) Active() []AlertKind {
	out := make([]AlertKind, 0, 2)
	if a.Dry {
		out = append(out, AlertDry)
	}
	if a.Rain {
		out = append(out, AlertRain)
	}
	return out
}
