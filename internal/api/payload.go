package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/bagaspng/Moisture-Sense-Dashboard/internal/models"
)

// Wire shapes of the device endpoint. Field names are the device's own.

type latestPayload struct {
	Suhu       *float64 `json:"suhu"`
	Kelembapan *float64 `json:"kelembapan"`
	Soil       *float64 `json:"soil"`
	RainRaw    *float64 `json:"rain_raw"`
	RainStatus *string  `json:"rain_status"`
	Pompa      *string  `json:"pompa"`
	UpdatedAt  *float64 `json:"updated_at"`
}

type eventPayload struct {
	TS      json.RawMessage `json:"ts"`
	Type    string          `json:"type"`
	Level   string          `json:"level"`
	Message string          `json:"message"`
}

type commandRequest struct {
	Cmd string `json:"cmd"`
}

type commandResponse struct {
	Status    string `json:"status"`
	PumpState string `json:"pump_state,omitempty"`
	Error     string `json:"error,omitempty"`
}

// epochMillisCutoff separates second from millisecond epochs; 1e12 seconds
// is tens of thousands of years away.
const epochMillisCutoff = 1e12

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006/01/02 15:04:05",
}

func (p latestPayload) toSnapshot() (models.StateSnapshot, error) {
	switch {
	case p.Suhu == nil:
		return models.StateSnapshot{}, errors.New("missing field suhu")
	case p.Kelembapan == nil:
		return models.StateSnapshot{}, errors.New("missing field kelembapan")
	case p.Soil == nil:
		return models.StateSnapshot{}, errors.New("missing field soil")
	case p.RainStatus == nil:
		return models.StateSnapshot{}, errors.New("missing field rain_status")
	case p.Pompa == nil:
		return models.StateSnapshot{}, errors.New("missing field pompa")
	}

	soil := int(math.Round(*p.Soil))
	if soil < 0 || soil > models.SoilRawMax {
		return models.StateSnapshot{}, fmt.Errorf("soil %v out of range 0..%d", *p.Soil, models.SoilRawMax)
	}

	pump, err := models.ParsePumpState(*p.Pompa)
	if err != nil {
		return models.StateSnapshot{}, err
	}

	s := models.StateSnapshot{
		Temperature: *p.Suhu,
		Humidity:    *p.Kelembapan,
		SoilRaw:     soil,
		Rain:        ParseRainStatus(*p.RainStatus),
		Pump:        pump,
	}
	if p.RainRaw != nil {
		v := int(math.Round(*p.RainRaw))
		s.RainRaw = &v
	}
	if p.UpdatedAt != nil {
		t := epochTime(*p.UpdatedAt)
		s.ObservedAt = &t
	}
	return s, nil
}

// ParseRainStatus interprets the device's free-text rain status such as
// "🌧 Hujan" or "☀ Tidak Hujan". Text that does not mention rain, or
// negates it, counts as clear.
func ParseRainStatus(text string) models.RainStatus {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z')
	})

	rain := false
	for _, w := range words {
		switch w {
		case "tidak", "no", "not", "clear", "cerah", "dry", "kering":
			return models.RainClear
		case "hujan", "rain", "raining", "rainy", "wet", "basah":
			rain = true
		}
	}
	if rain {
		return models.RainDetected
	}
	return models.RainClear
}

func (p eventPayload) toRecord() (models.EventRecord, error) {
	ts, raw, err := parseEventTime(p.TS)
	if err != nil {
		return models.EventRecord{}, err
	}
	return models.EventRecord{
		Timestamp:    ts,
		RawTimestamp: raw,
		Category:     parseCategory(p.Type),
		RawType:      p.Type,
		Severity:     parseSeverity(p.Level),
		Message:      p.Message,
	}, nil
}

// parseEventTime accepts an epoch number or a string. Strings that match
// no known layout keep a zero time alongside the raw text.
func parseEventTime(msg json.RawMessage) (time.Time, string, error) {
	trimmed := bytes.TrimSpace(msg)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return time.Time{}, "", nil
	}

	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return time.Time{}, "", fmt.Errorf("ts: %v", err)
		}
		s = strings.TrimSpace(s)
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return epochTime(n), s, nil
		}
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, s, nil
			}
		}
		return time.Time{}, s, nil
	}

	var n float64
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return time.Time{}, "", fmt.Errorf("ts must be a string or number: %s", string(trimmed))
	}
	return epochTime(n), string(trimmed), nil
}

func epochTime(v float64) time.Time {
	if v >= epochMillisCutoff {
		return time.UnixMilli(int64(v)).UTC()
	}
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

func parseCategory(s string) models.EventCategory {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)
	switch key {
	case "pump_on":
		return models.CategoryPumpOn
	case "pump_off":
		return models.CategoryPumpOff
	case "rain", "rain_detected":
		return models.CategoryRainDetected
	case "auto", "auto_mode", "mode":
		return models.CategoryAutoModeChange
	default:
		return models.CategoryWarning
	}
}

func parseSeverity(s string) models.Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "warn", "warning":
		return models.SeverityWarn
	case "error", "err":
		return models.SeverityError
	default:
		return models.SeverityInfo
	}
}

func (r commandResponse) toResult() (models.CommandResult, error) {
	switch strings.ToLower(strings.TrimSpace(r.Status)) {
	case "ok":
		res := models.CommandResult{Accepted: true}
		if r.PumpState != "" {
			p, err := models.ParsePumpState(r.PumpState)
			if err != nil {
				return models.CommandResult{}, err
			}
			res.ConfirmedPumpState = &p
		}
		return res, nil
	case "error":
		msg := r.Error
		if msg == "" {
			msg = "device reported an error"
		}
		return models.CommandResult{Accepted: false, ErrorMessage: msg}, nil
	}
	return models.CommandResult{}, fmt.Errorf("unknown status %q", r.Status)
}
