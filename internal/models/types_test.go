package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMoisturePercent(t *testing.T) {
	tests := []struct {
		raw  int
		want int
	}{
		{0, 0},
		{250, 24},
		{512, 50},
		{800, 78},
		{1023, 100},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, MoisturePercent(tt.raw), "raw=%d", tt.raw)
		assert.Equal(t, tt.want, StateSnapshot{SoilRaw: tt.raw}.MoisturePercent())
	}
}

func TestPumpState(t *testing.T) {
	assert.Equal(t, PumpOff, PumpOn.Inverse())
	assert.Equal(t, PumpOn, PumpOff.Inverse())

	p, err := ParsePumpState(" on ")
	require.NoError(t, err)
	assert.Equal(t, PumpOn, p)

	_, err = ParsePumpState("maybe")
	assert.Error(t, err)

	var decoded PumpState
	require.NoError(t, decoded.UnmarshalText([]byte("ON")))
	assert.Equal(t, PumpOn, decoded)
	text, _ := decoded.MarshalText()
	assert.Equal(t, "ON", string(text))
}

func TestParseOperatingMode(t *testing.T) {
	m, err := ParseOperatingMode("Manual")
	require.NoError(t, err)
	assert.Equal(t, ModeManual, m)

	m, err = ParseOperatingMode("auto")
	require.NoError(t, err)
	assert.Equal(t, ModeAuto, m)

	_, err = ParseOperatingMode("cruise")
	assert.Error(t, err)
}

func TestSnapshotCloneSharesNothing(t *testing.T) {
	raw := 12
	at := time.Unix(1700000000, 0)
	s := StateSnapshot{RainRaw: &raw, ObservedAt: &at}

	c := s.Clone()
	*c.RainRaw = 99
	*c.ObservedAt = at.Add(time.Hour)

	assert.Equal(t, 12, *s.RainRaw)
	assert.Equal(t, at, *s.ObservedAt)
}

func TestAlertSetActive(t *testing.T) {
	assert.Empty(t, AlertSet{}.Active())
	assert.Equal(t, []AlertKind{AlertDry, AlertRain}, AlertSet{Dry: true, Rain: true}.Active())
	assert.Equal(t, []AlertKind{AlertRain}, AlertSet{Rain: true}.Active())
}

func TestEnumsDecodeTheirOwnJSON(t *testing.T) {
	in := EventRecord{Category: CategoryRainDetected, Severity: SeverityWarn, Message: "Hujan"}
	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"category":"rain"`)
	assert.Contains(t, string(data), `"severity":"warn"`)

	var out EventRecord
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in.Category, out.Category)
	assert.Equal(t, in.Severity, out.Severity)

	var rain RainStatus
	assert.Error(t, rain.UnmarshalText([]byte("drizzle")))
}
