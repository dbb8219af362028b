package alerts

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bagaspng/Moisture-Sense-Dashboard/internal/models"
)

func TestDeriveDryThreshold(t *testing.T) {
	for raw := 0; raw <= models.SoilRawMax; raw++ {
		got := Derive(models.StateSnapshot{SoilRaw: raw})
		assert.Equal(t, raw < 300, got.Dry, "soil=%d", raw)
	}
}

func TestDeriveRain(t *testing.T) {
	assert.True(t, Derive(models.StateSnapshot{SoilRaw: 800, Rain: models.RainDetected}).Rain)
	assert.False(t, Derive(models.StateSnapshot{SoilRaw: 800, Rain: models.RainClear}).Rain)
}

func TestDeriveScenarios(t *testing.T) {
	tests := []struct {
		name     string
		snapshot models.StateSnapshot
		want     models.AlertSet
	}{
		{
			name:     "dry and raining",
			snapshot: models.StateSnapshot{SoilRaw: 250, Rain: models.RainDetected},
			want:     models.AlertSet{Dry: true, Rain: true},
		},
		{
			name:     "wet and clear",
			snapshot: models.StateSnapshot{SoilRaw: 800, Rain: models.RainClear},
			want:     models.AlertSet{},
		},
		{
			name:     "boundary is not dry",
			snapshot: models.StateSnapshot{SoilRaw: 300},
			want:     models.AlertSet{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Derive(tt.snapshot))
		})
	}
}
