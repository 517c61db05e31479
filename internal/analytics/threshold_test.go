package analytics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beehive-anomaly-service/internal/models"
)

func TestThreshold_EWMA(t *testing.T) {
	th, err := NewThreshold(DefaultThresholdConfig())
	require.NoError(t, err)

	th.Update(1)
	assert.Equal(t, 1.0, th.Mean())
	assert.Equal(t, 0.0, th.Deviation())

	th.Update(2)
	assert.InDelta(t, 1.1, th.Mean(), 1e-12)
	assert.InDelta(t, 0.1, th.State().Variance, 1e-12)
	assert.Equal(t, int64(2), th.Count())
}

func TestThreshold_GradeZeroDuringWarmUp(t *testing.T) {
	th, err := NewThreshold(DefaultThresholdConfig())
	require.NoError(t, err)

	assert.Equal(t, 0.0, th.Grade(100))
	for i := 0; i < DefaultMinObservations-1; i++ {
		th.Update(1)
		assert.Equal(t, 0.0, th.Grade(100), "observation %d", i)
	}
	th.Update(1)
	assert.Equal(t, 1.0, th.Grade(100))
}

func TestThreshold_GradeScale(t *testing.T) {
	th, err := RestoreThreshold(DefaultThresholdConfig(), ThresholdState{Mean: 1, Variance: 1, Count: 20})
	require.NoError(t, err)

	tests := []struct {
		score float64
		grade float64
	}{
		{score: 0.5, grade: 0},
		{score: 1, grade: 0},
		{score: 3, grade: 0},
		{score: 4, grade: 0},
		{score: 5.5, grade: 0.5},
		{score: 7, grade: 1},
		{score: 50, grade: 1},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.grade, th.Grade(tt.score), 1e-12, "score %v", tt.score)
	}
}

func TestThreshold_ZeroDeviation(t *testing.T) {
	th, err := RestoreThreshold(DefaultThresholdConfig(), ThresholdState{Mean: 2, Count: 30})
	require.NoError(t, err)

	assert.Equal(t, 0.0, th.Grade(2))
	assert.Equal(t, 1.0, th.Grade(2.0001))
}

func TestThreshold_IsAnomalousNeedsBothCutoffs(t *testing.T) {
	th, err := NewThreshold(DefaultThresholdConfig())
	require.NoError(t, err)

	assert.True(t, th.IsAnomalous(0.9, 1.5))
	assert.False(t, th.IsAnomalous(0.9, 0.9), "score below cutoff")
	assert.False(t, th.IsAnomalous(0.4, 5), "grade below cutoff")
	assert.False(t, th.IsAnomalous(0.5, 1.0), "cutoffs are exclusive")
}

func TestThresholdConfig_Validate(t *testing.T) {
	cases := map[string]func(*ThresholdConfig){
		"zero weight":        func(c *ThresholdConfig) { c.Weight = 0 },
		"weight above one":   func(c *ThresholdConfig) { c.Weight = 1.5 },
		"grade cutoff one":   func(c *ThresholdConfig) { c.GradeCutoff = 1 },
		"negative score":     func(c *ThresholdConfig) { c.ScoreCutoff = -1 },
		"saturation too low": func(c *ThresholdConfig) { c.SaturationMultiplier = c.DeviationMultiplier },
		"negative min obs":   func(c *ThresholdConfig) { c.MinObservations = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultThresholdConfig()
			mutate(&cfg)
			_, err := NewThreshold(cfg)
			assert.ErrorIs(t, err, models.ErrConfiguration)
		})
	}
}

func TestRestoreThreshold_Corrupt(t *testing.T) {
	_, err := RestoreThreshold(DefaultThresholdConfig(), ThresholdState{Variance: -1})
	assert.ErrorIs(t, err, models.ErrCorruptState)
}
