package analytics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beehive-anomaly-service/internal/models"
)

func TestDetectorSnapshot_ContinuesIdentically(t *testing.T) {
	events := hiveEvents("h", hiveWeights(400, 5))

	detector, err := NewDetector(testDetectorConfig(4))
	require.NoError(t, err)
	_, err = detector.ProcessEvents("h", events[:250])
	require.NoError(t, err)

	data, err := EncodeState(detector.Snapshot())
	require.NoError(t, err)
	st, err := DecodeState(data)
	require.NoError(t, err)
	restored, err := RestoreDetector(st)
	require.NoError(t, err)

	assert.Equal(t, detector.Processed(), restored.Processed())
	assert.InDelta(t, detector.Stats("h").RollingAvgScore, restored.Stats("h").RollingAvgScore, 1e-9)

	want, err := detector.ProcessEvents("h", events[250:])
	require.NoError(t, err)
	got, err := restored.ProcessEvents("h", events[250:])
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDecodeState_Corrupt(t *testing.T) {
	_, err := DecodeState([]byte("not snappy"))
	assert.ErrorIs(t, err, models.ErrCorruptState)
}

func TestRestoreDetector_Rejects(t *testing.T) {
	_, err := RestoreDetector(nil)
	assert.ErrorIs(t, err, models.ErrCorruptState)

	detector, err := NewDetector(testDetectorConfig(2))
	require.NoError(t, err)

	st := detector.Snapshot()
	st.Forest.Config.Seed++
	_, err = RestoreDetector(st)
	assert.ErrorIs(t, err, models.ErrCorruptState)

	st = detector.Snapshot()
	st.Recent = make([]float64, ScoreWindowSize+1)
	_, err = RestoreDetector(st)
	assert.ErrorIs(t, err, models.ErrCorruptState)
}
