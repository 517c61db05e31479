package analytics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beehive-anomaly-service/internal/models"
)

func TestShingleBuilder_WarmUpAndOrder(t *testing.T) {
	s, err := NewShingleBuilder(3, 1)
	require.NoError(t, err)

	for _, v := range []float64{1, 2} {
		out, ok := s.Push([]float64{v})
		assert.False(t, ok)
		assert.Nil(t, out)
	}
	assert.False(t, s.Ready())

	out, ok := s.Push([]float64{3})
	require.True(t, ok)
	assert.Equal(t, []float64{1, 2, 3}, out)
	assert.True(t, s.Ready())

	out, ok = s.Push([]float64{4})
	require.True(t, ok)
	assert.Equal(t, []float64{2, 3, 4}, out)
}

func TestShingleBuilder_MultiDimensional(t *testing.T) {
	s, err := NewShingleBuilder(2, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, s.Dimensions())

	s.Push([]float64{1, 10})
	out, ok := s.Push([]float64{2, 20})
	require.True(t, ok)
	assert.Equal(t, []float64{1, 10, 2, 20}, out)
}

func TestShingleBuilder_ReturnsFreshSlice(t *testing.T) {
	s, err := NewShingleBuilder(1, 1)
	require.NoError(t, err)

	first, _ := s.Push([]float64{1})
	first[0] = 100
	second, _ := s.Push([]float64{2})
	assert.Equal(t, []float64{2}, second)
	assert.Equal(t, []float64{100}, first)
}

func TestShingleBuilder_WrongWidthPanics(t *testing.T) {
	s, err := NewShingleBuilder(2, 1)
	require.NoError(t, err)
	assert.Panics(t, func() { s.Push([]float64{1, 2}) })
}

func TestNewShingleBuilder_Invalid(t *testing.T) {
	_, err := NewShingleBuilder(0, 1)
	assert.ErrorIs(t, err, models.ErrConfiguration)
	_, err = NewShingleBuilder(4, 0)
	assert.ErrorIs(t, err, models.ErrConfiguration)
}

func TestShingleBuilder_StateRoundTrip(t *testing.T) {
	s, err := NewShingleBuilder(3, 1)
	require.NoError(t, err)
	for _, v := range []float64{5, 6, 7, 8} {
		s.Push([]float64{v})
	}

	restored, err := RestoreShingleBuilder(s.State())
	require.NoError(t, err)

	a, _ := s.Push([]float64{9})
	b, _ := restored.Push([]float64{9})
	assert.Equal(t, []float64{7, 8, 9}, a)
	assert.Equal(t, a, b)
}

func TestRestoreShingleBuilder_Corrupt(t *testing.T) {
	s, err := NewShingleBuilder(3, 1)
	require.NoError(t, err)

	st := s.State()
	st.Head = 3
	_, err = RestoreShingleBuilder(st)
	assert.ErrorIs(t, err, models.ErrCorruptState)

	st = s.State()
	st.Buffer = st.Buffer[:1]
	_, err = RestoreShingleBuilder(st)
	assert.ErrorIs(t, err, models.ErrCorruptState)
}
