package rcf

import (
	"encoding/json"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beehive-anomaly-service/internal/models"
)

func testConfig(raw, shingle int) Config {
	return Config{
		Dimensions:    raw * shingle,
		RawDimensions: raw,
		ShingleSize:   shingle,
		NumberOfTrees: 20,
		TreeCapacity:  64,
		Seed:          42,
	}
}

func TestNewForest_DimensionMismatch(t *testing.T) {
	cfg := testConfig(1, 5)
	cfg.Dimensions = 4

	forest, err := NewForest(cfg)
	assert.Nil(t, forest)
	assert.ErrorIs(t, err, models.ErrConfiguration)
}

func TestNewForest_InvalidParameters(t *testing.T) {
	cases := map[string]func(*Config){
		"zero trees":      func(c *Config) { c.NumberOfTrees = 0 },
		"negative cap":    func(c *Config) { c.TreeCapacity = -1 },
		"zero shingle":    func(c *Config) { c.ShingleSize = 0; c.Dimensions = 0 },
		"zero raw dims":   func(c *Config) { c.RawDimensions = 0; c.Dimensions = 0 },
		"extra dimension": func(c *Config) { c.Dimensions++ },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig(2, 3)
			mutate(&cfg)
			_, err := NewForest(cfg)
			assert.ErrorIs(t, err, models.ErrConfiguration)
		})
	}
}

func TestForest_EmptyForest(t *testing.T) {
	forest, err := NewForest(testConfig(1, 1))
	require.NoError(t, err)

	assert.True(t, forest.Empty())
	assert.Equal(t, 0.0, forest.Probe([]float64{1}))
	assert.Nil(t, forest.ExpectedValue([]float64{1}))
}

func TestForest_Deterministic(t *testing.T) {
	a, err := NewForest(testConfig(2, 2))
	require.NoError(t, err)
	b, err := NewForest(testConfig(2, 2))
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(1, 1))
	for i := 0; i < 300; i++ {
		p := randomPoint(rng, 4, 100)
		require.Equal(t, a.Probe(p), b.Probe(p), "probe %d", i)
		require.Equal(t, a.ExpectedValue(p), b.ExpectedValue(p), "expected %d", i)
		a.Learn(p)
		b.Learn(p)
	}
	assert.Equal(t, a.State(), b.State())
}

func TestForest_SeedChangesTrees(t *testing.T) {
	cfg := testConfig(1, 2)
	a, err := NewForest(cfg)
	require.NoError(t, err)
	cfg.Seed = 43
	b, err := NewForest(cfg)
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(2, 2))
	for i := 0; i < 50; i++ {
		p := randomPoint(rng, 2, 10)
		a.Learn(p)
		b.Learn(p)
	}
	assert.NotEqual(t, a.State().Trees, b.State().Trees)
}

func TestForest_IdenticalPointsConverge(t *testing.T) {
	cfg := testConfig(1, 1)
	cfg.TreeCapacity = 32
	forest, err := NewForest(cfg)
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(3, 3))
	for i := 0; i < cfg.TreeCapacity; i++ {
		forest.Learn([]float64{rng.Float64() * 100})
	}

	p := []float64{50}
	scores := make([]float64, 0, 2000)
	for i := 0; i < 2000; i++ {
		scores = append(scores, forest.Probe(p))
		forest.Learn(p)
	}

	first, last := scores[0], scores[len(scores)-1]
	assert.Less(t, last, first, "score must drop as the value becomes dense")
	// once the sample holds only the repeated value every tree is a single leaf
	assert.InDelta(t, 0.5, last, 1e-9)
	for _, s := range scores[len(scores)-100:] {
		assert.InDelta(t, last, s, 1e-9, "score must settle at its floor")
	}
}

func TestForest_OutlierScoresAboveNormal(t *testing.T) {
	forest, err := NewForest(testConfig(2, 1))
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(4, 4))
	for i := 0; i < 200; i++ {
		forest.Learn([]float64{10 + rng.NormFloat64(), 20 + rng.NormFloat64()})
	}

	normal := forest.Probe([]float64{10, 20})
	outlier := forest.Probe([]float64{60, -40})
	t.Logf("normal=%.3f outlier=%.3f", normal, outlier)
	assert.Greater(t, outlier, 1.0)
	assert.Greater(t, outlier, 2*normal)
}

func TestForest_ExpectedValue(t *testing.T) {
	forest, err := NewForest(testConfig(1, 1))
	require.NoError(t, err)
	for i := 0; i < 30; i++ {
		forest.Learn([]float64{65000})
	}

	expected := forest.ExpectedValue([]float64{0})
	require.Len(t, expected, 1)
	assert.Equal(t, 65000.0, expected[0])
}

func TestForest_ExtremeFiniteValues(t *testing.T) {
	forest, err := NewForest(testConfig(1, 1))
	require.NoError(t, err)

	for _, v := range []float64{1.7e308, -1.7e308, 1.7e308, -1.7e308} {
		p := []float64{v}
		score := forest.Probe(p)
		require.False(t, math.IsNaN(score) || math.IsInf(score, 0), "score %v", score)
		require.NotPanics(t, func() { forest.Learn(p) })

		expected := forest.ExpectedValue(p)
		require.Len(t, expected, 1)
		assert.False(t, math.IsInf(expected[0], 0) || math.IsNaN(expected[0]), "expected %v", expected)
	}
}

func TestForest_LearnCopiesPoint(t *testing.T) {
	forest, err := NewForest(testConfig(1, 1))
	require.NoError(t, err)

	p := []float64{7}
	forest.Learn(p)
	p[0] = 99

	assert.Equal(t, []float64{7}, forest.ExpectedValue([]float64{99}))
	assert.Equal(t, int64(1), forest.Updates())
}

func TestForest_StateRoundTripThroughJSON(t *testing.T) {
	forest, err := NewForest(testConfig(1, 3))
	require.NoError(t, err)
	rng := rand.New(rand.NewPCG(5, 5))
	for i := 0; i < 150; i++ {
		forest.Learn(randomPoint(rng, 3, 1000))
	}

	data, err := json.Marshal(forest.State())
	require.NoError(t, err)
	var st ForestState
	require.NoError(t, json.Unmarshal(data, &st))

	restored, err := RestoreForest(&st)
	require.NoError(t, err)
	assert.Equal(t, forest.Updates(), restored.Updates())

	for i := 0; i < 100; i++ {
		p := randomPoint(rng, 3, 1000)
		require.Equal(t, forest.Probe(p), restored.Probe(p), "probe %d", i)
		forest.Learn(p)
		restored.Learn(p)
	}
	assert.Equal(t, forest.State(), restored.State())
}

func TestRestoreForest_Rejects(t *testing.T) {
	_, err := RestoreForest(nil)
	assert.ErrorIs(t, err, models.ErrCorruptState)

	forest, err := NewForest(testConfig(1, 1))
	require.NoError(t, err)
	st := forest.State()
	st.Trees = st.Trees[:3]
	_, err = RestoreForest(st)
	assert.ErrorIs(t, err, models.ErrCorruptState)

	st = forest.State()
	st.Config.Dimensions = 2
	_, err = RestoreForest(st)
	assert.ErrorIs(t, err, models.ErrConfiguration)
}
