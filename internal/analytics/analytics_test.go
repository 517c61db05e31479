package analytics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beehive-anomaly-service/internal/models"
)

type memorySource struct {
	events map[string][]models.HiveEvent
	err    error
}

func (m *memorySource) QueryEvents(_ context.Context, hiveID string) ([]models.HiveEvent, error) {
	return m.events[hiveID], m.err
}

type memorySink struct {
	mu      sync.Mutex
	results []models.AnomalyResult
}

func (m *memorySink) SaveResult(_ context.Context, _ string, r models.AnomalyResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, r)
	return nil
}

func (m *memorySink) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.results)
}

type memoryModels struct {
	mu    sync.Mutex
	data  map[string][]byte
	saves int
}

func newMemoryModels() *memoryModels {
	return &memoryModels{data: make(map[string][]byte)}
}

func (m *memoryModels) SaveModel(_ context.Context, hiveID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[hiveID] = append([]byte(nil), data...)
	m.saves++
	return nil
}

func (m *memoryModels) LoadModel(_ context.Context, hiveID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.data[hiveID]
	if !ok {
		return nil, models.ErrModelNotFound
	}
	return data, nil
}

type countingRecorder struct {
	mu        sync.Mutex
	total     int
	anomalous int
}

func (c *countingRecorder) RecordResult(r models.AnomalyResult, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total++
	if r.IsEventAnomalous {
		c.anomalous++
	}
}

func TestAnalyzer_DetectHive(t *testing.T) {
	weights := make([]float64, 51)
	for i := 0; i < 50; i++ {
		weights[i] = 65000
	}
	cfg := DefaultConfig()
	cfg.Forest.Dimensions = 1
	cfg.Forest.ShingleSize = 1

	sink := &memorySink{}
	recorder := &countingRecorder{}
	analyzer, err := NewAnalyzer(Options{
		Config:   cfg,
		Source:   &memorySource{events: map[string][]models.HiveEvent{"hive-1": hiveEvents("hive-1", weights)}},
		Sinks:    []ResultSink{sink},
		Recorder: recorder,
	})
	require.NoError(t, err)

	results, err := analyzer.DetectHive(context.Background(), "hive-1")
	require.NoError(t, err)
	require.Len(t, results, 51)
	assert.True(t, results[50].IsEventAnomalous)

	assert.Equal(t, 51, sink.len())
	assert.Equal(t, 51, recorder.total)
	assert.Equal(t, 1, recorder.anomalous)
	// replay does not create a live model
	assert.Equal(t, 0, analyzer.ActiveStreams())
}

func TestAnalyzer_DetectHiveErrors(t *testing.T) {
	analyzer, err := NewAnalyzer(Options{Config: testDetectorConfig(1)})
	require.NoError(t, err)
	_, err = analyzer.DetectHive(context.Background(), "h")
	assert.ErrorIs(t, err, models.ErrConfiguration)

	boom := errors.New("boom")
	analyzer, err = NewAnalyzer(Options{Config: testDetectorConfig(1), Source: &memorySource{err: boom}})
	require.NoError(t, err)
	_, err = analyzer.DetectHive(context.Background(), "h")
	assert.ErrorIs(t, err, boom)
}

func TestAnalyzer_StreamsAreIsolated(t *testing.T) {
	analyzer, err := NewAnalyzer(Options{Config: testDetectorConfig(2)})
	require.NoError(t, err)
	ctx := context.Background()

	weights := hiveWeights(60, 6)
	for i, w := range weights {
		_, err := analyzer.AnalyzeSync(ctx, hiveEvent("a", i, w))
		require.NoError(t, err)
	}
	_, err = analyzer.AnalyzeSync(ctx, hiveEvent("b", 0, 1))
	require.NoError(t, err)

	// hive b has its own clock, an earlier timestamp on hive a is still rejected
	_, err = analyzer.AnalyzeSync(ctx, hiveEvent("a", 0, 1))
	assert.ErrorIs(t, err, models.ErrOrdering)

	statsA, ok := analyzer.GetStats("a")
	require.True(t, ok)
	statsB, ok := analyzer.GetStats("b")
	require.True(t, ok)
	assert.Equal(t, int64(60), statsA.Processed)
	assert.Equal(t, int64(1), statsB.Processed)
	assert.Equal(t, []string{"a", "b"}, analyzer.Hives())

	_, ok = analyzer.GetStats("missing")
	assert.False(t, ok)
}

func TestAnalyzer_AnalyzeSyncRejectsBadEvents(t *testing.T) {
	analyzer, err := NewAnalyzer(Options{Config: testDetectorConfig(1)})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = analyzer.AnalyzeSync(ctx, models.HiveEvent{DateTime: "2024-05-01 00:00:00.0 +0000", Weight: "1"})
	assert.ErrorIs(t, err, models.ErrParse)

	ev := hiveEvent("h", 0, 1)
	ev.DateTime = "yesterday"
	_, err = analyzer.AnalyzeSync(ctx, ev)
	assert.ErrorIs(t, err, models.ErrParse)
	assert.Equal(t, 0, analyzer.ActiveStreams())
}

func TestAnalyzer_SnapshotsAndRestore(t *testing.T) {
	store := newMemoryModels()
	opts := Options{Config: testDetectorConfig(3), SnapshotInterval: 25, Models: store}
	ctx := context.Background()
	weights := hiveWeights(120, 7)

	first, err := NewAnalyzer(opts)
	require.NoError(t, err)
	for i := 0; i < 80; i++ {
		_, err := first.AnalyzeSync(ctx, hiveEvent("h", i, weights[i]))
		require.NoError(t, err)
	}
	assert.Equal(t, 3, store.saves)
	require.NoError(t, first.Flush(ctx))
	assert.Equal(t, 4, store.saves)

	second, err := NewAnalyzer(opts)
	require.NoError(t, err)
	for i := 80; i < 120; i++ {
		want, err := first.AnalyzeSync(ctx, hiveEvent("h", i, weights[i]))
		require.NoError(t, err)
		got, err := second.AnalyzeSync(ctx, hiveEvent("h", i, weights[i]))
		require.NoError(t, err)
		require.Equal(t, want, got, "event %d", i)
	}
}

func TestAnalyzer_DiscardsIncompatibleSnapshot(t *testing.T) {
	store := newMemoryModels()
	store.data["h"] = []byte("garbage")

	analyzer, err := NewAnalyzer(Options{Config: testDetectorConfig(1), Models: store})
	require.NoError(t, err)

	_, err = analyzer.AnalyzeSync(context.Background(), hiveEvent("h", 0, 1))
	require.NoError(t, err)
	stats, ok := analyzer.GetStats("h")
	require.True(t, ok)
	assert.Equal(t, int64(1), stats.Processed)
}

func TestAnalyzer_SubmitKeepsPerHiveOrder(t *testing.T) {
	sink := &memorySink{}
	analyzer, err := NewAnalyzer(Options{Config: testDetectorConfig(2), BufferSize: 1000, Sinks: []ResultSink{sink}})
	require.NoError(t, err)

	assert.ErrorIs(t, analyzer.Submit(context.Background(), hiveEvent("h0", 0, 1)), ErrNotRunning,
		"submit before start must be refused")

	analyzer.Start(4)
	defer analyzer.Stop()

	hives := []string{"h0", "h1", "h2", "h3", "h4", "h5"}
	var wg sync.WaitGroup
	for _, id := range hives {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i, w := range hiveWeights(100, 8) {
				assert.NoError(t, analyzer.Submit(context.Background(), hiveEvent(id, i, w)))
			}
		}(id)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return sink.len() == len(hives)*100 }, 5*time.Second, 10*time.Millisecond)

	for _, id := range hives {
		stats, ok := analyzer.GetStats(id)
		require.True(t, ok)
		assert.Equal(t, int64(100), stats.Processed, "hive %s", id)
	}
	assert.Equal(t, len(hives), analyzer.ActiveStreams())
}

func TestAnalyzer_StopDrainsQueues(t *testing.T) {
	tests := []struct {
		name       string
		bufferSize int
	}{
		{"queue holds everything", 1000},
		{"submit waits for space", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &memorySink{}
			analyzer, err := NewAnalyzer(Options{
				Config:     testDetectorConfig(2),
				BufferSize: tt.bufferSize,
				Sinks:      []ResultSink{sink},
			})
			require.NoError(t, err)
			analyzer.Start(1)

			const n = 500
			for i, w := range hiveWeights(n, 3) {
				require.NoError(t, analyzer.Submit(context.Background(), hiveEvent("h", i, w)))
			}
			analyzer.Stop()

			assert.Equal(t, n, sink.len())
			stats, ok := analyzer.GetStats("h")
			require.True(t, ok)
			assert.Equal(t, int64(n), stats.Processed)

			received := 0
			for range analyzer.GetResults() {
				received++
			}
			assert.LessOrEqual(t, received, n)

			err = analyzer.Submit(context.Background(), hiveEvent("h", n, 1))
			assert.ErrorIs(t, err, ErrNotRunning)
			assert.NotPanics(t, analyzer.Stop)
		})
	}
}

func TestAnalyzer_SubmitHonoursContext(t *testing.T) {
	analyzer, err := NewAnalyzer(Options{Config: testDetectorConfig(1), BufferSize: 1})
	require.NoError(t, err)

	// очереди есть, но воркеров нет: вторая отправка ждет места
	analyzer.shards = []chan models.HiveEvent{make(chan models.HiveEvent, 1)}
	require.NoError(t, analyzer.Submit(context.Background(), hiveEvent("h", 0, 1)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, analyzer.Submit(ctx, hiveEvent("h", 1, 1)), context.DeadlineExceeded)
}

func BenchmarkAnalyzeSync(b *testing.B) {
	analyzer, err := NewAnalyzer(Options{Config: DefaultConfig()})
	if err != nil {
		b.Fatal(err)
	}
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := analyzer.AnalyzeSync(ctx, hiveEvent("bench", i, 65000+float64(i%50))); err != nil {
			b.Fatal(err)
		}
	}
}
