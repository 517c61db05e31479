package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beehive-anomaly-service/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_Events(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	events := []models.HiveEvent{
		{EventID: "e2", HiveID: "h1", DateTime: "2024-05-01 00:10:00.0 +0000", Weight: "65010"},
		{EventID: "e1", HiveID: "h1", DateTime: "2024-05-01 00:05:00.0 +0000", Weight: "65000"},
		{EventID: "e3", HiveID: "h2", DateTime: "2024-05-01 00:05:00.0 +0000", Weight: "1"},
		// same instant written in another zone sorts by absolute time
		{EventID: "e0", HiveID: "h1", DateTime: "2024-05-01 02:00:00.0 +0300", Weight: "64990"},
	}
	for _, ev := range events {
		inserted, err := store.SaveEvent(ctx, ev)
		require.NoError(t, err)
		assert.True(t, inserted, ev.EventID)
	}

	got, err := store.QueryEvents(ctx, "h1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"e0", "e1", "e2"}, []string{got[0].EventID, got[1].EventID, got[2].EventID})
	assert.Equal(t, models.Measurement("65000"), got[1].Weight)

	empty, err := store.QueryEvents(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSQLiteStore_DuplicateEventIsIgnored(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ev := models.HiveEvent{EventID: "a", HiveID: "h1", DateTime: "2024-05-01 00:00:00.0 +0000", Weight: "1"}
	inserted, err := store.SaveEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, inserted)

	ev.EventID = "b"
	ev.Weight = "2"
	inserted, err = store.SaveEvent(ctx, ev)
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := store.QueryEvents(ctx, "h1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].EventID)
}

func TestSQLiteStore_RejectsUnparsableEvent(t *testing.T) {
	store := newTestStore(t)

	_, err := store.SaveEvent(context.Background(), models.HiveEvent{HiveID: "h1", DateTime: "soon", Weight: "1"})
	assert.ErrorIs(t, err, models.ErrParse)
}

func TestSQLiteStore_Results(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	expected := 65000.0

	normal := models.AnomalyResult{
		HiveID: "h1", Timestamp: base, DateTime: "t0", Weight: 65000, AnomalyScore: 0.5,
	}
	anomaly := models.AnomalyResult{
		HiveID: "h1", Timestamp: base.Add(time.Minute), DateTime: "t1", Weight: 0,
		AnomalyScore: 5.67, AnomalyGrade: 1, ExpectedWeight: &expected, IsEventAnomalous: true,
	}
	require.NoError(t, store.SaveResult(ctx, "h1", anomaly))
	require.NoError(t, store.SaveResult(ctx, "h1", normal))
	require.NoError(t, store.SaveResult(ctx, "h1", anomaly))

	all, err := store.QueryResults(ctx, "h1", false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, normal, all[0])
	assert.Equal(t, anomaly, all[1])

	only, err := store.QueryResults(ctx, "h1", true)
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, "t1", only[0].DateTime)

	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{Events: 0, Results: 2, Anomalies: 1}, counts)
	assert.NoError(t, store.Ping(ctx))
}
