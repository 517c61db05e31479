package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beehive-anomaly-service/internal/models"
)

// fakeS3 минимальный path-style S3: PUT и GET объектов
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := strings.TrimPrefix(r.URL.Path, "/")
	switch r.Method {
	case http.MethodPut:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.objects[key] = body
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		data, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(data)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestS3ModelStore_RoundTrip(t *testing.T) {
	fake := &fakeS3{objects: make(map[string][]byte)}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	ctx := context.Background()
	store, err := NewS3ModelStore(ctx, S3Config{
		Bucket:          "snapshots",
		Prefix:          "beehive/",
		Endpoint:        srv.URL,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		UsePathStyle:    true,
	})
	require.NoError(t, err)

	_, err = store.LoadModel(ctx, "hive-1")
	assert.ErrorIs(t, err, models.ErrModelNotFound)

	snapshot := []byte{0xff, 0x06, 0x00, 0x00, 's', 'N', 'a', 'P', 'p', 'Y'}
	require.NoError(t, store.SaveModel(ctx, "hive-1", snapshot))

	fake.mu.Lock()
	_, stored := fake.objects["snapshots/beehive/models/hive-1.snappy"]
	fake.mu.Unlock()
	assert.True(t, stored)

	got, err := store.LoadModel(ctx, "hive-1")
	require.NoError(t, err)
	assert.Equal(t, snapshot, got)
}

func TestNewS3ModelStore_RequiresBucket(t *testing.T) {
	_, err := NewS3ModelStore(context.Background(), S3Config{})
	assert.ErrorIs(t, err, models.ErrConfiguration)
}
