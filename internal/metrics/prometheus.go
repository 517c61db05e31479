// Package metrics реализует экспорт метрик в Prometheus
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"beehive-anomaly-service/internal/models"
)

// Prometheus метрики
var (
	// RequestsTotal общее количество запросов
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beehive_requests_total",
			Help: "Total number of requests processed",
		},
		[]string{"endpoint", "method", "status"},
	)

	// RequestDuration длительность запросов
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beehive_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		},
		[]string{"endpoint", "method"},
	)

	// EventsReceived количество принятых событий
	EventsReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beehive_events_received_total",
			Help: "Total number of hive events received",
		},
	)

	// DuplicateEvents события, уже сохраненные ранее
	DuplicateEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beehive_duplicate_events_total",
			Help: "Total number of duplicate hive events ignored",
		},
	)

	// ResultsTotal результаты детекции по исходу
	ResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beehive_results_total",
			Help: "Total number of detection results by outcome",
		},
		[]string{"outcome"},
	)

	// AnomalyScore распределение сырого скора
	AnomalyScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "beehive_anomaly_score",
			Help:    "Distribution of raw anomaly scores",
			Buckets: []float64{.25, .5, .75, 1, 1.5, 2, 3, 4, 6, 8},
		},
	)

	// LastAnomalyGrade последний грейд по улью
	LastAnomalyGrade = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "beehive_last_anomaly_grade",
			Help: "Anomaly grade of the latest scored event per hive",
		},
		[]string{"hive_id"},
	)

	// DetectionLatency время оценки одного события
	DetectionLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "beehive_detection_latency_seconds",
			Help:    "Per-event detection latency in seconds",
			Buckets: []float64{.00005, .0001, .0005, .001, .005, .01, .025, .05},
		},
	)

	// CacheHits успешные записи в кэш
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beehive_cache_hits_total",
			Help: "Total number of successful cache operations",
		},
	)

	// CacheMisses неудачные операции с кэшем
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beehive_cache_misses_total",
			Help: "Total number of failed cache operations",
		},
	)

	// ActiveGoroutines количество активных горутин
	ActiveGoroutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beehive_active_goroutines",
			Help: "Number of active goroutines",
		},
	)

	// ActiveStreams количество живых моделей ульев
	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beehive_active_streams",
			Help: "Number of hive models held in memory",
		},
	)

	// InFlightRequests запросы в обработке
	InFlightRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beehive_in_flight_requests",
			Help: "Number of HTTP requests being served",
		},
	)

	// WebsocketConnections открытые websocket соединения
	WebsocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beehive_websocket_connections",
			Help: "Number of open websocket ingest connections",
		},
	)
)

// Outcome метка исхода результата
func Outcome(r models.AnomalyResult) string {
	if r.IsEventAnomalous {
		return "anomalous"
	}
	return "normal"
}

// Recorder публикует каждый результат детекции в метрики
type Recorder struct{}

// NewRecorder создает регистратор результатов
func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordResult одно увеличение счетчика на результат с меткой исхода
func (Recorder) RecordResult(r models.AnomalyResult, latency time.Duration) {
	ResultsTotal.WithLabelValues(Outcome(r)).Inc()
	AnomalyScore.Observe(r.AnomalyScore)
	LastAnomalyGrade.WithLabelValues(r.HiveID).Set(r.AnomalyGrade)
	DetectionLatency.Observe(latency.Seconds())
}
