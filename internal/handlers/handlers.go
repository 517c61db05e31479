// Package handlers содержит HTTP обработчики для API
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"beehive-anomaly-service/internal/analytics"
	"beehive-anomaly-service/internal/cache"
	"beehive-anomaly-service/internal/metrics"
	"beehive-anomaly-service/internal/models"
	"beehive-anomaly-service/internal/storage"
)

// Статусы приема события
const (
	StatusAccepted  = "accepted"
	StatusDuplicate = "duplicate"
	StatusRejected  = "rejected"
)

// EventStore постоянное хранилище событий и результатов
type EventStore interface {
	SaveEvent(ctx context.Context, ev models.HiveEvent) (bool, error)
	QueryResults(ctx context.Context, hiveID string, anomalousOnly bool) ([]models.AnomalyResult, error)
	Counts(ctx context.Context) (storage.Counts, error)
	Ping(ctx context.Context) error
}

// ResultCache быстрый доступ к последним результатам и счетчикам
type ResultCache interface {
	LatestResults(ctx context.Context, hiveID string, count int64) ([]models.AnomalyResult, error)
	IncrementCounter(ctx context.Context, key string) (int64, error)
	Ping(ctx context.Context) error
}

// Ack ответ на прием одного события
type Ack struct {
	EventID string `json:"event_id"`
	HiveID  string `json:"hive_id"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

// BatchResponse ответ на массовую загрузку
type BatchResponse struct {
	Received   int      `json:"received"`
	Accepted   int      `json:"accepted"`
	Duplicates int      `json:"duplicates"`
	Rejected   int      `json:"rejected"`
	Errors     []string `json:"errors,omitempty"`
}

// Handler содержит зависимости для HTTP обработчиков
type Handler struct {
	analyzer  *analytics.Analyzer
	store     EventStore
	cache     ResultCache
	upgrader  websocket.Upgrader
	startTime time.Time
}

// NewHandler создает новый обработчик. cache может быть nil
func NewHandler(analyzer *analytics.Analyzer, store EventStore, cache ResultCache) *Handler {
	return &Handler{
		analyzer: analyzer,
		store:    store,
		cache:    cache,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		startTime: time.Now(),
	}
}

// Register регистрирует маршруты API
func (h *Handler) Register(router *mux.Router) {
	router.HandleFunc("/events", h.EventHandler).Methods("POST")
	router.HandleFunc("/events/batch", h.BatchEventsHandler).Methods("POST")
	router.HandleFunc("/ws/events", h.EventsSocket).Methods("GET")
	router.HandleFunc("/hives/{hiveID}/detect", h.DetectHandler).Methods("POST")
	router.HandleFunc("/hives/{hiveID}/score", h.ScoreHandler).Methods("POST")
	router.HandleFunc("/hives/{hiveID}/results/latest", h.LatestResultsHandler).Methods("GET")
	router.HandleFunc("/hives/{hiveID}/anomalies", h.AnomaliesHandler).Methods("GET")
	router.HandleFunc("/hives/{hiveID}/stats", h.HiveStatsHandler).Methods("GET")
	router.HandleFunc("/hives", h.HivesHandler).Methods("GET")
	router.HandleFunc("/health", h.HealthHandler).Methods("GET")
	router.HandleFunc("/stats", h.StatsHandler).Methods("GET")
}

// ingest сохраняет событие и отправляет его в живую модель улья
func (h *Handler) ingest(ctx context.Context, ev *models.HiveEvent) (string, error) {
	if ev.HiveID == "" {
		return StatusRejected, fmt.Errorf("%w: hive_id is required", models.ErrParse)
	}
	if _, err := ev.Reading(); err != nil {
		return StatusRejected, err
	}
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}

	inserted, err := h.store.SaveEvent(ctx, *ev)
	if err != nil {
		return StatusRejected, err
	}
	if !inserted {
		metrics.DuplicateEvents.Inc()
		log.Debug().Str("hive_id", ev.HiveID).Str("date_time", ev.DateTime).Msg("duplicate event ignored")
		return StatusDuplicate, nil
	}

	metrics.EventsReceived.Inc()
	if h.cache != nil {
		if _, err := h.cache.IncrementCounter(ctx, cache.EventsCounterKey); err != nil {
			metrics.CacheMisses.Inc()
		} else {
			metrics.CacheHits.Inc()
		}
	}
	// сохраненное событие обязано попасть в живую модель: очередь ждет места,
	// а без воркеров событие оценивается синхронно
	scoreCtx := context.WithoutCancel(ctx)
	if err := h.analyzer.Submit(scoreCtx, *ev); err != nil {
		if _, err := h.analyzer.AnalyzeSync(scoreCtx, *ev); err != nil {
			log.Warn().Err(err).Str("hive_id", ev.HiveID).Str("date_time", ev.DateTime).Msg("stored event was not scored")
		}
	}
	return StatusAccepted, nil
}

// EventHandler обрабатывает POST /events - прием одного события
func (h *Handler) EventHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/events", r.Method))
	defer timer.ObserveDuration()

	var ev models.HiveEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		h.fail(w, r, "/events", "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	status, err := h.ingest(r.Context(), &ev)
	if err != nil {
		h.fail(w, r, "/events", err.Error(), statusFor(err, http.StatusBadRequest))
		return
	}

	code := http.StatusAccepted
	if status == StatusDuplicate {
		code = http.StatusOK
	}
	h.ok(w, r, "/events", Ack{EventID: ev.EventID, HiveID: ev.HiveID, Status: status}, code)
}

// BatchEventsHandler обрабатывает POST /events/batch - массовая загрузка событий
func (h *Handler) BatchEventsHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/events/batch", r.Method))
	defer timer.ObserveDuration()

	var batch models.HiveEventsBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		h.fail(w, r, "/events/batch", "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	resp := BatchResponse{Received: len(batch.Events)}
	for i := range batch.Events {
		status, err := h.ingest(r.Context(), &batch.Events[i])
		switch {
		case err != nil:
			resp.Rejected++
			resp.Errors = append(resp.Errors, strconv.Itoa(i)+": "+err.Error())
		case status == StatusDuplicate:
			resp.Duplicates++
		default:
			resp.Accepted++
		}
	}

	h.ok(w, r, "/events/batch", resp, http.StatusOK)
}

// EventsSocket обрабатывает GET /ws/events - поток событий по websocket,
// на каждое событие отправляется подтверждение
func (h *Handler) EventsSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	metrics.WebsocketConnections.Inc()
	defer metrics.WebsocketConnections.Dec()
	metrics.RequestsTotal.WithLabelValues("/ws/events", r.Method, "101").Inc()
	log.Info().Str("remote", r.RemoteAddr).Msg("websocket client connected")

	for {
		var ev models.HiveEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Msg("websocket read failed")
			}
			return
		}

		ack := Ack{HiveID: ev.HiveID}
		status, err := h.ingest(r.Context(), &ev)
		ack.EventID = ev.EventID
		ack.Status = status
		if err != nil {
			ack.Error = err.Error()
		}
		if err := conn.WriteJSON(ack); err != nil {
			log.Warn().Err(err).Msg("websocket write failed")
			return
		}
	}
}

// DetectHandler обрабатывает POST /hives/{hiveID}/detect - детекция по всей истории улья
func (h *Handler) DetectHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/hives/detect", r.Method))
	defer timer.ObserveDuration()

	hiveID := mux.Vars(r)["hiveID"]
	results, err := h.analyzer.DetectHive(r.Context(), hiveID)

	resp := models.DetectionResponse{
		HiveID:    hiveID,
		Processed: len(results),
		Anomalies: make([]models.AnomalyResult, 0),
	}
	for _, res := range results {
		if res.IsEventAnomalous {
			resp.Anomalies = append(resp.Anomalies, res)
		}
	}

	code := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		code = statusFor(err, http.StatusInternalServerError)
		log.Error().Err(err).Str("hive_id", hiveID).Int("processed", len(results)).Msg("hive detection failed")
	}
	h.ok(w, r, "/hives/detect", resp, code)
}

// ScoreHandler обрабатывает POST /hives/{hiveID}/score - синхронная оценка события живой моделью
func (h *Handler) ScoreHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/hives/score", r.Method))
	defer timer.ObserveDuration()

	hiveID := mux.Vars(r)["hiveID"]
	var ev models.HiveEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		h.fail(w, r, "/hives/score", "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if ev.HiveID != "" && ev.HiveID != hiveID {
		h.fail(w, r, "/hives/score", "hive_id does not match path", http.StatusBadRequest)
		return
	}
	ev.HiveID = hiveID
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}

	inserted, err := h.store.SaveEvent(r.Context(), ev)
	if err != nil {
		h.fail(w, r, "/hives/score", err.Error(), statusFor(err, http.StatusInternalServerError))
		return
	}
	if !inserted {
		metrics.DuplicateEvents.Inc()
		h.fail(w, r, "/hives/score", "event already ingested", http.StatusConflict)
		return
	}
	metrics.EventsReceived.Inc()

	result, err := h.analyzer.AnalyzeSync(r.Context(), ev)
	if err != nil {
		h.fail(w, r, "/hives/score", err.Error(), statusFor(err, http.StatusInternalServerError))
		return
	}
	h.ok(w, r, "/hives/score", result, http.StatusOK)
}

// LatestResultsHandler возвращает последние результаты улья, новые первыми
func (h *Handler) LatestResultsHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/hives/results/latest", r.Method))
	defer timer.ObserveDuration()

	hiveID := mux.Vars(r)["hiveID"]
	count := int64(50)
	if countStr := r.URL.Query().Get("count"); countStr != "" {
		if c, err := strconv.ParseInt(countStr, 10, 64); err == nil && c > 0 && c <= cache.LatestResultsLimit {
			count = c
		}
	}

	if h.cache != nil {
		results, err := h.cache.LatestResults(r.Context(), hiveID, count)
		if err == nil {
			metrics.CacheHits.Inc()
			h.ok(w, r, "/hives/results/latest", results, http.StatusOK)
			return
		}
		metrics.CacheMisses.Inc()
		log.Warn().Err(err).Str("hive_id", hiveID).Msg("cache unavailable, reading results from store")
	}

	results, err := h.store.QueryResults(r.Context(), hiveID, false)
	if err != nil {
		h.fail(w, r, "/hives/results/latest", "Failed to get results: "+err.Error(), http.StatusInternalServerError)
		return
	}
	latest := make([]models.AnomalyResult, 0, count)
	for i := len(results) - 1; i >= 0 && int64(len(latest)) < count; i-- {
		latest = append(latest, results[i])
	}
	h.ok(w, r, "/hives/results/latest", latest, http.StatusOK)
}

// AnomaliesHandler возвращает все сохраненные аномалии улья
func (h *Handler) AnomaliesHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/hives/anomalies", r.Method))
	defer timer.ObserveDuration()

	hiveID := mux.Vars(r)["hiveID"]
	results, err := h.store.QueryResults(r.Context(), hiveID, true)
	if err != nil {
		h.fail(w, r, "/hives/anomalies", "Failed to get anomalies: "+err.Error(), http.StatusInternalServerError)
		return
	}
	h.ok(w, r, "/hives/anomalies", results, http.StatusOK)
}

// HiveStatsHandler возвращает статистику живой модели улья
func (h *Handler) HiveStatsHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/hives/stats", r.Method))
	defer timer.ObserveDuration()

	hiveID := mux.Vars(r)["hiveID"]
	stats, ok := h.analyzer.GetStats(hiveID)
	if !ok {
		h.fail(w, r, "/hives/stats", "no live model for hive "+hiveID, http.StatusNotFound)
		return
	}
	h.ok(w, r, "/hives/stats", stats, http.StatusOK)
}

// HivesHandler возвращает статистику всех живых моделей
func (h *Handler) HivesHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/hives", r.Method))
	defer timer.ObserveDuration()

	hives := h.analyzer.Hives()
	stats := make([]models.StreamStats, 0, len(hives))
	for _, id := range hives {
		if s, ok := h.analyzer.GetStats(id); ok {
			stats = append(stats, s)
		}
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].HiveID < stats[j].HiveID })
	h.ok(w, r, "/hives", stats, http.StatusOK)
}

// HealthHandler обрабатывает GET /health - проверка здоровья
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	redisStatus := "disconnected"
	if h.cache != nil && h.cache.Ping(r.Context()) == nil {
		redisStatus = "connected"
	}
	storeStatus := "connected"
	status := "healthy"
	if err := h.store.Ping(r.Context()); err != nil {
		storeStatus = "disconnected"
		status = "degraded"
	}

	h.respondJSON(w, models.HealthStatus{
		Status:    status,
		Timestamp: time.Now(),
		Redis:     redisStatus,
		Store:     storeStatus,
		Uptime:    time.Since(h.startTime).String(),
	}, http.StatusOK)
}

// StatsHandler обрабатывает GET /stats - статистика сервиса
func (h *Handler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(metrics.RequestDuration.WithLabelValues("/stats", r.Method))
	defer timer.ObserveDuration()

	// Обновляем метрику горутин
	metrics.ActiveGoroutines.Set(float64(runtime.NumGoroutine()))

	counts, err := h.store.Counts(r.Context())
	if err != nil {
		h.fail(w, r, "/stats", "Failed to read counters: "+err.Error(), http.StatusInternalServerError)
		return
	}

	active := h.analyzer.ActiveStreams()
	metrics.ActiveStreams.Set(float64(active))

	h.ok(w, r, "/stats", models.StatsResponse{
		TotalEvents:    counts.Events,
		TotalResults:   counts.Results,
		AnomaliesCount: counts.Anomalies,
		ActiveStreams:  active,
	}, http.StatusOK)
}

// statusFor сопоставляет ошибку домена HTTP статусу
func statusFor(err error, fallback int) int {
	switch {
	case errors.Is(err, models.ErrParse):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrOrdering):
		return http.StatusConflict
	case errors.Is(err, models.ErrConfiguration):
		return http.StatusInternalServerError
	}
	return fallback
}

func (h *Handler) ok(w http.ResponseWriter, r *http.Request, endpoint string, data interface{}, status int) {
	metrics.RequestsTotal.WithLabelValues(endpoint, r.Method, strconv.Itoa(status)).Inc()
	h.respondJSON(w, data, status)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, endpoint, message string, status int) {
	metrics.RequestsTotal.WithLabelValues(endpoint, r.Method, strconv.Itoa(status)).Inc()
	h.respondError(w, message, status)
}

// respondJSON отправляет JSON ответ
func (h *Handler) respondJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError отправляет ошибку в JSON формате
func (h *Handler) respondError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
