// Package main запускает сервис детекции аномалий веса ульев
// Сервис реализует:
// - HTTP и websocket API для приема событий от датчиков
// - Random Cut Forest модель на каждый улей с шинглом суточного цикла
// - Хранение событий и результатов в SQLite
// - Кэширование результатов и снимков моделей в Redis (или снимков в S3)
// - Экспорт метрик в Prometheus
package main

import (
	"context"
	"flag"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"beehive-anomaly-service/internal/analytics"
	"beehive-anomaly-service/internal/cache"
	"beehive-anomaly-service/internal/config"
	"beehive-anomaly-service/internal/handlers"
	"beehive-anomaly-service/internal/metrics"
	"beehive-anomaly-service/internal/storage"
)

func main() {
	configPath := flag.String("config", os.Getenv("BEEHIVE_CONFIG"), "path to algorithm.properties")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	setupLogging(cfg.Log)

	log.Info().
		Str("go_version", runtime.Version()).
		Int("num_cpu", runtime.NumCPU()).
		Int("trees", cfg.Detector.Forest.NumberOfTrees).
		Int("shingle_size", cfg.Detector.Forest.ShingleSize).
		Int("dimensions", cfg.Detector.Forest.Dimensions).
		Msg("starting beehive anomaly service")

	ctx := context.Background()

	store, err := storage.NewSQLiteStore(cfg.SQLitePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.SQLitePath).Msg("failed to open sqlite store")
	}

	redisCache := connectRedis(ctx, cfg.Redis)

	var modelStore analytics.ModelStore
	switch cfg.ModelStore {
	case config.ModelStoreRedis:
		if redisCache != nil {
			modelStore = redisCache
		} else {
			log.Warn().Msg("redis unavailable, model snapshots disabled")
		}
	case config.ModelStoreS3:
		s3Store, err := storage.NewS3ModelStore(ctx, cfg.S3)
		if err != nil {
			log.Fatal().Err(err).Str("bucket", cfg.S3.Bucket).Msg("failed to create s3 model store")
		}
		modelStore = s3Store
	}

	sinks := []analytics.ResultSink{store}
	var resultCache handlers.ResultCache
	if redisCache != nil {
		sinks = append(sinks, redisCache)
		resultCache = redisCache
	}

	analyzer, err := analytics.NewAnalyzer(analytics.Options{
		Config:           cfg.Detector,
		BufferSize:       cfg.BufferSize,
		SnapshotInterval: cfg.SnapshotInterval,
		Source:           store,
		Sinks:            sinks,
		Models:           modelStore,
		Recorder:         metrics.NewRecorder(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create analyzer")
	}
	analyzer.Start(cfg.WorkerCount)
	log.Info().Int("workers", cfg.WorkerCount).Str("model_store", cfg.ModelStore).Msg("analytics engine started")

	handler := handlers.NewHandler(analyzer, store, resultCache)

	router := mux.NewRouter()
	handler.Register(router)

	// Prometheus метрики
	router.Handle("/prometheus", promhttp.Handler())

	// pprof для профилирования
	router.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)

	router.Use(loggingMiddleware)
	router.Use(metricsMiddleware)

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go updateMetricsLoop(analyzer)
	go processAnalysisResults(analyzer)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("server listening")
		log.Info().Msg("endpoints: POST /events, POST /events/batch, GET /ws/events, " +
			"POST /hives/{id}/detect, POST /hives/{id}/score, GET /hives/{id}/results/latest, " +
			"GET /hives/{id}/anomalies, GET /hives/{id}/stats, GET /hives, GET /health, GET /stats, GET /prometheus")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-stop
	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}

	analyzer.Stop()
	if err := analyzer.Flush(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to flush model snapshots")
	}

	if redisCache != nil {
		redisCache.Close()
	}
	if err := store.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close sqlite store")
	}

	log.Info().Msg("server stopped")
}

// setupLogging настраивает глобальный zerolog логгер
func setupLogging(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if cfg.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// connectRedis подключается к Redis с повторами. nil означает работу без кэша
func connectRedis(ctx context.Context, cfg config.RedisConfig) *cache.RedisCache {
	if !cfg.Enabled {
		log.Info().Msg("redis disabled")
		return nil
	}

	opts := cache.Options{
		Addr:      cfg.Addr,
		Password:  cfg.Password,
		DB:        cfg.DB,
		ResultTTL: cfg.ResultTTL,
	}

	var err error
	for i := 0; i < 5; i++ {
		var redisCache *cache.RedisCache
		redisCache, err = cache.NewRedisCache(ctx, opts)
		if err == nil {
			log.Info().Str("addr", cfg.Addr).Msg("connected to redis")
			return redisCache
		}
		log.Warn().Err(err).Int("attempt", i+1).Msg("redis connection attempt failed")
		if i < 4 {
			time.Sleep(time.Duration(i+1) * time.Second)
		}
	}

	log.Warn().Err(err).Msg("failed to connect to redis, running without cache")
	return nil
}

// statusRecorder запоминает код ответа для лога
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// loggingMiddleware логирует HTTP запросы
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// websocket требует http.Hijacker, обертка его не дает
		if r.URL.Path == "/ws/events" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// metricsMiddleware обновляет метрики для каждого запроса
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metrics.InFlightRequests.Inc()
		defer metrics.InFlightRequests.Dec()
		next.ServeHTTP(w, r)
	})
}

// updateMetricsLoop периодически обновляет метрики Prometheus
func updateMetricsLoop(analyzer *analytics.Analyzer) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		metrics.ActiveStreams.Set(float64(analyzer.ActiveStreams()))
		metrics.ActiveGoroutines.Set(float64(runtime.NumGoroutine()))
	}
}

// processAnalysisResults вычитывает результаты асинхронной обработки
func processAnalysisResults(analyzer *analytics.Analyzer) {
	for result := range analyzer.GetResults() {
		log.Debug().
			Str("hive_id", result.HiveID).
			Str("date_time", result.DateTime).
			Float64("score", result.AnomalyScore).
			Float64("grade", result.AnomalyGrade).
			Msg("event scored")
	}
}
