package models

import "time"

// AnomalyResult результат детекции для одного события.
// Создается один раз на входную точку и больше не меняется
type AnomalyResult struct {
	HiveID           string    `json:"hive_id"`
	Timestamp        time.Time `json:"timestamp"`
	DateTime         string    `json:"date_time"`
	Weight           float64   `json:"weight"`
	AnomalyGrade     float64   `json:"anomaly_grade"`
	AnomalyScore     float64   `json:"anomaly_score"`
	ExpectedWeight   *float64  `json:"expected_weight,omitempty"`
	IsEventAnomalous bool      `json:"is_event_anomalous"`
}

// DetectionResponse ответ на запрос детекции по улью
type DetectionResponse struct {
	HiveID    string          `json:"hive_id"`
	Processed int             `json:"processed"`
	Anomalies []AnomalyResult `json:"anomalies"`
	Error     string          `json:"error,omitempty"`
}

// StreamStats состояние живой модели улья
type StreamStats struct {
	HiveID          string    `json:"hive_id"`
	Processed       int64     `json:"processed"`
	LastTimestamp   time.Time `json:"last_timestamp"`
	RollingAvgScore float64   `json:"rolling_avg_score"`
	ScoreStdDev     float64   `json:"score_std_dev"`
	ScoreMean       float64   `json:"score_mean"`
	ScoreDeviation  float64   `json:"score_deviation"`
	ForestUpdates   int64     `json:"forest_updates"`
}

// HealthStatus представляет статус здоровья сервиса
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Redis     string    `json:"redis"`
	Store     string    `json:"store"`
	Uptime    string    `json:"uptime"`
}

// StatsResponse содержит статистику сервиса
type StatsResponse struct {
	TotalEvents    int64 `json:"total_events"`
	TotalResults   int64 `json:"total_results"`
	AnomaliesCount int64 `json:"anomalies_count"`
	ActiveStreams  int   `json:"active_streams"`
}
