// Package storage хранит историю событий ульев, результаты детекции
// и архив снимков моделей
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"beehive-anomaly-service/internal/models"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS hive_events (
		hive_id   TEXT    NOT NULL,
		date_time TEXT    NOT NULL,
		ts        INTEGER NOT NULL,
		weight    TEXT    NOT NULL,
		event_id  TEXT    NOT NULL DEFAULT '',
		PRIMARY KEY (hive_id, date_time)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_hive_events_ts ON hive_events (hive_id, ts)`,
	`CREATE TABLE IF NOT EXISTS anomaly_results (
		hive_id         TEXT    NOT NULL,
		date_time       TEXT    NOT NULL,
		ts              INTEGER NOT NULL,
		weight          REAL    NOT NULL,
		grade           REAL    NOT NULL,
		score           REAL    NOT NULL,
		expected_weight REAL,
		is_anomalous    INTEGER NOT NULL,
		PRIMARY KEY (hive_id, date_time)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_anomaly_results_ts ON anomaly_results (hive_id, ts)`,
}

// SQLiteStore хранилище событий и результатов в SQLite
type SQLiteStore struct {
	db *sqlx.DB
}

type resultRow struct {
	HiveID    string          `db:"hive_id"`
	DateTime  string          `db:"date_time"`
	TS        int64           `db:"ts"`
	Weight    float64         `db:"weight"`
	Grade     float64         `db:"grade"`
	Score     float64         `db:"score"`
	Expected  sql.NullFloat64 `db:"expected_weight"`
	Anomalous bool            `db:"is_anomalous"`
}

// Counts сводные счетчики хранилища
type Counts struct {
	Events    int64 `db:"events"`
	Results   int64 `db:"results"`
	Anomalies int64 `db:"anomalies"`
}

// NewSQLiteStore открывает базу по пути (":memory:" для тестов) и применяет миграции
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}
	// один writer, in-memory база живет в единственном соединении
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure SQLite: %w", err)
	}
	for i, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// SaveEvent сохраняет событие. Возвращает false, если событие с тем же
// улем и временем уже сохранено
func (s *SQLiteStore) SaveEvent(ctx context.Context, ev models.HiveEvent) (bool, error) {
	reading, err := ev.Reading()
	if err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO hive_events (hive_id, date_time, ts, weight, event_id) VALUES (?, ?, ?, ?, ?)`,
		ev.HiveID, ev.DateTime, reading.Timestamp.UnixNano(), string(ev.Weight), ev.EventID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to save event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// QueryEvents возвращает всю историю улья в хронологическом порядке
func (s *SQLiteStore) QueryEvents(ctx context.Context, hiveID string) ([]models.HiveEvent, error) {
	events := []models.HiveEvent{}
	err := s.db.SelectContext(ctx, &events,
		`SELECT event_id, hive_id, date_time, weight FROM hive_events WHERE hive_id = ? ORDER BY ts, rowid`,
		hiveID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return events, nil
}

// SaveResult сохраняет результат детекции, повтор игнорируется
func (s *SQLiteStore) SaveResult(ctx context.Context, hiveID string, r models.AnomalyResult) error {
	row := resultRow{
		HiveID:    hiveID,
		DateTime:  r.DateTime,
		TS:        r.Timestamp.UnixNano(),
		Weight:    r.Weight,
		Grade:     r.AnomalyGrade,
		Score:     r.AnomalyScore,
		Anomalous: r.IsEventAnomalous,
	}
	if r.ExpectedWeight != nil {
		row.Expected = sql.NullFloat64{Float64: *r.ExpectedWeight, Valid: true}
	}

	_, err := s.db.NamedExecContext(ctx,
		`INSERT OR IGNORE INTO anomaly_results
			(hive_id, date_time, ts, weight, grade, score, expected_weight, is_anomalous)
		VALUES
			(:hive_id, :date_time, :ts, :weight, :grade, :score, :expected_weight, :is_anomalous)`,
		row,
	)
	if err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}
	return nil
}

// QueryResults возвращает результаты улья по времени, при anomalousOnly только аномалии
func (s *SQLiteStore) QueryResults(ctx context.Context, hiveID string, anomalousOnly bool) ([]models.AnomalyResult, error) {
	query := `SELECT hive_id, date_time, ts, weight, grade, score, expected_weight, is_anomalous
		FROM anomaly_results WHERE hive_id = ?`
	if anomalousOnly {
		query += ` AND is_anomalous = 1`
	}
	query += ` ORDER BY ts`

	var rows []resultRow
	if err := s.db.SelectContext(ctx, &rows, query, hiveID); err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}

	results := make([]models.AnomalyResult, 0, len(rows))
	for _, row := range rows {
		r := models.AnomalyResult{
			HiveID:           row.HiveID,
			Timestamp:        time.Unix(0, row.TS).UTC(),
			DateTime:         row.DateTime,
			Weight:           row.Weight,
			AnomalyGrade:     row.Grade,
			AnomalyScore:     row.Score,
			IsEventAnomalous: row.Anomalous,
		}
		if row.Expected.Valid {
			v := row.Expected.Float64
			r.ExpectedWeight = &v
		}
		results = append(results, r)
	}
	return results, nil
}

// Counts возвращает количество событий, результатов и аномалий
func (s *SQLiteStore) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.db.GetContext(ctx, &c, `SELECT
		(SELECT COUNT(*) FROM hive_events) AS events,
		(SELECT COUNT(*) FROM anomaly_results) AS results,
		(SELECT COUNT(*) FROM anomaly_results WHERE is_anomalous = 1) AS anomalies`)
	if err != nil {
		return Counts{}, fmt.Errorf("failed to count rows: %w", err)
	}
	return c, nil
}

// Ping проверяет соединение с базой
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close закрывает базу
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
