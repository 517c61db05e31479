// Package analytics реализует конвейер детекции аномалий в весе ульев:
// шинглы, Random Cut Forest, пороги и параллельную обработку потоков разных ульев
package analytics

import (
	"fmt"
	"math"
	"time"

	"beehive-anomaly-service/internal/models"
	"beehive-anomaly-service/internal/rcf"
)

const (
	// DefaultShingleSize размер окна шинглов по умолчанию
	DefaultShingleSize = 4
	// ScoreWindowSize размер окна последних скоров для статистики (50 событий)
	ScoreWindowSize = 50
)

// Config неизменяемая конфигурация модели одного потока
type Config struct {
	Forest    rcf.Config      `json:"forest"`
	Threshold ThresholdConfig `json:"threshold"`
}

// DefaultConfig конфигурация по умолчанию для одномерного веса улья
func DefaultConfig() Config {
	return Config{
		Forest: rcf.Config{
			Dimensions:    DefaultShingleSize,
			RawDimensions: 1,
			ShingleSize:   DefaultShingleSize,
			NumberOfTrees: rcf.DefaultNumberOfTrees,
			TreeCapacity:  rcf.DefaultTreeCapacity,
			Seed:          42,
		},
		Threshold: DefaultThresholdConfig(),
	}
}

// Validate проверяет всю конфигурацию
func (c Config) Validate() error {
	if err := c.Forest.Validate(); err != nil {
		return err
	}
	return c.Threshold.Validate()
}

// Detector конвейер оценки одного потока: шингл, скор до обучения,
// грейд, ожидаемое значение, обучение, обновление порога, классификация.
// Не потокобезопасен: принадлежит одному потоку на время сессии
type Detector struct {
	cfg       Config
	shingle   *ShingleBuilder
	forest    *rcf.Forest
	threshold *Threshold
	recent    *SlidingWindow
	last      time.Time
	processed int64
}

// NewDetector создает модель потока с нуля
func NewDetector(cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	shingle, err := NewShingleBuilder(cfg.Forest.ShingleSize, cfg.Forest.RawDimensions)
	if err != nil {
		return nil, err
	}
	if shingle.Dimensions() != cfg.Forest.Dimensions {
		return nil, fmt.Errorf("%w: shingle width %d does not match forest dimensions %d",
			models.ErrConfiguration, shingle.Dimensions(), cfg.Forest.Dimensions)
	}
	forest, err := rcf.NewForest(cfg.Forest)
	if err != nil {
		return nil, err
	}
	threshold, err := NewThreshold(cfg.Threshold)
	if err != nil {
		return nil, err
	}

	return &Detector{
		cfg:       cfg,
		shingle:   shingle,
		forest:    forest,
		threshold: threshold,
		recent:    NewSlidingWindow(ScoreWindowSize),
	}, nil
}

// Process оценивает одно измерение. Измерение с меткой времени раньше
// последнего обработанного отклоняется с ErrOrdering без изменения модели
func (d *Detector) Process(r models.Reading) (models.AnomalyResult, error) {
	if len(r.Values) != d.cfg.Forest.RawDimensions {
		return models.AnomalyResult{}, fmt.Errorf("%w: reading %q has %d values, expected %d",
			models.ErrParse, r.Label, len(r.Values), d.cfg.Forest.RawDimensions)
	}
	for _, v := range r.Values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return models.AnomalyResult{}, fmt.Errorf("%w: reading %q has non-finite value", models.ErrParse, r.Label)
		}
	}
	if d.processed > 0 && r.Timestamp.Before(d.last) {
		return models.AnomalyResult{}, fmt.Errorf("%w: reading %q at %s precedes last processed %s",
			models.ErrOrdering, r.Label, r.Timestamp.Format(time.RFC3339Nano), d.last.Format(time.RFC3339Nano))
	}

	d.last = r.Timestamp
	d.processed++

	result := models.AnomalyResult{
		Timestamp: r.Timestamp,
		DateTime:  r.Label,
		Weight:    r.Value(),
	}

	point, ok := d.shingle.Push(r.Values)
	if !ok {
		// прогрев окна: точка не оценивается
		return result, nil
	}

	score := d.forest.Probe(point)
	grade := d.threshold.Grade(score)
	if expected := d.forest.ExpectedValue(point); expected != nil {
		// первое сырое измерение самой свежей позиции шингла
		v := expected[(d.cfg.Forest.ShingleSize-1)*d.cfg.Forest.RawDimensions]
		result.ExpectedWeight = &v
	}

	d.forest.Learn(point)
	d.threshold.Update(score)
	d.recent.Add(score)

	result.AnomalyScore = score
	result.AnomalyGrade = grade
	result.IsEventAnomalous = d.threshold.IsAnomalous(grade, score)
	return result, nil
}

// ProcessEvents оценивает упорядоченный пакет событий улья. Ошибка разбора
// или порядка прерывает пакет на проблемном событии; уже полученные
// результаты возвращаются вместе с ошибкой
func (d *Detector) ProcessEvents(hiveID string, events []models.HiveEvent) ([]models.AnomalyResult, error) {
	results := make([]models.AnomalyResult, 0, len(events))
	for i, ev := range events {
		reading, err := ev.Reading()
		if err != nil {
			return results, fmt.Errorf("event %d (%s): %w", i, ev.DateTime, err)
		}
		result, err := d.Process(reading)
		if err != nil {
			return results, fmt.Errorf("event %d (%s): %w", i, ev.DateTime, err)
		}
		result.HiveID = hiveID
		results = append(results, result)
	}
	return results, nil
}

// Config возвращает конфигурацию модели
func (d *Detector) Config() Config {
	return d.cfg
}

// Processed количество принятых измерений
func (d *Detector) Processed() int64 {
	return d.processed
}

// Stats возвращает статистику модели потока
func (d *Detector) Stats(hiveID string) models.StreamStats {
	return models.StreamStats{
		HiveID:          hiveID,
		Processed:       d.processed,
		LastTimestamp:   d.last,
		RollingAvgScore: d.recent.Mean(),
		ScoreStdDev:     d.recent.StdDev(),
		ScoreMean:       d.threshold.Mean(),
		ScoreDeviation:  d.threshold.Deviation(),
		ForestUpdates:   d.forest.Updates(),
	}
}
