package analytics

import (
	"fmt"
	"math"

	"beehive-anomaly-service/internal/models"
)

// Значения порогов по умолчанию
const (
	DefaultGradeCutoff          = 0.5
	DefaultScoreCutoff          = 1.0
	DefaultEWMAWeight           = 0.1
	DefaultDeviationMultiplier  = 3.0
	DefaultSaturationMultiplier = 6.0
	DefaultMinObservations      = 10
)

// ThresholdConfig параметры нормализации скора в грейд
type ThresholdConfig struct {
	GradeCutoff          float64 `json:"grade_cutoff"`
	ScoreCutoff          float64 `json:"score_cutoff"`
	Weight               float64 `json:"weight"`
	DeviationMultiplier  float64 `json:"deviation_multiplier"`
	SaturationMultiplier float64 `json:"saturation_multiplier"`
	MinObservations      int64   `json:"min_observations"`
}

// DefaultThresholdConfig возвращает пороги по умолчанию
func DefaultThresholdConfig() ThresholdConfig {
	return ThresholdConfig{
		GradeCutoff:          DefaultGradeCutoff,
		ScoreCutoff:          DefaultScoreCutoff,
		Weight:               DefaultEWMAWeight,
		DeviationMultiplier:  DefaultDeviationMultiplier,
		SaturationMultiplier: DefaultSaturationMultiplier,
		MinObservations:      DefaultMinObservations,
	}
}

// Validate проверяет параметры порогов
func (c ThresholdConfig) Validate() error {
	switch {
	case c.Weight <= 0 || c.Weight > 1:
		return fmt.Errorf("%w: ewma weight must be in (0, 1], got %v", models.ErrConfiguration, c.Weight)
	case c.GradeCutoff < 0 || c.GradeCutoff >= 1:
		return fmt.Errorf("%w: grade cutoff must be in [0, 1), got %v", models.ErrConfiguration, c.GradeCutoff)
	case c.ScoreCutoff < 0:
		return fmt.Errorf("%w: score cutoff must not be negative, got %v", models.ErrConfiguration, c.ScoreCutoff)
	case c.DeviationMultiplier <= 0:
		return fmt.Errorf("%w: deviation multiplier must be positive, got %v", models.ErrConfiguration, c.DeviationMultiplier)
	case c.SaturationMultiplier <= c.DeviationMultiplier:
		return fmt.Errorf("%w: saturation multiplier %v must exceed deviation multiplier %v",
			models.ErrConfiguration, c.SaturationMultiplier, c.DeviationMultiplier)
	case c.MinObservations < 0:
		return fmt.Errorf("%w: min observations must not be negative, got %d", models.ErrConfiguration, c.MinObservations)
	}
	return nil
}

// Threshold ведет экспоненциально взвешенные среднее и дисперсию сырого скора
// и переводит скор в ограниченный грейд аномальности
type Threshold struct {
	cfg      ThresholdConfig
	mean     float64
	variance float64
	count    int64
}

// ThresholdState снимок статистик порога
type ThresholdState struct {
	Mean     float64 `json:"mean"`
	Variance float64 `json:"variance"`
	Count    int64   `json:"count"`
}

// NewThreshold создает модель порогов
func NewThreshold(cfg ThresholdConfig) (*Threshold, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Threshold{cfg: cfg}, nil
}

// Grade нормализует скор относительно текущих статистик (до Update для той же точки).
// Грейд растет с числом отклонений скора над средним и насыщается в 1
func (t *Threshold) Grade(score float64) float64 {
	if t.count == 0 || t.count < t.cfg.MinObservations || score <= t.mean {
		return 0
	}
	dev := t.Deviation()
	if dev == 0 {
		return 1
	}
	z := (score - t.mean) / dev
	grade := (z - t.cfg.DeviationMultiplier) / (t.cfg.SaturationMultiplier - t.cfg.DeviationMultiplier)
	return math.Max(0, math.Min(1, grade))
}

// Update добавляет наблюдение в статистики
func (t *Threshold) Update(score float64) {
	t.count++
	if t.count == 1 {
		t.mean = score
		t.variance = 0
		return
	}
	d := score - t.mean
	t.mean = t.cfg.Weight*score + (1-t.cfg.Weight)*t.mean
	t.variance = t.cfg.Weight*d*d + (1-t.cfg.Weight)*t.variance
}

// IsAnomalous требует одновременного превышения порога грейда и порога скора
func (t *Threshold) IsAnomalous(grade, score float64) bool {
	return grade > t.cfg.GradeCutoff && score > t.cfg.ScoreCutoff
}

// Mean текущее среднее скора
func (t *Threshold) Mean() float64 {
	return t.mean
}

// Deviation текущее стандартное отклонение скора
func (t *Threshold) Deviation() float64 {
	return math.Sqrt(t.variance)
}

// Count количество наблюдений
func (t *Threshold) Count() int64 {
	return t.count
}

// Config возвращает параметры порога
func (t *Threshold) Config() ThresholdConfig {
	return t.cfg
}

// State снимает состояние статистик
func (t *Threshold) State() ThresholdState {
	return ThresholdState{Mean: t.mean, Variance: t.variance, Count: t.count}
}

// RestoreThreshold восстанавливает модель порогов из снимка
func RestoreThreshold(cfg ThresholdConfig, st ThresholdState) (*Threshold, error) {
	t, err := NewThreshold(cfg)
	if err != nil {
		return nil, err
	}
	if st.Count < 0 || st.Variance < 0 || math.IsNaN(st.Mean) {
		return nil, fmt.Errorf("%w: threshold statistics are malformed", models.ErrCorruptState)
	}
	t.mean, t.variance, t.count = st.Mean, st.Variance, st.Count
	return t, nil
}
