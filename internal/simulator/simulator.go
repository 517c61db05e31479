// Package simulator генерирует и публикует поток событий веса улья
package simulator

import (
	"bytes"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"beehive-anomaly-service/internal/models"
)

// GeneratorConfig параметры синтетического ряда
type GeneratorConfig struct {
	HiveID         string
	Start          time.Time
	Interval       time.Duration
	Count          int
	BaseWeight     float64
	DailyAmplitude float64
	// DailyGain прирост веса за сутки (сбор нектара)
	DailyGain float64
	Noise     float64
	// AnomalyAt индекс события с аномалией, отрицательное значение отключает ее
	AnomalyAt     int
	AnomalyWeight float64
	Seed          uint64
}

// DefaultGeneratorConfig ряд на неделю с измерением раз в 15 минут
func DefaultGeneratorConfig(hiveID string) GeneratorConfig {
	return GeneratorConfig{
		HiveID:         hiveID,
		Start:          time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC),
		Interval:       15 * time.Minute,
		Count:          7 * 96,
		BaseWeight:     65000,
		DailyAmplitude: 300,
		DailyGain:      150,
		Noise:          15,
		AnomalyAt:      5 * 96,
		AnomalyWeight:  0,
		Seed:           1,
	}
}

// Generate строит ряд событий: суточный цикл (днем пчелы в поле, улей легче),
// медленный прирост, шум и одна внезапная аномалия
func Generate(cfg GeneratorConfig) ([]models.HiveEvent, error) {
	if cfg.HiveID == "" {
		return nil, fmt.Errorf("%w: hive id is required", models.ErrConfiguration)
	}
	if cfg.Interval <= 0 || cfg.Count < 0 {
		return nil, fmt.Errorf("%w: interval must be positive and count non-negative", models.ErrConfiguration)
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed))
	perDay := float64(24*time.Hour) / float64(cfg.Interval)

	events := make([]models.HiveEvent, 0, cfg.Count)
	for i := 0; i < cfg.Count; i++ {
		ts := cfg.Start.Add(time.Duration(i) * cfg.Interval)
		day := float64(i) / perDay
		weight := cfg.BaseWeight +
			cfg.DailyGain*day -
			cfg.DailyAmplitude*math.Sin(2*math.Pi*day) +
			rng.NormFloat64()*cfg.Noise
		if i == cfg.AnomalyAt {
			weight = cfg.AnomalyWeight
		}
		weight = math.Round(weight*10) / 10

		events = append(events, models.HiveEvent{
			HiveID:   cfg.HiveID,
			DateTime: ts.Format(models.DateTimeLayout),
			Weight:   models.Measurement(fmt.Sprintf("%.1f", weight)),
		})
	}
	return events, nil
}

type sampleRecord struct {
	HiveID     string             `yaml:"hive_id"`
	DateTime   string             `yaml:"date_time"`
	LegacyTime string             `yaml:"datetime"`
	Weight     models.Measurement `yaml:"weight"`
}

// ParseEvents разбирает список событий в JSON или YAML: либо массив,
// либо объект с полем events. hiveID подставляется, если в записи его нет
func ParseEvents(data []byte, hiveID string) ([]models.HiveEvent, error) {
	var records []sampleRecord
	if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&records); err != nil {
		var wrapped struct {
			Events []sampleRecord `yaml:"events"`
		}
		if err2 := yaml.Unmarshal(data, &wrapped); err2 != nil {
			return nil, fmt.Errorf("%w: events file: %v", models.ErrParse, err)
		}
		records = wrapped.Events
	}

	events := make([]models.HiveEvent, 0, len(records))
	for i, rec := range records {
		ev := models.HiveEvent{HiveID: rec.HiveID, DateTime: rec.DateTime, Weight: rec.Weight}
		if ev.DateTime == "" {
			ev.DateTime = rec.LegacyTime
		}
		if ev.HiveID == "" {
			ev.HiveID = hiveID
		}
		if _, err := ev.Reading(); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// LoadEvents читает файл событий
func LoadEvents(path, hiveID string) ([]models.HiveEvent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read events file: %w", err)
	}
	return ParseEvents(data, hiveID)
}
