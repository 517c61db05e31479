// Package models содержит структуры данных для событий ульев и результатов детекции
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// DateTimeLayout формат времени, в котором симулятор публикует события
const DateTimeLayout = "2006-01-02 15:04:05.0 -0700"

// dateTimeLayouts допустимые форматы поля date_time
var dateTimeLayouts = []string{
	DateTimeLayout,
	time.RFC3339Nano,
	"2006-01-02 15:04:05 -0700",
	"2006-01-02 15:04:05",
}

// Measurement сырое значение измерения. В JSON принимается и число, и строка
type Measurement string

// UnmarshalJSON принимает 65028, "65028" и null
func (m *Measurement) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*m = ""
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*m = Measurement(s)
	default:
		*m = Measurement(data)
	}
	return nil
}

// MarshalJSON пишет числовое значение числом в каноническом виде
// (".5" и "0x1p4" не являются JSON числами), остальное строкой
func (m Measurement) MarshalJSON() ([]byte, error) {
	if v, err := m.Float(); err == nil {
		return strconv.AppendFloat(nil, v, 'g', -1, 64), nil
	}
	return json.Marshal(string(m))
}

// Float разбирает измерение. Пустое, нечисловое и неконечное значение дают ErrParse
func (m Measurement) Float() (float64, error) {
	s := strings.TrimSpace(string(m))
	if s == "" {
		return 0, fmt.Errorf("%w: measurement is missing", ErrParse)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: measurement %q is not numeric", ErrParse, s)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: measurement %q is not finite", ErrParse, s)
	}
	return v, nil
}

// HiveEvent событие веса улья, как его публикует датчик
type HiveEvent struct {
	EventID  string      `json:"event_id,omitempty" yaml:"event_id,omitempty" db:"event_id"`
	HiveID   string      `json:"hive_id" yaml:"hive_id" db:"hive_id"`
	DateTime string      `json:"date_time" yaml:"date_time" db:"date_time"`
	Weight   Measurement `json:"weight" yaml:"weight" db:"weight"`
}

// HiveEventsBatch пакет событий для массовой загрузки
type HiveEventsBatch struct {
	Events []HiveEvent `json:"events"`
}

// Reading разобранное измерение: точка временного ряда
type Reading struct {
	Timestamp time.Time
	Label     string
	Values    []float64
}

// Value возвращает первое сырое измерение
func (r Reading) Value() float64 {
	if len(r.Values) == 0 {
		return 0
	}
	return r.Values[0]
}

// ParseDateTime разбирает поле date_time в одном из поддерживаемых форматов
func ParseDateTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: date_time is missing", ErrParse)
	}
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: date_time %q has unknown layout", ErrParse, s)
}

// Reading преобразует событие в точку временного ряда
func (e HiveEvent) Reading() (Reading, error) {
	ts, err := ParseDateTime(e.DateTime)
	if err != nil {
		return Reading{}, err
	}
	w, err := e.Weight.Float()
	if err != nil {
		return Reading{}, err
	}
	return Reading{Timestamp: ts, Label: e.DateTime, Values: []float64{w}}, nil
}
