package analytics

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/snappy"

	"beehive-anomaly-service/internal/models"
	"beehive-anomaly-service/internal/rcf"
)

// DetectorState полный снимок модели потока
type DetectorState struct {
	Config        Config           `json:"config"`
	Forest        *rcf.ForestState `json:"forest"`
	Threshold     ThresholdState   `json:"threshold"`
	Shingle       ShingleState     `json:"shingle"`
	Recent        []float64        `json:"recent,omitempty"`
	LastTimestamp time.Time        `json:"last_timestamp"`
	Processed     int64            `json:"processed"`
}

// Snapshot снимает состояние модели. Восстановленная модель продолжает
// поток с теми же результатами
func (d *Detector) Snapshot() *DetectorState {
	return &DetectorState{
		Config:        d.cfg,
		Forest:        d.forest.State(),
		Threshold:     d.threshold.State(),
		Shingle:       d.shingle.State(),
		Recent:        d.recent.Values(),
		LastTimestamp: d.last,
		Processed:     d.processed,
	}
}

// RestoreDetector восстанавливает модель из снимка
func RestoreDetector(st *DetectorState) (*Detector, error) {
	if st == nil || st.Forest == nil {
		return nil, fmt.Errorf("%w: detector state is empty", models.ErrCorruptState)
	}
	if err := st.Config.Validate(); err != nil {
		return nil, err
	}
	if st.Forest.Config != st.Config.Forest {
		return nil, fmt.Errorf("%w: forest config does not match detector config", models.ErrCorruptState)
	}

	forest, err := rcf.RestoreForest(st.Forest)
	if err != nil {
		return nil, err
	}
	threshold, err := RestoreThreshold(st.Config.Threshold, st.Threshold)
	if err != nil {
		return nil, err
	}
	shingle, err := RestoreShingleBuilder(st.Shingle)
	if err != nil {
		return nil, err
	}
	if shingle.Dimensions() != st.Config.Forest.Dimensions {
		return nil, fmt.Errorf("%w: shingle width %d does not match forest dimensions %d",
			models.ErrCorruptState, shingle.Dimensions(), st.Config.Forest.Dimensions)
	}
	if st.Processed < 0 || len(st.Recent) > ScoreWindowSize {
		return nil, fmt.Errorf("%w: stream counters are malformed", models.ErrCorruptState)
	}

	recent := NewSlidingWindow(ScoreWindowSize)
	for _, v := range st.Recent {
		recent.Add(v)
	}

	return &Detector{
		cfg:       st.Config,
		shingle:   shingle,
		forest:    forest,
		threshold: threshold,
		recent:    recent,
		last:      st.LastTimestamp,
		processed: st.Processed,
	}, nil
}

// EncodeState сериализует снимок в JSON и сжимает snappy
func EncodeState(st *DetectorState) ([]byte, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshal detector state: %w", err)
	}
	return snappy.Encode(nil, data), nil
}

// DecodeState обратная операция к EncodeState
func DecodeState(data []byte) (*DetectorState, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("%w: snappy: %v", models.ErrCorruptState, err)
	}
	var st DetectorState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("%w: json: %v", models.ErrCorruptState, err)
	}
	return &st, nil
}
