package analytics

import (
	"fmt"

	"beehive-anomaly-service/internal/models"
)

// ShingleBuilder собирает скользящее окно последних S измерений потока
// в один вектор (шингл) размерности rawDimensions*S, от старых к новым
type ShingleBuilder struct {
	size   int
	raw    int
	buffer []float64
	head   int
	count  int
}

// ShingleState снимок окна шинглов
type ShingleState struct {
	Size          int       `json:"size"`
	RawDimensions int       `json:"raw_dimensions"`
	Buffer        []float64 `json:"buffer"`
	Head          int       `json:"head"`
	Count         int       `json:"count"`
}

// NewShingleBuilder создает построитель шинглов
func NewShingleBuilder(size, rawDimensions int) (*ShingleBuilder, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: shingle size must be positive, got %d", models.ErrConfiguration, size)
	}
	if rawDimensions <= 0 {
		return nil, fmt.Errorf("%w: raw dimensions must be positive, got %d", models.ErrConfiguration, rawDimensions)
	}
	return &ShingleBuilder{
		size:   size,
		raw:    rawDimensions,
		buffer: make([]float64, size*rawDimensions),
	}, nil
}

// Push добавляет измерение. Пока в окне меньше S измерений, шингл не выдается;
// после прогрева каждый вызов возвращает новый шингл со сдвигом на одно измерение
func (s *ShingleBuilder) Push(values []float64) ([]float64, bool) {
	if len(values) != s.raw {
		panic(fmt.Sprintf("analytics: shingle expects %d values, got %d", s.raw, len(values)))
	}

	copy(s.buffer[s.head*s.raw:(s.head+1)*s.raw], values)
	s.head = (s.head + 1) % s.size
	if s.count < s.size {
		s.count++
	}
	if s.count < s.size {
		return nil, false
	}

	// head указывает на самое старое измерение
	out := make([]float64, s.size*s.raw)
	for i := 0; i < s.size; i++ {
		slot := (s.head + i) % s.size
		copy(out[i*s.raw:(i+1)*s.raw], s.buffer[slot*s.raw:(slot+1)*s.raw])
	}
	return out, true
}

// Ready true, если окно заполнено
func (s *ShingleBuilder) Ready() bool {
	return s.count == s.size
}

// Size размер окна S
func (s *ShingleBuilder) Size() int {
	return s.size
}

// Dimensions размерность выдаваемых шинглов
func (s *ShingleBuilder) Dimensions() int {
	return s.size * s.raw
}

// State снимает состояние окна
func (s *ShingleBuilder) State() ShingleState {
	return ShingleState{
		Size:          s.size,
		RawDimensions: s.raw,
		Buffer:        append([]float64(nil), s.buffer...),
		Head:          s.head,
		Count:         s.count,
	}
}

// RestoreShingleBuilder восстанавливает окно из снимка
func RestoreShingleBuilder(st ShingleState) (*ShingleBuilder, error) {
	s, err := NewShingleBuilder(st.Size, st.RawDimensions)
	if err != nil {
		return nil, err
	}
	if len(st.Buffer) != len(s.buffer) || st.Head < 0 || st.Head >= st.Size || st.Count < 0 || st.Count > st.Size {
		return nil, fmt.Errorf("%w: shingle window is malformed", models.ErrCorruptState)
	}
	copy(s.buffer, st.Buffer)
	s.head = st.Head
	s.count = st.Count
	return s, nil
}
