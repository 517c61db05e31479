package analytics

import "math"

// SlidingWindow реализует скользящее окно последних скоров
type SlidingWindow struct {
	values []float64
	size   int
	index  int
	count  int
	sum    float64
	sumSq  float64
}

// NewSlidingWindow создает новое скользящее окно заданного размера
func NewSlidingWindow(size int) *SlidingWindow {
	return &SlidingWindow{
		values: make([]float64, size),
		size:   size,
	}
}

// Add добавляет новое значение в окно
func (sw *SlidingWindow) Add(value float64) {
	if sw.count >= sw.size {
		// Удаляем старое значение из статистики
		old := sw.values[sw.index]
		sw.sum -= old
		sw.sumSq -= old * old
	} else {
		sw.count++
	}

	sw.values[sw.index] = value
	sw.sum += value
	sw.sumSq += value * value

	sw.index = (sw.index + 1) % sw.size
}

// Mean возвращает скользящее среднее
func (sw *SlidingWindow) Mean() float64 {
	if sw.count == 0 {
		return 0
	}
	return sw.sum / float64(sw.count)
}

// StdDev возвращает выборочное стандартное отклонение
func (sw *SlidingWindow) StdDev() float64 {
	if sw.count < 2 {
		return 0
	}
	n := float64(sw.count)
	variance := (sw.sumSq - (sw.sum*sw.sum)/n) / (n - 1)
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance)
}

// Count возвращает количество элементов в окне
func (sw *SlidingWindow) Count() int {
	return sw.count
}

// Values возвращает значения окна от старых к новым
func (sw *SlidingWindow) Values() []float64 {
	out := make([]float64, 0, sw.count)
	start := 0
	if sw.count == sw.size {
		start = sw.index
	}
	for i := 0; i < sw.count; i++ {
		out = append(out, sw.values[(start+i)%sw.size])
	}
	return out
}
