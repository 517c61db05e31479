// Package rcf реализует Random Cut Forest: ансамбль случайных деревьев разрезов
// с ограниченной памятью для онлайн-оценки аномальности точек потока
package rcf

import (
	"math"
	"math/bits"
)

// BoundingBox покоординатные границы (min, max) множества точек
type BoundingBox struct {
	Min []float64
	Max []float64
}

// NewBoundingBox создает вырожденный бокс вокруг одной точки
func NewBoundingBox(point []float64) BoundingBox {
	return BoundingBox{
		Min: append([]float64(nil), point...),
		Max: append([]float64(nil), point...),
	}
}

// Dimensions возвращает размерность бокса
func (b BoundingBox) Dimensions() int {
	return len(b.Min)
}

// Contains проверяет, что точка лежит внутри бокса (границы включительно)
func (b BoundingBox) Contains(point []float64) bool {
	for i, v := range point {
		if v < b.Min[i] || v > b.Max[i] {
			return false
		}
	}
	return true
}

// Range возвращает протяженность бокса по измерению
func (b BoundingBox) Range(dim int) float64 {
	return b.Max[dim] - b.Min[dim]
}

// RangeSum сумма протяженностей по всем измерениям
func (b BoundingBox) RangeSum() float64 {
	var sum float64
	for i := range b.Min {
		sum += b.Max[i] - b.Min[i]
	}
	return sum
}

// ExtendInPlace расширяет бокс до точки
func (b BoundingBox) ExtendInPlace(point []float64) {
	for i, v := range point {
		if v < b.Min[i] {
			b.Min[i] = v
		}
		if v > b.Max[i] {
			b.Max[i] = v
		}
	}
}

// Merged возвращает новый бокс, содержащий исходный бокс и точку
func (b BoundingBox) Merged(point []float64) BoundingBox {
	m := BoundingBox{
		Min: append([]float64(nil), b.Min...),
		Max: append([]float64(nil), b.Max...),
	}
	m.ExtendInPlace(point)
	return m
}

// Union возвращает бокс, покрывающий оба бокса
func (b BoundingBox) Union(other BoundingBox) BoundingBox {
	u := BoundingBox{
		Min: make([]float64, len(b.Min)),
		Max: make([]float64, len(b.Max)),
	}
	for i := range b.Min {
		u.Min[i] = math.Min(b.Min[i], other.Min[i])
		u.Max[i] = math.Max(b.Max[i], other.Max[i])
	}
	return u
}

// overflowScale степень двойки, после умножения на которую сумма
// протяженностей по dims измерениям конечна для любых конечных координат
func overflowScale(dims int) float64 {
	return math.Ldexp(1, -(bits.Len(uint(dims)) + 1))
}

// SeparationProbability вероятность того, что случайный разрез бокса,
// расширенного точкой, отделит точку от исходного бокса.
// 0 если точка внутри бокса
func (b BoundingBox) SeparationProbability(point []float64) float64 {
	growth, newRange := b.growth(point, 1)
	if math.IsInf(newRange, 0) {
		growth, newRange = b.growth(point, overflowScale(len(point)))
	}
	if growth == 0 || newRange == 0 {
		return 0
	}
	return math.Min(growth/newRange, 1)
}

// growth суммарный прирост и протяженность расширенного бокса,
// координаты предварительно умножаются на scale
func (b BoundingBox) growth(point []float64, scale float64) (growth, newRange float64) {
	for i, v := range point {
		lo, hi, v := b.Min[i]*scale, b.Max[i]*scale, v*scale
		switch {
		case v < lo:
			growth += lo - v
			newRange += hi - v
		case v > hi:
			growth += v - hi
			newRange += v - lo
		default:
			newRange += hi - lo
		}
	}
	return growth, newRange
}
