package rcf

import (
	"fmt"
	"math/rand/v2"
	"sort"

	"beehive-anomaly-service/internal/models"
)

// Значения по умолчанию для леса
const (
	DefaultNumberOfTrees = 50
	DefaultTreeCapacity  = 256
)

// Config параметры леса. Dimensions обязан совпадать с
// RawDimensions * ShingleSize, иначе конструктор возвращает ErrConfiguration
type Config struct {
	Dimensions    int    `json:"dimensions"`
	RawDimensions int    `json:"raw_dimensions"`
	ShingleSize   int    `json:"shingle_size"`
	NumberOfTrees int    `json:"number_of_trees"`
	TreeCapacity  int    `json:"tree_capacity"`
	Seed          uint64 `json:"seed"`
}

// Validate проверяет согласованность параметров
func (c Config) Validate() error {
	switch {
	case c.RawDimensions <= 0:
		return fmt.Errorf("%w: raw dimensions must be positive, got %d", models.ErrConfiguration, c.RawDimensions)
	case c.ShingleSize <= 0:
		return fmt.Errorf("%w: shingle size must be positive, got %d", models.ErrConfiguration, c.ShingleSize)
	case c.NumberOfTrees <= 0:
		return fmt.Errorf("%w: number of trees must be positive, got %d", models.ErrConfiguration, c.NumberOfTrees)
	case c.TreeCapacity <= 0:
		return fmt.Errorf("%w: tree capacity must be positive, got %d", models.ErrConfiguration, c.TreeCapacity)
	case c.Dimensions != c.RawDimensions*c.ShingleSize:
		return fmt.Errorf("%w: dimensions %d do not match raw dimensions %d x shingle size %d",
			models.ErrConfiguration, c.Dimensions, c.RawDimensions, c.ShingleSize)
	}
	return nil
}

// Forest ансамбль независимых деревьев разрезов.
// Не потокобезопасен: один лес принадлежит одному потоку данных
type Forest struct {
	cfg     Config
	trees   []*Tree
	updates int64
}

// NewForest создает лес. Каждое дерево получает собственный генератор,
// выведенный из сида леса, так что два леса с одним сидом ведут себя одинаково
func NewForest(cfg Config) (*Forest, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	seeds := rand.New(rand.NewPCG(cfg.Seed, seedMix))
	trees := make([]*Tree, cfg.NumberOfTrees)
	for i := range trees {
		tree, err := NewTree(cfg.Dimensions, cfg.TreeCapacity, seeds.Uint64())
		if err != nil {
			return nil, err
		}
		trees[i] = tree
	}

	return &Forest{cfg: cfg, trees: trees}, nil
}

// Config возвращает параметры леса
func (f *Forest) Config() Config {
	return f.cfg
}

// Dimensions размерность точек леса
func (f *Forest) Dimensions() int {
	return f.cfg.Dimensions
}

// Updates количество выученных точек
func (f *Forest) Updates() int64 {
	return f.updates
}

// Empty true, пока лес не выучил ни одной точки
func (f *Forest) Empty() bool {
	return f.updates == 0
}

// Probe возвращает сырой скор: среднее скоров деревьев.
// Вызывается строго до Learn для той же точки
func (f *Forest) Probe(point []float64) float64 {
	var sum float64
	for _, tree := range f.trees {
		sum += tree.Probe(point)
	}
	return sum / float64(len(f.trees))
}

// Learn добавляет точку во все деревья. Точка копируется один раз
// и разделяется деревьями только для чтения
func (f *Forest) Learn(point []float64) {
	p := append([]float64(nil), point...)
	for _, tree := range f.trees {
		tree.Insert(p)
	}
	f.updates++
}

// ExpectedValue оценивает "типичное" значение по каждому измерению:
// медиана по деревьям координат листа, в который спускается точка.
// nil, пока лес пуст
func (f *Forest) ExpectedValue(point []float64) []float64 {
	leaves := make([][]float64, 0, len(f.trees))
	for _, tree := range f.trees {
		if leaf := tree.NearestLeaf(point); leaf != nil {
			leaves = append(leaves, leaf)
		}
	}
	if len(leaves) == 0 {
		return nil
	}

	expected := make([]float64, f.cfg.Dimensions)
	column := make([]float64, len(leaves))
	for d := range expected {
		for i, leaf := range leaves {
			column[i] = leaf[d]
		}
		expected[d] = median(column)
	}
	return expected
}

func median(values []float64) float64 {
	sort.Float64s(values)
	n := len(values)
	if n%2 == 1 {
		return values[n/2]
	}
	return values[n/2-1]/2 + values[n/2]/2
}
