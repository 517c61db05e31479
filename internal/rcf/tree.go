package rcf

import (
	"fmt"
	"math"
	"math/rand/v2"

	"beehive-anomaly-service/internal/models"
)

// none пустой индекс узла
const none = -1

// seedMix второе слово состояния PCG, выводимое из сида
const seedMix = 0x9e3779b97f4a7c15

// node узел дерева. Лист хранит ссылку на точку и кратность (mass),
// внутренний узел хранит разрез, бокс и массу поддерева
type node struct {
	parent   int
	left     int
	right    int
	cutDim   int
	cutValue float64
	mass     int
	box      BoundingBox
	point    []float64
}

func (n *node) isLeaf() bool {
	return n.left == none
}

func newLeaf(point []float64, parent int) node {
	return node{parent: parent, left: none, right: none, mass: 1, point: point}
}

// Tree случайное дерево разрезов с ограниченной емкостью.
// Узлы лежат в плоском массиве и адресуются индексами, освобожденные
// слоты переиспользуются через free-список
type Tree struct {
	dims     int
	capacity int
	root     int
	size     int
	nodes    []node
	free     []int
	src      *rand.PCG
	rng      *rand.Rand
}

// NewTree создает пустое дерево заданной размерности и емкости
func NewTree(dims, capacity int, seed uint64) (*Tree, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("%w: tree dimensions must be positive, got %d", models.ErrConfiguration, dims)
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: tree capacity must be positive, got %d", models.ErrConfiguration, capacity)
	}
	src := rand.NewPCG(seed, seed^seedMix)
	return &Tree{
		dims:     dims,
		capacity: capacity,
		root:     none,
		nodes:    make([]node, 0, 2*capacity),
		src:      src,
		rng:      rand.New(src),
	}, nil
}

// Size количество точек в дереве с учетом кратности
func (t *Tree) Size() int {
	return t.size
}

// Capacity максимальное количество точек
func (t *Tree) Capacity() int {
	return t.capacity
}

// Dimensions размерность точек
func (t *Tree) Dimensions() int {
	return t.dims
}

// Insert добавляет точку. Если дерево заполнено, сначала вытесняет
// одну хранимую точку, выбранную равномерно случайно
func (t *Tree) Insert(point []float64) {
	t.checkDims(point)
	if t.size >= t.capacity {
		t.evictRandom()
	}
	t.size++

	if t.root == none {
		t.root = t.alloc(newLeaf(point, none))
		return
	}

	idx := t.root
	for {
		n := &t.nodes[idx]
		if n.isLeaf() && equalPoints(n.point, point) {
			n.mass++
			return
		}

		box := t.boxOf(idx)
		dim, cut, ok := t.randomCut(box, point)
		if ok && (cut < box.Min[dim] || cut >= box.Max[dim]) {
			t.splice(idx, box, dim, cut, point)
			return
		}
		if n.isLeaf() {
			panic(fmt.Sprintf("rcf: cut failed to separate point %v from leaf %v", point, n.point))
		}

		n.box.ExtendInPlace(point)
		n.mass++
		if point[n.cutDim] <= n.cutValue {
			idx = n.left
		} else {
			idx = n.right
		}
	}
}

// Delete удаляет одну копию хранимой точки.
// Удаление отсутствующей точки означает дефект движка и вызывает панику
func (t *Tree) Delete(point []float64) {
	t.checkDims(point)
	idx := t.find(point)
	if idx == none {
		panic(fmt.Sprintf("rcf: delete of point %v that is not held by the tree", point))
	}
	t.removeOne(idx)
}

// Contains проверяет, хранит ли дерево точку
func (t *Tree) Contains(point []float64) bool {
	t.checkDims(point)
	return t.find(point) != none
}

// Probe оценивает аномальность точки без изменения дерева.
// Точка, далекая от всех боксов, изолируется рано и получает высокий скор;
// точка внутри плотного кластера требует многих разрезов и скор низкий
func (t *Tree) Probe(point []float64) float64 {
	t.checkDims(point)
	if t.root == none {
		return 0
	}

	idx, depth := t.leafFor(point)
	leaf := &t.nodes[idx]

	var score float64
	if equalPoints(leaf.point, point) {
		score = damp(leaf.mass, t.size) * scoreSeen(depth, leaf.mass)
	} else {
		score = scoreUnseen(depth)
	}

	for p, d := leaf.parent, depth-1; p != none; p, d = t.nodes[p].parent, d-1 {
		prob := t.nodes[p].box.SeparationProbability(point)
		if prob == 0 {
			// бокс содержит точку, значит и все предки тоже
			break
		}
		score = prob*scoreUnseen(d) + (1-prob)*score
	}

	return score * math.Log2(float64(t.size)+1)
}

// NearestLeaf возвращает точку листа, в который спускается запрос.
// Возвращаемый срез разделяется с деревом и не должен изменяться
func (t *Tree) NearestLeaf(point []float64) []float64 {
	t.checkDims(point)
	if t.root == none {
		return nil
	}
	idx, _ := t.leafFor(point)
	return t.nodes[idx].point
}

// leafFor спускается по разрезам до листа и возвращает его индекс и глубину
func (t *Tree) leafFor(point []float64) (int, int) {
	idx, depth := t.root, 0
	for !t.nodes[idx].isLeaf() {
		n := &t.nodes[idx]
		if point[n.cutDim] <= n.cutValue {
			idx = n.left
		} else {
			idx = n.right
		}
		depth++
	}
	return idx, depth
}

func (t *Tree) find(point []float64) int {
	if t.root == none {
		return none
	}
	idx, _ := t.leafFor(point)
	if equalPoints(t.nodes[idx].point, point) {
		return idx
	}
	return none
}

// randomCut выбирает измерение с вероятностью, пропорциональной его
// протяженности в боксе, расширенном точкой, и значение разреза равномерно
// внутри этой протяженности. Если сумма протяженностей переполняется,
// они считаются в масштабе overflowScale. Если все протяженности нулевые,
// измерение выбирается равномерно и ok=false
func (t *Tree) randomCut(box BoundingBox, point []float64) (dim int, cut float64, ok bool) {
	scale := 1.0
	total := t.cutSpan(box, point, scale)
	if math.IsInf(total, 0) {
		scale = overflowScale(t.dims)
		total = t.cutSpan(box, point, scale)
	}
	if total <= 0 || math.IsNaN(total) {
		dim = t.rng.IntN(t.dims)
		lo, _ := mergedRange(box, point, dim)
		return dim, lo, false
	}

	r := t.rng.Float64() * total
	dim = none
	for d := 0; d < t.dims; d++ {
		lo, hi := mergedRange(box, point, d)
		width := hi*scale - lo*scale
		if width <= 0 {
			continue
		}
		dim = d
		if r < width {
			break
		}
		r -= width
	}

	lo, hi := mergedRange(box, point, dim)
	cut = (lo*scale + r) / scale
	if cut >= hi {
		cut = math.Nextafter(hi, math.Inf(-1))
	}
	if cut < lo {
		cut = lo
	}
	return dim, cut, true
}

// cutSpan сумма протяженностей расширенного бокса в масштабе scale
func (t *Tree) cutSpan(box BoundingBox, point []float64, scale float64) float64 {
	var total float64
	for d := 0; d < t.dims; d++ {
		lo, hi := mergedRange(box, point, d)
		total += hi*scale - lo*scale
	}
	return total
}

// splice вставляет над узлом idx новый внутренний узел с разрезом,
// отделяющим точку от бокса узла
func (t *Tree) splice(idx int, box BoundingBox, dim int, cut float64, point []float64) {
	leaf := t.alloc(newLeaf(point, none))
	parent := t.nodes[idx].parent

	inner := node{
		parent:   parent,
		cutDim:   dim,
		cutValue: cut,
		mass:     t.nodes[idx].mass + 1,
		box:      box.Merged(point),
	}
	if point[dim] <= cut {
		inner.left, inner.right = leaf, idx
	} else {
		inner.left, inner.right = idx, leaf
	}
	in := t.alloc(inner)

	t.nodes[idx].parent = in
	t.nodes[leaf].parent = in
	t.replaceChild(parent, idx, in)
}

// evictRandom удаляет одну точку, выбранную равномерно среди хранимых
// (с учетом кратности), спуском, взвешенным по массам поддеревьев
func (t *Tree) evictRandom() {
	r := t.rng.IntN(t.size)
	idx := t.root
	for !t.nodes[idx].isLeaf() {
		l := t.nodes[idx].left
		if r < t.nodes[l].mass {
			idx = l
		} else {
			r -= t.nodes[l].mass
			idx = t.nodes[idx].right
		}
	}
	t.removeOne(idx)
}

func (t *Tree) removeOne(idx int) {
	t.size--
	leaf := &t.nodes[idx]
	leaf.mass--
	if leaf.mass > 0 {
		for p := leaf.parent; p != none; p = t.nodes[p].parent {
			t.nodes[p].mass--
		}
		return
	}

	parent := leaf.parent
	t.release(idx)
	if parent == none {
		t.root = none
		return
	}

	sibling := t.nodes[parent].left
	if sibling == idx {
		sibling = t.nodes[parent].right
	}
	grand := t.nodes[parent].parent
	t.nodes[sibling].parent = grand
	t.replaceChild(grand, parent, sibling)
	t.release(parent)

	for g := grand; g != none; g = t.nodes[g].parent {
		t.nodes[g].mass--
		t.refreshBox(g)
	}
}

// refreshBox пересчитывает бокс внутреннего узла по детям
func (t *Tree) refreshBox(idx int) {
	n := &t.nodes[idx]
	lb, rb := t.boxOf(n.left), t.boxOf(n.right)
	for d := 0; d < t.dims; d++ {
		n.box.Min[d] = math.Min(lb.Min[d], rb.Min[d])
		n.box.Max[d] = math.Max(lb.Max[d], rb.Max[d])
	}
}

// boxOf возвращает бокс узла. Бокс листа разделяет память с его точкой
func (t *Tree) boxOf(idx int) BoundingBox {
	n := &t.nodes[idx]
	if n.isLeaf() {
		return BoundingBox{Min: n.point, Max: n.point}
	}
	return n.box
}

func (t *Tree) replaceChild(parent, old, repl int) {
	if parent == none {
		t.root = repl
		return
	}
	if t.nodes[parent].left == old {
		t.nodes[parent].left = repl
	} else {
		t.nodes[parent].right = repl
	}
}

func (t *Tree) alloc(n node) int {
	if k := len(t.free); k > 0 {
		i := t.free[k-1]
		t.free = t.free[:k-1]
		t.nodes[i] = n
		return i
	}
	t.nodes = append(t.nodes, n)
	return len(t.nodes) - 1
}

func (t *Tree) release(idx int) {
	t.nodes[idx] = node{parent: none, left: none, right: none}
	t.free = append(t.free, idx)
}

func (t *Tree) checkDims(point []float64) {
	if len(point) != t.dims {
		panic(fmt.Sprintf("rcf: point has %d dimensions, tree expects %d", len(point), t.dims))
	}
}

func mergedRange(box BoundingBox, point []float64, d int) (float64, float64) {
	return math.Min(box.Min[d], point[d]), math.Max(box.Max[d], point[d])
}

func equalPoints(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// scoreSeen вклад листа, совпадающего с точкой
func scoreSeen(depth, mass int) float64 {
	return 1 / (float64(depth) + math.Log2(float64(mass)+1))
}

// scoreUnseen вклад узла, на котором точка была бы отделена
func scoreUnseen(depth int) float64 {
	return 1 / (float64(depth) + 1)
}

// damp понижает вклад дубликатов пропорционально их доле в выборке
func damp(mass, total int) float64 {
	return 1 - float64(mass)/(2*float64(total))
}
