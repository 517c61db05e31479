package rcf

import (
	"fmt"
	"math/rand/v2"

	"beehive-anomaly-service/internal/models"
)

// NodeState сериализуемое представление узла
type NodeState struct {
	Parent   int       `json:"p"`
	Left     int       `json:"l"`
	Right    int       `json:"r"`
	CutDim   int       `json:"d,omitempty"`
	CutValue float64   `json:"c,omitempty"`
	Mass     int       `json:"m"`
	Min      []float64 `json:"lo,omitempty"`
	Max      []float64 `json:"hi,omitempty"`
	Point    []float64 `json:"pt,omitempty"`
}

// TreeState полный снимок дерева, включая состояние генератора
type TreeState struct {
	Dimensions int         `json:"dimensions"`
	Capacity   int         `json:"capacity"`
	Root       int         `json:"root"`
	Size       int         `json:"size"`
	Nodes      []NodeState `json:"nodes"`
	Free       []int       `json:"free,omitempty"`
	RNG        []byte      `json:"rng"`
}

// ForestState снимок леса
type ForestState struct {
	Config  Config      `json:"config"`
	Updates int64       `json:"updates"`
	Trees   []TreeState `json:"trees"`
}

// State снимает состояние дерева. Продолжение работы восстановленного
// дерева дает те же результаты, что и у исходного
func (t *Tree) State() TreeState {
	rng, err := t.src.MarshalBinary()
	if err != nil {
		panic(fmt.Sprintf("rcf: marshal rng: %v", err))
	}
	st := TreeState{
		Dimensions: t.dims,
		Capacity:   t.capacity,
		Root:       t.root,
		Size:       t.size,
		Nodes:      make([]NodeState, len(t.nodes)),
		Free:       append([]int(nil), t.free...),
		RNG:        rng,
	}
	for i := range t.nodes {
		n := &t.nodes[i]
		ns := NodeState{Parent: n.parent, Left: n.left, Right: n.right, Mass: n.mass}
		if n.isLeaf() {
			ns.Point = append([]float64(nil), n.point...)
		} else {
			ns.CutDim = n.cutDim
			ns.CutValue = n.cutValue
			ns.Min = append([]float64(nil), n.box.Min...)
			ns.Max = append([]float64(nil), n.box.Max...)
		}
		st.Nodes[i] = ns
	}
	return st
}

// RestoreTree восстанавливает дерево из снимка
func RestoreTree(st TreeState) (*Tree, error) {
	if st.Dimensions <= 0 || st.Capacity <= 0 {
		return nil, fmt.Errorf("%w: tree dimensions %d capacity %d", models.ErrCorruptState, st.Dimensions, st.Capacity)
	}
	if st.Size < 0 || st.Size > st.Capacity {
		return nil, fmt.Errorf("%w: tree size %d exceeds capacity %d", models.ErrCorruptState, st.Size, st.Capacity)
	}

	src := &rand.PCG{}
	if err := src.UnmarshalBinary(st.RNG); err != nil {
		return nil, fmt.Errorf("%w: tree rng: %v", models.ErrCorruptState, err)
	}

	t := &Tree{
		dims:     st.Dimensions,
		capacity: st.Capacity,
		root:     st.Root,
		size:     st.Size,
		nodes:    make([]node, len(st.Nodes), max(len(st.Nodes), 2*st.Capacity)),
		free:     append([]int(nil), st.Free...),
		src:      src,
		rng:      rand.New(src),
	}

	valid := func(i int) bool { return i == none || (i >= 0 && i < len(st.Nodes)) }
	if !valid(st.Root) {
		return nil, fmt.Errorf("%w: root index %d out of range", models.ErrCorruptState, st.Root)
	}
	for _, i := range st.Free {
		if i < 0 || i >= len(st.Nodes) {
			return nil, fmt.Errorf("%w: free index %d out of range", models.ErrCorruptState, i)
		}
	}

	for i, ns := range st.Nodes {
		if !valid(ns.Parent) || !valid(ns.Left) || !valid(ns.Right) {
			return nil, fmt.Errorf("%w: node %d references out of range", models.ErrCorruptState, i)
		}
		n := node{parent: ns.Parent, left: ns.Left, right: ns.Right, mass: ns.Mass}
		if ns.Left == none {
			if ns.Point != nil && len(ns.Point) != st.Dimensions {
				return nil, fmt.Errorf("%w: leaf %d has %d dimensions", models.ErrCorruptState, i, len(ns.Point))
			}
			n.point = append([]float64(nil), ns.Point...)
		} else {
			if ns.Right == none || len(ns.Min) != st.Dimensions || len(ns.Max) != st.Dimensions {
				return nil, fmt.Errorf("%w: internal node %d is malformed", models.ErrCorruptState, i)
			}
			if ns.CutDim < 0 || ns.CutDim >= st.Dimensions {
				return nil, fmt.Errorf("%w: node %d cut dimension %d", models.ErrCorruptState, i, ns.CutDim)
			}
			n.cutDim = ns.CutDim
			n.cutValue = ns.CutValue
			n.box = BoundingBox{
				Min: append([]float64(nil), ns.Min...),
				Max: append([]float64(nil), ns.Max...),
			}
		}
		t.nodes[i] = n
	}

	rootMass := 0
	if t.root != none {
		rootMass = t.nodes[t.root].mass
	}
	if rootMass != t.size {
		return nil, fmt.Errorf("%w: root mass %d does not match size %d", models.ErrCorruptState, rootMass, t.size)
	}
	return t, nil
}

// State снимает состояние леса
func (f *Forest) State() *ForestState {
	st := &ForestState{
		Config:  f.cfg,
		Updates: f.updates,
		Trees:   make([]TreeState, len(f.trees)),
	}
	for i, tree := range f.trees {
		st.Trees[i] = tree.State()
	}
	return st
}

// RestoreForest восстанавливает лес из снимка
func RestoreForest(st *ForestState) (*Forest, error) {
	if st == nil {
		return nil, fmt.Errorf("%w: empty forest state", models.ErrCorruptState)
	}
	if err := st.Config.Validate(); err != nil {
		return nil, err
	}
	if len(st.Trees) != st.Config.NumberOfTrees {
		return nil, fmt.Errorf("%w: %d trees in state, config expects %d",
			models.ErrCorruptState, len(st.Trees), st.Config.NumberOfTrees)
	}

	trees := make([]*Tree, len(st.Trees))
	for i, ts := range st.Trees {
		if ts.Dimensions != st.Config.Dimensions {
			return nil, fmt.Errorf("%w: tree %d has %d dimensions", models.ErrCorruptState, i, ts.Dimensions)
		}
		tree, err := RestoreTree(ts)
		if err != nil {
			return nil, fmt.Errorf("tree %d: %w", i, err)
		}
		trees[i] = tree
	}

	return &Forest{cfg: st.Config, trees: trees, updates: st.Updates}, nil
}
