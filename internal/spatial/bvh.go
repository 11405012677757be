package spatial

import (
	"cmp"
	"slices"

	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"
)

// elementSlot is one entry of the BVH element list. Splits and relocations
// tombstone the slots they vacate; CompactElementList removes them.
type elementSlot struct {
	index   int
	deleted bool
}

// bvhNode is one BVH node. An internal node owns the two nodes at
// childrenStart and childrenStart+1; a leaf owns the run
// slots[firstElement : firstElement+elementCount].
type bvhNode struct {
	childrenStart int // -1 for leaves
	elementCount  int
	firstElement  int
	depth         int
	hasCollider   bool
}

func (n *bvhNode) isLeaf() bool {
	return n.childrenStart < 0
}

// BVH is a binary bounding-volume hierarchy stored as flat arrays. Node 0 is
// the root. Node boxes are dynamic: they start empty and grow to enclose the
// element boxes below them rather than subdividing a fixed root.
type BVH struct {
	nodes  []bvhNode
	bounds []Bounds

	slots      []elementSlot
	tombstones int

	root     Bounds
	capacity int
	accessor Accessor

	stack   []int
	members []int
	left    []int
	right   []int
	prefix  []int
	results []int
}

// NewBVH returns a hierarchy that must be initialized before use.
func NewBVH() *BVH {
	return &BVH{
		stack:   make([]int, 0, 64),
		results: make([]int, 0, 64),
	}
}

func (b *BVH) Kind() Kind { return KindBVH }

// Initialize records the wrap volume and leaf capacity and empties the tree.
// The root box itself is derived from inserted elements.
func (b *BVH) Initialize(rootCenter mgl32.Vec3, rootSize float32, capacity int, accessor Accessor) {
	if capacity < 1 {
		capacity = 1
	}
	b.root = BoundsFromCenter(rootCenter, rootSize)
	b.capacity = capacity
	b.accessor = accessor
	b.Clear()
}

// Clear resets to a single empty root leaf.
func (b *BVH) Clear() {
	b.nodes = append(b.nodes[:0], bvhNode{childrenStart: -1, firstElement: -1})
	b.bounds = append(b.bounds[:0], EmptyBounds())
	b.slots = b.slots[:0]
	b.tombstones = 0
}

// Insert adds each index, then compacts the element list and recomputes
// every node box bottom-up.
func (b *BVH) Insert(indices []int) {
	if b.accessor == nil || len(b.nodes) == 0 {
		return
	}
	for _, index := range indices {
		b.insert(index)
	}
	b.CompactElementList()
	b.UpdateBounds()
}

func (b *BVH) insert(index int) {
	e := b.accessor(index)
	box := e.Bounds()

	node := 0
	for {
		b.bounds[node] = b.bounds[node].Union(box)
		n := &b.nodes[node]
		if n.isLeaf() {
			break
		}
		node = b.closerChild(n.childrenStart, e.Position)
	}

	b.appendToLeaf(node, index)
	if n := b.nodes[node]; n.elementCount > b.capacity && n.depth < MaxTreeDepth {
		b.split(node)
	}
}

// closerChild picks the child whose box center is nearer to p. Empty
// children are infinitely far and the left child wins ties.
func (b *BVH) closerChild(first int, p mgl32.Vec3) int {
	if b.centerDistSq(first, p) <= b.centerDistSq(first+1, p) {
		return first
	}
	return first + 1
}

func (b *BVH) centerDistSq(node int, p mgl32.Vec3) float32 {
	if node >= len(b.nodes) || b.bounds[node].IsEmpty() {
		return math32.Inf(1)
	}
	return b.bounds[node].Center().Sub(p).LenSqr()
}

// appendToLeaf grows a leaf's run by one slot. A run that is not at the tail
// of the slot list is first copied to the tail and its old slots tombstoned.
func (b *BVH) appendToLeaf(node, index int) {
	n := &b.nodes[node]
	switch {
	case n.elementCount == 0:
		n.firstElement = len(b.slots)
	case n.firstElement+n.elementCount != len(b.slots):
		start := len(b.slots)
		for i := n.firstElement; i < n.firstElement+n.elementCount; i++ {
			b.slots = append(b.slots, b.slots[i])
			b.slots[i].deleted = true
			b.tombstones++
		}
		n.firstElement = start
	}
	b.slots = append(b.slots, elementSlot{index: index})
	n.elementCount++
}

// split partitions a leaf's members along the longest axis of its box at the
// box center. When every member lands on one side it falls back to an even
// split of the members sorted along that axis.
func (b *BVH) split(node int) {
	n := b.nodes[node]

	b.members = b.members[:0]
	for i := n.firstElement; i < n.firstElement+n.elementCount; i++ {
		if b.slots[i].deleted {
			continue
		}
		b.members = append(b.members, b.slots[i].index)
		b.slots[i].deleted = true
		b.tombstones++
	}

	box := b.bounds[node]
	axis := longestAxis(box.Size())
	mid := box.Center()[axis]

	b.left, b.right = b.left[:0], b.right[:0]
	for _, index := range b.members {
		if b.accessor(index).Position[axis] < mid {
			b.left = append(b.left, index)
		} else {
			b.right = append(b.right, index)
		}
	}
	if len(b.left) == 0 || len(b.right) == 0 {
		slices.SortStableFunc(b.members, func(x, y int) int {
			return cmp.Compare(b.accessor(x).Position[axis], b.accessor(y).Position[axis])
		})
		half := len(b.members) / 2
		b.left = append(b.left[:0], b.members[:half]...)
		b.right = append(b.right[:0], b.members[half:]...)
	}

	first := len(b.nodes)
	b.nodes[node] = bvhNode{
		childrenStart: first,
		firstElement:  -1,
		depth:         n.depth,
		hasCollider:   n.hasCollider,
	}
	b.addLeaf(b.left, n.depth+1)
	b.addLeaf(b.right, n.depth+1)
}

func (b *BVH) addLeaf(members []int, depth int) {
	node := bvhNode{childrenStart: -1, firstElement: -1, depth: depth}
	box := EmptyBounds()
	if len(members) > 0 {
		node.firstElement = len(b.slots)
	}
	for _, index := range members {
		b.slots = append(b.slots, elementSlot{index: index})
		box = box.Union(b.accessor(index).Bounds())
	}
	node.elementCount = len(members)
	b.nodes = append(b.nodes, node)
	b.bounds = append(b.bounds, box)
}

// CompactElementList drops tombstoned slots. Each run start moves to the
// number of live slots that preceded it.
func (b *BVH) CompactElementList() {
	if b.tombstones == 0 {
		return
	}

	b.prefix = b.prefix[:0]
	live := 0
	for _, s := range b.slots {
		b.prefix = append(b.prefix, live)
		if !s.deleted {
			live++
		}
	}

	for i := range b.nodes {
		n := &b.nodes[i]
		if n.elementCount > 0 && n.firstElement >= 0 && n.firstElement < len(b.prefix) {
			n.firstElement = b.prefix[n.firstElement]
		}
	}

	w := 0
	for _, s := range b.slots {
		if !s.deleted {
			b.slots[w] = s
			w++
		}
	}
	b.slots = b.slots[:w]
	b.tombstones = 0
}

// UpdateBounds recomputes every node box from current element positions.
// Children always follow their parent in the node array, so a reverse pass
// is bottom-up.
func (b *BVH) UpdateBounds() {
	for i := len(b.nodes) - 1; i >= 0; i-- {
		n := &b.nodes[i]
		box := EmptyBounds()
		if n.isLeaf() {
			for j := n.firstElement; j < n.firstElement+n.elementCount; j++ {
				if j < 0 || j >= len(b.slots) || b.slots[j].deleted {
					continue
				}
				box = box.Union(b.accessor(b.slots[j].index).Bounds())
			}
		} else {
			for c := n.childrenStart; c <= n.childrenStart+1 && c < len(b.nodes); c++ {
				box = box.Union(b.bounds[c])
			}
		}
		b.bounds[i] = box
	}
}

// FindNearby returns the elements within rng of point.
func (b *BVH) FindNearby(point mgl32.Vec3, rng float32) []int {
	b.results = b.results[:0]
	if b.accessor == nil || len(b.nodes) == 0 || rng < 0 {
		return b.results
	}

	r2 := rng * rng
	b.stack = append(b.stack[:0], 0)
	for len(b.stack) > 0 {
		node := b.stack[len(b.stack)-1]
		b.stack = b.stack[:len(b.stack)-1]
		if node < 0 || node >= len(b.nodes) || !b.bounds[node].IntersectsSphere(point, rng) {
			continue
		}

		n := &b.nodes[node]
		if !n.isLeaf() {
			b.stack = append(b.stack, n.childrenStart, n.childrenStart+1)
			continue
		}
		for j := n.firstElement; j < n.firstElement+n.elementCount; j++ {
			if j < 0 || j >= len(b.slots) || b.slots[j].deleted {
				continue
			}
			index := b.slots[j].index
			if b.accessor(index).Position.Sub(point).LenSqr() <= r2 {
				b.results = append(b.results, index)
			}
		}
	}
	return b.results
}

// IsNearCollider reports whether point lies inside a tagged leaf box.
func (b *BVH) IsNearCollider(point mgl32.Vec3) bool {
	b.stack = append(b.stack[:0], 0)
	for len(b.stack) > 0 {
		node := b.stack[len(b.stack)-1]
		b.stack = b.stack[:len(b.stack)-1]
		if node < 0 || node >= len(b.nodes) {
			continue
		}
		n := &b.nodes[node]
		if !n.hasCollider || !b.bounds[node].Contains(point) {
			continue
		}
		if n.isLeaf() {
			return true
		}
		b.stack = append(b.stack, n.childrenStart, n.childrenStart+1)
	}
	return false
}

// WrapPosition wraps p into the root cube given to Initialize.
func (b *BVH) WrapPosition(p mgl32.Vec3) mgl32.Vec3 {
	return b.root.Wrap(p)
}

// minColliderNodeSize skips collider tests on degenerate boxes.
const minColliderNodeSize float32 = 0.1

// UpdateColliderInfo tests every non-degenerate box against the host query
// and then derives internal tags from their children.
func (b *BVH) UpdateColliderInfo(query ColliderQuery) {
	for i := range b.nodes {
		box := b.bounds[i]
		size := box.Size()
		b.nodes[i].hasCollider = query != nil && !box.IsEmpty() &&
			size[0] >= minColliderNodeSize && size[1] >= minColliderNodeSize && size[2] >= minColliderNodeSize &&
			query(box.Center(), size)
	}
	b.propagateColliderFlags()
}

func (b *BVH) propagateColliderFlags() {
	for i := len(b.nodes) - 1; i >= 0; i-- {
		n := &b.nodes[i]
		if n.isLeaf() {
			continue
		}
		left, right := n.childrenStart, n.childrenStart+1
		if right < len(b.nodes) {
			n.hasCollider = b.nodes[left].hasCollider || b.nodes[right].hasCollider
		}
	}
}

// GetVisualizationData returns one entry per non-empty node.
func (b *BVH) GetVisualizationData() []NodeVisual {
	out := make([]NodeVisual, 0, len(b.nodes))
	for i := range b.nodes {
		box := b.bounds[i]
		if box.IsEmpty() {
			continue
		}
		out = append(out, NodeVisual{
			Position:    box.Center(),
			Size:        box.Size(),
			IsLeaf:      b.nodes[i].isLeaf(),
			HasCollider: b.nodes[i].hasCollider,
		})
	}
	return out
}

func (b *BVH) Stats() Stats {
	st := Stats{Kind: KindBVH.String(), Nodes: len(b.nodes), Elements: len(b.slots) - b.tombstones}
	for i := range b.nodes {
		if b.nodes[i].isLeaf() {
			st.Leaves++
		}
		if b.nodes[i].depth > st.MaxDepth {
			st.MaxDepth = b.nodes[i].depth
		}
	}
	return st
}
