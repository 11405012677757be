package spatial

import (
	"slices"

	"github.com/go-gl/mathgl/mgl32"
)

const (
	// MaxTreeDepth caps subdivision in the octree and the BVH. Leaves at
	// this depth accept elements past capacity.
	MaxTreeDepth = 10

	// MinNodeSize is the smallest octree node edge that may still subdivide.
	MinNodeSize float32 = 0.1
)

// octNode is one octree node. An internal node owns the 8 contiguous nodes
// starting at childrenStart; a leaf owns the run
// elements[firstElement : firstElement+elementCount].
type octNode struct {
	childrenStart int // -1 for leaves
	elementCount  int
	firstElement  int
	depth         int
	hasCollider   bool
}

func (n *octNode) isLeaf() bool {
	return n.childrenStart < 0
}

// Octree is a cubic octree stored as flat arrays. Node 0 is the root; node
// centers and edge lengths live in slices parallel to nodes, and every leaf's
// elements are a contiguous run of one shared index slice.
//
// Nodes are only appended. Clear resets the arrays to a single root leaf.
type Octree struct {
	nodes    []octNode
	centers  []mgl32.Vec3
	sizes    []float32
	elements []int

	root     Bounds
	capacity int
	accessor Accessor

	// overshoot is the farthest any element inserted since Clear lies
	// outside the root box. Searches widen node tests by it so such
	// elements stay reachable from their boundary leaf.
	overshoot float32

	stack   []int
	moved   []int
	results []int
}

// NewOctree returns an octree that must be initialized before use.
func NewOctree() *Octree {
	return &Octree{
		stack:   make([]int, 0, 64),
		results: make([]int, 0, 64),
	}
}

func (o *Octree) Kind() Kind { return KindOctree }

// Initialize sets the root cube and leaf capacity and empties the tree.
func (o *Octree) Initialize(rootCenter mgl32.Vec3, rootSize float32, capacity int, accessor Accessor) {
	if capacity < 1 {
		capacity = 1
	}
	o.root = BoundsFromCenter(rootCenter, rootSize)
	o.capacity = capacity
	o.accessor = accessor
	o.Clear()
}

// Clear resets the tree to a single empty root leaf, keeping capacity.
func (o *Octree) Clear() {
	o.nodes = append(o.nodes[:0], octNode{childrenStart: -1, firstElement: -1})
	o.centers = append(o.centers[:0], o.root.Center())
	o.sizes = append(o.sizes[:0], o.root.Size()[0])
	o.elements = o.elements[:0]
	o.overshoot = 0
}

// Insert places each index in the leaf whose octant contains its position,
// subdividing full leaves on the way down.
func (o *Octree) Insert(indices []int) {
	if o.accessor == nil || len(o.nodes) == 0 {
		return
	}
	for _, index := range indices {
		o.insert(index)
	}
}

func (o *Octree) insert(index int) {
	pos := o.accessor(index).Position
	if d := o.root.Distance(pos); d > o.overshoot {
		o.overshoot = d
	}

	node := 0
	for {
		n := &o.nodes[node]
		if !n.isLeaf() {
			node = n.childrenStart + octant(pos, o.centers[node])
			continue
		}
		if n.elementCount < o.capacity || !o.canSubdivide(node) {
			o.appendToLeaf(node, index)
			return
		}
		// The node is internal after this, so the next pass descends.
		o.subdivide(node)
	}
}

func (o *Octree) canSubdivide(node int) bool {
	return o.sizes[node] >= MinNodeSize && o.nodes[node].depth < MaxTreeDepth
}

// appendToLeaf grows the leaf's run by one. A run that is not at the tail of
// the shared slice is grown in place and every later run is shifted.
func (o *Octree) appendToLeaf(node, index int) {
	n := &o.nodes[node]
	if n.elementCount == 0 {
		n.firstElement = len(o.elements)
		n.elementCount = 1
		o.elements = append(o.elements, index)
		return
	}

	at := n.firstElement + n.elementCount
	tail := at == len(o.elements)
	o.elements = slices.Insert(o.elements, at, index)
	n.elementCount++
	if !tail {
		o.shiftRuns(node, at, 1)
	}
}

// shiftRuns moves the run start of every populated node other than skip
// that begins at or after from.
func (o *Octree) shiftRuns(skip, from, delta int) {
	for i := range o.nodes {
		n := &o.nodes[i]
		if i == skip || n.elementCount == 0 {
			continue
		}
		if n.firstElement >= from {
			n.firstElement += delta
		}
	}
}

// subdivide turns a leaf into an internal node with 8 new children and
// redistributes the leaf's elements among them.
func (o *Octree) subdivide(node int) {
	n := o.nodes[node]
	start, end := n.firstElement, n.firstElement+n.elementCount

	o.moved = o.moved[:0]
	if n.elementCount > 0 {
		o.moved = append(o.moved, o.elements[start:end]...)
		o.elements = slices.Delete(o.elements, start, end)
		o.shiftRuns(node, end, -n.elementCount)
	}

	first := len(o.nodes)
	center, size := o.centers[node], o.sizes[node]
	for oct := 0; oct < 8; oct++ {
		o.nodes = append(o.nodes, octNode{
			childrenStart: -1,
			firstElement:  -1,
			depth:         n.depth + 1,
		})
		o.centers = append(o.centers, childCenter(center, size, oct))
		o.sizes = append(o.sizes, size/2)
	}
	o.nodes[node] = octNode{
		childrenStart: first,
		firstElement:  -1,
		depth:         n.depth,
		hasCollider:   n.hasCollider,
	}

	for _, index := range o.moved {
		pos := o.accessor(index).Position
		o.appendToLeaf(first+octant(pos, center), index)
	}
}

// Search returns the elements within radius of point using an iterative
// traversal that prunes nodes whose cube misses the query sphere.
func (o *Octree) Search(point mgl32.Vec3, radius float32) []int {
	o.results = o.results[:0]
	if o.accessor == nil || len(o.nodes) == 0 || radius < 0 {
		return o.results
	}

	r2 := radius * radius
	reach := radius + o.overshoot
	o.stack = append(o.stack[:0], 0)
	for len(o.stack) > 0 {
		node := o.stack[len(o.stack)-1]
		o.stack = o.stack[:len(o.stack)-1]
		if node < 0 || node >= len(o.nodes) {
			continue
		}

		half := o.sizes[node] / 2
		if !sphereIntersectsBox(point, reach, o.centers[node], mgl32.Vec3{half, half, half}) {
			continue
		}

		n := &o.nodes[node]
		if n.isLeaf() {
			end := n.firstElement + n.elementCount
			if n.elementCount == 0 || n.firstElement < 0 || end > len(o.elements) {
				continue
			}
			for _, index := range o.elements[n.firstElement:end] {
				if o.accessor(index).Position.Sub(point).LenSqr() <= r2 {
					o.results = append(o.results, index)
				}
			}
			continue
		}
		for c := 0; c < 8; c++ {
			o.stack = append(o.stack, n.childrenStart+c)
		}
	}
	return o.results
}

// FindNearby is Search under the Index name.
func (o *Octree) FindNearby(point mgl32.Vec3, rng float32) []int {
	return o.Search(point, rng)
}

// IsNearCollider descends along point's octants while nodes stay tagged and
// reports whether a tagged leaf is reached.
func (o *Octree) IsNearCollider(point mgl32.Vec3) bool {
	node := 0
	for node < len(o.nodes) {
		n := &o.nodes[node]
		if !n.hasCollider {
			return false
		}
		if n.isLeaf() {
			return true
		}
		node = n.childrenStart + octant(point, o.centers[node])
	}
	return false
}

// WrapPosition wraps p into the root cube.
func (o *Octree) WrapPosition(p mgl32.Vec3) mgl32.Vec3 {
	return o.root.Wrap(p)
}

// UpdateColliderInfo tags every node whose cube overlaps a collider. An
// internal node is tagged when it or any descendant is.
func (o *Octree) UpdateColliderInfo(query ColliderQuery) {
	if len(o.nodes) == 0 {
		return
	}
	if query == nil {
		for i := range o.nodes {
			o.nodes[i].hasCollider = false
		}
		return
	}
	o.markColliders(0, query)
}

func (o *Octree) markColliders(node int, query ColliderQuery) bool {
	if node >= len(o.nodes) {
		return false
	}
	s := o.sizes[node]
	hit := query(o.centers[node], mgl32.Vec3{s, s, s})
	if n := o.nodes[node]; !n.isLeaf() {
		for c := 0; c < 8; c++ {
			if o.markColliders(n.childrenStart+c, query) {
				hit = true
			}
		}
	}
	o.nodes[node].hasCollider = hit
	return hit
}

// GetVisualizationData returns one entry per node.
func (o *Octree) GetVisualizationData() []NodeVisual {
	out := make([]NodeVisual, 0, len(o.nodes))
	for i := range o.nodes {
		s := o.sizes[i]
		out = append(out, NodeVisual{
			Position:    o.centers[i],
			Size:        mgl32.Vec3{s, s, s},
			IsLeaf:      o.nodes[i].isLeaf(),
			HasCollider: o.nodes[i].hasCollider,
		})
	}
	return out
}

func (o *Octree) Stats() Stats {
	st := Stats{Kind: KindOctree.String(), Nodes: len(o.nodes), Elements: len(o.elements)}
	for i := range o.nodes {
		if o.nodes[i].isLeaf() {
			st.Leaves++
		}
		if o.nodes[i].depth > st.MaxDepth {
			st.MaxDepth = o.nodes[i].depth
		}
	}
	return st
}

// octant returns the 3-bit child code of pos relative to center:
// bit 0 for x, bit 1 for y, bit 2 for z, set when pos is on the high side.
func octant(pos, center mgl32.Vec3) int {
	code := 0
	if pos[0] >= center[0] {
		code |= 1
	}
	if pos[1] >= center[1] {
		code |= 2
	}
	if pos[2] >= center[2] {
		code |= 4
	}
	return code
}

// childCenter offsets the parent center by a quarter of the parent edge
// toward the octant.
func childCenter(center mgl32.Vec3, size float32, oct int) mgl32.Vec3 {
	q := size / 4
	off := mgl32.Vec3{-q, -q, -q}
	if oct&1 != 0 {
		off[0] = q
	}
	if oct&2 != 0 {
		off[1] = q
	}
	if oct&4 != 0 {
		off[2] = q
	}
	return center.Add(off)
}
