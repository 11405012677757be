// Package spatial provides interchangeable spatial indexes for range queries
// over a population of moving points: an indexed octree, a uniform grid and a
// bounding-volume hierarchy, plus the policy that selects between them.
//
// All structures use preallocated slices with integer indices (not pointers)
// to minimize GC pressure and maximize cache locality. Elements are never
// stored inside an index; they are referenced by their slot in the caller's
// element store and read back through an Accessor.
package spatial

import (
	"github.com/go-gl/mathgl/mgl32"
)

// Element is a simulated entity as seen by an index.
type Element struct {
	Position mgl32.Vec3
	Size     float32 // edge length of the element's bounding cube
}

// Bounds returns the element's position-based bounding box.
func (e Element) Bounds() Bounds {
	size := e.Size
	if size < 0 {
		size = 0
	}
	return BoundsFromCenter(e.Position, size)
}

// Accessor resolves an element index to the current element value.
type Accessor func(index int) Element

// ColliderQuery is the host collision test used while tagging nodes. It
// reports whether any collider overlaps the box with the given center and
// full size.
type ColliderQuery func(center, size mgl32.Vec3) bool

// NodeVisual describes one node or cell for a debug renderer.
type NodeVisual struct {
	Position    mgl32.Vec3 `json:"position" msgpack:"p"`
	Size        mgl32.Vec3 `json:"size" msgpack:"s"`
	IsLeaf      bool       `json:"isLeaf" msgpack:"l"`
	HasCollider bool       `json:"hasCollider" msgpack:"c"`
}

// Kind identifies a concrete index implementation.
type Kind int

const (
	KindOctree Kind = iota
	KindGrid
	KindBVH
)

func (k Kind) String() string {
	switch k {
	case KindOctree:
		return "octree"
	case KindGrid:
		return "cells"
	case KindBVH:
		return "bvh"
	default:
		return "unknown"
	}
}

// Stats summarizes the shape of an index after its last rebuild.
type Stats struct {
	Kind     string `json:"kind" msgpack:"kind"`
	Nodes    int    `json:"nodes" msgpack:"nodes"`
	Leaves   int    `json:"leaves" msgpack:"leaves"`
	Elements int    `json:"elements" msgpack:"elements"`
	MaxDepth int    `json:"maxDepth" msgpack:"maxDepth"`
}

// Index is the capability set shared by every spatial index.
//
// Slices returned by FindNearby are owned by the index and are only valid
// until the next query on the same index. Copy them to keep them.
type Index interface {
	// Initialize sets the root volume, the capacity hint and the element
	// accessor, and resets the index to empty.
	Initialize(rootCenter mgl32.Vec3, rootSize float32, capacity int, accessor Accessor)

	// Clear drops every inserted element and returns to a single empty root.
	Clear()

	// Insert adds the given element indices using their current positions.
	Insert(indices []int)

	// FindNearby returns the indices of elements within rng of point.
	FindNearby(point mgl32.Vec3, rng float32) []int

	// IsNearCollider reports whether point lies in a region tagged by the
	// last UpdateColliderInfo call.
	IsNearCollider(point mgl32.Vec3) bool

	// WrapPosition maps p back inside the root volume, treating opposite
	// faces as connected.
	WrapPosition(p mgl32.Vec3) mgl32.Vec3

	// UpdateColliderInfo re-tags nodes using the host collision query.
	// A nil query clears all tags.
	UpdateColliderInfo(query ColliderQuery)

	// GetVisualizationData exports every node or cell for debug drawing.
	GetVisualizationData() []NodeVisual

	Kind() Kind
	Stats() Stats
}

// NewIndex constructs an uninitialized index of the given kind.
func NewIndex(kind Kind) Index {
	switch kind {
	case KindGrid:
		return NewGrid()
	case KindBVH:
		return NewBVH()
	default:
		return NewOctree()
	}
}

var (
	_ Index = (*Octree)(nil)
	_ Index = (*Grid)(nil)
	_ Index = (*BVH)(nil)
)
