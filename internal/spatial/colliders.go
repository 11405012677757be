package spatial

import (
	"sync"

	"github.com/go-gl/mathgl/mgl32"
)

// BoxColliders is an in-process stand-in for a host physics world: a set of
// static axis-aligned obstacles answering box overlap queries.
type BoxColliders struct {
	mu    sync.RWMutex
	boxes []Bounds
}

// NewBoxColliders returns a collider set holding the given boxes.
func NewBoxColliders(boxes ...Bounds) *BoxColliders {
	return &BoxColliders{boxes: append([]Bounds(nil), boxes...)}
}

// Add registers another obstacle.
func (c *BoxColliders) Add(box Bounds) {
	c.mu.Lock()
	c.boxes = append(c.boxes, box)
	c.mu.Unlock()
}

// Reset removes every obstacle.
func (c *BoxColliders) Reset() {
	c.mu.Lock()
	c.boxes = c.boxes[:0]
	c.mu.Unlock()
}

// Boxes returns a copy of the registered obstacles.
func (c *BoxColliders) Boxes() []Bounds {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Bounds(nil), c.boxes...)
}

// Overlaps reports whether any obstacle overlaps the box with the given
// center and full size.
func (c *BoxColliders) Overlaps(center, size mgl32.Vec3) bool {
	query := Bounds{Min: center.Sub(size.Mul(0.5)), Max: center.Add(size.Mul(0.5))}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, box := range c.boxes {
		if box.Overlaps(query) {
			return true
		}
	}
	return false
}

// Query adapts the set to a ColliderQuery.
func (c *BoxColliders) Query() ColliderQuery {
	return c.Overlaps
}
