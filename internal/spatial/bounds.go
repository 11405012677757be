package spatial

import (
	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"
)

// Bounds is an axis-aligned box. A box with Min greater than Max on any axis
// is empty and contains nothing.
type Bounds struct {
	Min mgl32.Vec3 `json:"min" toml:"min"`
	Max mgl32.Vec3 `json:"max" toml:"max"`
}

// BoundsFromCenter returns the cube of edge size centered on center.
func BoundsFromCenter(center mgl32.Vec3, size float32) Bounds {
	half := size / 2
	h := mgl32.Vec3{half, half, half}
	return Bounds{Min: center.Sub(h), Max: center.Add(h)}
}

// EmptyBounds returns the identity element of Union.
func EmptyBounds() Bounds {
	inf := math32.Inf(1)
	return Bounds{
		Min: mgl32.Vec3{inf, inf, inf},
		Max: mgl32.Vec3{-inf, -inf, -inf},
	}
}

// IsEmpty reports whether the box encloses no point.
func (b Bounds) IsEmpty() bool {
	return b.Min[0] > b.Max[0] || b.Min[1] > b.Max[1] || b.Min[2] > b.Max[2]
}

// Center returns the midpoint of the box.
func (b Bounds) Center() mgl32.Vec3 {
	return b.Min.Add(b.Max).Mul(0.5)
}

// Size returns the edge lengths of the box.
func (b Bounds) Size() mgl32.Vec3 {
	return b.Max.Sub(b.Min)
}

// Union returns the smallest box enclosing both boxes.
func (b Bounds) Union(o Bounds) Bounds {
	return Bounds{
		Min: mgl32.Vec3{
			math32.Min(b.Min[0], o.Min[0]),
			math32.Min(b.Min[1], o.Min[1]),
			math32.Min(b.Min[2], o.Min[2]),
		},
		Max: mgl32.Vec3{
			math32.Max(b.Max[0], o.Max[0]),
			math32.Max(b.Max[1], o.Max[1]),
			math32.Max(b.Max[2], o.Max[2]),
		},
	}
}

// Contains reports whether p lies inside the box, faces included.
func (b Bounds) Contains(p mgl32.Vec3) bool {
	return p[0] >= b.Min[0] && p[0] <= b.Max[0] &&
		p[1] >= b.Min[1] && p[1] <= b.Max[1] &&
		p[2] >= b.Min[2] && p[2] <= b.Max[2]
}

// Overlaps reports whether two boxes share at least one point.
func (b Bounds) Overlaps(o Bounds) bool {
	if b.IsEmpty() || o.IsEmpty() {
		return false
	}
	return b.Min[0] <= o.Max[0] && b.Max[0] >= o.Min[0] &&
		b.Min[1] <= o.Max[1] && b.Max[1] >= o.Min[1] &&
		b.Min[2] <= o.Max[2] && b.Max[2] >= o.Min[2]
}

// FaceNormal returns the outward normal of the face p lies beyond, picking
// the axis with the largest overshoot. It is zero when p is inside.
func (b Bounds) FaceNormal(p mgl32.Vec3) mgl32.Vec3 {
	var n mgl32.Vec3
	var best float32
	for axis := 0; axis < 3; axis++ {
		if d := b.Min[axis] - p[axis]; d > best {
			best, n = d, mgl32.Vec3{}
			n[axis] = -1
		}
		if d := p[axis] - b.Max[axis]; d > best {
			best, n = d, mgl32.Vec3{}
			n[axis] = 1
		}
	}
	return n
}

// IntersectsSphere reports whether the sphere touches the box.
func (b Bounds) IntersectsSphere(center mgl32.Vec3, radius float32) bool {
	if b.IsEmpty() {
		return false
	}
	return sphereIntersectsBox(center, radius, b.Center(), b.Size().Mul(0.5))
}

// Distance returns how far p lies outside the box, 0 when inside.
func (b Bounds) Distance(p mgl32.Vec3) float32 {
	var d2 float32
	for axis := 0; axis < 3; axis++ {
		var d float32
		if p[axis] < b.Min[axis] {
			d = b.Min[axis] - p[axis]
		} else if p[axis] > b.Max[axis] {
			d = p[axis] - b.Max[axis]
		}
		d2 += d * d
	}
	return math32.Sqrt(d2)
}

// Wrap maps p inside the box, treating opposite faces as connected.
// Points already inside are returned unchanged.
func (b Bounds) Wrap(p mgl32.Vec3) mgl32.Vec3 {
	return mgl32.Vec3{
		wrapAxis(p[0], b.Min[0], b.Max[0]),
		wrapAxis(p[1], b.Min[1], b.Max[1]),
		wrapAxis(p[2], b.Min[2], b.Max[2]),
	}
}

// wrapAxis re-enters from the opposite face by the overshoot. Overshoot
// larger than the span is reduced modulo the span.
func wrapAxis(v, lo, hi float32) float32 {
	span := hi - lo
	if span <= 0 {
		return lo
	}
	switch {
	case v > hi:
		v = lo + math32.Mod(v-hi, span)
	case v < lo:
		v = hi - math32.Mod(lo-v, span)
	default:
		return v
	}
	// Rounding can land one ulp outside.
	if v > hi {
		v = hi
	} else if v < lo {
		v = lo
	}
	return v
}

// sphereIntersectsBox is the squared-distance test between a sphere and the
// box with the given center and half extents.
func sphereIntersectsBox(point mgl32.Vec3, radius float32, center, half mgl32.Vec3) bool {
	dx := math32.Max(0, math32.Abs(point[0]-center[0])-half[0])
	dy := math32.Max(0, math32.Abs(point[1]-center[1])-half[1])
	dz := math32.Max(0, math32.Abs(point[2]-center[2])-half[2])
	return dx*dx+dy*dy+dz*dz <= radius*radius
}

// longestAxis returns 0, 1 or 2 for the largest component of size.
func longestAxis(size mgl32.Vec3) int {
	axis := 0
	if size[1] > size[axis] {
		axis = 1
	}
	if size[2] > size[axis] {
		axis = 2
	}
	return axis
}
