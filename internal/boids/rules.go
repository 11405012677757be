package boids

import (
	"github.com/go-gl/mathgl/mgl32"

	"flock-sim/internal/spatial"
)

// Rule is one steering behavior. CalculateForce returns the unweighted
// steering force for self given its neighbor list; it must return the zero
// vector when no neighbor lies within Range.
type Rule interface {
	Name() string
	CalculateForce(self int, neighbors []int, elements spatial.Accessor, velocities []mgl32.Vec3) mgl32.Vec3
	Range() float32
	Weight() float32
}

// DefaultRules returns alignment, cohesion, separation and follow, all
// reading p.
func DefaultRules(p *Params) []Rule {
	return []Rule{
		&Alignment{p: p},
		&Cohesion{p: p},
		&Separation{p: p},
		&Follow{p: p},
	}
}

// limitLength scales v down to limit when it is longer.
func limitLength(v mgl32.Vec3, limit float32) mgl32.Vec3 {
	if l2 := v.LenSqr(); l2 > limit*limit && l2 > 0 {
		return v.Mul(limit / v.Len())
	}
	return v
}

// steer turns a desired velocity into a force clamped to MaxForce.
func steer(desired, velocity mgl32.Vec3, maxForce float32) mgl32.Vec3 {
	return limitLength(desired.Sub(velocity), maxForce)
}

// Alignment steers toward the mean velocity of neighbors.
type Alignment struct {
	p *Params
}

func NewAlignment(p *Params) *Alignment { return &Alignment{p: p} }

func (r *Alignment) Name() string    { return "alignment" }
func (r *Alignment) Range() float32  { return r.p.AlignmentRange }
func (r *Alignment) Weight() float32 { return r.p.AlignmentWeight }

func (r *Alignment) CalculateForce(self int, neighbors []int, elements spatial.Accessor, velocities []mgl32.Vec3) mgl32.Vec3 {
	pos := elements(self).Position
	r2 := r.p.AlignmentRange * r.p.AlignmentRange

	var sum mgl32.Vec3
	count := 0
	for _, n := range neighbors {
		if n == self {
			continue
		}
		if elements(n).Position.Sub(pos).LenSqr() <= r2 {
			sum = sum.Add(velocities[n])
			count++
		}
	}
	if count == 0 {
		return mgl32.Vec3{}
	}
	return steer(sum.Mul(1/float32(count)), velocities[self], r.p.MaxForce)
}

// Cohesion steers toward the mean position of neighbors at full speed.
type Cohesion struct {
	p *Params
}

func NewCohesion(p *Params) *Cohesion { return &Cohesion{p: p} }

func (r *Cohesion) Name() string    { return "cohesion" }
func (r *Cohesion) Range() float32  { return r.p.CohesionRange }
func (r *Cohesion) Weight() float32 { return r.p.CohesionWeight }

func (r *Cohesion) CalculateForce(self int, neighbors []int, elements spatial.Accessor, velocities []mgl32.Vec3) mgl32.Vec3 {
	pos := elements(self).Position
	r2 := r.p.CohesionRange * r.p.CohesionRange

	var center mgl32.Vec3
	count := 0
	for _, n := range neighbors {
		if n == self {
			continue
		}
		np := elements(n).Position
		if np.Sub(pos).LenSqr() <= r2 {
			center = center.Add(np)
			count++
		}
	}
	if count == 0 {
		return mgl32.Vec3{}
	}

	toward := center.Mul(1 / float32(count)).Sub(pos)
	if toward.LenSqr() == 0 {
		// Already at the center of mass.
		return steer(mgl32.Vec3{}, velocities[self], r.p.MaxForce)
	}
	return steer(toward.Normalize().Mul(r.p.MaxSpeed), velocities[self], r.p.MaxForce)
}

// Separation steers away from close neighbors, weighting each repulsion by
// the inverse of its distance.
type Separation struct {
	p *Params
}

func NewSeparation(p *Params) *Separation { return &Separation{p: p} }

func (r *Separation) Name() string    { return "separation" }
func (r *Separation) Range() float32  { return r.p.SeparationRange }
func (r *Separation) Weight() float32 { return r.p.SeparationWeight }

func (r *Separation) CalculateForce(self int, neighbors []int, elements spatial.Accessor, velocities []mgl32.Vec3) mgl32.Vec3 {
	pos := elements(self).Position

	var push mgl32.Vec3
	count := 0
	for _, n := range neighbors {
		if n == self {
			continue
		}
		away := pos.Sub(elements(n).Position)
		dist := away.Len()
		// Coincident neighbors have no direction to push along.
		if dist <= 0 || dist > r.p.SeparationRange {
			continue
		}
		push = push.Add(away.Mul(1 / (dist * dist)))
		count++
	}
	if count == 0 {
		return mgl32.Vec3{}
	}

	push = push.Mul(1 / float32(count))
	if push.LenSqr() > 0 {
		push = push.Normalize().Mul(r.p.MaxSpeed)
	}
	return steer(push, velocities[self], r.p.MaxForce)
}

// Follow steers toward the nearest neighbor ahead: within FollowRange and on
// the positive side of the element's own heading.
type Follow struct {
	p *Params
}

func NewFollow(p *Params) *Follow { return &Follow{p: p} }

func (r *Follow) Name() string    { return "follow" }
func (r *Follow) Range() float32  { return r.p.FollowRange }
func (r *Follow) Weight() float32 { return r.p.FollowWeight }

func (r *Follow) CalculateForce(self int, neighbors []int, elements spatial.Accessor, velocities []mgl32.Vec3) mgl32.Vec3 {
	pos := elements(self).Position
	heading := velocities[self]
	r2 := r.p.FollowRange * r.p.FollowRange

	var offset mgl32.Vec3
	best := r2
	found := false
	for _, n := range neighbors {
		if n == self {
			continue
		}
		off := elements(n).Position.Sub(pos)
		d2 := off.LenSqr()
		if d2 == 0 || d2 > best || heading.Dot(off) <= 0 {
			continue
		}
		if found && d2 == best {
			continue
		}
		offset, best, found = off, d2, true
	}
	if !found {
		return mgl32.Vec3{}
	}
	return steer(offset.Normalize().Mul(r.p.MaxSpeed), heading, r.p.MaxForce)
}
