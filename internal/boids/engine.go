package boids

import (
	"cmp"
	"fmt"
	"math/rand"
	"slices"

	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"

	"flock-sim/internal/spatial"
)

// ErrTypeDesync marks an element store whose length no longer matches the
// engine's velocity and acceleration arrays.
const ErrTypeDesync = "boid_state_desync"

// DesyncError reports diverging array lengths. Steering never runs on a
// desynchronized engine.
type DesyncError struct {
	Elements      int
	Velocities    int
	Accelerations int
}

func (e *DesyncError) Error() string {
	return fmt.Sprintf("boid state desync: %d elements, %d velocities, %d accelerations",
		e.Elements, e.Velocities, e.Accelerations)
}

// StepStats describes one steering pass.
type StepStats struct {
	Batched   bool `json:"batched" msgpack:"batched"`
	Steered   int  `json:"steered" msgpack:"steered"`
	Neighbors int  `json:"neighbors" msgpack:"neighbors"`
}

type candidate struct {
	index int
	d2    float32
}

// Engine owns per-element velocities and accelerations, indexed like the
// element store, and evaluates its rules against spatial-index neighbors.
type Engine struct {
	params *Params
	rules  []Rule
	rng    *rand.Rand

	velocities    []mgl32.Vec3
	accelerations []mgl32.Vec3

	// Scratch, valid for one element at a time.
	filtered   []int
	candidates []candidate
}

// NewEngine returns an engine running the default rules. A nil rng falls
// back to a time-independent fixed seed.
func NewEngine(params Params, rng *rand.Rand) *Engine {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	p := params
	return &Engine{
		params:     &p,
		rules:      DefaultRules(&p),
		rng:        rng,
		filtered:   make([]int, 0, 32),
		candidates: make([]candidate, 0, 32),
	}
}

// Params returns a copy of the live tunables.
func (e *Engine) Params() Params {
	return *e.params
}

// SetParams validates and swaps in new tunables. Rules observe them on the
// next Steer.
func (e *Engine) SetParams(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	*e.params = p
	return nil
}

func (e *Engine) Rules() []Rule {
	return e.rules
}

// MaxRange is the largest range among rules with a positive weight.
func (e *Engine) MaxRange() float32 {
	var r float32
	for _, rule := range e.rules {
		if rule.Weight() > 0 {
			r = math32.Max(r, rule.Range())
		}
	}
	return r
}

func (e *Engine) Len() int {
	return len(e.velocities)
}

// Add appends state for one new element, heading along dir at MaxSpeed. A
// zero dir picks a random heading.
func (e *Engine) Add(dir mgl32.Vec3) {
	if dir.LenSqr() == 0 {
		dir = e.randomDirection()
	}
	e.velocities = append(e.velocities, dir.Normalize().Mul(e.params.MaxSpeed))
	e.accelerations = append(e.accelerations, mgl32.Vec3{})
}

// AddRandom appends state for one new element with a random heading.
func (e *Engine) AddRandom() {
	e.Add(mgl32.Vec3{})
}

func (e *Engine) randomDirection() mgl32.Vec3 {
	for {
		v := mgl32.Vec3{
			e.rng.Float32()*2 - 1,
			e.rng.Float32()*2 - 1,
			e.rng.Float32()*2 - 1,
		}
		if l2 := v.LenSqr(); l2 > 1e-6 && l2 <= 1 {
			return v
		}
	}
}

// RemoveAt deletes element i's state, shifting later elements down to match
// an ordered removal from the element store.
func (e *Engine) RemoveAt(i int) bool {
	if i < 0 || i >= len(e.velocities) {
		return false
	}
	e.velocities = slices.Delete(e.velocities, i, i+1)
	if i < len(e.accelerations) {
		e.accelerations = slices.Delete(e.accelerations, i, i+1)
	}
	return true
}

// Reset drops all element state.
func (e *Engine) Reset() {
	e.velocities = e.velocities[:0]
	e.accelerations = e.accelerations[:0]
}

func (e *Engine) Velocity(i int) mgl32.Vec3 {
	return e.velocities[i]
}

// Velocities exposes the live velocity slice. Callers must not grow it.
func (e *Engine) Velocities() []mgl32.Vec3 {
	return e.velocities
}

// Reflect bounces element i's velocity off a surface with the given normal,
// keeping it at MaxSpeed.
func (e *Engine) Reflect(i int, normal mgl32.Vec3) {
	if i < 0 || i >= len(e.velocities) || normal.LenSqr() == 0 {
		return
	}
	n := normal.Normalize()
	v := e.velocities[i]
	r := v.Sub(n.Mul(2 * v.Dot(n)))
	if r.LenSqr() == 0 {
		return
	}
	e.velocities[i] = r.Normalize().Mul(e.params.MaxSpeed)
}

// CheckSync reports a DesyncError when count differs from the engine's
// array lengths.
func (e *Engine) CheckSync(count int) error {
	if count == len(e.velocities) && count == len(e.accelerations) {
		return nil
	}
	return &DesyncError{
		Elements:      count,
		Velocities:    len(e.velocities),
		Accelerations: len(e.accelerations),
	}
}

// Steer runs one behavior pass over elements [0, count). Every element's
// acceleration is accumulated from neighbor reads first; velocities are
// integrated and clamped to MaxSpeed afterward, so results do not depend on
// visit order. Positions are not touched.
//
// With a grid index large enough to batch, neighbor candidates come from
// ProcessCells with the grid as its own sparse fallback.
func (e *Engine) Steer(index spatial.Index, elements spatial.Accessor, count int) (StepStats, error) {
	var stats StepStats
	if err := e.CheckSync(count); err != nil {
		return stats, err
	}
	if count == 0 || index == nil || elements == nil {
		return stats, nil
	}

	maxRange := e.MaxRange()
	if grid, ok := index.(*spatial.Grid); ok && grid.ShouldBatch(count) {
		stats.Batched = true
		grid.ProcessCells(grid, maxRange, func(i int, candidates []int) {
			if i < count {
				stats.Neighbors += e.accumulate(i, candidates, elements, maxRange)
				stats.Steered++
			}
		})
	} else {
		for i := 0; i < count; i++ {
			candidates := index.FindNearby(elements(i).Position, maxRange)
			stats.Neighbors += e.accumulate(i, candidates, elements, maxRange)
			stats.Steered++
		}
	}

	maxSpeed := e.params.MaxSpeed
	for i := range e.velocities {
		e.velocities[i] = limitLength(e.velocities[i].Add(e.accelerations[i]), maxSpeed)
		e.accelerations[i] = mgl32.Vec3{}
	}
	return stats, nil
}

// accumulate filters candidates to the neighbor set of self and adds the
// weighted sum of rule forces to its acceleration. It returns the neighbor
// count.
func (e *Engine) accumulate(self int, candidates []int, elements spatial.Accessor, maxRange float32) int {
	neighbors := e.filterNeighbors(self, candidates, elements, maxRange)

	var force mgl32.Vec3
	for _, rule := range e.rules {
		w := rule.Weight()
		if w == 0 {
			continue
		}
		force = force.Add(rule.CalculateForce(self, neighbors, elements, e.velocities).Mul(w))
	}
	e.accelerations[self] = e.accelerations[self].Add(force)
	return len(neighbors)
}

// filterNeighbors drops self and anything beyond maxRange, then keeps the
// MaxNeighbors nearest when a cap is set. The result is scratch.
func (e *Engine) filterNeighbors(self int, candidates []int, elements spatial.Accessor, maxRange float32) []int {
	pos := elements(self).Position
	r2 := maxRange * maxRange

	e.candidates = e.candidates[:0]
	for _, n := range candidates {
		if n == self || n < 0 || n >= len(e.velocities) {
			continue
		}
		if d2 := elements(n).Position.Sub(pos).LenSqr(); d2 <= r2 {
			e.candidates = append(e.candidates, candidate{index: n, d2: d2})
		}
	}

	if limit := e.params.MaxNeighbors; limit > 0 && len(e.candidates) > limit {
		slices.SortFunc(e.candidates, func(a, b candidate) int {
			if c := cmp.Compare(a.d2, b.d2); c != 0 {
				return c
			}
			return cmp.Compare(a.index, b.index)
		})
		e.candidates = e.candidates[:limit]
	}

	e.filtered = e.filtered[:0]
	for _, c := range e.candidates {
		e.filtered = append(e.filtered, c.index)
	}
	return e.filtered
}
