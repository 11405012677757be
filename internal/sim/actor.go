package sim

import (
	"github.com/go-gl/mathgl/mgl32"

	"flock-sim/internal/boids"
	"flock-sim/internal/spatial"
)

// Actor applies mutations on behalf of a named source. Events it causes
// carry that source, so the event log rate limits each source separately.
type Actor struct {
	sim    *Simulator
	source string
}

// As returns an Actor recording its events under source.
func (s *Simulator) As(source string) *Actor {
	return &Actor{sim: s, source: source}
}

func (a *Actor) Source() string {
	return a.source
}

func (a *Actor) Restart() {
	a.sim.mu.Lock()
	defer a.sim.mu.Unlock()
	a.sim.restart(a.source)
}

func (a *Actor) AddBoid(pos mgl32.Vec3, size float32) (int, error) {
	a.sim.mu.Lock()
	defer a.sim.mu.Unlock()
	return a.sim.addBoid(a.source, pos, size)
}

func (a *Actor) AddRandomBoids(n int) (int, error) {
	a.sim.mu.Lock()
	defer a.sim.mu.Unlock()
	return a.sim.addRandomBoids(a.source, n)
}

func (a *Actor) RemoveBoid(i int) error {
	a.sim.mu.Lock()
	defer a.sim.mu.Unlock()
	return a.sim.removeBoid(a.source, i)
}

func (a *Actor) SetParams(p boids.Params) error {
	a.sim.mu.Lock()
	defer a.sim.mu.Unlock()
	return a.sim.setParams(a.source, p)
}

func (a *Actor) SetColliderBoxes(boxes ...spatial.Bounds) {
	a.sim.mu.Lock()
	defer a.sim.mu.Unlock()
	a.sim.setColliderBoxes(a.source, boxes)
}

func (a *Actor) Resize(center mgl32.Vec3, size float32, capacity int) error {
	a.sim.mu.Lock()
	defer a.sim.mu.Unlock()
	return a.sim.resize(a.source, center, size, capacity)
}
