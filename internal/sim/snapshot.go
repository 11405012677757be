package sim

import (
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"flock-sim/internal/spatial"
)

// SnapshotLimits caps what one published frame carries.
type SnapshotLimits struct {
	MaxBoids int // Boids copied per frame
	MaxNodes int // Visualization nodes copied per frame
}

// DefaultSnapshotLimits keeps a frame small enough for 10Hz broadcasts.
var DefaultSnapshotLimits = SnapshotLimits{
	MaxBoids: 5000,
	MaxNodes: 4096,
}

// BoidSnapshot is an immutable copy of one boid.
type BoidSnapshot struct {
	Position     mgl32.Vec3 `json:"position" msgpack:"position"`
	Velocity     mgl32.Vec3 `json:"velocity" msgpack:"velocity"`
	NearCollider bool       `json:"nearCollider" msgpack:"nearCollider"`
}

// Snapshot is one published frame. Slices are preallocated to the pool
// limits and never grow past them.
type Snapshot struct {
	Sequence  uint64    `json:"sequence" msgpack:"sequence"`
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp"`
	Tick      uint64    `json:"tick" msgpack:"tick"`
	Seed      int64     `json:"seed" msgpack:"seed"`

	Mode       string        `json:"mode" msgpack:"mode"`
	Index      spatial.Stats `json:"index" msgpack:"index"`
	BoidCount  int           `json:"boidCount" msgpack:"boidCount"`
	RootCenter mgl32.Vec3    `json:"rootCenter" msgpack:"rootCenter"`
	RootSize   float32       `json:"rootSize" msgpack:"rootSize"`
	Stats      TickStats     `json:"stats" msgpack:"stats"`

	Boids []BoidSnapshot       `json:"boids" msgpack:"boids"`
	Nodes []spatial.NodeVisual `json:"nodes,omitempty" msgpack:"nodes,omitempty"`
}

// Clone returns a deep copy that stays valid after later publications.
func (s *Snapshot) Clone() *Snapshot {
	return s.CloneInto(&Snapshot{})
}

// CloneInto deep-copies s into dst, reusing dst's slices, and returns dst.
func (s *Snapshot) CloneInto(dst *Snapshot) *Snapshot {
	boids, nodes := dst.Boids[:0], dst.Nodes[:0]
	*dst = *s
	dst.Boids = append(boids, s.Boids...)
	dst.Nodes = append(nodes, s.Nodes...)
	return dst
}

// SnapshotPool is a triple buffer: the tick goroutine fills one slot while
// readers see the last published one. A read slot stays intact until two
// further publications.
type SnapshotPool struct {
	snapshots [3]Snapshot
	limits    SnapshotLimits
	writeIdx  atomic.Uint32
	readIdx   atomic.Uint32
	sequence  atomic.Uint64
}

// NewSnapshotPool preallocates every slot.
func NewSnapshotPool(limits SnapshotLimits) *SnapshotPool {
	p := &SnapshotPool{limits: limits}
	for i := range p.snapshots {
		p.snapshots[i] = Snapshot{
			Boids: make([]BoidSnapshot, 0, limits.MaxBoids),
			Nodes: make([]spatial.NodeVisual, 0, limits.MaxNodes),
		}
	}
	return p
}

// AcquireWrite returns the next slot, reset but with its capacity kept.
func (p *SnapshotPool) AcquireWrite() *Snapshot {
	idx := p.writeIdx.Add(1) % 3
	snap := &p.snapshots[idx]
	snap.Boids = snap.Boids[:0]
	snap.Nodes = snap.Nodes[:0]
	snap.Sequence = p.sequence.Add(1)
	snap.Timestamp = time.Now()
	return snap
}

// PublishWrite makes the last acquired slot the read slot.
func (p *SnapshotPool) PublishWrite() {
	p.readIdx.Store(p.writeIdx.Load())
}

// AcquireRead returns the latest published frame. Before the first
// publication it is an empty frame.
func (p *SnapshotPool) AcquireRead() *Snapshot {
	return &p.snapshots[p.readIdx.Load()%3]
}

func (p *SnapshotPool) Limits() SnapshotLimits {
	return p.limits
}
