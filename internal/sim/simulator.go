// Package sim drives a flock: it owns the element store, the behavior
// engine and the partitioning selector, and advances them one tick at a
// time.
package sim

import (
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/go-gl/mathgl/mgl32"

	"flock-sim/internal/boids"
	"flock-sim/internal/spatial"
)

const (
	ErrTypeBoidNotFound = "boid_not_found"
	ErrTypeBoidLimit    = "boid_limit_reached"
)

// VisualizationSink receives the active index's node boxes once per tick
// while visualization is toggled on.
type VisualizationSink func(tick uint64, nodes []spatial.NodeVisual)

// TickStats describes one completed tick.
type TickStats struct {
	Tick             uint64        `json:"tick" msgpack:"tick"`
	DeltaTime        float32       `json:"deltaTime" msgpack:"deltaTime"`
	Boids            int           `json:"boids" msgpack:"boids"`
	Kind             string        `json:"kind" msgpack:"kind"`
	Rebuilt          bool          `json:"rebuilt" msgpack:"rebuilt"`
	Switched         bool          `json:"switched" msgpack:"switched"`
	CollidersUpdated bool          `json:"collidersUpdated" msgpack:"collidersUpdated"`
	Batched          bool          `json:"batched" msgpack:"batched"`
	Neighbors        int           `json:"neighbors" msgpack:"neighbors"`
	Bounces          int           `json:"bounces" msgpack:"bounces"`
	Duration         time.Duration `json:"duration" msgpack:"duration"`
}

// Simulator advances a flock. Every exported method takes the same mutex,
// so a tick never overlaps another tick or a mutation.
type Simulator struct {
	mu sync.Mutex

	cfg  Config
	seed int64
	rng  *rand.Rand

	elements []spatial.Element
	indices  []int
	engine   *boids.Engine
	selector *spatial.Selector
	accessor spatial.Accessor

	colliders   spatial.ColliderQuery
	boxes       []spatial.Bounds
	refreshAcc  float32
	colliderAcc float32

	visualize bool
	sink      VisualizationSink
	onTick    func(TickStats)

	tick      uint64
	lastStats TickStats
	snapshots *SnapshotPool
	events    *EventLog

	running  bool
	ticker   *time.Ticker
	stopChan chan struct{}
	done     chan struct{}
}

// New validates cfg, spawns cfg.InitialCount boids and builds the first
// index.
func New(cfg Config) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.RefreshInterval = clampRefreshInterval(cfg.RefreshInterval)

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	s := &Simulator{
		cfg:       cfg,
		seed:      seed,
		rng:       rng,
		engine:    boids.NewEngine(cfg.Boids, rng),
		selector:  spatial.NewSelector(cfg.Mode, cfg.AutoSwitchThreshold),
		snapshots: NewSnapshotPool(DefaultSnapshotLimits),
		events:    NewEventLog(),
	}
	s.accessor = func(i int) spatial.Element { return s.elements[i] }
	if len(cfg.Colliders) > 0 {
		s.boxes = append(s.boxes, cfg.Colliders...)
		s.colliders = spatial.NewBoxColliders(cfg.Colliders...).Query()
	}

	s.restart("")
	return s, nil
}

// Start runs Tick at cfg.TickRate on a background goroutine.
func (s *Simulator) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})
	s.ticker = time.NewTicker(time.Second / time.Duration(s.cfg.TickRate))
	ticker, stop, done := s.ticker, s.stopChan, s.done
	rate, mode := s.cfg.TickRate, s.selector.Mode()
	dt := 1 / float32(rate)
	s.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case <-ticker.C:
				if _, err := s.Tick(dt); err != nil {
					logs.Warn(errors.New("tick failed, restarting simulation").Wrap(err))
					s.Restart()
				}
			case <-stop:
				return
			}
		}
	}()

	logs.WithTag("tick_rate", rate).
		WithTag("mode", mode.String()).
		Info("simulation started")
}

// Stop halts the tick goroutine and waits for it to exit.
func (s *Simulator) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.ticker.Stop()
	close(s.stopChan)
	done := s.done
	s.mu.Unlock()

	<-done
	logs.WithTag("tick", s.LastStats().Tick).Info("simulation stopped")
}

// Tick advances the flock by dt seconds.
func (s *Simulator) Tick(dt float32) (TickStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step(dt)
}

func (s *Simulator) step(dt float32) (TickStats, error) {
	start := time.Now()
	s.tick++
	count := len(s.elements)
	stats := TickStats{Tick: s.tick, DeltaTime: dt, Boids: count}

	if err := s.engine.CheckSync(count); err != nil {
		s.events.EmitSimple(EventTypeDesync, s.tick, "", DesyncPayload{
			Elements:   count,
			Velocities: s.engine.Len(),
		})
		return stats, errors.New("element store out of sync with boid state").
			WithType(boids.ErrTypeDesync).
			WithTag("tick", s.tick).
			Wrap(err)
	}

	index := s.selector.Index()
	steer, err := s.engine.Steer(index, s.accessor, count)
	if err != nil {
		return stats, err
	}
	stats.Batched = steer.Batched
	stats.Neighbors = steer.Neighbors

	velocities := s.engine.Velocities()
	for i := range s.elements {
		prev := s.elements[i].Position
		next := prev.Add(velocities[i])
		if normal, hit := s.bounce(prev, next); hit {
			s.engine.Reflect(i, normal)
			stats.Bounces++
			next = prev
		}
		s.elements[i].Position = index.WrapPosition(next)
	}

	indices := s.allIndices()

	s.refreshAcc += dt
	if s.refreshAcc >= s.cfg.RefreshInterval {
		rebuildStart := time.Now()
		s.selector.Rebuild(indices)
		s.markColliders()
		s.refreshAcc = 0
		stats.Rebuilt = true
		s.events.EmitSimple(EventTypeRebuild, s.tick, "", RebuildPayload{
			Kind:     s.selector.Index().Kind().String(),
			Boids:    count,
			Duration: time.Since(rebuildStart),
		})
	}

	s.colliderAcc += dt
	if s.cfg.ColliderMarkingInterval > 0 && s.colliderAcc >= s.cfg.ColliderMarkingInterval {
		s.colliderAcc = 0
		if s.colliders != nil {
			s.selector.Index().UpdateColliderInfo(s.colliders)
			stats.CollidersUpdated = true
		}
	}

	from := s.selector.Index().Kind()
	if s.selector.Sync(indices) {
		to := s.selector.Index().Kind()
		stats.Switched = true
		s.markColliders()
		s.events.EmitSimple(EventTypeModeSwitch, s.tick, "", ModeSwitchPayload{
			From:  from.String(),
			To:    to.String(),
			Boids: count,
		})
		logs.WithTag("from", from.String()).
			WithTag("to", to.String()).
			WithTag("boids", count).
			Debug("partitioning switched")
	}
	stats.Kind = s.selector.Index().Kind().String()

	if s.visualize && s.sink != nil {
		s.sink(s.tick, s.selector.Index().GetVisualizationData())
	}

	stats.Duration = time.Since(start)
	s.lastStats = stats
	s.publish()
	if s.onTick != nil {
		s.onTick(stats)
	}
	return stats, nil
}

func (s *Simulator) allIndices() []int {
	n := len(s.elements)
	if cap(s.indices) < n {
		s.indices = make([]int, n, n+n/2)
	}
	s.indices = s.indices[:n]
	for i := range s.indices {
		s.indices[i] = i
	}
	return s.indices
}

func (s *Simulator) markColliders() {
	if s.colliders != nil {
		s.selector.Index().UpdateColliderInfo(s.colliders)
	}
}

// publish copies the current state into the next snapshot slot.
func (s *Simulator) publish() {
	snap := s.snapshots.AcquireWrite()
	limits := s.snapshots.Limits()
	index := s.selector.Index()

	snap.Tick = s.tick
	snap.Seed = s.seed
	snap.Mode = s.selector.Mode().String()
	snap.Index = index.Stats()
	snap.BoidCount = len(s.elements)
	snap.RootCenter = s.cfg.RootCenter
	snap.RootSize = s.cfg.RootSize
	snap.Stats = s.lastStats

	velocities := s.engine.Velocities()
	for i, e := range s.elements {
		if i >= limits.MaxBoids {
			break
		}
		snap.Boids = append(snap.Boids, BoidSnapshot{
			Position:     e.Position,
			Velocity:     velocities[i],
			NearCollider: s.colliders != nil && index.IsNearCollider(e.Position),
		})
	}

	if s.visualize {
		for _, n := range index.GetVisualizationData() {
			if len(snap.Nodes) >= limits.MaxNodes {
				break
			}
			snap.Nodes = append(snap.Nodes, n)
		}
	}
	s.snapshots.PublishWrite()
}

// Restart respawns cfg.InitialCount boids uniformly inside the root box and
// rebuilds the index from scratch.
func (s *Simulator) Restart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restart("")
}

func (s *Simulator) restart(source string) {
	s.elements = s.elements[:0]
	s.engine.Reset()
	s.refreshAcc = 0
	s.colliderAcc = 0

	for i := 0; i < s.cfg.InitialCount; i++ {
		s.elements = append(s.elements, spatial.Element{Position: s.randomPosition(), Size: s.cfg.ElementSize})
		s.engine.AddRandom()
	}

	s.selector.Configure(s.cfg.RootCenter, s.cfg.RootSize, s.cfg.Capacity, s.accessor)
	s.selector.Sync(s.allIndices())
	s.markColliders()
	s.publish()

	s.events.EmitSimple(EventTypeRestart, s.tick, source, RestartPayload{
		Boids: len(s.elements),
		Seed:  s.seed,
	})
}

// AddBoid appends a boid with a random heading and inserts it into the
// active index. It returns the new boid's index.
func (s *Simulator) AddBoid(pos mgl32.Vec3, size float32) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addBoid("", pos, size)
}

func (s *Simulator) addBoid(source string, pos mgl32.Vec3, size float32) (int, error) {
	if len(s.elements) >= s.cfg.MaxBoids {
		return -1, errors.New("boid limit reached").
			WithType(ErrTypeBoidLimit).
			WithTag("max", s.cfg.MaxBoids)
	}
	if size <= 0 {
		size = s.cfg.ElementSize
	}

	i := len(s.elements)
	s.elements = append(s.elements, spatial.Element{Position: pos, Size: size})
	s.engine.AddRandom()
	s.selector.Index().Insert([]int{i})

	s.events.EmitSimple(EventTypeBoidAdded, s.tick, source, BoidPayload{
		Index: i,
		Boids: len(s.elements),
		Pos:   pos,
	})
	return i, nil
}

// AddRandomBoids spawns up to n boids uniformly inside the root box and
// returns how many were added. Hitting MaxBoids adds what fits and returns
// an error.
func (s *Simulator) AddRandomBoids(n int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addRandomBoids("", n)
}

func (s *Simulator) addRandomBoids(source string, n int) (int, error) {
	room := s.cfg.MaxBoids - len(s.elements)
	count := min(n, room)
	first := len(s.elements)
	added := make([]int, 0, max(count, 0))
	for i := 0; i < count; i++ {
		added = append(added, len(s.elements))
		s.elements = append(s.elements, spatial.Element{Position: s.randomPosition(), Size: s.cfg.ElementSize})
		s.engine.AddRandom()
	}
	if len(added) > 0 {
		s.selector.Index().Insert(added)
		s.events.EmitSimple(EventTypeBoidAdded, s.tick, source, BoidPayload{
			Index: first,
			Boids: len(s.elements),
		})
	}

	if count < n {
		return len(added), errors.New("boid limit reached").
			WithType(ErrTypeBoidLimit).
			WithTag("max", s.cfg.MaxBoids).
			WithTag("requested", n)
	}
	return len(added), nil
}

func (s *Simulator) randomPosition() mgl32.Vec3 {
	root := spatial.BoundsFromCenter(s.cfg.RootCenter, s.cfg.RootSize)
	size := root.Size()
	return root.Min.Add(mgl32.Vec3{
		s.rng.Float32() * size[0],
		s.rng.Float32() * size[1],
		s.rng.Float32() * size[2],
	})
}

// RemoveBoid deletes boid i. Later boids shift down by one, so the index is
// rebuilt immediately.
func (s *Simulator) RemoveBoid(i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeBoid("", i)
}

func (s *Simulator) removeBoid(source string, i int) error {
	if i < 0 || i >= len(s.elements) {
		return errors.New("boid not found").
			WithType(ErrTypeBoidNotFound).
			WithTag("index", i).
			WithTag("boids", len(s.elements))
	}

	pos := s.elements[i].Position
	s.elements = slices.Delete(s.elements, i, i+1)
	s.engine.RemoveAt(i)
	s.selector.Rebuild(s.allIndices())
	s.markColliders()

	s.events.EmitSimple(EventTypeBoidRemoved, s.tick, source, BoidPayload{
		Index: i,
		Boids: len(s.elements),
		Pos:   pos,
	})
	return nil
}

// SetMode changes the partitioning policy. The index is replaced on the
// next tick.
func (s *Simulator) SetMode(mode spatial.Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Mode = mode
	s.selector.SetMode(mode)
}

// SetAutoSwitchThreshold changes the automatic-mode population threshold.
func (s *Simulator) SetAutoSwitchThreshold(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selector.SetThreshold(n)
	s.cfg.AutoSwitchThreshold = s.selector.Threshold()
}

// SetParams swaps the behavior tunables. They apply from the next tick.
func (s *Simulator) SetParams(p boids.Params) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setParams("", p)
}

func (s *Simulator) setParams(source string, p boids.Params) error {
	if err := s.engine.SetParams(p); err != nil {
		return err
	}
	s.cfg.Boids = p
	s.events.EmitSimple(EventTypeParamsChanged, s.tick, source, p)
	return nil
}

// SetRefreshInterval sets the rebuild cadence in seconds and returns the
// value actually applied after clamping.
func (s *Simulator) SetRefreshInterval(seconds float32) float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.RefreshInterval = clampRefreshInterval(seconds)
	return s.cfg.RefreshInterval
}

// SetColliders replaces the host collision query and re-tags the active
// index at once. A nil query clears every tag.
func (s *Simulator) SetColliders(query spatial.ColliderQuery) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.setColliders("", query, nil)
}

// SetColliderBoxes replaces the colliders with axis-aligned boxes. An empty
// list clears every tag.
func (s *Simulator) SetColliderBoxes(boxes ...spatial.Bounds) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setColliderBoxes("", boxes)
}

func (s *Simulator) setColliderBoxes(source string, boxes []spatial.Bounds) {
	if len(boxes) == 0 {
		s.setColliders(source, nil, nil)
		return
	}
	s.setColliders(source, spatial.NewBoxColliders(boxes...).Query(), boxes)
}

func (s *Simulator) setColliders(source string, query spatial.ColliderQuery, boxes []spatial.Bounds) {
	s.colliders = query
	s.boxes = append(s.boxes[:0], boxes...)
	s.selector.Index().UpdateColliderInfo(query)
	s.colliderAcc = 0
	s.events.EmitSimple(EventTypeColliderUpdate, s.tick, source, map[string]int{"boxes": len(boxes)})
}

// bounce reports the face normal of the first collider box the move from
// prev to next enters. Bare collider queries have no faces to bounce off.
func (s *Simulator) bounce(prev, next mgl32.Vec3) (mgl32.Vec3, bool) {
	for _, box := range s.boxes {
		if box.Contains(next) && !box.Contains(prev) {
			return box.FaceNormal(prev), true
		}
	}
	return mgl32.Vec3{}, false
}

// ColliderBoxes returns a copy of the boxes set through SetColliderBoxes or
// the config. Colliders set as a bare query have no boxes.
func (s *Simulator) ColliderBoxes() []spatial.Bounds {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]spatial.Bounds(nil), s.boxes...)
}

// ToggleVisualization flips visualization and returns the new state.
func (s *Simulator) ToggleVisualization() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visualize = !s.visualize
	return s.visualize
}

// SetVisualizationSink registers the debug-draw consumer.
func (s *Simulator) SetVisualizationSink(sink VisualizationSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

// OnTick registers a hook called at the end of every successful tick, under
// the simulator lock.
func (s *Simulator) OnTick(fn func(TickStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTick = fn
}

// Resize changes the root volume and leaf capacity and rebuilds the index
// from every element.
func (s *Simulator) Resize(center mgl32.Vec3, size float32, capacity int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resize("", center, size, capacity)
}

func (s *Simulator) resize(source string, center mgl32.Vec3, size float32, capacity int) error {
	next := s.cfg
	next.RootCenter = center
	next.RootSize = size
	next.Capacity = capacity
	if err := next.Validate(); err != nil {
		return err
	}
	s.cfg = next

	s.selector.Configure(center, size, capacity, s.accessor)
	s.selector.Sync(s.allIndices())
	s.markColliders()

	s.events.EmitSimple(EventTypeResize, s.tick, source, map[string]any{
		"center":   center,
		"size":     size,
		"capacity": capacity,
	})
	return nil
}

// Snapshot returns the latest published frame. It stays intact for two
// further publications; use Clone to keep it longer.
func (s *Simulator) Snapshot() *Snapshot {
	return s.snapshots.AcquireRead()
}

// VisualizationData returns the active index's node boxes.
func (s *Simulator) VisualizationData() []spatial.NodeVisual {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selector.Index().GetVisualizationData()
}

func (s *Simulator) Visualizing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visualize
}

func (s *Simulator) LastStats() TickStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStats
}

func (s *Simulator) IndexStats() spatial.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selector.Index().Stats()
}

func (s *Simulator) Params() boids.Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Params()
}

func (s *Simulator) Mode() spatial.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selector.Mode()
}

// Config returns the live settings, including runtime changes.
func (s *Simulator) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Simulator) BoidCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.elements)
}

// Boid returns boid i's element and velocity.
func (s *Simulator) Boid(i int) (spatial.Element, mgl32.Vec3, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.elements) {
		return spatial.Element{}, mgl32.Vec3{}, false
	}
	return s.elements[i], s.engine.Velocity(i), true
}

// FindNearby queries the active index. The result is a copy.
func (s *Simulator) FindNearby(point mgl32.Vec3, rng float32) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.selector.Index().FindNearby(point, rng)...)
}

func (s *Simulator) Events() *EventLog {
	return s.events
}

func (s *Simulator) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
