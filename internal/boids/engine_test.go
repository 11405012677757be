package boids

import (
	"math/rand"
	"testing"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flock-sim/internal/spatial"
)

type flock struct {
	positions []mgl32.Vec3
}

func (f *flock) accessor() spatial.Accessor {
	return func(i int) spatial.Element {
		return spatial.Element{Position: f.positions[i], Size: 1}
	}
}

func (f *flock) indices() []int {
	out := make([]int, len(f.positions))
	for i := range out {
		out[i] = i
	}
	return out
}

func newFlock(seed int64, n int, size float32) *flock {
	rng := rand.New(rand.NewSource(seed))
	f := &flock{positions: make([]mgl32.Vec3, n)}
	for i := range f.positions {
		f.positions[i] = mgl32.Vec3{
			(rng.Float32() - 0.5) * size,
			(rng.Float32() - 0.5) * size,
			(rng.Float32() - 0.5) * size,
		}
	}
	return f
}

func newIndex(kind spatial.Kind, f *flock, size float32) spatial.Index {
	idx := spatial.NewIndex(kind)
	idx.Initialize(mgl32.Vec3{}, size, 4, f.accessor())
	idx.Insert(f.indices())
	return idx
}

func newSeededEngine(n int) *Engine {
	e := NewEngine(DefaultParams(), rand.New(rand.NewSource(42)))
	for i := 0; i < n; i++ {
		e.AddRandom()
	}
	return e
}

func TestEngineInitialVelocities(t *testing.T) {
	e := newSeededEngine(50)
	require.Equal(t, 50, e.Len())
	for _, v := range e.Velocities() {
		assert.InDelta(t, e.Params().MaxSpeed, v.Len(), 1e-5)
	}

	e.Add(mgl32.Vec3{0, 0, 3})
	requireVec(t, mgl32.Vec3{0, 0, 0.6}, e.Velocity(50))
}

func TestEngineVelocityClampLaw(t *testing.T) {
	f := newFlock(1, 300, 20)
	e := newSeededEngine(len(f.positions))

	for _, kind := range []spatial.Kind{spatial.KindOctree, spatial.KindGrid, spatial.KindBVH} {
		idx := newIndex(kind, f, 20)
		_, err := e.Steer(idx, f.accessor(), len(f.positions))
		require.NoError(t, err)

		for i, v := range e.Velocities() {
			require.LessOrEqual(t, v.Len(), e.Params().MaxSpeed*(1+1e-5), "element %d under %s", i, kind)
		}
	}
}

func TestEngineSteerDesync(t *testing.T) {
	f := newFlock(2, 4, 10)
	e := newSeededEngine(3)

	_, err := e.Steer(newIndex(spatial.KindOctree, f, 10), f.accessor(), 4)
	require.Error(t, err)

	var desync *DesyncError
	require.ErrorAs(t, err, &desync)
	assert.Equal(t, 4, desync.Elements)
	assert.Equal(t, 3, desync.Velocities)
	assert.Equal(t, 3, desync.Accelerations)
}

func TestEngineSteerBatchesOnLargeGrid(t *testing.T) {
	f := newFlock(3, 400, 10)
	e := newSeededEngine(len(f.positions))

	stats, err := e.Steer(newIndex(spatial.KindGrid, f, 10), f.accessor(), len(f.positions))
	require.NoError(t, err)
	assert.True(t, stats.Batched)
	assert.Equal(t, len(f.positions), stats.Steered)

	stats, err = e.Steer(newIndex(spatial.KindOctree, f, 10), f.accessor(), len(f.positions))
	require.NoError(t, err)
	assert.False(t, stats.Batched)
	assert.Equal(t, len(f.positions), stats.Steered)
}

func TestEngineResultIndependentOfIndex(t *testing.T) {
	f := newFlock(4, 120, 15)

	var results [][]mgl32.Vec3
	for _, kind := range []spatial.Kind{spatial.KindOctree, spatial.KindBVH, spatial.KindGrid} {
		e := newSeededEngine(len(f.positions))
		_, err := e.Steer(newIndex(kind, f, 15), f.accessor(), len(f.positions))
		require.NoError(t, err)
		results = append(results, append([]mgl32.Vec3(nil), e.Velocities()...))
	}

	for k := 1; k < len(results); k++ {
		for i := range results[0] {
			require.InDeltaSlice(t, results[0][i][:], results[k][i][:], 1e-4, "element %d", i)
		}
	}
}

func TestEngineFilterNeighbors(t *testing.T) {
	f := &flock{}
	for i := 0; i < 10; i++ {
		f.positions = append(f.positions, mgl32.Vec3{float32(i) * 0.4, 0, 0})
	}
	e := newSeededEngine(len(f.positions))

	p := e.Params()
	p.MaxNeighbors = 3
	require.NoError(t, e.SetParams(p))

	got := e.filterNeighbors(0, f.indices(), f.accessor(), e.MaxRange())
	assert.Equal(t, []int{1, 2, 3}, got)

	p.MaxNeighbors = 0
	require.NoError(t, e.SetParams(p))
	got = e.filterNeighbors(0, f.indices(), f.accessor(), 1.0)
	assert.Equal(t, []int{1, 2}, got)
}

func TestEngineMaxRange(t *testing.T) {
	e := newSeededEngine(0)
	assert.Equal(t, float32(5), e.MaxRange())

	p := e.Params()
	p.CohesionWeight = 0
	require.NoError(t, e.SetParams(p))
	assert.Equal(t, float32(3), e.MaxRange())
}

func TestEngineSetParamsRejectsInvalid(t *testing.T) {
	e := newSeededEngine(0)
	p := e.Params()
	p.MaxSpeed = -1

	err := e.SetParams(p)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, ErrTypeInvalidParams))
	assert.Equal(t, DefaultParams(), e.Params())
}

func TestEngineRemoveAt(t *testing.T) {
	e := NewEngine(DefaultParams(), nil)
	e.Add(mgl32.Vec3{1, 0, 0})
	e.Add(mgl32.Vec3{0, 1, 0})
	e.Add(mgl32.Vec3{0, 0, 1})

	require.True(t, e.RemoveAt(1))
	require.False(t, e.RemoveAt(5))
	require.Equal(t, 2, e.Len())
	require.NoError(t, e.CheckSync(2))
	requireVec(t, mgl32.Vec3{0, 0, 0.6}, e.Velocity(1))

	e.Reset()
	require.Zero(t, e.Len())
	require.NoError(t, e.CheckSync(0))
}

func TestEngineReflect(t *testing.T) {
	e := NewEngine(DefaultParams(), nil)
	e.Add(mgl32.Vec3{1, 1, 0})

	e.Reflect(0, mgl32.Vec3{-1, 0, 0})
	want := mgl32.Vec3{-1, 1, 0}.Normalize().Mul(0.6)
	requireVec(t, want, e.Velocity(0))
}

func TestEngineSteerWithoutElements(t *testing.T) {
	e := newSeededEngine(0)
	stats, err := e.Steer(nil, nil, 0)
	require.NoError(t, err)
	assert.Zero(t, stats.Steered)
}
