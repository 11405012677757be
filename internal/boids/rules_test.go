package boids

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flock-sim/internal/spatial"
)

func accessorOf(positions ...mgl32.Vec3) spatial.Accessor {
	return func(i int) spatial.Element {
		return spatial.Element{Position: positions[i], Size: 1}
	}
}

func requireVec(t *testing.T, want, got mgl32.Vec3) {
	t.Helper()
	require.InDeltaSlice(t, want[:], got[:], 1e-5)
}

func TestRulesZeroNeighborLaw(t *testing.T) {
	p := DefaultParams()
	elements := accessorOf(
		mgl32.Vec3{0, 0, 0},
		mgl32.Vec3{40, 0, 0},
	)
	velocities := []mgl32.Vec3{{0.6, 0, 0}, {0, 0.6, 0}}

	for _, rule := range DefaultRules(&p) {
		t.Run(rule.Name(), func(t *testing.T) {
			assert.Equal(t, mgl32.Vec3{}, rule.CalculateForce(0, nil, elements, velocities), "no neighbors")
			assert.Equal(t, mgl32.Vec3{}, rule.CalculateForce(0, []int{0}, elements, velocities), "only self")
			assert.Equal(t, mgl32.Vec3{}, rule.CalculateForce(0, []int{0, 1}, elements, velocities), "out of range")
		})
	}
}

func TestAlignment(t *testing.T) {
	p := DefaultParams()
	elements := accessorOf(mgl32.Vec3{0, 0, 0}, mgl32.Vec3{1, 0, 0}, mgl32.Vec3{0, 1, 0})
	velocities := []mgl32.Vec3{{}, {0.2, 0, 0}, {0, 0.2, 0}}

	got := NewAlignment(&p).CalculateForce(0, []int{1, 2}, elements, velocities)
	requireVec(t, mgl32.Vec3{0.1, 0.1, 0}, got)

	velocities[1] = mgl32.Vec3{0.6, 0, 0}
	velocities[2] = mgl32.Vec3{0.6, 0, 0}
	got = NewAlignment(&p).CalculateForce(0, []int{1, 2}, elements, velocities)
	requireVec(t, mgl32.Vec3{0.3, 0, 0}, got)
}

func TestCohesion(t *testing.T) {
	p := DefaultParams()
	elements := accessorOf(mgl32.Vec3{0, 0, 0}, mgl32.Vec3{2, 0, 0}, mgl32.Vec3{4, 0, 0})
	velocities := []mgl32.Vec3{{}, {}, {}}

	got := NewCohesion(&p).CalculateForce(0, []int{1, 2}, elements, velocities)
	requireVec(t, mgl32.Vec3{0.3, 0, 0}, got)

	p.MaxForce = 10
	got = NewCohesion(&p).CalculateForce(0, []int{1, 2}, elements, velocities)
	requireVec(t, mgl32.Vec3{0.6, 0, 0}, got)
}

func TestSeparation(t *testing.T) {
	p := DefaultParams()
	p.MaxForce = 10
	elements := accessorOf(
		mgl32.Vec3{0, 0, 0},
		mgl32.Vec3{1, 0, 0},
		mgl32.Vec3{0, 0, 0},
	)
	velocities := []mgl32.Vec3{{}, {}, {}}
	rule := NewSeparation(&p)

	requireVec(t, mgl32.Vec3{-0.6, 0, 0}, rule.CalculateForce(0, []int{1}, elements, velocities))
	assert.Equal(t, mgl32.Vec3{}, rule.CalculateForce(0, []int{2}, elements, velocities), "coincident neighbor")
}

func TestSeparationWeightsByInverseDistance(t *testing.T) {
	p := DefaultParams()
	p.MaxForce = 10
	// Near neighbor on +x at 0.5 pushes with 2, far neighbor on +y at 1
	// pushes with 1.
	elements := accessorOf(
		mgl32.Vec3{0, 0, 0},
		mgl32.Vec3{0.5, 0, 0},
		mgl32.Vec3{0, 1, 0},
	)
	velocities := []mgl32.Vec3{{}, {}, {}}

	got := NewSeparation(&p).CalculateForce(0, []int{1, 2}, elements, velocities)
	want := mgl32.Vec3{-2, -1, 0}.Normalize().Mul(p.MaxSpeed)
	requireVec(t, want, got)
}

func TestFollow(t *testing.T) {
	p := DefaultParams()
	p.MaxForce = 10
	elements := accessorOf(
		mgl32.Vec3{0, 0, 0},
		mgl32.Vec3{0.9, 0, 0},
		mgl32.Vec3{0, 0.5, 0},
		mgl32.Vec3{-0.2, -0.2, 0},
	)
	velocities := []mgl32.Vec3{{0.3, 0.3, 0}, {}, {}, {}}
	rule := NewFollow(&p)

	got := rule.CalculateForce(0, []int{1, 2, 3}, elements, velocities)
	requireVec(t, mgl32.Vec3{-0.3, 0.3, 0}, got)

	got = rule.CalculateForce(0, []int{3}, elements, velocities)
	assert.Equal(t, mgl32.Vec3{}, got, "neighbor behind is not followed")
}

func TestRuleForceClampedToMaxForce(t *testing.T) {
	p := DefaultParams()
	elements := accessorOf(mgl32.Vec3{0, 0, 0}, mgl32.Vec3{0.5, 0.1, 0})
	velocities := []mgl32.Vec3{{-0.6, 0, 0}, {0.6, 0, 0}}

	for _, rule := range DefaultRules(&p) {
		got := rule.CalculateForce(0, []int{1}, elements, velocities)
		assert.LessOrEqual(t, got.Len(), p.MaxForce*(1+1e-5), rule.Name())
	}
}

func TestParamsValidate(t *testing.T) {
	require.NoError(t, DefaultParams().Validate())

	p := DefaultParams()
	p.CohesionRange = -1
	require.Error(t, p.Validate())

	p = DefaultParams()
	p.MaxSpeed = 0
	require.Error(t, p.Validate())

	p = DefaultParams()
	p.MaxNeighbors = -2
	require.Error(t, p.Validate())
}
