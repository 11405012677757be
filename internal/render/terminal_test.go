package render

import (
	"strings"
	"testing"

	"github.com/gdamore/tcell/v2"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flock-sim/internal/sim"
	"flock-sim/internal/spatial"
)

func newTestScreen(t *testing.T, width, height int) tcell.SimulationScreen {
	t.Helper()
	screen := tcell.NewSimulationScreen("UTF-8")
	require.NoError(t, screen.Init())
	screen.SetSize(width, height)
	t.Cleanup(screen.Fini)
	return screen
}

func runeAt(screen tcell.Screen, x, y int) rune {
	r, _, _, _ := screen.GetContent(x, y)
	return r
}

func rowText(screen tcell.Screen, y, width int) string {
	var sb strings.Builder
	for x := 0; x < width; x++ {
		sb.WriteRune(runeAt(screen, x, y))
	}
	return sb.String()
}

func TestDensityGlyph(t *testing.T) {
	assert.Equal(t, ' ', DensityGlyph(0))
	assert.Equal(t, '.', DensityGlyph(1))
	assert.Equal(t, ':', DensityGlyph(2))
	assert.Equal(t, '#', DensityGlyph(4))
	assert.Equal(t, '#', DensityGlyph(40))
}

func TestTerminalViewDrawsBoids(t *testing.T) {
	screen := newTestScreen(t, 20, 11)
	view := NewTerminalView(screen, PlaneXY, DefaultPalette())

	snap := &sim.Snapshot{
		Tick:      9,
		BoidCount: 3,
		Mode:      "octree",
		RootSize:  20,
		Boids: []sim.BoidSnapshot{
			{Position: mgl32.Vec3{0, 0, 0}},
			{Position: mgl32.Vec3{0.2, -0.2, 0}},
			{Position: mgl32.Vec3{-9.9, 9.9, 0}},
		},
	}
	view.Draw(snap, nil)

	assert.Equal(t, ':', runeAt(screen, 10, 5))
	assert.Equal(t, '.', runeAt(screen, 0, 0))
	assert.True(t, strings.HasPrefix(rowText(screen, 10, 20), " tick 9"))
}

func TestTerminalViewClampsOutsidePoints(t *testing.T) {
	screen := newTestScreen(t, 20, 11)
	view := NewTerminalView(screen, PlaneXY, DefaultPalette())

	snap := &sim.Snapshot{
		RootSize: 20,
		Boids:    []sim.BoidSnapshot{{Position: mgl32.Vec3{50, -50, 0}}},
	}
	view.Draw(snap, nil)

	assert.Equal(t, '.', runeAt(screen, 19, 9))
}

func TestTerminalViewDrawsColliders(t *testing.T) {
	screen := newTestScreen(t, 20, 11)
	view := NewTerminalView(screen, PlaneXY, DefaultPalette())

	snap := &sim.Snapshot{RootSize: 20}
	view.Draw(snap, []spatial.Bounds{spatial.BoundsFromCenter(mgl32.Vec3{}, 10)})

	// The box spans columns 5..15 and rows 2..7.
	assert.Equal(t, colliderGlyph, runeAt(screen, 5, 2))
	assert.Equal(t, colliderGlyph, runeAt(screen, 15, 7))
	assert.NotEqual(t, colliderGlyph, runeAt(screen, 10, 4))
}

func TestTerminalViewPlane(t *testing.T) {
	screen := newTestScreen(t, 20, 11)
	view := NewTerminalView(screen, PlaneXY, DefaultPalette())
	view.SetPlane(view.Plane().Next())
	assert.Equal(t, PlaneXZ, view.Plane())

	snap := &sim.Snapshot{
		RootSize: 20,
		Boids:    []sim.BoidSnapshot{{Position: mgl32.Vec3{0, 9, -9.9}}},
	}
	view.Draw(snap, nil)
	assert.Equal(t, '.', runeAt(screen, 10, 9))
}
