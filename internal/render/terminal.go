package render

import (
	"fmt"
	"image/color"

	"github.com/gdamore/tcell/v2"

	"flock-sim/internal/sim"
	"flock-sim/internal/spatial"
)

// Density glyphs, from one boid per cell upward.
var densityGlyphs = []rune{'.', ':', '*', '#'}

const colliderGlyph = '+'

// TerminalView draws a top-down character projection of a snapshot. The
// last screen row is a status line.
type TerminalView struct {
	screen  tcell.Screen
	plane   Plane
	palette Palette
	counts  []int
}

func NewTerminalView(screen tcell.Screen, plane Plane, palette Palette) *TerminalView {
	return &TerminalView{
		screen:  screen,
		plane:   plane,
		palette: palette,
	}
}

func (v *TerminalView) SetPlane(plane Plane) {
	v.plane = plane
}

func (v *TerminalView) Plane() Plane {
	return v.plane
}

// Draw renders snap and shows the screen.
func (v *TerminalView) Draw(snap *sim.Snapshot, colliders []spatial.Bounds) {
	v.screen.Clear()

	width, height := v.screen.Size()
	rows := height - 1
	if width <= 0 || rows <= 0 {
		v.screen.Show()
		return
	}

	pr := Projector{
		Plane:  v.plane,
		Center: snap.RootCenter,
		Size:   snap.RootSize,
		Width:  float64(width),
		Height: float64(rows),
	}

	v.drawNodes(pr, snap.Nodes, width, rows)
	v.drawColliders(pr, colliders, width, rows)
	v.drawBoids(pr, snap.Boids, width, rows)
	v.drawStatus(snap, width, height-1)
	v.screen.Show()
}

// drawNodes shades collider-tagged leaves.
func (v *TerminalView) drawNodes(pr Projector, nodes []spatial.NodeVisual, width, rows int) {
	bg := tcellColor(parseHexColor(v.palette.Collider), 0.25)
	style := tcell.StyleDefault.Background(bg)
	for _, n := range nodes {
		if !n.IsLeaf || !n.HasCollider {
			continue
		}
		x, y, w, h := pr.Box(n.Position, n.Size)
		x0, y0 := clampCell(int(x), int(y), width, rows)
		x1, y1 := clampCell(int(x+w), int(y+h), width, rows)
		for cy := y0; cy <= y1; cy++ {
			for cx := x0; cx <= x1; cx++ {
				v.screen.SetContent(cx, cy, ' ', nil, style)
			}
		}
	}
}

func (v *TerminalView) drawColliders(pr Projector, colliders []spatial.Bounds, width, rows int) {
	style := tcell.StyleDefault.Foreground(tcellColor(parseHexColor(v.palette.Collider), 1))
	for _, b := range colliders {
		x, y, w, h := pr.Box(b.Center(), b.Size())
		x0, y0 := clampCell(int(x), int(y), width, rows)
		x1, y1 := clampCell(int(x+w), int(y+h), width, rows)
		for cx := x0; cx <= x1; cx++ {
			v.screen.SetContent(cx, y0, colliderGlyph, nil, style)
			v.screen.SetContent(cx, y1, colliderGlyph, nil, style)
		}
		for cy := y0; cy <= y1; cy++ {
			v.screen.SetContent(x0, cy, colliderGlyph, nil, style)
			v.screen.SetContent(x1, cy, colliderGlyph, nil, style)
		}
	}
}

func (v *TerminalView) drawBoids(pr Projector, boids []sim.BoidSnapshot, width, rows int) {
	cells := width * rows
	if cap(v.counts) < cells {
		v.counts = make([]int, cells)
	}
	v.counts = v.counts[:cells]
	clear(v.counts)

	near := make(map[int]bool)
	for _, b := range boids {
		x, y := pr.Point(b.Position)
		cx, cy := clampCell(int(x), int(y), width, rows)
		slot := cy*width + cx
		v.counts[slot]++
		if b.NearCollider {
			near[slot] = true
		}
	}

	normal := tcell.StyleDefault.Foreground(tcellColor(parseHexColor(v.palette.Boid), 1))
	alert := tcell.StyleDefault.Foreground(tcellColor(parseHexColor(v.palette.NearBoid), 1))
	for slot, n := range v.counts {
		if n == 0 {
			continue
		}
		style := normal
		if near[slot] {
			style = alert
		}
		v.screen.SetContent(slot%width, slot/width, DensityGlyph(n), nil, style)
	}
}

func (v *TerminalView) drawStatus(snap *sim.Snapshot, width, row int) {
	line := fmt.Sprintf(" tick %d | boids %d | %s/%s | nodes %d | plane %s | q quit  m mode  v nodes  p plane  r restart  +- boids",
		snap.Tick, snap.BoidCount, snap.Mode, snap.Index.Kind, snap.Index.Nodes, v.plane)
	style := tcell.StyleDefault.
		Foreground(tcellColor(parseHexColor(v.palette.Text), 1)).
		Reverse(true)
	col := 0
	for _, r := range line {
		if col >= width {
			break
		}
		v.screen.SetContent(col, row, r, nil, style)
		col++
	}
	for ; col < width; col++ {
		v.screen.SetContent(col, row, ' ', nil, style)
	}
}

// DensityGlyph returns the glyph for n boids sharing one cell.
func DensityGlyph(n int) rune {
	switch {
	case n <= 0:
		return ' '
	case n >= len(densityGlyphs):
		return densityGlyphs[len(densityGlyphs)-1]
	default:
		return densityGlyphs[n-1]
	}
}

func clampCell(x, y, width, rows int) (int, int) {
	return max(0, min(x, width-1)), max(0, min(y, rows-1))
}

// tcellColor scales c toward black by intensity.
func tcellColor(c color.RGBA, intensity float64) tcell.Color {
	return tcell.NewRGBColor(
		int32(float64(c.R)*intensity),
		int32(float64(c.G)*intensity),
		int32(float64(c.B)*intensity),
	)
}
