package render

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"io"
	"sync"

	"github.com/fogleman/gg"
	"github.com/go-gl/mathgl/mgl32"

	"flock-sim/internal/sim"
	"flock-sim/internal/spatial"
)

// Options configures a frame renderer.
type Options struct {
	Width      int     `json:"width" toml:"width"`
	Height     int     `json:"height" toml:"height"`
	Plane      Plane   `json:"plane" toml:"plane"`
	Palette    Palette `json:"palette" toml:"palette"`
	BoidRadius float64 `json:"boidRadius" toml:"boid_radius"`
	HUD        bool    `json:"hud" toml:"hud"`
}

// DefaultOptions renders a 720x720 XY frame with the HUD on.
func DefaultOptions() Options {
	return Options{
		Width:      720,
		Height:     720,
		Plane:      PlaneXY,
		Palette:    DefaultPalette(),
		BoidRadius: 2.5,
		HUD:        true,
	}
}

// Renderer draws snapshots onto a reused gg context. It is safe for
// concurrent use; frames are drawn one at a time.
type Renderer struct {
	mu   sync.Mutex
	opts Options
	dc   *gg.Context
}

func NewRenderer(opts Options) *Renderer {
	if opts.Width <= 0 {
		opts.Width = DefaultOptions().Width
	}
	if opts.Height <= 0 {
		opts.Height = DefaultOptions().Height
	}
	if opts.BoidRadius <= 0 {
		opts.BoidRadius = DefaultOptions().BoidRadius
	}
	return &Renderer{
		opts: opts,
		dc:   gg.NewContext(opts.Width, opts.Height),
	}
}

func (r *Renderer) Options() Options {
	return r.opts
}

// Render draws snap and returns a copy of the frame.
func (r *Renderer) Render(snap *sim.Snapshot, colliders []spatial.Bounds) *image.RGBA {
	r.mu.Lock()
	defer r.mu.Unlock()

	dst := image.NewRGBA(image.Rect(0, 0, r.opts.Width, r.opts.Height))
	r.renderInto(dst, snap, colliders)
	return dst
}

// RenderInto draws snap into dst, which should match the renderer's size.
func (r *Renderer) RenderInto(dst *image.RGBA, snap *sim.Snapshot, colliders []spatial.Bounds) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renderInto(dst, snap, colliders)
}

func (r *Renderer) renderInto(dst *image.RGBA, snap *sim.Snapshot, colliders []spatial.Bounds) {
	r.draw(snap, colliders)
	src := r.dc.Image()
	draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Src)
}

// EncodePNG draws snap and writes it to w as PNG.
func (r *Renderer) EncodePNG(w io.Writer, snap *sim.Snapshot, colliders []spatial.Bounds) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.draw(snap, colliders)
	return r.dc.EncodePNG(w)
}

func (r *Renderer) projector(snap *sim.Snapshot) Projector {
	return Projector{
		Plane:  r.opts.Plane,
		Center: snap.RootCenter,
		Size:   snap.RootSize,
		Width:  float64(r.opts.Width),
		Height: float64(r.opts.Height),
	}
}

func (r *Renderer) draw(snap *sim.Snapshot, colliders []spatial.Bounds) {
	dc := r.dc
	pal := r.opts.Palette
	pr := r.projector(snap)

	dc.SetColor(parseHexColor(pal.Background))
	dc.Clear()

	r.drawNodes(dc, pr, snap.Nodes)
	r.drawColliders(dc, pr, colliders)
	r.drawBoids(dc, pr, snap.Boids)
	if r.opts.HUD {
		r.drawHUD(dc, snap)
	}
}

func (r *Renderer) drawNodes(dc *gg.Context, pr Projector, nodes []spatial.NodeVisual) {
	dc.SetLineWidth(1)
	for _, n := range nodes {
		x, y, w, h := pr.Box(n.Position, n.Size)
		c := r.opts.Palette.NodeColor(n)

		dc.SetColor(c)
		dc.DrawRectangle(x, y, w, h)
		dc.Fill()

		if n.IsLeaf {
			c.A = uint8(min(int(c.A)*2, 255))
			dc.SetColor(c)
			dc.DrawRectangle(x, y, w, h)
			dc.Stroke()
		}
	}
}

func (r *Renderer) drawColliders(dc *gg.Context, pr Projector, colliders []spatial.Bounds) {
	c := parseHexColor(r.opts.Palette.Collider)
	dc.SetColor(c)
	dc.SetLineWidth(2)
	for _, b := range colliders {
		x, y, w, h := pr.Box(b.Center(), b.Size())
		dc.DrawRectangle(x, y, w, h)
		dc.Stroke()
	}
}

func (r *Renderer) drawBoids(dc *gg.Context, pr Projector, boids []sim.BoidSnapshot) {
	radius := r.opts.BoidRadius
	dc.SetLineWidth(1)
	for _, b := range boids {
		x, y := pr.Point(b.Position)
		dc.SetColor(r.opts.Palette.BoidColor(b.NearCollider))
		dc.DrawCircle(x, y, radius)
		dc.Fill()

		heading := b.Velocity
		if heading.Len() == 0 {
			continue
		}
		hx, hy := pr.Plane.axes(heading.Normalize())
		dc.DrawLine(x, y, x+float64(hx)*radius*3, y-float64(hy)*radius*3)
		dc.Stroke()
	}
}

func (r *Renderer) drawHUD(dc *gg.Context, snap *sim.Snapshot) {
	lines := []string{
		fmt.Sprintf("tick %d  boids %d", snap.Tick, snap.BoidCount),
		fmt.Sprintf("mode %s  index %s  nodes %d  depth %d", snap.Mode, snap.Index.Kind, snap.Index.Nodes, snap.Index.MaxDepth),
		fmt.Sprintf("step %s  neighbors %d", snap.Stats.Duration, snap.Stats.Neighbors),
	}

	dc.SetColor(color.RGBA{0, 0, 0, 160})
	dc.DrawRectangle(4, 4, 320, float64(len(lines))*16+8)
	dc.Fill()

	dc.SetColor(parseHexColor(r.opts.Palette.Text))
	for i, line := range lines {
		dc.DrawString(line, 10, 20+float64(i)*16)
	}
}

// ProjectedBoid returns where a world position lands on a frame rendered
// with these options for the given root volume.
func (r *Renderer) ProjectedBoid(center mgl32.Vec3, size float32, p mgl32.Vec3) (int, int) {
	pr := Projector{Plane: r.opts.Plane, Center: center, Size: size, Width: float64(r.opts.Width), Height: float64(r.opts.Height)}
	x, y := pr.Point(p)
	return int(x), int(y)
}
