package render

import (
	"strings"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/go-gl/mathgl/mgl32"
)

const ErrTypeInvalidPlane = "invalid_render_plane"

// Plane selects the two world axes mapped onto the image.
type Plane int

const (
	PlaneXY Plane = iota
	PlaneXZ
	PlaneZY
)

func (p Plane) String() string {
	switch p {
	case PlaneXZ:
		return "xz"
	case PlaneZY:
		return "zy"
	default:
		return "xy"
	}
}

// ParsePlane reads a plane name such as "xz".
func ParsePlane(s string) (Plane, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "xy":
		return PlaneXY, nil
	case "xz":
		return PlaneXZ, nil
	case "zy":
		return PlaneZY, nil
	default:
		return PlaneXY, errors.New("unknown render plane").
			WithType(ErrTypeInvalidPlane).
			WithTag("plane", s)
	}
}

func (p Plane) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Plane) UnmarshalText(text []byte) error {
	parsed, err := ParsePlane(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Next cycles through the planes.
func (p Plane) Next() Plane {
	return (p + 1) % 3
}

func (p Plane) axes(v mgl32.Vec3) (float32, float32) {
	switch p {
	case PlaneXZ:
		return v[0], v[2]
	case PlaneZY:
		return v[2], v[1]
	default:
		return v[0], v[1]
	}
}

// Projector maps a square world region onto a width x height surface with
// the second axis pointing up.
type Projector struct {
	Plane  Plane
	Center mgl32.Vec3
	Size   float32
	Width  float64
	Height float64
}

func (pr Projector) scale() (float64, float64) {
	size := float64(pr.Size)
	if size <= 0 {
		size = 1
	}
	return pr.Width / size, pr.Height / size
}

// Point maps a world position to surface coordinates.
func (pr Projector) Point(v mgl32.Vec3) (float64, float64) {
	sx, sy := pr.scale()
	u, w := pr.Plane.axes(v.Sub(pr.Center))
	return pr.Width/2 + float64(u)*sx, pr.Height/2 - float64(w)*sy
}

// Box maps a world box, given by center and full size, to the surface
// rectangle's top-left corner and extent.
func (pr Projector) Box(center, size mgl32.Vec3) (x, y, w, h float64) {
	sx, sy := pr.scale()
	cx, cy := pr.Point(center)
	u, v := pr.Plane.axes(size)
	w = float64(u) * sx
	h = float64(v) * sy
	return cx - w/2, cy - h/2, w, h
}
