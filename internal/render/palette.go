// Package render draws simulation snapshots: PNG frames through gg and a
// top-down character view on a tcell screen.
package render

import (
	"fmt"
	"image/color"

	"flock-sim/internal/spatial"
)

// Palette holds the hex colors used for every drawn layer.
type Palette struct {
	Background string `json:"background" toml:"background"`
	Leaf       string `json:"leaf" toml:"leaf"`
	Internal   string `json:"internal" toml:"internal"`
	Collider   string `json:"collider" toml:"collider"`
	Boid       string `json:"boid" toml:"boid"`
	NearBoid   string `json:"nearBoid" toml:"near_boid"`
	Text       string `json:"text" toml:"text"`
}

// DefaultPalette matches the debug colors of the node visualizer.
func DefaultPalette() Palette {
	return Palette{
		Background: "#0c0c1c",
		Leaf:       "#00ff00",
		Internal:   "#0000ff",
		Collider:   "#ff0000",
		Boid:       "#f0f0f0",
		NearBoid:   "#ffa500",
		Text:       "#00d4ff",
	}
}

// Node alpha per layer.
const (
	leafAlpha     = 0.2
	internalAlpha = 0.1
	colliderAlpha = 0.3
)

// NodeColor picks the non-premultiplied fill for one visualized node.
// Collider-tagged internal nodes are drawn at half the collider alpha.
func (p Palette) NodeColor(n spatial.NodeVisual) color.NRGBA {
	switch {
	case n.HasCollider && n.IsLeaf:
		return withAlpha(parseHexColor(p.Collider), colliderAlpha)
	case n.HasCollider:
		return withAlpha(parseHexColor(p.Collider), colliderAlpha/2)
	case n.IsLeaf:
		return withAlpha(parseHexColor(p.Leaf), leafAlpha)
	default:
		return withAlpha(parseHexColor(p.Internal), internalAlpha)
	}
}

// BoidColor picks the fill for one boid.
func (p Palette) BoidColor(nearCollider bool) color.RGBA {
	if nearCollider {
		return parseHexColor(p.NearBoid)
	}
	return parseHexColor(p.Boid)
}

func withAlpha(c color.RGBA, alpha float64) color.NRGBA {
	return color.NRGBA{R: c.R, G: c.G, B: c.B, A: uint8(alpha*255 + 0.5)}
}

// parseHexColor reads "#rrggbb". Anything else is white.
func parseHexColor(hex string) color.RGBA {
	if len(hex) != 7 || hex[0] != '#' {
		return color.RGBA{255, 255, 255, 255}
	}

	var r, g, b uint8
	if _, err := fmt.Sscanf(hex[1:], "%02x%02x%02x", &r, &g, &b); err != nil {
		return color.RGBA{255, 255, 255, 255}
	}
	return color.RGBA{r, g, b, 255}
}
