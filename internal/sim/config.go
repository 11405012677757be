package sim

import (
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/go-gl/mathgl/mgl32"

	"flock-sim/internal/boids"
	"flock-sim/internal/spatial"
)

const (
	// MinRefreshInterval is the floor applied to every refresh interval, in
	// seconds.
	MinRefreshInterval float32 = 0.01

	ErrTypeInvalidConfig = "invalid_sim_config"
)

// Config is the flat set of numeric settings a simulation starts from.
// Everything but the root volume and capacity can change at runtime.
type Config struct {
	Mode                spatial.Mode `json:"mode" toml:"mode"`
	RootCenter          mgl32.Vec3   `json:"rootCenter" toml:"root_center"`
	RootSize            float32      `json:"rootSize" toml:"root_size"`
	Capacity            int          `json:"capacity" toml:"capacity"`
	AutoSwitchThreshold int          `json:"autoSwitchThreshold" toml:"auto_switch_threshold"`

	// Seconds between full index rebuilds and between collider passes.
	RefreshInterval         float32 `json:"refreshInterval" toml:"refresh_interval"`
	ColliderMarkingInterval float32 `json:"colliderMarkingInterval" toml:"collider_marking_interval"`

	InitialCount int     `json:"initialCount" toml:"initial_count"`
	MaxBoids     int     `json:"maxBoids" toml:"max_boids"`
	ElementSize  float32 `json:"elementSize" toml:"element_size"`

	// Seed drives spawn positions and headings. 0 seeds from the clock.
	Seed     int64 `json:"seed" toml:"seed"`
	TickRate int   `json:"tickRate" toml:"tick_rate"`

	Boids     boids.Params     `json:"boids" toml:"boids"`
	Colliders []spatial.Bounds `json:"colliders" toml:"colliders"`
}

// DefaultConfig returns the stock simulation settings.
func DefaultConfig() Config {
	return Config{
		Mode:                    spatial.ModeAutomatic,
		RootSize:                46,
		Capacity:                4,
		AutoSwitchThreshold:     spatial.DefaultAutoSwitchThreshold,
		RefreshInterval:         0.25,
		ColliderMarkingInterval: 1.0,
		InitialCount:            100,
		MaxBoids:                20000,
		ElementSize:             1.0,
		TickRate:                60,
		Boids:                   boids.DefaultParams(),
	}
}

// Validate rejects settings no index can be built from. A refresh interval
// below MinRefreshInterval is clamped, not rejected.
func (c Config) Validate() error {
	invalid := func(msg string, key string, v any) error {
		return errors.New(msg).
			WithType(ErrTypeInvalidConfig).
			WithTag(key, v)
	}

	switch {
	case c.RootSize <= 0:
		return invalid("root size must be positive", "root_size", c.RootSize)
	case c.Capacity < 1:
		return invalid("capacity must be at least 1", "capacity", c.Capacity)
	case c.InitialCount < 0:
		return invalid("negative initial count", "initial_count", c.InitialCount)
	case c.MaxBoids < 1:
		return invalid("max boids must be at least 1", "max_boids", c.MaxBoids)
	case c.InitialCount > c.MaxBoids:
		return invalid("initial count exceeds max boids", "initial_count", c.InitialCount)
	case c.ElementSize <= 0:
		return invalid("element size must be positive", "element_size", c.ElementSize)
	case c.TickRate < 1:
		return invalid("tick rate must be at least 1", "tick_rate", c.TickRate)
	case c.Mode < spatial.ModeOctTree || c.Mode > spatial.ModeAutomatic:
		return invalid("unknown partitioning mode", "mode", int(c.Mode))
	}
	return c.Boids.Validate()
}

func clampRefreshInterval(v float32) float32 {
	if v < MinRefreshInterval {
		return MinRefreshInterval
	}
	return v
}
