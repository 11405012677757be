// Package boids implements the flocking behavior engine: steering rules
// evaluated over spatial-index neighbor sets and the velocity integration
// that follows them.
package boids

import (
	"github.com/aukilabs/go-tooling/pkg/errors"
)

// ErrTypeInvalidParams is the error type returned by Params.Validate.
const ErrTypeInvalidParams = "invalid_boid_params"

// Params holds the tunables read by every rule. Rules keep a pointer to one
// Params value, so edits apply on the next tick without rebuilding anything.
type Params struct {
	AlignmentRange  float32 `json:"alignmentRange" toml:"alignment_range"`
	CohesionRange   float32 `json:"cohesionRange" toml:"cohesion_range"`
	SeparationRange float32 `json:"separationRange" toml:"separation_range"`
	FollowRange     float32 `json:"followRange" toml:"follow_range"`

	MaxForce float32 `json:"maxForce" toml:"max_force"`
	MaxSpeed float32 `json:"maxSpeed" toml:"max_speed"`

	AlignmentWeight  float32 `json:"alignmentWeight" toml:"alignment_weight"`
	CohesionWeight   float32 `json:"cohesionWeight" toml:"cohesion_weight"`
	SeparationWeight float32 `json:"separationWeight" toml:"separation_weight"`
	FollowWeight     float32 `json:"followWeight" toml:"follow_weight"`

	// MaxNeighbors keeps only the nearest N neighbors after range
	// filtering. 0 means unlimited.
	MaxNeighbors int `json:"maxNeighbors" toml:"max_neighbors"`
}

// DefaultParams returns the stock flocking tunables.
func DefaultParams() Params {
	return Params{
		AlignmentRange:   3,
		CohesionRange:    5,
		SeparationRange:  2,
		FollowRange:      1,
		MaxForce:         0.3,
		MaxSpeed:         0.6,
		AlignmentWeight:  1.0,
		CohesionWeight:   0.8,
		SeparationWeight: 1.2,
		FollowWeight:     1.0,
		MaxNeighbors:     7,
	}
}

// Validate rejects negative ranges, weights and limits, and a zero speed.
func (p Params) Validate() error {
	check := func(name string, v float32) error {
		if v < 0 {
			return errors.New("negative boid parameter").
				WithType(ErrTypeInvalidParams).
				WithTag("param", name).
				WithTag("value", v)
		}
		return nil
	}

	for _, f := range []struct {
		name string
		v    float32
	}{
		{"alignmentRange", p.AlignmentRange},
		{"cohesionRange", p.CohesionRange},
		{"separationRange", p.SeparationRange},
		{"followRange", p.FollowRange},
		{"maxForce", p.MaxForce},
		{"alignmentWeight", p.AlignmentWeight},
		{"cohesionWeight", p.CohesionWeight},
		{"separationWeight", p.SeparationWeight},
		{"followWeight", p.FollowWeight},
	} {
		if err := check(f.name, f.v); err != nil {
			return err
		}
	}

	if p.MaxSpeed <= 0 {
		return errors.New("max speed must be positive").
			WithType(ErrTypeInvalidParams).
			WithTag("value", p.MaxSpeed)
	}
	if p.MaxNeighbors < 0 {
		return errors.New("negative neighbor cap").
			WithType(ErrTypeInvalidParams).
			WithTag("value", p.MaxNeighbors)
	}
	return nil
}
