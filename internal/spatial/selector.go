package spatial

import (
	"strings"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/go-gl/mathgl/mgl32"
)

// ErrTypeInvalidMode is the error type returned for unknown mode names.
const ErrTypeInvalidMode = "invalid_partitioning_mode"

// DefaultAutoSwitchThreshold is the population above which automatic mode
// moves from the octree to the grid.
const DefaultAutoSwitchThreshold = 500

// Mode selects which index a Selector keeps active.
type Mode int

const (
	ModeOctTree Mode = iota
	ModeSpatialCell
	ModeBVH
	ModeAutomatic
)

func (m Mode) String() string {
	switch m {
	case ModeOctTree:
		return "octree"
	case ModeSpatialCell:
		return "cells"
	case ModeBVH:
		return "bvh"
	case ModeAutomatic:
		return "auto"
	default:
		return "unknown"
	}
}

// ParseMode accepts the names produced by String plus a few aliases.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "octree", "oct", "octtree":
		return ModeOctTree, nil
	case "cells", "cell", "grid", "spatialcell":
		return ModeSpatialCell, nil
	case "bvh":
		return ModeBVH, nil
	case "auto", "automatic", "":
		return ModeAutomatic, nil
	default:
		return ModeAutomatic, errors.New("unknown partitioning mode").
			WithType(ErrTypeInvalidMode).
			WithTag("mode", s)
	}
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Selector owns the active index and applies the mode policy. Automatic
// mode is a policy over the octree and the grid, not an index of its own.
type Selector struct {
	mode      Mode
	threshold int

	center   mgl32.Vec3
	size     float32
	capacity int
	accessor Accessor

	index Index
}

// NewSelector returns a selector with no active index. A threshold below 1
// uses DefaultAutoSwitchThreshold.
func NewSelector(mode Mode, threshold int) *Selector {
	if threshold < 1 {
		threshold = DefaultAutoSwitchThreshold
	}
	return &Selector{mode: mode, threshold: threshold}
}

// Configure stores the root parameters used for every index the selector
// builds and drops the active index.
func (s *Selector) Configure(rootCenter mgl32.Vec3, rootSize float32, capacity int, accessor Accessor) {
	s.center = rootCenter
	s.size = rootSize
	s.capacity = capacity
	s.accessor = accessor
	s.index = nil
}

// Resolve returns the kind the current mode wants for a population.
func (s *Selector) Resolve(count int) Kind {
	switch s.mode {
	case ModeSpatialCell:
		return KindGrid
	case ModeBVH:
		return KindBVH
	case ModeAutomatic:
		if count > s.threshold {
			return KindGrid
		}
		return KindOctree
	default:
		return KindOctree
	}
}

// Sync builds a fresh index when none is active or when the resolved kind
// differs from the active one, inserting every given index. It reports
// whether a new index was built. Call it at most once per tick.
func (s *Selector) Sync(indices []int) bool {
	want := s.Resolve(len(indices))
	if s.index != nil && s.index.Kind() == want {
		return false
	}
	idx := NewIndex(want)
	idx.Initialize(s.center, s.size, s.capacity, s.accessor)
	idx.Insert(indices)
	s.index = idx
	return true
}

// Rebuild clears the active index and inserts every given index.
func (s *Selector) Rebuild(indices []int) {
	if s.index == nil {
		s.Sync(indices)
		return
	}
	s.index.Clear()
	s.index.Insert(indices)
}

// Index returns the active index, nil before the first Sync.
func (s *Selector) Index() Index {
	return s.index
}

func (s *Selector) Mode() Mode {
	return s.mode
}

// SetMode changes the policy. The active index is replaced on the next Sync.
func (s *Selector) SetMode(mode Mode) {
	s.mode = mode
}

func (s *Selector) Threshold() int {
	return s.threshold
}

func (s *Selector) SetThreshold(threshold int) {
	if threshold < 1 {
		threshold = DefaultAutoSwitchThreshold
	}
	s.threshold = threshold
}
