package spatial

import (
	"testing"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
	}{
		{"octree", ModeOctTree},
		{"OctTree", ModeOctTree},
		{"cells", ModeSpatialCell},
		{"grid", ModeSpatialCell},
		{"bvh", ModeBVH},
		{" auto ", ModeAutomatic},
		{"", ModeAutomatic},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMode(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseMode("kdtree")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, ErrTypeInvalidMode))
}

func TestModeText(t *testing.T) {
	for _, m := range []Mode{ModeOctTree, ModeSpatialCell, ModeBVH, ModeAutomatic} {
		text, err := m.MarshalText()
		require.NoError(t, err)

		var back Mode
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, m, back)
	}
}

func TestSelectorResolve(t *testing.T) {
	s := NewSelector(ModeAutomatic, 0)
	require.Equal(t, DefaultAutoSwitchThreshold, s.Threshold())

	assert.Equal(t, KindOctree, s.Resolve(500))
	assert.Equal(t, KindGrid, s.Resolve(501))

	s.SetThreshold(10)
	assert.Equal(t, KindOctree, s.Resolve(10))
	assert.Equal(t, KindGrid, s.Resolve(11))

	s.SetMode(ModeBVH)
	assert.Equal(t, KindBVH, s.Resolve(1))
	s.SetMode(ModeSpatialCell)
	assert.Equal(t, KindGrid, s.Resolve(1))
	s.SetMode(ModeOctTree)
	assert.Equal(t, KindOctree, s.Resolve(100000))
}

func TestSelectorSyncSwitchesOnce(t *testing.T) {
	elems := make(store, 12)
	for i := range elems {
		elems[i] = Element{Position: mgl32.Vec3{float32(i), 0, 0}, Size: 1}
	}

	s := NewSelector(ModeAutomatic, 10)
	s.Configure(mgl32.Vec3{}, 46, 4, elems.accessor())
	require.Nil(t, s.Index())

	require.True(t, s.Sync(allIndices(10)))
	require.Equal(t, KindOctree, s.Index().Kind())
	require.False(t, s.Sync(allIndices(10)))

	require.True(t, s.Sync(allIndices(11)), "crossing the threshold builds a grid")
	require.Equal(t, KindGrid, s.Index().Kind())
	require.False(t, s.Sync(allIndices(12)))
	require.ElementsMatch(t, []int{10}, s.Index().FindNearby(mgl32.Vec3{10, 0, 0}, 0.1))
	require.Empty(t, s.Index().FindNearby(mgl32.Vec3{11, 0, 0}, 0.1), "no rebuild without a switch")

	s.SetMode(ModeBVH)
	require.True(t, s.Sync(allIndices(12)))
	require.Equal(t, KindBVH, s.Index().Kind())
	require.Equal(t, 12, s.Index().Stats().Elements)
}

func TestSelectorRebuild(t *testing.T) {
	elems := store{
		{Position: mgl32.Vec3{1, 1, 1}, Size: 1},
		{Position: mgl32.Vec3{-1, -1, -1}, Size: 1},
	}
	s := NewSelector(ModeOctTree, 0)
	s.Configure(mgl32.Vec3{}, 46, 4, elems.accessor())

	s.Rebuild([]int{0, 1})
	require.NotNil(t, s.Index())

	elems[0].Position = mgl32.Vec3{10, 10, 10}
	s.Rebuild([]int{0, 1})
	require.ElementsMatch(t, []int{0}, s.Index().FindNearby(mgl32.Vec3{10, 10, 10}, 0.1))
	require.Empty(t, s.Index().FindNearby(mgl32.Vec3{1, 1, 1}, 0.1))
}

func TestBoxColliders(t *testing.T) {
	c := NewBoxColliders(BoundsFromCenter(mgl32.Vec3{}, 2))
	assert.True(t, c.Overlaps(mgl32.Vec3{1.5, 0, 0}, mgl32.Vec3{1, 1, 1}))
	assert.False(t, c.Overlaps(mgl32.Vec3{3, 0, 0}, mgl32.Vec3{1, 1, 1}))

	c.Add(BoundsFromCenter(mgl32.Vec3{3, 0, 0}, 1))
	assert.True(t, c.Query()(mgl32.Vec3{3, 0, 0}, mgl32.Vec3{1, 1, 1}))
	assert.Len(t, c.Boxes(), 2)

	c.Reset()
	assert.Empty(t, c.Boxes())
	assert.False(t, c.Overlaps(mgl32.Vec3{}, mgl32.Vec3{1, 1, 1}))
}
