package spatial

import (
	"math/rand"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// store is a minimal element store for index tests.
type store []Element

func (s store) accessor() Accessor {
	return func(i int) Element { return s[i] }
}

func allIndices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func randomStore(rng *rand.Rand, n int, center mgl32.Vec3, size float32) store {
	s := make(store, n)
	for i := range s {
		s[i] = Element{
			Position: center.Add(mgl32.Vec3{
				(rng.Float32() - 0.5) * size,
				(rng.Float32() - 0.5) * size,
				(rng.Float32() - 0.5) * size,
			}),
			Size: 1,
		}
	}
	return s
}

func bruteForce(s store, point mgl32.Vec3, rng float32) []int {
	var out []int
	for i, e := range s {
		if e.Position.Sub(point).LenSqr() <= rng*rng {
			out = append(out, i)
		}
	}
	return out
}

var indexKinds = []struct {
	name string
	kind Kind
}{
	{"octree", KindOctree},
	{"grid", KindGrid},
	{"bvh", KindBVH},
}

func newLoadedIndex(kind Kind, s store, center mgl32.Vec3, size float32, capacity int) Index {
	idx := NewIndex(kind)
	idx.Initialize(center, size, capacity, s.accessor())
	idx.Insert(allIndices(len(s)))
	return idx
}

func fiveElementStore() store {
	return store{
		{Position: mgl32.Vec3{0, 0, 0}, Size: 1},
		{Position: mgl32.Vec3{5, 0, 0}, Size: 1},
		{Position: mgl32.Vec3{0, 5, 0}, Size: 1},
		{Position: mgl32.Vec3{0, 0, 5}, Size: 1},
		{Position: mgl32.Vec3{5, 5, 5}, Size: 1},
	}
}

func TestFiveElementScenario(t *testing.T) {
	for _, tt := range indexKinds {
		t.Run(tt.name, func(t *testing.T) {
			idx := newLoadedIndex(tt.kind, fiveElementStore(), mgl32.Vec3{}, 20, 2)

			require.ElementsMatch(t, []int{0}, idx.FindNearby(mgl32.Vec3{0, 0, 0}, 2))
			require.ElementsMatch(t, []int{4}, idx.FindNearby(mgl32.Vec3{5, 5, 5}, 2))
		})
	}
}

func TestContainment(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	s := randomStore(rng, 600, mgl32.Vec3{}, 46)

	for _, tt := range indexKinds {
		t.Run(tt.name, func(t *testing.T) {
			idx := newLoadedIndex(tt.kind, s, mgl32.Vec3{}, 46, 4)
			for i, e := range s {
				require.Contains(t, idx.FindNearby(e.Position, 1e-3), i, "element %d not found at its own position", i)
			}
		})
	}
}

func TestRangeCorrectness(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	s := randomStore(rng, 400, mgl32.Vec3{3, -2, 1}, 30)

	for _, tt := range indexKinds {
		t.Run(tt.name, func(t *testing.T) {
			idx := newLoadedIndex(tt.kind, s, mgl32.Vec3{3, -2, 1}, 30, 4)
			for q := 0; q < 50; q++ {
				point := s[rng.Intn(len(s))].Position
				radius := 0.5 + rng.Float32()*6

				got := append([]int(nil), idx.FindNearby(point, radius)...)
				require.ElementsMatch(t, bruteForce(s, point, radius), got)
			}
		})
	}
}

func TestNoDuplicateResults(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	s := randomStore(rng, 300, mgl32.Vec3{}, 20)

	for _, tt := range indexKinds {
		t.Run(tt.name, func(t *testing.T) {
			idx := newLoadedIndex(tt.kind, s, mgl32.Vec3{}, 20, 3)
			got := idx.FindNearby(mgl32.Vec3{}, 8)
			seen := make(map[int]bool, len(got))
			for _, i := range got {
				require.False(t, seen[i], "index %d returned twice", i)
				seen[i] = true
			}
		})
	}
}

func TestRebuild(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	s := randomStore(rng, 200, mgl32.Vec3{}, 46)

	for _, tt := range indexKinds {
		t.Run(tt.name, func(t *testing.T) {
			idx := newLoadedIndex(tt.kind, s, mgl32.Vec3{}, 46, 4)

			idx.Clear()
			for _, e := range s {
				require.Empty(t, idx.FindNearby(e.Position, 5))
			}

			idx.Insert(allIndices(len(s)))
			for i, e := range s {
				require.Contains(t, idx.FindNearby(e.Position, 0.5), i)
			}
		})
	}
}

func TestWrapPosition(t *testing.T) {
	tests := []struct {
		name string
		in   mgl32.Vec3
		want mgl32.Vec3
	}{
		{"inside unchanged", mgl32.Vec3{1, -2, 3}, mgl32.Vec3{1, -2, 3}},
		{"on max face unchanged", mgl32.Vec3{10, 0, 0}, mgl32.Vec3{10, 0, 0}},
		{"past max x", mgl32.Vec3{15, 0, 0}, mgl32.Vec3{-5, 0, 0}},
		{"past min x", mgl32.Vec3{-12, 0, 0}, mgl32.Vec3{8, 0, 0}},
		{"past max y", mgl32.Vec3{0, 13, 0}, mgl32.Vec3{0, -7, 0}},
		{"past min y", mgl32.Vec3{0, -15, 0}, mgl32.Vec3{0, 5, 0}},
		{"past max z", mgl32.Vec3{0, 0, 11}, mgl32.Vec3{0, 0, -9}},
		{"past min z", mgl32.Vec3{0, 0, -14}, mgl32.Vec3{0, 0, 6}},
	}

	for _, kind := range indexKinds {
		idx := NewIndex(kind.kind)
		idx.Initialize(mgl32.Vec3{}, 20, 4, store{}.accessor())
		for _, tt := range tests {
			t.Run(kind.name+"/"+tt.name, func(t *testing.T) {
				got := idx.WrapPosition(tt.in)
				require.InDeltaSlice(t, tt.want[:], got[:], 1e-5)
				again := idx.WrapPosition(got)
				require.Equal(t, got, again)
			})
		}
	}
}

func TestWrapPositionAlwaysInside(t *testing.T) {
	root := BoundsFromCenter(mgl32.Vec3{2, 2, 2}, 10)
	rng := rand.New(rand.NewSource(9))
	for i := 0; i < 1000; i++ {
		p := mgl32.Vec3{
			(rng.Float32() - 0.5) * 200,
			(rng.Float32() - 0.5) * 200,
			(rng.Float32() - 0.5) * 200,
		}
		w := root.Wrap(p)
		require.True(t, root.Contains(w), "wrap(%v) = %v escaped the root", p, w)
		require.Equal(t, w, root.Wrap(w))
	}
}

func TestIndexWithoutElements(t *testing.T) {
	for _, tt := range indexKinds {
		t.Run(tt.name, func(t *testing.T) {
			idx := NewIndex(tt.kind)
			require.Empty(t, idx.FindNearby(mgl32.Vec3{}, 10))
			require.False(t, idx.IsNearCollider(mgl32.Vec3{}))

			idx.Initialize(mgl32.Vec3{}, 20, 4, store{}.accessor())
			idx.Insert(nil)
			require.Empty(t, idx.FindNearby(mgl32.Vec3{}, 10))
		})
	}
}

func TestColliderTagging(t *testing.T) {
	colliders := NewBoxColliders(BoundsFromCenter(mgl32.Vec3{5, 5, 5}, 2))

	for _, tt := range indexKinds {
		t.Run(tt.name, func(t *testing.T) {
			idx := newLoadedIndex(tt.kind, fiveElementStore(), mgl32.Vec3{}, 20, 2)

			require.False(t, idx.IsNearCollider(mgl32.Vec3{5, 5, 5}), "nothing tagged before the first update")

			idx.UpdateColliderInfo(colliders.Query())
			require.True(t, idx.IsNearCollider(mgl32.Vec3{5, 5, 5}))
			require.False(t, idx.IsNearCollider(mgl32.Vec3{-40, -40, -40}))

			tagged := 0
			for _, n := range idx.GetVisualizationData() {
				if n.HasCollider {
					tagged++
				}
			}
			require.Positive(t, tagged)

			idx.UpdateColliderInfo(nil)
			require.False(t, idx.IsNearCollider(mgl32.Vec3{5, 5, 5}))
		})
	}
}

func TestVisualizationData(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	s := randomStore(rng, 100, mgl32.Vec3{}, 46)

	for _, tt := range indexKinds {
		t.Run(tt.name, func(t *testing.T) {
			idx := newLoadedIndex(tt.kind, s, mgl32.Vec3{}, 46, 4)
			data := idx.GetVisualizationData()
			require.NotEmpty(t, data)

			leaves := 0
			for _, n := range data {
				require.Positive(t, n.Size[0])
				if n.IsLeaf {
					leaves++
				}
			}
			require.Positive(t, leaves)
			require.Equal(t, len(s), idx.Stats().Elements)
		})
	}
}

func TestBoundsFaceNormal(t *testing.T) {
	box := Bounds{Min: mgl32.Vec3{0, 0, 0}, Max: mgl32.Vec3{2, 2, 2}}
	assert.Equal(t, mgl32.Vec3{-1, 0, 0}, box.FaceNormal(mgl32.Vec3{-3, 1, 1}))
	assert.Equal(t, mgl32.Vec3{0, 1, 0}, box.FaceNormal(mgl32.Vec3{2.5, 5, 1}))
	assert.Equal(t, mgl32.Vec3{}, box.FaceNormal(mgl32.Vec3{1, 1, 1}))
}
