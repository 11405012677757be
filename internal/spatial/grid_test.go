package spatial

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clusteredStore() store {
	var s store
	for i := 0; i < 30; i++ {
		f := float32(i) / 30
		s = append(s, Element{Position: mgl32.Vec3{1 + f, 1 + f/2, 2 - f}, Size: 1})
	}
	s = append(s,
		Element{Position: mgl32.Vec3{-20, -20, -20}, Size: 1},
		Element{Position: mgl32.Vec3{-21, -20, -20}, Size: 1},
		Element{Position: mgl32.Vec3{-20, -21, -20}, Size: 1},
	)
	return s
}

func TestGridCellSize(t *testing.T) {
	tests := []struct {
		name     string
		size     float32
		capacity int
		want     float32
	}{
		{"root over sqrt capacity", 46, 4, 23},
		{"irrational", 20, 2, 14.142136},
		{"never below one", 20, 10000, 1},
		{"capacity floor", 10, 0, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGrid()
			g.Initialize(mgl32.Vec3{}, tt.size, tt.capacity, store{}.accessor())
			assert.InDelta(t, tt.want, g.CellSize(), 1e-4)
		})
	}
}

func TestGridCellOfNegativeCoordinates(t *testing.T) {
	g := NewGrid()
	g.Initialize(mgl32.Vec3{}, 46, 4, store{}.accessor())

	assert.Equal(t, cellCoord{0, 0, 0}, g.cellOf(mgl32.Vec3{0, 0, 0}))
	assert.Equal(t, cellCoord{-1, 0, 0}, g.cellOf(mgl32.Vec3{-0.5, 0, 0}))
	assert.Equal(t, cellCoord{1, -1, 0}, g.cellOf(mgl32.Vec3{23, -23, 22.9}))
}

func TestGridShouldBatch(t *testing.T) {
	g := NewGrid()
	assert.False(t, g.ShouldBatch(MinElementsForBatching-1))
	assert.True(t, g.ShouldBatch(MinElementsForBatching))
}

func TestGridBuildsBelowBatchThreshold(t *testing.T) {
	s := fiveElementStore()
	g := NewGrid()
	g.Initialize(mgl32.Vec3{}, 20, 2, s.accessor())
	g.Insert(allIndices(len(s)))

	require.Equal(t, 5, g.CellStats().TotalElements)
	require.ElementsMatch(t, []int{1}, g.FindNearby(mgl32.Vec3{5, 0, 0}, 0.5))
}

func TestGridProcessCells(t *testing.T) {
	s := clusteredStore()
	g := NewGrid()
	g.Initialize(mgl32.Vec3{}, 46, 4, s.accessor())
	g.Insert(allIndices(len(s)))

	visits := make(map[int]int)
	candidateCounts := make(map[int]int)
	g.ProcessCells(nil, 0, func(index int, candidates []int) {
		visits[index]++
		candidateCounts[index] = len(candidates)
		require.Contains(t, candidates, index)
	})

	require.Len(t, visits, len(s))
	for index, n := range visits {
		require.Equal(t, 1, n, "element %d visited %d times", index, n)
	}

	// Dense cell: the shared 3x3x3 block holds the cluster plus the
	// neighboring sparse cell.
	for i := 0; i < 30; i++ {
		assert.Equal(t, len(s), candidateCounts[i])
	}
	// Sparse cell: distance-filtered query at cellSize/1.5.
	for i := 30; i < len(s); i++ {
		assert.Equal(t, 3, candidateCounts[i])
	}
}

func TestGridProcessCellsUsesFallback(t *testing.T) {
	s := clusteredStore()
	g := NewGrid()
	g.Initialize(mgl32.Vec3{}, 46, 4, s.accessor())
	g.Insert(allIndices(len(s)))

	fallback := NewOctree()
	fallback.Initialize(mgl32.Vec3{}, 46, 4, s.accessor())
	fallback.Insert(allIndices(len(s)))

	g.ProcessCells(fallback, 1.5, func(index int, candidates []int) {
		if index >= 30 {
			require.ElementsMatch(t, bruteForce(s, s[index].Position, 1.5), candidates)
		}
	})
}

func TestGridCellStats(t *testing.T) {
	s := clusteredStore()
	g := NewGrid()
	g.Initialize(mgl32.Vec3{}, 46, 4, s.accessor())
	g.Insert(allIndices(len(s)))

	st := g.CellStats()
	assert.Equal(t, 2, st.NonEmptyCells)
	assert.Equal(t, 33, st.TotalElements)
	assert.Equal(t, 30, st.MaxInCell)
	assert.InDelta(t, 16.5, st.AvgPerNonEmpty, 1e-9)
	assert.Equal(t, float32(23), st.CellSize)

	g.Clear()
	st = g.CellStats()
	assert.Zero(t, st.NonEmptyCells)
	assert.Zero(t, st.TotalElements)
}

func TestGridHugeRadius(t *testing.T) {
	s := clusteredStore()
	g := NewGrid()
	g.Initialize(mgl32.Vec3{}, 46, 4, s.accessor())
	g.Insert(allIndices(len(s)))

	for _, rng := range []float32{1e6, 1e30, math32.Inf(1)} {
		require.Len(t, g.FindNearby(mgl32.Vec3{}, rng), len(s), "range %v", rng)
	}
	require.Empty(t, g.FindNearby(mgl32.Vec3{}, math32.NaN()))
}
