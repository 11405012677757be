package spatial

import (
	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"
)

const (
	// MinElementsForBatching is the population from which per-cell batched
	// neighbor processing beats per-element tree queries.
	MinElementsForBatching = 150

	// MinElementsPerBatchCell is the occupancy from which a cell shares one
	// candidate set among all of its members.
	MinElementsPerBatchCell = 20

	// maxCellRadius bounds the cube scan; wider queries walk every live cell.
	maxCellRadius = 512
)

// cellCoord is an integer cell coordinate: floor(position/cellSize).
type cellCoord struct {
	X, Y, Z int
}

type gridCell struct {
	coord   cellCoord
	members []int
}

// Grid is a uniform grid index over unbounded space. Cells are rebuilt
// wholesale by Clear followed by Insert; nothing is updated incrementally.
//
// Memory layout: active cells live in a dense slice (cells[:activeCells])
// and lookup maps a coordinate to its slot. Member slices keep their
// capacity across rebuilds.
type Grid struct {
	cellSize float32
	root     Bounds
	capacity int
	accessor Accessor

	cells       []gridCell
	activeCells int
	lookup      map[cellCoord]int
	colliders   map[cellCoord]struct{}

	seen    map[int]struct{}
	scratch []int // FindNearby results
	batch   []int // ProcessCells shared candidates
}

// NewGrid returns a grid that must be initialized before use.
func NewGrid() *Grid {
	return &Grid{
		cellSize:  1,
		cells:     make([]gridCell, 0, 128),
		lookup:    make(map[cellCoord]int, 128),
		colliders: make(map[cellCoord]struct{}),
		seen:      make(map[int]struct{}, 64),
		scratch:   make([]int, 0, 64),
		batch:     make([]int, 0, 256),
	}
}

func (g *Grid) Kind() Kind { return KindGrid }

// Initialize derives the cell size from the root size and capacity hint:
// rootSize/sqrt(capacity), never below 1.
func (g *Grid) Initialize(rootCenter mgl32.Vec3, rootSize float32, capacity int, accessor Accessor) {
	if capacity < 1 {
		capacity = 1
	}
	g.root = BoundsFromCenter(rootCenter, rootSize)
	g.capacity = capacity
	g.accessor = accessor
	g.cellSize = math32.Max(rootSize/math32.Sqrt(float32(capacity)), 1)
	g.Clear()
}

// Clear empties every cell without releasing member storage.
func (g *Grid) Clear() {
	for i := 0; i < g.activeCells; i++ {
		g.cells[i].members = g.cells[i].members[:0]
	}
	g.activeCells = 0
	clear(g.lookup)
	clear(g.colliders)
}

// Insert buckets each index into the cell containing its position.
func (g *Grid) Insert(indices []int) {
	if g.accessor == nil {
		return
	}
	for _, index := range indices {
		coord := g.cellOf(g.accessor(index).Position)
		slot, ok := g.lookup[coord]
		if !ok {
			slot = g.acquireCell(coord)
		}
		g.cells[slot].members = append(g.cells[slot].members, index)
	}
}

func (g *Grid) acquireCell(coord cellCoord) int {
	slot := g.activeCells
	if slot == len(g.cells) {
		g.cells = append(g.cells, gridCell{members: make([]int, 0, 32)})
	}
	g.cells[slot].coord = coord
	g.cells[slot].members = g.cells[slot].members[:0]
	g.activeCells++
	g.lookup[coord] = slot
	return slot
}

func (g *Grid) cellOf(p mgl32.Vec3) cellCoord {
	return cellCoord{
		X: int(math32.Floor(p[0] / g.cellSize)),
		Y: int(math32.Floor(p[1] / g.cellSize)),
		Z: int(math32.Floor(p[2] / g.cellSize)),
	}
}

func (g *Grid) cellCenter(c cellCoord) mgl32.Vec3 {
	return mgl32.Vec3{
		(float32(c.X) + 0.5) * g.cellSize,
		(float32(c.Y) + 0.5) * g.cellSize,
		(float32(c.Z) + 0.5) * g.cellSize,
	}
}

// FindNearby scans the cube of cells within ceil(rng/cellSize) of point's
// cell and returns the unique members within rng of point.
//
// IMPORTANT: The returned slice is reused on subsequent calls.
func (g *Grid) FindNearby(point mgl32.Vec3, rng float32) []int {
	g.scratch = g.scratch[:0]
	if g.activeCells == 0 || rng < 0 || math32.IsNaN(rng) {
		return g.scratch
	}
	clear(g.seen)
	r2 := rng * rng

	// Ranges this wide overflow an int cell radius.
	if rng/g.cellSize >= maxCellRadius {
		for slot := 0; slot < g.activeCells; slot++ {
			g.collect(slot, point, r2)
		}
		return g.scratch
	}

	base := g.cellOf(point)
	radius := int(math32.Ceil(rng / g.cellSize))

	span := 2*radius + 1
	if span > 2*maxCellRadius || span*span*span > g.activeCells {
		// Fewer live cells than cube positions: walk the live cells.
		for slot := 0; slot < g.activeCells; slot++ {
			c := g.cells[slot].coord
			if abs(c.X-base.X) <= radius && abs(c.Y-base.Y) <= radius && abs(c.Z-base.Z) <= radius {
				g.collect(slot, point, r2)
			}
		}
		return g.scratch
	}

	for dx := -radius; dx <= radius; dx++ {
		for dy := -radius; dy <= radius; dy++ {
			for dz := -radius; dz <= radius; dz++ {
				slot, ok := g.lookup[cellCoord{base.X + dx, base.Y + dy, base.Z + dz}]
				if ok {
					g.collect(slot, point, r2)
				}
			}
		}
	}
	return g.scratch
}

func (g *Grid) collect(slot int, point mgl32.Vec3, r2 float32) {
	for _, index := range g.cells[slot].members {
		if _, dup := g.seen[index]; dup {
			continue
		}
		if g.accessor != nil && g.accessor(index).Position.Sub(point).LenSqr() > r2 {
			continue
		}
		g.seen[index] = struct{}{}
		g.scratch = append(g.scratch, index)
	}
}

// ShouldBatch reports whether a population is large enough for ProcessCells.
func (g *Grid) ShouldBatch(count int) bool {
	return count >= MinElementsForBatching
}

// ProcessCells visits every inserted element once with a candidate neighbor
// list. Members of a cell holding at least MinElementsPerBatchCell elements
// share one candidate list: the union of that cell and its 26 neighbors,
// unfiltered by distance. Members of sparser cells get
// fallback.FindNearby(position, sparseRange); a nil fallback means the grid
// itself and a non-positive sparseRange means cellSize/1.5.
//
// Candidate slices are only valid during the visit call.
func (g *Grid) ProcessCells(fallback Index, sparseRange float32, visit func(index int, candidates []int)) {
	if g.accessor == nil {
		return
	}
	if fallback == nil {
		fallback = g
	}
	if sparseRange <= 0 {
		sparseRange = g.cellSize / 1.5
	}

	for slot := 0; slot < g.activeCells; slot++ {
		members := g.cells[slot].members
		if len(members) == 0 {
			continue
		}

		if len(members) >= MinElementsPerBatchCell {
			g.batch = g.potentialNeighbors(g.cells[slot].coord, g.batch[:0])
			for _, index := range members {
				visit(index, g.batch)
			}
			continue
		}

		for _, index := range members {
			visit(index, fallback.FindNearby(g.accessor(index).Position, sparseRange))
		}
	}
}

// potentialNeighbors appends the unique members of the 3x3x3 block of cells
// around coord.
func (g *Grid) potentialNeighbors(coord cellCoord, dst []int) []int {
	clear(g.seen)
	for dx := -1; dx <= 1; dx++ {
		for dy := -1; dy <= 1; dy++ {
			for dz := -1; dz <= 1; dz++ {
				slot, ok := g.lookup[cellCoord{coord.X + dx, coord.Y + dy, coord.Z + dz}]
				if !ok {
					continue
				}
				for _, index := range g.cells[slot].members {
					if _, dup := g.seen[index]; !dup {
						g.seen[index] = struct{}{}
						dst = append(dst, index)
					}
				}
			}
		}
	}
	return dst
}

// IsNearCollider checks point's cell and its 26 neighbors.
func (g *Grid) IsNearCollider(point mgl32.Vec3) bool {
	if len(g.colliders) == 0 {
		return false
	}
	base := g.cellOf(point)
	for dx := -1; dx <= 1; dx++ {
		for dy := -1; dy <= 1; dy++ {
			for dz := -1; dz <= 1; dz++ {
				if _, ok := g.colliders[cellCoord{base.X + dx, base.Y + dy, base.Z + dz}]; ok {
					return true
				}
			}
		}
	}
	return false
}

// WrapPosition wraps p into the root cube.
func (g *Grid) WrapPosition(p mgl32.Vec3) mgl32.Vec3 {
	return g.root.Wrap(p)
}

// UpdateColliderInfo tags each occupied cell that overlaps a collider.
func (g *Grid) UpdateColliderInfo(query ColliderQuery) {
	clear(g.colliders)
	if query == nil {
		return
	}
	size := mgl32.Vec3{g.cellSize, g.cellSize, g.cellSize}
	for slot := 0; slot < g.activeCells; slot++ {
		c := g.cells[slot].coord
		if query(g.cellCenter(c), size) {
			g.colliders[c] = struct{}{}
		}
	}
}

// GetVisualizationData returns one leaf entry per occupied cell.
func (g *Grid) GetVisualizationData() []NodeVisual {
	out := make([]NodeVisual, 0, g.activeCells)
	size := mgl32.Vec3{g.cellSize, g.cellSize, g.cellSize}
	for slot := 0; slot < g.activeCells; slot++ {
		c := g.cells[slot].coord
		_, hit := g.colliders[c]
		out = append(out, NodeVisual{
			Position:    g.cellCenter(c),
			Size:        size,
			IsLeaf:      true,
			HasCollider: hit,
		})
	}
	return out
}

func (g *Grid) Stats() Stats {
	cs := g.CellStats()
	return Stats{
		Kind:     KindGrid.String(),
		Nodes:    cs.NonEmptyCells,
		Leaves:   cs.NonEmptyCells,
		Elements: cs.TotalElements,
	}
}

// CellSize returns the edge length of one cell.
func (g *Grid) CellSize() float32 {
	return g.cellSize
}

// CellStats returns grid occupancy statistics for debugging/profiling.
func (g *Grid) CellStats() GridStats {
	var total, maxInCell, nonEmpty int
	for slot := 0; slot < g.activeCells; slot++ {
		count := len(g.cells[slot].members)
		total += count
		if count > maxInCell {
			maxInCell = count
		}
		if count > 0 {
			nonEmpty++
		}
	}

	avgPerCell := 0.0
	if nonEmpty > 0 {
		avgPerCell = float64(total) / float64(nonEmpty)
	}

	return GridStats{
		TotalCells:     len(g.cells),
		NonEmptyCells:  nonEmpty,
		TotalElements:  total,
		MaxInCell:      maxInCell,
		AvgPerNonEmpty: avgPerCell,
		CellSize:       g.cellSize,
	}
}

// GridStats contains grid statistics for debugging.
type GridStats struct {
	TotalCells     int     `json:"totalCells"`
	NonEmptyCells  int     `json:"nonEmptyCells"`
	TotalElements  int     `json:"totalElements"`
	MaxInCell      int     `json:"maxInCell"`
	AvgPerNonEmpty float64 `json:"avgPerNonEmpty"`
	CellSize       float32 `json:"cellSize"`
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
