// Package landscape holds the gridded habitat that populations disperse over.
//
// A Grid stores one row-major layer per life stage plus named auxiliary
// layers (suitability, carrying capacity, barriers). No-habitat cells are
// marked with NaN in the stage layers and share one mask across all stages.
package landscape

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Standard auxiliary layer names.
const (
	LayerSuitability      = "suitability"
	LayerCarryingCapacity = "carrying_capacity"
	LayerBarriers         = "barriers"
)

// NoData marks a no-habitat cell.
var NoData = math.NaN()

// Grid is a rectangular habitat grid with per-stage population layers.
type Grid struct {
	W, H int

	// Res is the cell size in distance units. Origin is the lower-left corner
	// of cell (0, 0).
	Res              float64
	OriginX, OriginY float64

	// Stages holds one layer per life stage, len W*H each.
	Stages [][]float64

	// Layers holds auxiliary per-cell layers keyed by name.
	Layers map[string][]float64
}

// New allocates a fully habitable, empty grid.
func New(w, h, stages int, res float64) *Grid {
	if w <= 0 {
		w = 1
	}
	if h <= 0 {
		h = 1
	}
	if res <= 0 {
		res = 1
	}
	g := &Grid{
		W: w, H: h,
		Res:    res,
		Stages: make([][]float64, stages),
		Layers: make(map[string][]float64),
	}
	for s := range g.Stages {
		g.Stages[s] = make([]float64, w*h)
	}
	return g
}

// Len returns the number of cells.
func (g *Grid) Len() int { return g.W * g.H }

// Index returns the linear slice index for coordinates (x, y).
func (g *Grid) Index(x, y int) int { return y*g.W + x }

// XY returns the coordinates for linear index i.
func (g *Grid) XY(i int) (int, int) { return i % g.W, i / g.W }

// InBounds reports whether (x, y) lies on the grid.
func (g *Grid) InBounds(x, y int) bool {
	return x >= 0 && x < g.W && y >= 0 && y < g.H
}

// Habitat reports whether cell i can hold population.
// The mask is taken from the first stage layer.
func (g *Grid) Habitat(i int) bool {
	if len(g.Stages) == 0 {
		return true
	}
	return !math.IsNaN(g.Stages[0][i])
}

// SetNoHabitat marks cell i as no-habitat in every stage.
func (g *Grid) SetNoHabitat(i int) {
	for _, layer := range g.Stages {
		layer[i] = NoData
	}
}

// ApplyMask copies the no-habitat mask of stage 0 onto every other stage.
func (g *Grid) ApplyMask() {
	if len(g.Stages) < 2 {
		return
	}
	mask := g.Stages[0]
	for _, layer := range g.Stages[1:] {
		for i, v := range mask {
			if math.IsNaN(v) {
				layer[i] = NoData
			}
		}
	}
}

// Layer looks up an auxiliary layer by name.
func (g *Grid) Layer(name string) ([]float64, bool) {
	l, ok := g.Layers[name]
	return l, ok
}

// SetLayer stores an auxiliary layer. It panics if the length does not match.
func (g *Grid) SetLayer(name string, data []float64) {
	if len(data) != g.Len() {
		panic("landscape: layer length does not match grid")
	}
	if g.Layers == nil {
		g.Layers = make(map[string][]float64)
	}
	g.Layers[name] = data
}

// Clone returns a deep copy of the grid.
func (g *Grid) Clone() *Grid {
	c := &Grid{
		W: g.W, H: g.H,
		Res:     g.Res,
		OriginX: g.OriginX,
		OriginY: g.OriginY,
		Stages:  make([][]float64, len(g.Stages)),
		Layers:  make(map[string][]float64, len(g.Layers)),
	}
	for s, layer := range g.Stages {
		c.Stages[s] = append([]float64(nil), layer...)
	}
	for name, layer := range g.Layers {
		c.Layers[name] = append([]float64(nil), layer...)
	}
	return c
}

// StageTotal sums stage s over habitat cells.
func (g *Grid) StageTotal(s int) float64 {
	return SumHabitat(g.Stages[s])
}

// Total sums all stages over habitat cells.
func (g *Grid) Total() float64 {
	var t float64
	for s := range g.Stages {
		t += g.StageTotal(s)
	}
	return t
}

// Occupancy returns the per-cell total across stages. No-habitat cells are NaN.
func (g *Grid) Occupancy() []float64 {
	occ := make([]float64, g.Len())
	for _, layer := range g.Stages {
		floats.Add(occ, layer)
	}
	return occ
}

// OccupiedCells counts habitat cells in stage s holding population.
func (g *Grid) OccupiedCells(s int) int {
	n := 0
	for _, v := range g.Stages[s] {
		if v > 0 {
			n++
		}
	}
	return n
}

// CellCenter returns the distance-space coordinates of cell i's center.
func (g *Grid) CellCenter(i int) (float64, float64) {
	x, y := g.XY(i)
	return g.OriginX + (float64(x)+0.5)*g.Res, g.OriginY + (float64(y)+0.5)*g.Res
}

// AxisX returns the evenly spaced x coordinates of cell centers.
func (g *Grid) AxisX() []float64 {
	return span(g.W, g.OriginX+0.5*g.Res, g.Res)
}

// AxisY returns the evenly spaced y coordinates of cell centers.
func (g *Grid) AxisY() []float64 {
	return span(g.H, g.OriginY+0.5*g.Res, g.Res)
}

func span(n int, first, step float64) []float64 {
	ax := make([]float64, n)
	if n == 1 {
		ax[0] = first
		return ax
	}
	return floats.Span(ax, first, first+float64(n-1)*step)
}

// SumHabitat sums a layer, skipping NaN cells.
func SumHabitat(layer []float64) float64 {
	var s float64
	for _, v := range layer {
		if !math.IsNaN(v) {
			s += v
		}
	}
	return s
}
