package dispersal

import (
	"fmt"
	"math"
	"sync"

	"github.com/pthm-cable/disperse/kernel"
)

// BarrierType controls what happens to dispersers that meet a barrier cell.
type BarrierType string

const (
	// BarrierBlocking stops movement at the last open cell before the barrier.
	BarrierBlocking BarrierType = "blocking"
	// BarrierLethal removes the individuals from the system.
	BarrierLethal BarrierType = "lethal"
)

// CellularAutomata moves dispersers outward ring by ring over a number of
// iterative steps.
//
// In each step every cell holding in-flight individuals shares them over the
// Chebyshev rings 1..distance around it. A destination in ring r gets weight
// ringWeight[r-1] * suitability. The straight line from source to
// destination is checked for barriers, and intake is capped by the
// destination's remaining carrying capacity; whatever cannot move stays at
// the source. Arrivals keep moving in the next step. Sources are visited in
// row-major order, which matters only when capacity runs out.
type CellularAutomata struct {
	Kernel      kernel.Func
	Steps       int
	UseBarriers bool
	BarrierType BarrierType
	Stochastic  bool

	mu    sync.Mutex
	rings map[int]*ringSet
}

// ringOffset is one destination relative to the source. Its straight-line
// path (excluding the source, including the destination) is
// ringSet.path[pathStart:pathEnd].
type ringOffset struct {
	dx, dy    int
	ring      int
	pathStart int
	pathEnd   int
}

type ringSet struct {
	offsets []ringOffset
	path    [][2]int
}

// Name implements Engine.
func (ca *CellularAutomata) Name() string { return EngineCellularAutomata }

// ringsFor returns the cached offsets for a dispersal distance.
func (ca *CellularAutomata) ringsFor(distance int) *ringSet {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	if rs, ok := ca.rings[distance]; ok {
		return rs
	}
	if ca.rings == nil {
		ca.rings = make(map[int]*ringSet)
	}
	rs := buildRings(distance)
	ca.rings[distance] = rs
	return rs
}

func buildRings(distance int) *ringSet {
	rs := &ringSet{}
	for r := 1; r <= distance; r++ {
		for dy := -r; dy <= r; dy++ {
			for dx := -r; dx <= r; dx++ {
				if max(abs(dx), abs(dy)) != r {
					continue
				}
				start := len(rs.path)
				rs.path = appendLine(rs.path, dx, dy)
				rs.offsets = append(rs.offsets, ringOffset{
					dx: dx, dy: dy,
					ring:      r,
					pathStart: start,
					pathEnd:   len(rs.path),
				})
			}
		}
	}
	return rs
}

// appendLine appends the Bresenham cells from (0,0) to (x1,y1), excluding
// the origin.
func appendLine(path [][2]int, x1, y1 int) [][2]int {
	dx, dy := abs(x1), -abs(y1)
	sx, sy := 1, 1
	if x1 < 0 {
		sx = -1
	}
	if y1 < 0 {
		sy = -1
	}
	e := dx + dy
	x, y := 0, 0
	for x != x1 || y != y1 {
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x += sx
		}
		if e2 <= dx {
			e += dx
			y += sy
		}
		path = append(path, [2]int{x, y})
	}
	return path
}

// DisperseStage implements Engine.
func (ca *CellularAutomata) DisperseStage(in *StageInput) (*StageOutput, error) {
	step := in.Step
	g := step.Grid
	n := g.Len()

	distance := in.Distance
	if distance < 1 {
		distance = 1
	}
	steps := ca.Steps
	if steps < 1 {
		steps = 1
	}
	ringW := kernel.RingWeights(ca.Kernel, distance)
	rs := ca.ringsFor(distance)

	suit, hasSuit := step.Suitability()

	// An empty capacity layer name with no CapFn disables the ceiling.
	var capacity []float64
	if step.Layers.CarryingCapacity != "" || step.CapFn != nil {
		c, err := step.Capacity()
		if err != nil {
			return nil, fmt.Errorf("stage %d: %w", in.Stage, err)
		}
		capacity = c
	}

	var barriers []float64
	if ca.UseBarriers {
		b, ok := g.Layer(step.Layers.Barriers)
		if !ok {
			return nil, fmt.Errorf("stage %d: %w: %s (use_barriers is set)", in.Stage, ErrMissingLayer, step.Layers.Barriers)
		}
		barriers = b
	}
	lethal := ca.BarrierType == BarrierLethal

	// load tracks every individual in a cell, settled or in flight, so
	// capacity checks see the whole landscape.
	load := append([]float64(nil), step.Occupancy()...)
	moving := make([]float64, n)
	next := make([]float64, n)
	for i, v := range in.Dispersing {
		if v > 0 {
			moving[i] = v
		}
	}
	weights := make([]float64, len(rs.offsets))
	var order []int
	var absorbed float64

	for it := 0; it < steps; it++ {
		clear(next)
		for src := 0; src < n; src++ {
			m := moving[src]
			if m <= 0 {
				continue
			}
			sx, sy := g.XY(src)

			var sum float64
			for o := range rs.offsets {
				off := &rs.offsets[o]
				weights[o] = 0
				x, y := sx+off.dx, sy+off.dy
				if !g.InBounds(x, y) {
					continue
				}
				d := g.Index(x, y)
				if !g.Habitat(d) {
					continue
				}
				w := ringW[off.ring-1]
				if hasSuit {
					s := suit[d]
					if !(s > 0) {
						continue
					}
					w *= s
				}
				weights[o] = w
				sum += w
			}
			if !(sum > 0) {
				next[src] += m
				continue
			}

			scale := m / sum
			for o := range weights {
				weights[o] *= scale
			}
			if ca.Stochastic {
				order = LargestRemainder(weights, order)
			}

			for o, share := range weights {
				if share <= 0 {
					continue
				}
				off := &rs.offsets[o]
				t := g.Index(sx+off.dx, sy+off.dy)
				if barriers != nil {
					t = src
					killed := false
					for _, c := range rs.path[off.pathStart:off.pathEnd] {
						ci := g.Index(sx+c[0], sy+c[1])
						if barriers[ci] > 0 {
							killed = lethal
							break
						}
						if g.Habitat(ci) {
							t = ci
						}
					}
					if killed {
						absorbed += share
						load[src] -= share
						continue
					}
				}
				if t == src {
					next[src] += share
					continue
				}

				accept := share
				if capacity != nil {
					room := capacity[t] - load[t]
					if ca.Stochastic {
						room = math.Floor(room)
					}
					if !(room > 0) {
						room = 0
					}
					accept = math.Min(share, room)
				}
				next[t] += accept
				next[src] += share - accept
				load[t] += accept
				load[src] -= accept
			}
		}
		moving, next = next, moving
	}

	out := make([]float64, n)
	for i := range out {
		if !g.Habitat(i) {
			out[i] = math.NaN()
			continue
		}
		out[i] = in.Staying[i] + moving[i]
	}
	return &StageOutput{Layer: out, Absorbed: absorbed}, nil
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
