package dispersal

import (
	"fmt"
	"math"

	"github.com/pthm-cable/disperse/kernel"
)

// Point is a cell center in distance units.
type Point struct{ X, Y float64 }

// DistanceFunc writes the distance from src to each of dst into out.
type DistanceFunc func(src Point, dst []Point, out []float64)

// Euclidean is the default DistanceFunc.
func Euclidean(src Point, dst []Point, out []float64) {
	for j, p := range dst {
		out[j] = math.Hypot(p.X-src.X, p.Y-src.Y)
	}
}

// Kernel disperses each source cell to every admissible destination with
// weights kernel(distance) * arrival probability. No approximation is made,
// so cost grows with sources times destinations.
type Kernel struct {
	Kernel     kernel.Func
	Distance   DistanceFunc // nil = Euclidean
	Arrival    ArrivalMode
	Stochastic bool
}

// Name implements Engine.
func (k *Kernel) Name() string { return EngineKernel }

// DisperseStage implements Engine.
func (k *Kernel) DisperseStage(in *StageInput) (*StageOutput, error) {
	mode := k.Arrival
	if mode == "" {
		mode = ArrivalBoth
	}
	arrival, err := in.Step.Arrival(mode)
	if err != nil {
		return nil, fmt.Errorf("stage %d: %w", in.Stage, err)
	}
	distFn := k.Distance
	if distFn == nil {
		distFn = Euclidean
	}
	g := in.Step.Grid

	var dests []int
	var destPts []Point
	for i, p := range arrival {
		if p > 0 && g.Habitat(i) {
			dests = append(dests, i)
			x, y := g.CellCenter(i)
			destPts = append(destPts, Point{x, y})
		}
	}

	out := append([]float64(nil), in.Staying...)
	var dispersing float64
	for _, v := range in.Dispersing {
		if v > 0 {
			dispersing += v
		}
	}
	if dispersing == 0 {
		return &StageOutput{Layer: out}, nil
	}
	if len(dests) == 0 {
		return nil, fmt.Errorf("stage %d: %w (%.6g individuals dispersing)", in.Stage, ErrNoDestinations, dispersing)
	}

	dist := make([]float64, len(dests))
	weights := make([]float64, len(dests))
	var order []int
	for src, pop := range in.Dispersing {
		if !(pop > 0) {
			continue
		}
		x, y := g.CellCenter(src)
		distFn(Point{x, y}, destPts, dist)

		var sum float64
		for j, d := range dist {
			w := k.Kernel(d) * arrival[dests[j]]
			weights[j] = w
			sum += w
		}
		if !(sum > 0) {
			// Every weight underflowed; the dispersers stay put.
			out[src] += pop
			continue
		}

		scale := pop / sum
		for j := range weights {
			weights[j] *= scale
		}
		if k.Stochastic {
			order = LargestRemainder(weights, order)
		}
		for j, w := range weights {
			out[dests[j]] += w
		}
	}
	return &StageOutput{Layer: out}, nil
}
