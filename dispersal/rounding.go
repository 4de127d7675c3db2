package dispersal

import (
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"
)

// LargestRemainder rounds values in place to integers whose sum equals
// round(sum(values)). Each value is floored and the leftover units go to the
// largest fractional remainders; ties keep slice order. Non-positive values
// become zero and never receive a unit.
//
// order is scratch space for the remainder ranking; it is returned so hot
// loops can reuse it.
func LargestRemainder(values []float64, order []int) []int {
	var total, floorSum float64
	order = order[:0]
	for i, v := range values {
		if v <= 0 || math.IsNaN(v) {
			values[i] = 0
			continue
		}
		total += v
		f := math.Floor(v)
		floorSum += f
		if v > f {
			order = append(order, i)
		}
	}

	leftover := int(math.Round(total) - floorSum)
	if leftover > 0 {
		sort.SliceStable(order, func(a, b int) bool {
			ra := values[order[a]] - math.Floor(values[order[a]])
			rb := values[order[b]] - math.Floor(values[order[b]])
			return ra > rb
		})
	}
	for rank, i := range order {
		values[i] = math.Floor(values[i])
		if rank < leftover {
			values[i]++
		}
	}
	return order
}

// Multinomial draws n items over categories with weights p and writes the
// counts to dst. The draw is a chain of conditional binomials, so the counts
// always sum to exactly n. Non-positive or NaN weights get zero.
func Multinomial(dst []float64, n int, p []float64, src rand.Source) []float64 {
	if dst == nil {
		dst = make([]float64, len(p))
	}
	last := -1
	var rest float64
	for i, w := range p {
		dst[i] = 0
		if w > 0 {
			rest += w
			last = i
		}
	}
	if n <= 0 || last < 0 {
		return dst
	}

	remaining := n
	for i, w := range p {
		if remaining == 0 {
			break
		}
		if !(w > 0) {
			continue
		}
		if i == last {
			dst[i] = float64(remaining)
			break
		}
		q := w / rest
		rest -= w
		var x int
		switch {
		case q >= 1:
			x = remaining
		case q > 0:
			x = int(distuv.Binomial{N: float64(remaining), P: q, Src: src}.Rand())
		}
		dst[i] = float64(x)
		remaining -= x
	}
	return dst
}

// splitStage divides a stage layer into individuals that stay and individuals
// that disperse. With stochasticity the dispersing count in each cell is a
// binomial draw on the rounded population, otherwise a plain fraction.
func splitStage(layer []float64, proportion float64, stochastic bool, rng *rand.Rand) (staying, dispersing []float64) {
	staying = make([]float64, len(layer))
	dispersing = make([]float64, len(layer))
	for i, v := range layer {
		if math.IsNaN(v) {
			staying[i] = math.NaN()
			dispersing[i] = math.NaN()
			continue
		}
		if v <= 0 {
			continue
		}
		var d float64
		switch {
		case proportion >= 1:
			d = v
		case proportion <= 0:
		case stochastic:
			if n := math.Round(v); n > 0 {
				d = distuv.Binomial{N: n, P: proportion, Src: rng}.Rand()
			}
			d = math.Min(d, v)
		default:
			d = v * proportion
		}
		dispersing[i] = d
		staying[i] = v - d
	}
	return staying, dispersing
}
