// Package kernel provides distance-decay dispersal kernels.
//
// A kernel maps a non-negative distance to a non-negative weight. Kernels are
// expected to be non-increasing in distance but this is not enforced.
package kernel

import (
	"fmt"
	"math"

	"github.com/pthm-cable/disperse/config"
)

// Func is a dispersal kernel: distance -> weight.
type Func func(distance float64) float64

// Exponential returns exp(-d/decay). With normalize set the kernel integrates
// to one over the plane.
func Exponential(decay float64, normalize bool) Func {
	if normalize {
		c := 1 / (2 * math.Pi * decay * decay)
		return func(d float64) float64 {
			return c * math.Exp(-d/decay)
		}
	}
	return func(d float64) float64 {
		return math.Exp(-d / decay)
	}
}

// Gaussian returns exp(-d²/2σ²), optionally divided by 2πσ².
func Gaussian(sigma float64, normalize bool) Func {
	s2 := 2 * sigma * sigma
	if normalize {
		c := 1 / (math.Pi * s2)
		return func(d float64) float64 {
			return c * math.Exp(-d*d/s2)
		}
	}
	return func(d float64) float64 {
		return math.Exp(-d * d / s2)
	}
}

// Uniform gives weight 1 within radius and 0 beyond it.
func Uniform(radius float64) Func {
	return func(d float64) float64 {
		if d <= radius {
			return 1
		}
		return 0
	}
}

// RingWeights evaluates k at 0, 1, ..., distance-1.
// The cellular automata engine uses one weight per ring of cells.
func RingWeights(k Func, distance int) []float64 {
	if distance < 1 {
		distance = 1
	}
	w := make([]float64, distance)
	for r := range w {
		w[r] = k(float64(r))
	}
	return w
}

// FromConfig builds a kernel from its configuration.
func FromConfig(kc config.KernelConfig) (Func, error) {
	switch kc.Type {
	case "exponential", "":
		if kc.DistanceDecay <= 0 {
			return nil, fmt.Errorf("exponential kernel: distance_decay must be positive, got %v", kc.DistanceDecay)
		}
		return Exponential(kc.DistanceDecay, kc.Normalize), nil
	case "gaussian":
		if kc.Sigma <= 0 {
			return nil, fmt.Errorf("gaussian kernel: sigma must be positive, got %v", kc.Sigma)
		}
		return Gaussian(kc.Sigma, kc.Normalize), nil
	case "uniform":
		if kc.Radius < 0 {
			return nil, fmt.Errorf("uniform kernel: radius must be non-negative, got %v", kc.Radius)
		}
		return Uniform(kc.Radius), nil
	default:
		return nil, fmt.Errorf("unknown kernel type %q", kc.Type)
	}
}
