// Package main provides CMA-ES calibration of dispersal parameters.
package main

import (
	"math"

	"github.com/pthm-cable/disperse/config"
)

// ParamSpec defines a single calibrated parameter.
type ParamSpec struct {
	Name    string  // Human-readable name
	Path    string  // Config path for logging
	Min     float64 // Lower bound
	Max     float64 // Upper bound
	Default float64 // Default value
}

// ParamVector holds the set of calibrated parameters.
type ParamVector struct {
	Specs []ParamSpec
}

// kernelScale returns the scale parameter of the given kernel type.
func kernelScale(kernelType string) ParamSpec {
	switch kernelType {
	case "gaussian":
		return ParamSpec{Name: "sigma", Path: "dispersal.dispersal_kernel.sigma", Min: 0.2, Max: 6.0, Default: 1.0}
	case "uniform":
		return ParamSpec{Name: "radius", Path: "dispersal.dispersal_kernel.radius", Min: 0.5, Max: 8.0, Default: 2.0}
	default:
		return ParamSpec{Name: "distance_decay", Path: "dispersal.dispersal_kernel.distance_decay", Min: 0.1, Max: 5.0, Default: 0.5}
	}
}

// NewParamVector creates the calibrated parameters for a kernel type.
// Proportion and distance are shared by all stages.
func NewParamVector(kernelType string) *ParamVector {
	return &ParamVector{
		Specs: []ParamSpec{
			{Name: "proportion", Path: "dispersal.dispersal_proportion", Min: 0.05, Max: 0.95, Default: 0.5},
			{Name: "distance", Path: "dispersal.dispersal_distance", Min: 1, Max: 10, Default: 3},
			kernelScale(kernelType),
		},
	}
}

// Dim returns the number of parameters.
func (pv *ParamVector) Dim() int {
	return len(pv.Specs)
}

// DefaultVector returns the default parameter values as a slice.
func (pv *ParamVector) DefaultVector() []float64 {
	v := make([]float64, len(pv.Specs))
	for i, spec := range pv.Specs {
		v[i] = spec.Default
	}
	return v
}

// Normalize converts raw parameter values to [0,1] range.
func (pv *ParamVector) Normalize(raw []float64) []float64 {
	normalized := make([]float64, len(pv.Specs))
	for i, spec := range pv.Specs {
		normalized[i] = (raw[i] - spec.Min) / (spec.Max - spec.Min)
	}
	return normalized
}

// Denormalize converts [0,1] values back to raw parameter values.
func (pv *ParamVector) Denormalize(normalized []float64) []float64 {
	raw := make([]float64, len(pv.Specs))
	for i, spec := range pv.Specs {
		raw[i] = spec.Min + normalized[i]*(spec.Max-spec.Min)
	}
	return raw
}

// Clamp ensures all values are within bounds.
func (pv *ParamVector) Clamp(v []float64) []float64 {
	clamped := make([]float64, len(pv.Specs))
	for i, spec := range pv.Specs {
		clamped[i] = math.Min(math.Max(v[i], spec.Min), spec.Max)
	}
	return clamped
}

// ApplyToConfig applies parameter values to a Config and recomputes its
// derived per-stage vectors. Distance is rounded to whole cells.
func (pv *ParamVector) ApplyToConfig(cfg *config.Config, values []float64) {
	clamped := pv.Clamp(values)
	n := len(cfg.Stages)

	proportion := make([]float64, n)
	distance := make([]int, n)
	for s := 0; s < n; s++ {
		proportion[s] = clamped[0]
		distance[s] = int(math.Round(clamped[1]))
	}
	cfg.Dispersal.Proportion = proportion
	cfg.Dispersal.Distance = distance

	switch pv.Specs[2].Name {
	case "sigma":
		cfg.Dispersal.Kernel.Sigma = clamped[2]
	case "radius":
		cfg.Dispersal.Kernel.Radius = clamped[2]
	default:
		cfg.Dispersal.Kernel.DistanceDecay = clamped[2]
	}

	cfg.ComputeDerived()
}

// ExtractFromConfig extracts current parameter values from a Config.
// Per-stage vectors contribute their first entry.
func (pv *ParamVector) ExtractFromConfig(cfg *config.Config) []float64 {
	v := pv.DefaultVector()
	if len(cfg.Dispersal.Proportion) > 0 {
		v[0] = cfg.Dispersal.Proportion[0]
	}
	if len(cfg.Dispersal.Distance) > 0 {
		v[1] = float64(cfg.Dispersal.Distance[0])
	}
	switch pv.Specs[2].Name {
	case "sigma":
		v[2] = cfg.Dispersal.Kernel.Sigma
	case "radius":
		v[2] = cfg.Dispersal.Kernel.Radius
	default:
		v[2] = cfg.Dispersal.Kernel.DistanceDecay
	}
	return pv.Clamp(v)
}
