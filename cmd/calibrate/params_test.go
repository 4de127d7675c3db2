package main

import (
	"math"
	"testing"

	"github.com/pthm-cable/disperse/config"
)

func TestParamVectorRoundTrip(t *testing.T) {
	for _, kernelType := range []string{"exponential", "gaussian", "uniform"} {
		t.Run(kernelType, func(t *testing.T) {
			pv := NewParamVector(kernelType)
			if pv.Dim() != 3 {
				t.Fatalf("Dim = %d, want 3", pv.Dim())
			}
			raw := pv.DefaultVector()
			back := pv.Denormalize(pv.Normalize(raw))
			for i := range raw {
				if math.Abs(back[i]-raw[i]) > 1e-12 {
					t.Errorf("%s: round trip %v -> %v", pv.Specs[i].Name, raw[i], back[i])
				}
			}
		})
	}
}

func TestParamVectorClamp(t *testing.T) {
	pv := NewParamVector("exponential")
	got := pv.Clamp([]float64{-1, 50, 0.3})
	want := []float64{0.05, 10, 0.3}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Clamp[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestParamVectorApplyToConfig(t *testing.T) {
	tests := []struct {
		kernelType string
		scale      func(config.KernelConfig) float64
	}{
		{"exponential", func(k config.KernelConfig) float64 { return k.DistanceDecay }},
		{"gaussian", func(k config.KernelConfig) float64 { return k.Sigma }},
		{"uniform", func(k config.KernelConfig) float64 { return k.Radius }},
	}

	for _, tt := range tests {
		t.Run(tt.kernelType, func(t *testing.T) {
			cfg, err := config.Load("")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			cfg.Dispersal.Kernel.Type = tt.kernelType

			pv := NewParamVector(tt.kernelType)
			pv.ApplyToConfig(cfg, []float64{0.4, 4.6, 2.5})

			for s := range cfg.Stages {
				if cfg.Derived.Proportion[s] != 0.4 {
					t.Errorf("stage %d proportion = %v, want 0.4", s, cfg.Derived.Proportion[s])
				}
				if cfg.Derived.Distance[s] != 5 {
					t.Errorf("stage %d distance = %d, want 5", s, cfg.Derived.Distance[s])
				}
			}
			if got := tt.scale(cfg.Dispersal.Kernel); got != 2.5 {
				t.Errorf("kernel scale = %v, want 2.5", got)
			}

			extracted := pv.ExtractFromConfig(cfg)
			if extracted[0] != 0.4 || extracted[1] != 5 || extracted[2] != 2.5 {
				t.Errorf("ExtractFromConfig = %v", extracted)
			}
		})
	}
}
