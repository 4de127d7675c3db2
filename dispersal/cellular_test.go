package dispersal

import (
	"errors"
	"math"
	"testing"

	"github.com/pthm-cable/disperse/kernel"
	"github.com/pthm-cable/disperse/landscape"
)

func corridor(barrierAt int) *landscape.Grid {
	g := landscape.New(5, 1, 1, 1)
	g.Stages[0][0] = 100
	b := make([]float64, g.Len())
	b[barrierAt] = 1
	g.SetLayer(landscape.LayerBarriers, b)
	g.SetLayer(landscape.LayerCarryingCapacity, filled(g.Len(), 1000))
	return g
}

func TestCellularBarrierSemantics(t *testing.T) {
	t.Run("blocking conserves mass", func(t *testing.T) {
		g := corridor(2)
		ca := &CellularAutomata{Kernel: kernel.Uniform(10), Steps: 1, UseBarriers: true, BarrierType: BarrierBlocking}
		out, err := ca.DisperseStage(stageInput(g, 0, 1, 4, 1))
		if err != nil {
			t.Fatalf("DisperseStage: %v", err)
		}
		assertNear(t, "total", landscape.SumHabitat(out.Layer), 100, 1e-9)
		assertNear(t, "absorbed", out.Absorbed, 0, 0)
		assertNear(t, "truncated at cell 1", out.Layer[1], 100, 1e-9)
		for _, i := range []int{2, 3, 4} {
			if out.Layer[i] != 0 {
				t.Errorf("cell %d at or beyond blocking barrier got %v", i, out.Layer[i])
			}
		}
	})

	t.Run("lethal removes absorbed mass", func(t *testing.T) {
		g := corridor(2)
		ca := &CellularAutomata{Kernel: kernel.Uniform(10), Steps: 1, UseBarriers: true, BarrierType: BarrierLethal}
		out, err := ca.DisperseStage(stageInput(g, 0, 1, 4, 1))
		if err != nil {
			t.Fatalf("DisperseStage: %v", err)
		}
		total := landscape.SumHabitat(out.Layer)
		if !(total < 100) {
			t.Errorf("lethal barrier should reduce population, total %v", total)
		}
		assertNear(t, "absorbed", out.Absorbed, 75, 1e-9)
		assertNear(t, "total + absorbed", total+out.Absorbed, 100, 1e-9)
		assertNear(t, "cell 1", out.Layer[1], 25, 1e-9)
	})

	t.Run("barriers ignored when disabled", func(t *testing.T) {
		g := corridor(2)
		ca := &CellularAutomata{Kernel: kernel.Uniform(10), Steps: 1, BarrierType: BarrierLethal}
		out, err := ca.DisperseStage(stageInput(g, 0, 1, 4, 1))
		if err != nil {
			t.Fatalf("DisperseStage: %v", err)
		}
		for i := 1; i < 5; i++ {
			assertNear(t, "even spread", out.Layer[i], 25, 1e-9)
		}
	})

	t.Run("missing barrier layer", func(t *testing.T) {
		g := landscape.New(3, 3, 1, 1)
		g.Stages[0][4] = 1
		g.SetLayer(landscape.LayerCarryingCapacity, filled(g.Len(), 10))
		ca := &CellularAutomata{Kernel: kernel.Uniform(1), UseBarriers: true}
		_, err := ca.DisperseStage(stageInput(g, 0, 1, 1, 1))
		if !errors.Is(err, ErrMissingLayer) {
			t.Errorf("expected ErrMissingLayer, got %v", err)
		}
	})
}

func TestCellularCapacityCeiling(t *testing.T) {
	g := landscape.New(3, 3, 1, 1)
	g.Stages[0][4] = 80
	g.SetLayer(landscape.LayerSuitability, filled(g.Len(), 1))
	g.SetLayer(landscape.LayerCarryingCapacity, filled(g.Len(), 5))

	ca := &CellularAutomata{Kernel: kernel.Uniform(1), Steps: 1}
	out, err := ca.DisperseStage(stageInput(g, 0, 1, 1, 1))
	if err != nil {
		t.Fatalf("DisperseStage: %v", err)
	}
	for i, v := range out.Layer {
		if i == 4 {
			assertNear(t, "overflow stays at source", v, 40, 1e-9)
			continue
		}
		assertNear(t, "neighbor filled to capacity", v, 5, 1e-9)
	}
}

func capacityLayer(name string) func(Layers) Layers {
	return func(l Layers) Layers {
		l.CarryingCapacity = name
		return l
	}
}

func TestCellularCapacityErrors(t *testing.T) {
	capGrid := func() *landscape.Grid {
		g := landscape.New(3, 3, 1, 1)
		g.Stages[0][4] = 80
		g.SetLayer(landscape.LayerSuitability, filled(g.Len(), 1))
		g.SetLayer(landscape.LayerCarryingCapacity, filled(g.Len(), 5))
		return g
	}

	tests := []struct {
		name    string
		layers  func(Layers) Layers
		capFn   CapacityFunc
		wantErr bool
	}{
		{
			name:    "misspelled capacity layer",
			layers:  capacityLayer("carrying_capacty"),
			wantErr: true,
		},
		{
			name:    "capacity function wrong length",
			capFn:   func(*landscape.Grid, int) []float64 { return []float64{5} },
			wantErr: true,
		},
		{
			name:   "capacity function",
			capFn:  func(g *landscape.Grid, _ int) []float64 { return filled(g.Len(), 5) },
		},
		{
			name:   "ceiling disabled by empty layer name",
			layers: capacityLayer(""),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := capGrid()
			in := stageInput(g, 0, 1, 1, 1)
			layers := DefaultLayers()
			if tt.layers != nil {
				layers = tt.layers(layers)
			}
			in.Step = NewStepContext(g, 0, layers, tt.capFn)

			ca := &CellularAutomata{Kernel: kernel.Uniform(1), Steps: 1}
			out, err := ca.DisperseStage(in)
			if tt.wantErr {
				if !errors.Is(err, ErrMissingLayer) {
					t.Fatalf("expected ErrMissingLayer, got %v", err)
				}
				if out != nil {
					t.Error("expected no output on a capacity error")
				}
				return
			}
			if err != nil {
				t.Fatalf("DisperseStage: %v", err)
			}
			want := 5.0
			if layers.CarryingCapacity == "" && tt.capFn == nil {
				want = 10
			}
			assertNear(t, "neighbor", out.Layer[0], want, 1e-9)
			assertNear(t, "total", landscape.SumHabitat(out.Layer), 80, 1e-9)
		})
	}
}

func TestCellularMultiStepConserves(t *testing.T) {
	g := landscape.New(12, 10, 1, 1)
	g.SetLayer(landscape.LayerSuitability, filled(g.Len(), 0.5))
	g.SetLayer(landscape.LayerCarryingCapacity, filled(g.Len(), 1e6))
	g.Stages[0][g.Index(6, 5)] = 300
	g.Stages[0][g.Index(1, 1)] = 40
	g.SetNoHabitat(g.Index(7, 5))

	ca := &CellularAutomata{Kernel: kernel.Exponential(1, false), Steps: 4, Stochastic: true}
	out, err := ca.DisperseStage(stageInput(g, 0, 0.75, 3, 1))
	if err != nil {
		t.Fatalf("DisperseStage: %v", err)
	}
	if got := landscape.SumHabitat(out.Layer); got != 340 {
		t.Errorf("total = %v, want 340", got)
	}
	if !math.IsNaN(out.Layer[g.Index(7, 5)]) {
		t.Error("no-habitat cell received individuals")
	}
	if out.Layer[g.Index(6, 5)] >= 300 {
		t.Error("expected individuals to leave the source")
	}
}

func TestBuildRings(t *testing.T) {
	for d := 1; d <= 4; d++ {
		rs := buildRings(d)
		if want := (2*d+1)*(2*d+1) - 1; len(rs.offsets) != want {
			t.Fatalf("distance %d: %d offsets, want %d", d, len(rs.offsets), want)
		}
		for _, off := range rs.offsets {
			path := rs.path[off.pathStart:off.pathEnd]
			if len(path) != max(abs(off.dx), abs(off.dy)) {
				t.Fatalf("offset (%d,%d): path length %d", off.dx, off.dy, len(path))
			}
			if end := path[len(path)-1]; end != [2]int{off.dx, off.dy} {
				t.Fatalf("offset (%d,%d): path ends at %v", off.dx, off.dy, end)
			}
			px, py := 0, 0
			for _, c := range path {
				if abs(c[0]-px) > 1 || abs(c[1]-py) > 1 {
					t.Fatalf("offset (%d,%d): path jumps from (%d,%d) to %v", off.dx, off.dy, px, py, c)
				}
				px, py = c[0], c[1]
			}
		}
	}
}

func BenchmarkCellularStage(b *testing.B) {
	g := landscape.New(64, 64, 1, 1)
	g.SetLayer(landscape.LayerSuitability, filled(g.Len(), 0.8))
	g.SetLayer(landscape.LayerCarryingCapacity, filled(g.Len(), 50))
	for i := range g.Stages[0] {
		g.Stages[0][i] = float64(i % 7)
	}
	ca := &CellularAutomata{Kernel: kernel.Exponential(1, false), Steps: 2}
	in := stageInput(g, 0, 0.5, 3, 1)

	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		_, _ = ca.DisperseStage(in)
	}
}
