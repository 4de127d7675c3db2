package dispersal

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/pthm-cable/disperse/landscape"
)

// ArrivalMode selects how the arrival probability field is built.
type ArrivalMode string

const (
	ArrivalSuitability      ArrivalMode = "suitability"
	ArrivalCarryingCapacity ArrivalMode = "carrying_capacity"
	ArrivalBoth             ArrivalMode = "both"
)

// Layers names the auxiliary landscape layers the engines read.
type Layers struct {
	Suitability      string
	CarryingCapacity string
	Barriers         string
}

// DefaultLayers returns the standard landscape layer names.
func DefaultLayers() Layers {
	return Layers{
		Suitability:      landscape.LayerSuitability,
		CarryingCapacity: landscape.LayerCarryingCapacity,
		Barriers:         landscape.LayerBarriers,
	}
}

// CapacityFunc derives a carrying capacity layer from the landscape, for
// example as a function of suitability. When set it replaces the named
// carrying capacity layer.
type CapacityFunc func(g *landscape.Grid, timestep int) []float64

// SuitabilityCapacity returns a CapacityFunc that scales the named
// suitability layer by maxCapacity. Cells without suitability data get NaN.
// A missing layer yields nil, which the step reports as ErrMissingLayer.
func SuitabilityCapacity(layer string, maxCapacity float64) CapacityFunc {
	return func(g *landscape.Grid, _ int) []float64 {
		suit, ok := g.Layer(layer)
		if !ok {
			return nil
		}
		out := make([]float64, len(suit))
		for i, s := range suit {
			if math.IsNaN(s) {
				out[i] = math.NaN()
				continue
			}
			out[i] = s * maxCapacity
		}
		return out
	}
}

// StepContext carries the pre-step snapshot shared by all stages of one
// timestep. Derived fields are computed on first use and cached; it is safe
// for concurrent use by stage workers. Nothing in it is mutated after
// construction except the caches.
type StepContext struct {
	Grid     *landscape.Grid
	Timestep int
	Layers   Layers
	CapFn    CapacityFunc

	mu        sync.Mutex
	capacity  []float64
	capErr    error
	capDone   bool
	occupancy []float64
	arrival   map[ArrivalMode][]float64
}

// NewStepContext wraps a snapshot for one timestep.
func NewStepContext(g *landscape.Grid, timestep int, layers Layers, capFn CapacityFunc) *StepContext {
	return &StepContext{
		Grid:     g,
		Timestep: timestep,
		Layers:   layers,
		CapFn:    capFn,
		arrival:  make(map[ArrivalMode][]float64),
	}
}

// Capacity returns the carrying capacity layer.
func (c *StepContext) Capacity() ([]float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacityLocked()
}

func (c *StepContext) capacityLocked() ([]float64, error) {
	if c.capDone {
		return c.capacity, c.capErr
	}
	c.capDone = true
	if c.CapFn != nil {
		c.capacity = c.CapFn(c.Grid, c.Timestep)
		if len(c.capacity) != c.Grid.Len() {
			c.capErr = fmt.Errorf("%w: capacity function returned %d cells, grid has %d", ErrMissingLayer, len(c.capacity), c.Grid.Len())
		}
		return c.capacity, c.capErr
	}
	l, ok := c.Grid.Layer(c.Layers.CarryingCapacity)
	if !ok {
		c.capErr = fmt.Errorf("%w: %s", ErrMissingLayer, c.Layers.CarryingCapacity)
	}
	c.capacity = l
	return c.capacity, c.capErr
}

// Occupancy returns the total population of all stages per cell.
func (c *StepContext) Occupancy() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.occupancy == nil {
		c.occupancy = c.Grid.Occupancy()
	}
	return c.occupancy
}

// Suitability returns the suitability layer, if present.
func (c *StepContext) Suitability() ([]float64, bool) {
	return c.Grid.Layer(c.Layers.Suitability)
}

// Arrival returns the arrival probability field for mode.
//
// Headroom is 1 - occupied/capacity clamped to [0, 1]; cells with
// non-positive capacity have none. NaN inputs propagate to NaN, which no
// engine treats as admissible.
func (c *StepContext) Arrival(mode ArrivalMode) ([]float64, error) {
	if err := c.requireLayers(mode); err != nil {
		return nil, err
	}
	occ := c.Occupancy()

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.arrival[mode]; ok {
		return p, nil
	}

	suit, _ := c.Grid.Layer(c.Layers.Suitability)
	var capacity []float64
	if mode != ArrivalSuitability {
		var err error
		if capacity, err = c.capacityLocked(); err != nil {
			return nil, err
		}
	}

	p := make([]float64, c.Grid.Len())
	for i := range p {
		if !c.Grid.Habitat(i) {
			p[i] = math.NaN()
			continue
		}
		switch mode {
		case ArrivalSuitability:
			p[i] = suit[i]
		case ArrivalCarryingCapacity:
			p[i] = headroom(occ[i], capacity[i])
		default:
			p[i] = suit[i] * headroom(occ[i], capacity[i])
		}
	}
	c.arrival[mode] = p
	return p, nil
}

// requireLayers checks that every layer mode needs is present and names all
// that are missing.
func (c *StepContext) requireLayers(mode ArrivalMode) error {
	var missing []string
	switch mode {
	case ArrivalSuitability, ArrivalCarryingCapacity, ArrivalBoth:
	default:
		return fmt.Errorf("unknown arrival probability mode %q", mode)
	}
	if mode != ArrivalCarryingCapacity {
		if _, ok := c.Grid.Layer(c.Layers.Suitability); !ok {
			missing = append(missing, c.Layers.Suitability)
		}
	}
	if mode != ArrivalSuitability && c.CapFn == nil {
		if _, ok := c.Grid.Layer(c.Layers.CarryingCapacity); !ok {
			missing = append(missing, c.Layers.CarryingCapacity)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s (arrival probability %q)", ErrMissingLayer, strings.Join(missing, ", "), mode)
	}
	return nil
}

func headroom(occupied, capacity float64) float64 {
	if math.IsNaN(occupied) || math.IsNaN(capacity) {
		return math.NaN()
	}
	if capacity <= 0 {
		return 0
	}
	h := 1 - occupied/capacity
	if h < 0 {
		return 0
	}
	if h > 1 {
		return 1
	}
	return h
}
