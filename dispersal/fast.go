package dispersal

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/pthm-cable/disperse/kernel"
	"github.com/pthm-cable/disperse/landscape"
)

// DispersalFFT disperses a w*h population layer over the embedding's torus.
//
// No-habitat cells (NaN) are zeroed for the transform and restored in the
// result. Mass that lands on no-habitat cells inside the grid is returned to
// habitat cells by proportional rescaling. With stochastic set, the result is
// replaced by a single multinomial draw of round(total) individuals, so the
// output sums exactly to the rounded input total. Otherwise the continuous
// result is rescaled to the input total.
func DispersalFFT(pop []float64, w, h int, emb *Embedding, rng *rand.Rand, stochastic bool) ([]float64, error) {
	if ew, eh := emb.GridSize(); ew != w || eh != h || len(pop) != w*h {
		return nil, fmt.Errorf("%w: grid %dx%d (%d cells), embedding %dx%d", ErrDimensionMismatch, w, h, len(pop), ew, eh)
	}

	out := make([]float64, len(pop))
	var total float64
	for i, v := range pop {
		if math.IsNaN(v) {
			out[i] = math.NaN()
			continue
		}
		total += v
	}
	if total <= 0 {
		return out, nil
	}

	nx, ny := emb.NX(), emb.NY()
	torus := make([]complex128, nx*ny)
	for y := 0; y < h; y++ {
		row := torus[(emb.YLo+y)*nx+emb.XLo:]
		for x := 0; x < w; x++ {
			if v := pop[y*w+x]; !math.IsNaN(v) {
				row[x] = complex(v, 0)
			}
		}
	}

	plan := emb.plan()
	plan.forward(torus)
	for i, c := range emb.basisFFT {
		torus[i] *= c
	}
	plan.inverse(torus)
	emb.release(plan)

	norm := 1 / float64(nx*ny)
	var leaked, retained float64
	for y := 0; y < h; y++ {
		row := torus[(emb.YLo+y)*nx+emb.XLo:]
		for x := 0; x < w; x++ {
			i := y*w + x
			v := real(row[x]) * norm
			if v < 0 {
				v = 0
			}
			if math.IsNaN(pop[i]) {
				leaked += v
				continue
			}
			out[i] = v
			retained += v
		}
	}

	if retained <= 0 {
		// Nothing landed on habitat; leave the population where it was.
		copy(out, pop)
		return out, nil
	}

	if stochastic {
		// Rescaling does not change the draw probabilities, so the boundary
		// correction is implicit here.
		probs := append([]float64(nil), out...)
		Multinomial(out, int(math.Round(total)), probs, rng)
		for i, v := range pop {
			if math.IsNaN(v) {
				out[i] = math.NaN()
			}
		}
		return out, nil
	}

	// Boundary correction: mass on no-habitat cells goes back to habitat.
	scale := 1 + leaked/retained
	// Mass that left the grid window is restored the same way.
	scale *= total / (retained * scale)
	for i, v := range out {
		if !math.IsNaN(v) {
			out[i] = v * scale
		}
	}
	return out, nil
}

// Fast disperses each stage by spectral convolution on a toroidal embedding.
// Embeddings are cached per grid geometry.
type Fast struct {
	Kernel     kernel.Func
	Factor     float64
	Stochastic bool

	mu    sync.Mutex
	cache map[embeddingKey]*Embedding
}

type embeddingKey struct {
	w, h    int
	res     float64
	originX float64
	originY float64
}

// NewFast creates a fast engine.
func NewFast(k kernel.Func, factor float64, stochastic bool) *Fast {
	return &Fast{
		Kernel:     k,
		Factor:     factor,
		Stochastic: stochastic,
		cache:      make(map[embeddingKey]*Embedding),
	}
}

// Name implements Engine.
func (f *Fast) Name() string { return EngineFast }

// Embedding returns the cached embedding for g, building it on first use.
func (f *Fast) Embedding(g *landscape.Grid) (*Embedding, error) {
	key := embeddingKey{w: g.W, h: g.H, res: g.Res, originX: g.OriginX, originY: g.OriginY}

	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.cache[key]; ok {
		return e, nil
	}
	e, err := SetupFFT(g.AxisX(), g.AxisY(), f.Kernel, f.Factor)
	if err != nil {
		return nil, err
	}
	if f.cache == nil {
		f.cache = make(map[embeddingKey]*Embedding)
	}
	f.cache[key] = e
	return e, nil
}

// DisperseStage implements Engine.
func (f *Fast) DisperseStage(in *StageInput) (*StageOutput, error) {
	g := in.Step.Grid
	emb, err := f.Embedding(g)
	if err != nil {
		return nil, err
	}
	dispersed, err := DispersalFFT(in.Dispersing, g.W, g.H, emb, in.Rand, f.Stochastic)
	if err != nil {
		return nil, fmt.Errorf("stage %d: %w", in.Stage, err)
	}
	for i, v := range in.Staying {
		if !math.IsNaN(v) {
			dispersed[i] += v
		}
	}
	return &StageOutput{Layer: dispersed}, nil
}
