package dispersal

import (
	"fmt"
	"math"
	"sync"

	"github.com/pthm-cable/disperse/kernel"
)

// Embedding places a finite grid inside a periodic domain whose sides are
// powers of two. Dispersal on the torus is a circulant convolution, so it can
// be computed from the first row of the dispersal matrix (the basis) alone.
type Embedding struct {
	// Padded axes of the torus.
	X, Y []float64

	// True grid location inside the torus, half-open ranges.
	XLo, XHi int
	YLo, YHi int

	// Basis holds kernel weights at the toroidal distance from cell (0, 0)
	// to every torus cell, row-major with width len(X).
	Basis []float64

	basisFFT []complex128
	plans    sync.Pool
}

// NX returns the torus width.
func (e *Embedding) NX() int { return len(e.X) }

// NY returns the torus height.
func (e *Embedding) NY() int { return len(e.Y) }

// GridSize returns the dimensions of the embedded grid.
func (e *Embedding) GridSize() (int, int) { return e.XHi - e.XLo, e.YHi - e.YLo }

// Extend pads an evenly spaced axis to length 2^ceil(log2(factor*n)).
// Padding is split evenly around the axis with any odd cell on the high end.
// The original values occupy padded[lo:hi].
func Extend(axis []float64, factor float64) (padded []float64, lo, hi int) {
	n := len(axis)
	if n == 0 {
		return nil, 0, 0
	}
	res := 1.0
	if n > 1 {
		res = axis[1] - axis[0]
	}

	n2 := n
	if target := factor * float64(n); target > 0 {
		n2 = 1 << int(math.Ceil(math.Log2(target)))
	}
	if n2 < n {
		n2 = n
	}

	pad := n2 - n
	lo = pad / 2
	padded = make([]float64, n2)
	for i := range padded {
		padded[i] = axis[0] + float64(i-lo)*res
	}
	return padded, lo, lo + n
}

// torusDistances returns, for each index k along a periodic axis, the
// shortest wrap-around distance to index 0.
func torusDistances(axis []float64) []float64 {
	m := len(axis)
	d := make([]float64, m)
	if m < 2 {
		return d
	}
	length := (axis[m-1] - axis[0]) + (axis[1] - axis[0])
	for k := range d {
		dk := math.Abs(axis[k] - axis[0])
		d[k] = math.Min(dk, length-dk)
	}
	return d
}

// BasisVector evaluates k at the toroidal Euclidean distance from the first
// cell to every cell of the padded grid. The result is the first row of the
// circulant dispersal matrix.
func BasisVector(x, y []float64, k kernel.Func) []float64 {
	dx := torusDistances(x)
	dy := torusDistances(y)
	nx := len(x)
	basis := make([]float64, nx*len(y))
	for j, yd := range dy {
		row := basis[j*nx : (j+1)*nx]
		for i, xd := range dx {
			row[i] = k(math.Hypot(xd, yd))
		}
	}
	return basis
}

// SetupFFT builds the embedding for a grid with the given cell-center axes.
// k is used as given; normalize it beforehand if it should sum to one.
// factor <= 0 selects the default of 2.
func SetupFFT(x, y []float64, k kernel.Func, factor float64) (*Embedding, error) {
	if len(x) == 0 || len(y) == 0 {
		return nil, fmt.Errorf("setup fft: empty axis (%d x %d)", len(x), len(y))
	}
	if k == nil {
		return nil, fmt.Errorf("setup fft: nil kernel")
	}
	if factor <= 0 {
		factor = 2
	}

	e := &Embedding{}
	e.X, e.XLo, e.XHi = Extend(x, factor)
	e.Y, e.YLo, e.YHi = Extend(y, factor)
	e.Basis = BasisVector(e.X, e.Y, k)

	nx, ny := e.NX(), e.NY()
	e.plans.New = func() any { return newFFT2(nx, ny) }

	plan := e.plan()
	defer e.release(plan)
	e.basisFFT = make([]complex128, nx*ny)
	for i, v := range e.Basis {
		e.basisFFT[i] = complex(v, 0)
	}
	plan.forward(e.basisFFT)

	return e, nil
}

func (e *Embedding) plan() *fft2 { return e.plans.Get().(*fft2) }

func (e *Embedding) release(p *fft2) { e.plans.Put(p) }
