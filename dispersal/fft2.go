package dispersal

import "gonum.org/v1/gonum/dsp/fourier"

// fft2 is a 2D complex transform built from row and column 1D transforms.
// A plan holds scratch buffers and must not be shared between goroutines.
type fft2 struct {
	nx, ny   int
	row, col *fourier.CmplxFFT
	line     []complex128
	out      []complex128
}

func newFFT2(nx, ny int) *fft2 {
	n := nx
	if ny > n {
		n = ny
	}
	return &fft2{
		nx: nx, ny: ny,
		row:  fourier.NewCmplxFFT(nx),
		col:  fourier.NewCmplxFFT(ny),
		line: make([]complex128, n),
		out:  make([]complex128, n),
	}
}

// forward replaces data (row-major, nx*ny) with its 2D Fourier coefficients.
func (f *fft2) forward(data []complex128) {
	f.apply(data, (*fourier.CmplxFFT).Coefficients)
}

// inverse replaces data with the unnormalized inverse transform.
// Divide by nx*ny to recover the original scale.
func (f *fft2) inverse(data []complex128) {
	f.apply(data, (*fourier.CmplxFFT).Sequence)
}

func (f *fft2) apply(data []complex128, op func(*fourier.CmplxFFT, []complex128, []complex128) []complex128) {
	nx, ny := f.nx, f.ny

	out := f.out[:nx]
	for y := 0; y < ny; y++ {
		row := data[y*nx : (y+1)*nx]
		op(f.row, out, row)
		copy(row, out)
	}

	line := f.line[:ny]
	out = f.out[:ny]
	for x := 0; x < nx; x++ {
		for y := 0; y < ny; y++ {
			line[y] = data[y*nx+x]
		}
		op(f.col, out, line)
		for y := 0; y < ny; y++ {
			data[y*nx+x] = out[y]
		}
	}
}
