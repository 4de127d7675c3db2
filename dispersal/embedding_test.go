package dispersal

import (
	"math/cmplx"
	"testing"

	"github.com/pthm-cable/disperse/kernel"
)

func TestExtend(t *testing.T) {
	tests := []struct {
		name   string
		n      int
		factor float64
		want   int
		lo, hi int
	}{
		{"n10 f2", 10, 2, 32, 11, 21},
		{"n5 f2 odd pad", 5, 2, 16, 5, 10},
		{"exact power", 8, 2, 16, 4, 12},
		{"factor 1", 8, 1, 8, 0, 8},
		{"single", 1, 2, 2, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			axis := make([]float64, tt.n)
			for i := range axis {
				axis[i] = 0.5 + float64(i)*2
			}
			padded, lo, hi := Extend(axis, tt.factor)
			if len(padded) != tt.want {
				t.Fatalf("len = %d, want %d", len(padded), tt.want)
			}
			if lo != tt.lo || hi != tt.hi {
				t.Fatalf("range = [%d,%d), want [%d,%d)", lo, hi, tt.lo, tt.hi)
			}
			// The high side never gets less padding than the low side.
			if low, high := lo, len(padded)-hi; high < low || high-low > 1 {
				t.Errorf("padding split %d/%d not balanced", low, high)
			}
			for i, v := range axis {
				if padded[lo+i] != v {
					t.Fatalf("padded[%d] = %v, want %v", lo+i, padded[lo+i], v)
				}
			}
			for i := 1; i < len(padded) && tt.n > 1; i++ {
				assertNear(t, "spacing", padded[i]-padded[i-1], 2, 1e-12)
			}
		})
	}
}

func TestBasisVectorToroidalSymmetry(t *testing.T) {
	x, _, _ := Extend([]float64{0, 1, 2, 3, 4}, 2)
	y, _, _ := Extend([]float64{0, 1, 2}, 2)
	k := kernel.Exponential(1.5, false)
	basis := BasisVector(x, y, k)

	nx, ny := len(x), len(y)
	if len(basis) != nx*ny {
		t.Fatalf("basis len = %d, want %d", len(basis), nx*ny)
	}
	if basis[0] != k(0) {
		t.Errorf("basis[0] = %v, want k(0) = %v", basis[0], k(0))
	}
	for j := 0; j < ny; j++ {
		for i := 0; i < nx; i++ {
			v := basis[j*nx+i]
			mx := basis[j*nx+(nx-i)%nx]
			my := basis[((ny-j)%ny)*nx+i]
			if v != mx || v != my {
				t.Fatalf("basis not wrap-symmetric at (%d,%d): %v vs %v / %v", i, j, v, mx, my)
			}
		}
	}
	// Furthest cell along x is half the torus away
	assertNear(t, "basis at half width", basis[nx/2], k(float64(nx/2)), 1e-12)
}

func TestFFT2RoundTrip(t *testing.T) {
	nx, ny := 8, 4
	f := newFFT2(nx, ny)
	data := make([]complex128, nx*ny)
	orig := make([]complex128, nx*ny)
	for i := range data {
		data[i] = complex(float64(i%5), float64(i%3)-1)
		orig[i] = data[i]
	}
	f.forward(data)
	f.inverse(data)
	for i := range data {
		if cmplx.Abs(data[i]/complex(float64(nx*ny), 0)-orig[i]) > 1e-9 {
			t.Fatalf("round trip mismatch at %d: %v vs %v", i, data[i], orig[i])
		}
	}
}

func TestSetupFFT(t *testing.T) {
	emb, err := SetupFFT([]float64{0.5, 1.5, 2.5}, []float64{0.5, 1.5}, kernel.Exponential(1, false), 0)
	if err != nil {
		t.Fatalf("SetupFFT: %v", err)
	}
	if emb.NX() != 8 || emb.NY() != 4 {
		t.Errorf("torus = %dx%d, want 8x4", emb.NX(), emb.NY())
	}
	if w, h := emb.GridSize(); w != 3 || h != 2 {
		t.Errorf("grid size = %dx%d, want 3x2", w, h)
	}

	// The DC coefficient of the basis is the sum of its weights.
	var sum float64
	for _, v := range emb.Basis {
		sum += v
	}
	assertNear(t, "DC coefficient", real(emb.basisFFT[0]), sum, 1e-9)

	if _, err := SetupFFT(nil, []float64{1}, kernel.Uniform(1), 2); err == nil {
		t.Error("expected error for empty axis")
	}
	if _, err := SetupFFT([]float64{1}, []float64{1}, nil, 2); err == nil {
		t.Error("expected error for nil kernel")
	}
}
