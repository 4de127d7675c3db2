package dispersal

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/pthm-cable/disperse/landscape"
)

// stageInput builds a deterministic stage input for tests.
func stageInput(g *landscape.Grid, stage int, proportion float64, distance int, seed uint64) *StageInput {
	rng := rand.New(rand.NewPCG(seed, 0))
	staying, dispersing := splitStage(g.Stages[stage], proportion, false, rng)
	return &StageInput{
		Step:       NewStepContext(g, 0, DefaultLayers(), nil),
		Stage:      stage,
		Staying:    staying,
		Dispersing: dispersing,
		Proportion: proportion,
		Distance:   distance,
		Rand:       rng,
	}
}

// filled returns a slice of n copies of v.
func filled(n int, v float64) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = v
	}
	return s
}

func assertNear(t *testing.T, what string, got, want, tol float64) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%s = %v, want %v (±%v)", what, got, want, tol)
	}
}
