package dispersal

import "errors"

// Configuration errors. They abort the current step; callers test for them
// with errors.Is.
var (
	ErrMissingLayer      = errors.New("missing landscape layer")
	ErrNoDestinations    = errors.New("no admissible destinations for dispersing population")
	ErrDimensionMismatch = errors.New("embedding does not match population dimensions")
	ErrUnknownEngine     = errors.New("unknown dispersal engine")
	ErrStageCount        = errors.New("stage parameters do not match grid stages")
)
