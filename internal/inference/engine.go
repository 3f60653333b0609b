package inference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/segmentd/internal/mask"
	"github.com/fyrsmithlabs/segmentd/internal/volume"
)

var (
	// ErrOutOfMemory indicates the engine could not fit the volume;
	// the caller may retry at reduced resolution.
	ErrOutOfMemory = errors.New("inference: engine out of memory")
	// ErrFailure indicates a transient prediction failure; the caller
	// may retry at reduced resolution.
	ErrFailure = errors.New("inference: prediction failed")
)

// Retryable reports whether err warrants a reduced-resolution retry.
func Retryable(err error) bool {
	return errors.Is(err, ErrOutOfMemory) || errors.Is(err, ErrFailure)
}

// ProbabilityMap holds per-voxel foreground probabilities in [0, 1]
// over the grid the engine was given, x-fastest order.
type ProbabilityMap struct {
	Dims  volume.Dims
	Probs []float32
}

// Validate checks the map's buffer against its dimensions.
func (p *ProbabilityMap) Validate() error {
	if err := p.Dims.Validate(); err != nil {
		return err
	}
	if len(p.Probs) != p.Dims.Count() {
		return fmt.Errorf("%w: have %d probabilities, dims require %d",
			volume.ErrDataMismatch, len(p.Probs), p.Dims.Count())
	}
	return nil
}

// Engine produces per-voxel probability maps for anatomical regions.
// Predict must honor ctx cancellation and the per-call timeout.
type Engine interface {
	Predict(ctx context.Context, vol *volume.Volume, region mask.Region, timeout time.Duration) (*ProbabilityMap, error)
	ModelVersion() string
}
