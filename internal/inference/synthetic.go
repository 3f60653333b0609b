package inference

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/fyrsmithlabs/segmentd/internal/mask"
	"github.com/fyrsmithlabs/segmentd/internal/volume"
)

// syntheticModelVersion identifies the bundled geometric model.
const syntheticModelVersion = "synthetic-0.3.0"

// Synthetic is a deterministic Engine for demos and tests. Zonal
// regions come from geometric priors over the grid; lesions come from
// an intensity sigmoid, so bright foci in the input light up.
type Synthetic struct{}

// NewSynthetic returns the bundled geometric engine.
func NewSynthetic() *Synthetic { return &Synthetic{} }

// ModelVersion implements Engine.
func (s *Synthetic) ModelVersion() string { return syntheticModelVersion }

// Predict implements Engine.
func (s *Synthetic) Predict(ctx context.Context, vol *volume.Volume, region mask.Region, timeout time.Duration) (*ProbabilityMap, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	d := vol.Meta().Dims
	probs := make([]float32, d.Count())
	cx, cy, cz := float64(d.X)/2, float64(d.Y)/2, float64(d.Z)/2
	ax, ay, az := float64(d.X)*0.30, float64(d.Y)*0.28, float64(d.Z)*0.32

	i := 0
	for z := 0; z < d.Z; z++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFailure, err)
		}
		for y := 0; y < d.Y; y++ {
			for x := 0; x < d.X; x++ {
				probs[i] = s.voxelProb(vol, region, x, y, z, cx, cy, cz, ax, ay, az)
				i++
			}
		}
	}
	return &ProbabilityMap{Dims: d, Probs: probs}, nil
}

func (s *Synthetic) voxelProb(vol *volume.Volume, region mask.Region, x, y, z int, cx, cy, cz, ax, ay, az float64) float32 {
	fx, fy, fz := (float64(x)-cx)/ax, (float64(y)-cy)/ay, (float64(z)-cz)/az
	r2 := fx*fx + fy*fy + fz*fz

	switch region {
	case mask.RegionWholeGland:
		return falloff(r2, 1.0)
	case mask.RegionTransitionZone:
		// Inner core of the gland.
		return falloff(r2, 0.45)
	case mask.RegionPeripheralZone:
		// Posterior gland shell outside the core.
		if fy <= 0 || r2 > 1 || r2 < 0.45 {
			return 0.02
		}
		return 0.9
	case mask.RegionLesion:
		// Intensity-driven: voxels well above the organ's normalized
		// intensity, restricted to the gland neighborhood.
		if r2 > 1.2 {
			return 0.0
		}
		v := float64(vol.At(x, y, z))
		return float32(1 / (1 + math.Exp(-4*(v-3.5))))
	default:
		return 0
	}
}

// falloff maps squared normalized radius to a probability that is high
// inside the boundary and decays smoothly outside it.
func falloff(r2, boundary float64) float32 {
	if r2 <= boundary {
		return 0.95
	}
	return float32(0.95 * math.Exp(-6*(r2-boundary)))
}
