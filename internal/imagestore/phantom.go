package imagestore

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/fyrsmithlabs/segmentd/internal/volume"
)

// PhantomConfig controls synthetic study generation.
type PhantomConfig struct {
	StudyID   string
	Seed      int64
	Dims      volume.Dims
	Spacing   volume.Spacing
	Sequences []volume.Sequence
}

// DefaultPhantomConfig returns a small anisotropic study resembling a
// routine acquisition: thin in-plane spacing, thick slices.
func DefaultPhantomConfig() PhantomConfig {
	return PhantomConfig{
		StudyID: "phantom-study",
		Seed:    7,
		Dims:    volume.Dims{X: 96, Y: 96, Z: 24},
		Spacing: volume.Spacing{X: 0.5, Y: 0.5, Z: 3.0},
		Sequences: []volume.Sequence{
			volume.SequenceT2W,
			volume.SequenceDWI,
			volume.SequenceDCE,
		},
	}
}

// GeneratePhantomStudy builds a deterministic multi-sequence study: a
// bright ellipsoidal organ on a noisy background with a focal lesion
// offset into the posterior half. The same config always yields
// bit-identical voxel data.
func GeneratePhantomStudy(cfg PhantomConfig) ([]*volume.Volume, error) {
	if err := cfg.Dims.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Spacing.Validate(); err != nil {
		return nil, err
	}

	vols := make([]*volume.Volume, 0, len(cfg.Sequences))
	for i, seq := range cfg.Sequences {
		rng := rand.New(rand.NewSource(cfg.Seed + int64(i)))
		data := phantomField(cfg.Dims, seq, rng)
		meta := volume.Meta{
			ID:       fmt.Sprintf("%s-%s", cfg.StudyID, seq),
			StudyID:  cfg.StudyID,
			Sequence: seq,
			Spacing:  cfg.Spacing,
			Dims:     cfg.Dims,
		}
		v, err := volume.New(meta, data)
		if err != nil {
			return nil, err
		}
		vols = append(vols, v)
	}
	return vols, nil
}

func phantomField(d volume.Dims, seq volume.Sequence, rng *rand.Rand) []float32 {
	cx, cy, cz := float64(d.X)/2, float64(d.Y)/2, float64(d.Z)/2
	// Organ semi-axes in voxel units; lesion sits in the posterior half.
	ax, ay, az := float64(d.X)*0.30, float64(d.Y)*0.28, float64(d.Z)*0.32
	lx, ly, lz := cx+ax*0.45, cy+ay*0.55, cz
	lr := math.Min(ax, az) * 0.30

	organ, lesion := 0.6, 0.85
	switch seq {
	case volume.SequenceDWI:
		organ, lesion = 0.35, 0.95
	case volume.SequenceDCE:
		organ, lesion = 0.45, 0.90
	case volume.SequenceADC:
		organ, lesion = 0.55, 0.15
	}

	data := make([]float32, d.Count())
	i := 0
	for z := 0; z < d.Z; z++ {
		for y := 0; y < d.Y; y++ {
			for x := 0; x < d.X; x++ {
				fx, fy, fz := float64(x)-cx, float64(y)-cy, float64(z)-cz
				v := 0.1 + 0.05*rng.Float64()
				if (fx/ax)*(fx/ax)+(fy/ay)*(fy/ay)+(fz/az)*(fz/az) <= 1 {
					v = organ + 0.05*rng.Float64()
				}
				dx, dy, dz := float64(x)-lx, float64(y)-ly, float64(z)-lz
				if dx*dx+dy*dy+dz*dz <= lr*lr {
					v = lesion + 0.05*rng.Float64()
				}
				data[i] = float32(v)
				i++
			}
		}
	}
	return data
}
