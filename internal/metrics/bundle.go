package metrics

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/fyrsmithlabs/segmentd/internal/mask"
	"github.com/fyrsmithlabs/segmentd/internal/volume"
)

// entropyBins is the histogram resolution for Shannon entropy.
const entropyBins = 256

// IntensityStats holds first-order statistics over the voxel
// intensities inside a mask.
type IntensityStats struct {
	Mean    float64 `json:"mean"`
	Median  float64 `json:"median"`
	StdDev  float64 `json:"std_dev"`
	P25     float64 `json:"p25"`
	P75     float64 `json:"p75"`
	P90     float64 `json:"p90"`
	Entropy float64 `json:"entropy"`
}

// Bundle is the full set of measurements for one mask.
type Bundle struct {
	VoxelCount     int            `json:"voxel_count"`
	VolumeMM3      float64        `json:"volume_mm3"`
	SurfaceAreaMM2 float64        `json:"surface_area_mm2"`
	MaxDiameterMM  float64        `json:"max_diameter_mm"`
	Sphericity     float64        `json:"sphericity"`
	Intensity      IntensityStats `json:"intensity"`
}

// VolumeML returns the physical volume in milliliters.
func (b *Bundle) VolumeML() float64 { return b.VolumeMM3 / 1000 }

// EquivalentSphereDiameterMM returns the diameter of a sphere with the
// same volume.
func (b *Bundle) EquivalentSphereDiameterMM() float64 {
	return math.Cbrt(6 * b.VolumeMM3 / math.Pi)
}

// Compute measures the mask against its source volume. The mask and
// volume must share a grid. An empty mask yields a zero bundle.
func Compute(m *mask.Mask, vol *volume.Volume) (*Bundle, error) {
	meta := vol.Meta()
	if m.Dims != meta.Dims {
		return nil, fmt.Errorf("%w: mask %v vs volume %v", mask.ErrShapeMismatch, m.Dims, meta.Dims)
	}

	count := m.VoxelCount()
	if count == 0 {
		return &Bundle{}, nil
	}

	b := &Bundle{
		VoxelCount: count,
		VolumeMM3:  float64(count) * meta.Spacing.VoxelVolume(),
	}
	b.SurfaceAreaMM2 = surfaceArea(m, meta.Spacing)
	b.MaxDiameterMM = maxDiameter(m, meta.Spacing)
	b.Sphericity = sphericity(b.VolumeMM3, b.SurfaceAreaMM2)
	b.Intensity = intensityStats(m, vol)
	return b, nil
}

// sphericity is pi^(1/3) * (6V)^(2/3) / A, clamped to (0, 1]. Voxel
// estimates of A can land a hair below the ideal surface, so values
// marginally above 1 clamp down.
func sphericity(volumeMM3, areaMM2 float64) float64 {
	if areaMM2 <= 0 {
		return 0
	}
	s := math.Cbrt(math.Pi) * math.Pow(6*volumeMM3, 2.0/3.0) / areaMM2
	if s > 1 {
		return 1
	}
	return s
}

// maxDiameter returns the largest pairwise physical distance between
// boundary voxels. For big boundaries the candidate set is thinned by
// a deterministic stride so the pairwise pass stays bounded.
const maxDiameterCandidates = 2048

func maxDiameter(m *mask.Mask, sp volume.Spacing) float64 {
	var pts [][3]float64
	d := m.Dims
	i := 0
	for z := 0; z < d.Z; z++ {
		for y := 0; y < d.Y; y++ {
			for x := 0; x < d.X; x++ {
				if m.Data()[i] != 0 && isBoundary(m, x, y, z) {
					pts = append(pts, [3]float64{
						float64(x) * sp.X,
						float64(y) * sp.Y,
						float64(z) * sp.Z,
					})
				}
				i++
			}
		}
	}
	if len(pts) == 0 {
		return 0
	}
	if len(pts) == 1 {
		// A single voxel spans its own extent.
		return math.Max(sp.X, math.Max(sp.Y, sp.Z))
	}
	if len(pts) > maxDiameterCandidates {
		stride := (len(pts) + maxDiameterCandidates - 1) / maxDiameterCandidates
		thinned := pts[:0]
		for i := 0; i < len(pts); i += stride {
			thinned = append(thinned, pts[i])
		}
		pts = thinned
	}

	best := 0.0
	for i := 0; i < len(pts); i++ {
		for j := i + 1; j < len(pts); j++ {
			dx := pts[i][0] - pts[j][0]
			dy := pts[i][1] - pts[j][1]
			dz := pts[i][2] - pts[j][2]
			if d2 := dx*dx + dy*dy + dz*dz; d2 > best {
				best = d2
			}
		}
	}
	return math.Sqrt(best)
}

func isBoundary(m *mask.Mask, x, y, z int) bool {
	return !m.At(x-1, y, z) || !m.At(x+1, y, z) ||
		!m.At(x, y-1, z) || !m.At(x, y+1, z) ||
		!m.At(x, y, z-1) || !m.At(x, y, z+1)
}

func intensityStats(m *mask.Mask, vol *volume.Volume) IntensityStats {
	data := vol.Data()
	labels := m.Data()
	vals := make([]float64, 0, m.VoxelCount())
	for i, l := range labels {
		if l != 0 {
			vals = append(vals, float64(data[i]))
		}
	}
	if len(vals) == 0 {
		return IntensityStats{}
	}
	sort.Float64s(vals)

	std := 0.0
	if len(vals) > 1 {
		std = stat.StdDev(vals, nil)
	}
	return IntensityStats{
		Mean:    stat.Mean(vals, nil),
		Median:  stat.Quantile(0.5, stat.Empirical, vals, nil),
		StdDev:  std,
		P25:     stat.Quantile(0.25, stat.Empirical, vals, nil),
		P75:     stat.Quantile(0.75, stat.Empirical, vals, nil),
		P90:     stat.Quantile(0.9, stat.Empirical, vals, nil),
		Entropy: shannonEntropy(vals),
	}
}

// shannonEntropy bins the sorted intensities into a fixed-resolution
// histogram and returns -sum(p * log2 p) over occupied bins. A
// constant signal has zero entropy.
func shannonEntropy(sorted []float64) float64 {
	lo, hi := sorted[0], sorted[len(sorted)-1]
	if hi == lo {
		return 0
	}
	hist := make([]float64, entropyBins)
	scale := float64(entropyBins) / (hi - lo)
	for _, v := range sorted {
		bin := int((v - lo) * scale)
		if bin >= entropyBins {
			bin = entropyBins - 1
		}
		hist[bin]++
	}
	n := float64(len(sorted))
	e := 0.0
	for _, c := range hist {
		if c == 0 {
			continue
		}
		p := c / n
		e -= p * math.Log2(p)
	}
	return e
}
