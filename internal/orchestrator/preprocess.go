package orchestrator

import (
	"math"

	"github.com/fyrsmithlabs/segmentd/internal/volume"
)

// normalizeZScore shifts and scales intensities to zero mean and unit
// variance. A constant volume normalizes to all zeros.
func normalizeZScore(data []float32) []float32 {
	n := float64(len(data))
	var sum float64
	for _, v := range data {
		sum += float64(v)
	}
	mean := sum / n

	var ss float64
	for _, v := range data {
		d := float64(v) - mean
		ss += d * d
	}
	std := math.Sqrt(ss / n)

	out := make([]float32, len(data))
	if std == 0 {
		return out
	}
	for i, v := range data {
		out[i] = float32((float64(v) - mean) / std)
	}
	return out
}

// resample maps a volume onto a grid with the target spacing using
// trilinear interpolation. The physical extent is preserved; the new
// dimensions are rounded to the nearest voxel and never drop below 1.
func resample(v *volume.Volume, target volume.Spacing) (*volume.Volume, error) {
	meta := v.Meta()
	src, dst := meta.Spacing, target

	dims := volume.Dims{
		X: scaleDim(meta.Dims.X, src.X, dst.X),
		Y: scaleDim(meta.Dims.Y, src.Y, dst.Y),
		Z: scaleDim(meta.Dims.Z, src.Z, dst.Z),
	}

	data := make([]float32, dims.Count())
	i := 0
	for z := 0; z < dims.Z; z++ {
		fz := float64(z) * dst.Z / src.Z
		for y := 0; y < dims.Y; y++ {
			fy := float64(y) * dst.Y / src.Y
			for x := 0; x < dims.X; x++ {
				fx := float64(x) * dst.X / src.X
				data[i] = trilinear(v, fx, fy, fz)
				i++
			}
		}
	}

	out := meta
	out.Spacing = dst
	out.Dims = dims
	return volume.New(out, data)
}

func scaleDim(n int, src, dst float64) int {
	scaled := int(math.Round(float64(n) * src / dst))
	if scaled < 1 {
		return 1
	}
	return scaled
}

func trilinear(v *volume.Volume, fx, fy, fz float64) float32 {
	d := v.Meta().Dims
	x0, y0, z0 := int(fx), int(fy), int(fz)
	tx, ty, tz := fx-float64(x0), fy-float64(y0), fz-float64(z0)

	at := func(x, y, z int) float64 {
		if x >= d.X {
			x = d.X - 1
		}
		if y >= d.Y {
			y = d.Y - 1
		}
		if z >= d.Z {
			z = d.Z - 1
		}
		return float64(v.At(x, y, z))
	}

	c00 := at(x0, y0, z0)*(1-tx) + at(x0+1, y0, z0)*tx
	c10 := at(x0, y0+1, z0)*(1-tx) + at(x0+1, y0+1, z0)*tx
	c01 := at(x0, y0, z0+1)*(1-tx) + at(x0+1, y0, z0+1)*tx
	c11 := at(x0, y0+1, z0+1)*(1-tx) + at(x0+1, y0+1, z0+1)*tx

	c0 := c00*(1-ty) + c10*ty
	c1 := c01*(1-ty) + c11*ty
	return float32(c0*(1-tz) + c1*tz)
}

// downsample strides the grid by the given factor along every axis,
// scaling spacing to preserve the physical extent. Used for the
// reduced-resolution inference retry.
func downsample(v *volume.Volume, factor int) (*volume.Volume, error) {
	meta := v.Meta()
	d := meta.Dims
	dims := volume.Dims{
		X: (d.X + factor - 1) / factor,
		Y: (d.Y + factor - 1) / factor,
		Z: (d.Z + factor - 1) / factor,
	}

	data := make([]float32, dims.Count())
	i := 0
	for z := 0; z < dims.Z; z++ {
		for y := 0; y < dims.Y; y++ {
			for x := 0; x < dims.X; x++ {
				data[i] = v.At(x*factor, y*factor, z*factor)
				i++
			}
		}
	}

	out := meta
	out.Dims = dims
	out.Spacing = volume.Spacing{
		X: meta.Spacing.X * float64(factor),
		Y: meta.Spacing.Y * float64(factor),
		Z: meta.Spacing.Z * float64(factor),
	}
	return volume.New(out, data)
}

// mapToGrid transfers probabilities from an inference grid back onto
// the source grid by nearest-neighbor lookup, so masks always share
// the source volume's shape regardless of resampling or retries.
func mapToGrid(probs []float32, src, dst volume.Dims) []float32 {
	if src == dst {
		out := make([]float32, len(probs))
		copy(out, probs)
		return out
	}

	out := make([]float32, dst.Count())
	i := 0
	for z := 0; z < dst.Z; z++ {
		sz := nearest(z, dst.Z, src.Z)
		for y := 0; y < dst.Y; y++ {
			sy := nearest(y, dst.Y, src.Y)
			for x := 0; x < dst.X; x++ {
				sx := nearest(x, dst.X, src.X)
				out[i] = probs[src.Index(sx, sy, sz)]
				i++
			}
		}
	}
	return out
}

func nearest(i, from, to int) int {
	j := i * to / from
	if j >= to {
		j = to - 1
	}
	return j
}

// preprocess z-score normalizes a volume and resamples it to the
// canonical spacing when it deviates beyond the tolerance.
func preprocess(v *volume.Volume, canonical volume.Spacing, tol float64) (*volume.Volume, error) {
	meta := v.Meta()
	norm, err := volume.New(meta, normalizeZScore(v.Data()))
	if err != nil {
		return nil, err
	}
	if meta.Spacing.WithinTolerance(canonical, tol) {
		return norm, nil
	}
	return resample(norm, canonical)
}
