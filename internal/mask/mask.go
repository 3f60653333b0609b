package mask

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/segmentd/internal/volume"
)

// Region names the anatomical target of a segmentation.
type Region string

const (
	RegionWholeGland     Region = "whole_gland"
	RegionPeripheralZone Region = "peripheral_zone"
	RegionTransitionZone Region = "transition_zone"
	RegionLesion         Region = "lesion"
)

// Regions lists all regions in canonical dispatch order.
var Regions = []Region{
	RegionWholeGland,
	RegionPeripheralZone,
	RegionTransitionZone,
	RegionLesion,
}

// Valid reports whether r is a known region.
func (r Region) Valid() bool {
	for _, known := range Regions {
		if r == known {
			return true
		}
	}
	return false
}

// Method records how a mask was produced.
type Method string

const (
	MethodAutomatic Method = "automatic"
	MethodManual    Method = "manual"
	MethodMerged    Method = "merged"
)

// Provenance records the origin of an automatically produced mask.
type Provenance struct {
	ModelVersion string    `json:"model_version,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

var (
	// ErrInvalidMask indicates a mask that violates a structural
	// constraint (bad confidence, dims, or buffer length).
	ErrInvalidMask = errors.New("mask: invalid mask")
	// ErrShapeMismatch indicates an operation over masks or volumes
	// whose grids do not match.
	ErrShapeMismatch = errors.New("mask: shape mismatch")
)

// Mask is a binary labeling of a voxel grid. Confidence is present
// only for automatically produced masks.
type Mask struct {
	ID         string     `json:"id"`
	SourceID   string     `json:"source_id"`
	Dims       volume.Dims `json:"dims"`
	Region     Region     `json:"region"`
	Method     Method     `json:"method"`
	Confidence *float64   `json:"confidence,omitempty"`
	Provenance Provenance `json:"provenance"`

	data []uint8
}

// New constructs a Mask over the given grid. The data buffer holds one
// byte per voxel in x-fastest order; any nonzero byte marks a
// foreground voxel. Confidence, when present, must lie in [0, 1].
func New(sourceID string, dims volume.Dims, region Region, method Method, data []uint8) (*Mask, error) {
	if err := dims.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMask, err)
	}
	if !region.Valid() {
		return nil, fmt.Errorf("%w: unknown region %q", ErrInvalidMask, region)
	}
	if len(data) != dims.Count() {
		return nil, fmt.Errorf("%w: have %d labels, dims require %d", ErrInvalidMask, len(data), dims.Count())
	}
	return &Mask{
		ID:       uuid.NewString(),
		SourceID: sourceID,
		Dims:     dims,
		Region:   region,
		Method:   method,
		data:     data,
	}, nil
}

// WithConfidence attaches a confidence score, validating its range.
func (m *Mask) WithConfidence(c float64) (*Mask, error) {
	if c < 0 || c > 1 {
		return nil, fmt.Errorf("%w: confidence %g outside [0, 1]", ErrInvalidMask, c)
	}
	m.Confidence = &c
	return m, nil
}

// Data returns the label buffer. The slice aliases internal storage
// and must not be mutated.
func (m *Mask) Data() []uint8 { return m.data }

// At reports whether voxel (x, y, z) is foreground. Out-of-range
// coordinates are background.
func (m *Mask) At(x, y, z int) bool {
	if !m.Dims.Contains(x, y, z) {
		return false
	}
	return m.data[m.Dims.Index(x, y, z)] != 0
}

// VoxelCount returns the number of foreground voxels.
func (m *Mask) VoxelCount() int {
	n := 0
	for _, v := range m.data {
		if v != 0 {
			n++
		}
	}
	return n
}

// IsEmpty reports whether the mask has no foreground voxels.
func (m *Mask) IsEmpty() bool { return m.VoxelCount() == 0 }

// clone copies the mask with fresh identity and the given method. The
// label buffer is duplicated.
func (m *Mask) clone(method Method) *Mask {
	data := make([]uint8, len(m.data))
	copy(data, m.data)
	out := *m
	out.ID = uuid.NewString()
	out.Method = method
	out.data = data
	return &out
}

// Box is an inclusive axis-aligned bounding box in voxel coordinates.
type Box struct {
	Min [3]int `json:"min"`
	Max [3]int `json:"max"`
}

// Volume returns the number of voxels the box spans.
func (b Box) Volume() int {
	v := 1
	for i := 0; i < 3; i++ {
		v *= b.Max[i] - b.Min[i] + 1
	}
	return v
}

// OverlapRatio returns the intersection volume of two boxes divided by
// the volume of the smaller box. Disjoint boxes yield 0.
func OverlapRatio(a, b Box) float64 {
	inter := 1
	for i := 0; i < 3; i++ {
		lo := max(a.Min[i], b.Min[i])
		hi := min(a.Max[i], b.Max[i])
		if hi < lo {
			return 0
		}
		inter *= hi - lo + 1
	}
	smaller := min(a.Volume(), b.Volume())
	return float64(inter) / float64(smaller)
}

// BoundingBox returns the tight bounding box of the foreground, and
// false for an empty mask.
func (m *Mask) BoundingBox() (Box, bool) {
	box := Box{
		Min: [3]int{m.Dims.X, m.Dims.Y, m.Dims.Z},
		Max: [3]int{-1, -1, -1},
	}
	i := 0
	for z := 0; z < m.Dims.Z; z++ {
		for y := 0; y < m.Dims.Y; y++ {
			for x := 0; x < m.Dims.X; x++ {
				if m.data[i] != 0 {
					c := [3]int{x, y, z}
					for a := 0; a < 3; a++ {
						if c[a] < box.Min[a] {
							box.Min[a] = c[a]
						}
						if c[a] > box.Max[a] {
							box.Max[a] = c[a]
						}
					}
				}
				i++
			}
		}
	}
	if box.Max[0] < 0 {
		return Box{}, false
	}
	return box, true
}

// Centroid returns the mean foreground coordinate, and false for an
// empty mask.
func (m *Mask) Centroid() (cx, cy, cz float64, ok bool) {
	var sx, sy, sz, n float64
	i := 0
	for z := 0; z < m.Dims.Z; z++ {
		for y := 0; y < m.Dims.Y; y++ {
			for x := 0; x < m.Dims.X; x++ {
				if m.data[i] != 0 {
					sx += float64(x)
					sy += float64(y)
					sz += float64(z)
					n++
				}
				i++
			}
		}
	}
	if n == 0 {
		return 0, 0, 0, false
	}
	return sx / n, sy / n, sz / n, true
}

func sameGrid(a, b *Mask) error {
	if a.Dims != b.Dims {
		return fmt.Errorf("%w: %v vs %v", ErrShapeMismatch, a.Dims, b.Dims)
	}
	return nil
}

// Union returns a merged mask marking voxels foreground in either
// input. The result carries no confidence.
func Union(a, b *Mask) (*Mask, error) {
	if err := sameGrid(a, b); err != nil {
		return nil, err
	}
	out := a.clone(MethodMerged)
	out.Confidence = nil
	bd := b.data
	for i, v := range bd {
		if v != 0 {
			out.data[i] = 1
		}
	}
	return out, nil
}

// Intersection returns a merged mask marking voxels foreground in both
// inputs. The result carries no confidence.
func Intersection(a, b *Mask) (*Mask, error) {
	if err := sameGrid(a, b); err != nil {
		return nil, err
	}
	out := a.clone(MethodMerged)
	out.Confidence = nil
	bd := b.data
	for i := range out.data {
		if out.data[i] != 0 && bd[i] != 0 {
			out.data[i] = 1
		} else {
			out.data[i] = 0
		}
	}
	return out, nil
}

// MergeLargest returns the input mask with the most foreground voxels,
// re-labeled as merged. Ties resolve to the earliest input.
func MergeLargest(masks []*Mask) (*Mask, error) {
	if len(masks) == 0 {
		return nil, fmt.Errorf("%w: no masks to merge", ErrInvalidMask)
	}
	best := masks[0]
	bestCount := best.VoxelCount()
	for _, m := range masks[1:] {
		if err := sameGrid(best, m); err != nil {
			return nil, err
		}
		if c := m.VoxelCount(); c > bestCount {
			best, bestCount = m, c
		}
	}
	out := best.clone(MethodMerged)
	out.Confidence = nil
	return out, nil
}
