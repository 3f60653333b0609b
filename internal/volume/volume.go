package volume

import (
	"errors"
	"fmt"
)

// Sequence identifies the acquisition sequence a scan volume was
// captured with.
type Sequence string

const (
	SequenceT2W Sequence = "t2w"
	SequenceDWI Sequence = "dwi"
	SequenceADC Sequence = "adc"
	SequenceDCE Sequence = "dce"
)

// Valid reports whether the sequence is one of the known acquisition
// sequences.
func (s Sequence) Valid() bool {
	switch s {
	case SequenceT2W, SequenceDWI, SequenceADC, SequenceDCE:
		return true
	}
	return false
}

var (
	// ErrInvalidMeta indicates volume metadata that cannot describe a
	// physical scan (non-positive dims or spacing).
	ErrInvalidMeta = errors.New("volume: invalid metadata")
	// ErrDataMismatch indicates a voxel buffer whose length does not
	// match the declared dimensions.
	ErrDataMismatch = errors.New("volume: data length does not match dimensions")
	// ErrSlabOutOfRange indicates a slab index outside [0, Dims.Z).
	ErrSlabOutOfRange = errors.New("volume: slab index out of range")
)

// Spacing holds the physical extent of one voxel along each axis, in
// millimeters.
type Spacing struct {
	X float64 `json:"x" koanf:"x"`
	Y float64 `json:"y" koanf:"y"`
	Z float64 `json:"z" koanf:"z"`
}

// VoxelVolume returns the physical volume of a single voxel in mm^3.
func (s Spacing) VoxelVolume() float64 {
	return s.X * s.Y * s.Z
}

// Validate checks that all spacing components are strictly positive.
func (s Spacing) Validate() error {
	if s.X <= 0 || s.Y <= 0 || s.Z <= 0 {
		return fmt.Errorf("%w: spacing must be positive, got (%g, %g, %g)", ErrInvalidMeta, s.X, s.Y, s.Z)
	}
	return nil
}

// WithinTolerance reports whether each component of o is within tol
// (relative) of the corresponding component of s.
func (s Spacing) WithinTolerance(o Spacing, tol float64) bool {
	near := func(a, b float64) bool {
		d := a - b
		if d < 0 {
			d = -d
		}
		return d <= tol*a
	}
	return near(s.X, o.X) && near(s.Y, o.Y) && near(s.Z, o.Z)
}

// Dims holds the voxel grid dimensions along each axis.
type Dims struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

// Count returns the total number of voxels in the grid.
func (d Dims) Count() int {
	return d.X * d.Y * d.Z
}

// Index returns the flat buffer offset of voxel (x, y, z). The layout
// is x-fastest: consecutive x values are adjacent in memory and each
// slab of d.X*d.Y voxels covers one z plane.
func (d Dims) Index(x, y, z int) int {
	return x + d.X*(y+d.Y*z)
}

// Contains reports whether (x, y, z) lies inside the grid.
func (d Dims) Contains(x, y, z int) bool {
	return x >= 0 && x < d.X && y >= 0 && y < d.Y && z >= 0 && z < d.Z
}

// Validate checks that all dimensions are strictly positive.
func (d Dims) Validate() error {
	if d.X <= 0 || d.Y <= 0 || d.Z <= 0 {
		return fmt.Errorf("%w: dims must be positive, got (%d, %d, %d)", ErrInvalidMeta, d.X, d.Y, d.Z)
	}
	return nil
}

// Meta describes a scan volume without its voxel data.
type Meta struct {
	ID       string   `json:"id"`
	StudyID  string   `json:"study_id,omitempty"`
	Sequence Sequence `json:"sequence"`
	Spacing  Spacing  `json:"spacing"`
	Dims     Dims     `json:"dims"`
}

// Bytes returns the in-memory size of the voxel buffer described by
// the metadata (float32 voxels).
func (m Meta) Bytes() int64 {
	return int64(m.Dims.Count()) * 4
}

// Validate checks the metadata for physical plausibility.
func (m Meta) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: missing volume id", ErrInvalidMeta)
	}
	if !m.Sequence.Valid() {
		return fmt.Errorf("%w: unknown sequence %q", ErrInvalidMeta, m.Sequence)
	}
	if err := m.Spacing.Validate(); err != nil {
		return err
	}
	return m.Dims.Validate()
}

// Reader provides slab-granular read access to a scan volume. A slab
// is one full XY plane at a fixed z index. Implementations may hold
// the whole grid in memory or fetch slabs on demand.
type Reader interface {
	Meta() Meta
	Slab(z int) ([]float32, error)
}

// Volume is a fully materialized scan: metadata plus a dense voxel
// buffer in x-fastest order. The buffer is treated as immutable once
// constructed; callers must not mutate slices returned by Slab or
// Data.
type Volume struct {
	meta Meta
	data []float32
}

// New constructs a Volume, validating that the buffer length matches
// the declared dimensions.
func New(meta Meta, data []float32) (*Volume, error) {
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	if len(data) != meta.Dims.Count() {
		return nil, fmt.Errorf("%w: have %d voxels, dims require %d", ErrDataMismatch, len(data), meta.Dims.Count())
	}
	return &Volume{meta: meta, data: data}, nil
}

// Meta returns the volume metadata.
func (v *Volume) Meta() Meta { return v.meta }

// Data returns the full voxel buffer. The slice aliases internal
// storage and must not be mutated.
func (v *Volume) Data() []float32 { return v.data }

// At returns the voxel value at grid coordinate (x, y, z). The
// coordinate must be in range.
func (v *Volume) At(x, y, z int) float32 {
	return v.data[v.meta.Dims.Index(x, y, z)]
}

// Slab returns the XY plane at index z as a view into the buffer.
func (v *Volume) Slab(z int) ([]float32, error) {
	if z < 0 || z >= v.meta.Dims.Z {
		return nil, fmt.Errorf("%w: z=%d of %d", ErrSlabOutOfRange, z, v.meta.Dims.Z)
	}
	n := v.meta.Dims.X * v.meta.Dims.Y
	return v.data[z*n : (z+1)*n : (z+1)*n], nil
}

// Materialize returns a fully in-memory Volume for r, reading every
// slab if r is not already materialized.
func Materialize(r Reader) (*Volume, error) {
	if v, ok := r.(*Volume); ok {
		return v, nil
	}
	meta := r.Meta()
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	data := make([]float32, meta.Dims.Count())
	n := meta.Dims.X * meta.Dims.Y
	for z := 0; z < meta.Dims.Z; z++ {
		slab, err := r.Slab(z)
		if err != nil {
			return nil, fmt.Errorf("materialize slab %d: %w", z, err)
		}
		if len(slab) != n {
			return nil, fmt.Errorf("%w: slab %d has %d voxels, want %d", ErrDataMismatch, z, len(slab), n)
		}
		copy(data[z*n:(z+1)*n], slab)
	}
	return New(meta, data)
}
