package volume

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMeta(dims Dims) Meta {
	return Meta{
		ID:       "vol-1",
		Sequence: SequenceT2W,
		Spacing:  Spacing{X: 0.5, Y: 0.5, Z: 3.0},
		Dims:     dims,
	}
}

func TestDimsIndex(t *testing.T) {
	d := Dims{X: 4, Y: 3, Z: 2}
	assert.Equal(t, 24, d.Count())
	assert.Equal(t, 0, d.Index(0, 0, 0))
	assert.Equal(t, 1, d.Index(1, 0, 0))
	assert.Equal(t, 4, d.Index(0, 1, 0))
	assert.Equal(t, 12, d.Index(0, 0, 1))
	assert.Equal(t, 23, d.Index(3, 2, 1))
}

func TestSpacingVoxelVolume(t *testing.T) {
	s := Spacing{X: 0.5, Y: 0.5, Z: 3.0}
	assert.InDelta(t, 0.75, s.VoxelVolume(), 1e-12)
}

func TestSpacingWithinTolerance(t *testing.T) {
	s := Spacing{X: 1, Y: 1, Z: 3}
	assert.True(t, s.WithinTolerance(Spacing{X: 1.0005, Y: 1, Z: 3}, 0.001))
	assert.False(t, s.WithinTolerance(Spacing{X: 1.1, Y: 1, Z: 3}, 0.001))
}

func TestNewValidatesData(t *testing.T) {
	meta := testMeta(Dims{X: 2, Y: 2, Z: 2})

	_, err := New(meta, make([]float32, 7))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDataMismatch)

	v, err := New(meta, make([]float32, 8))
	require.NoError(t, err)
	assert.Equal(t, meta, v.Meta())
}

func TestNewValidatesMeta(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Meta)
	}{
		{"missing id", func(m *Meta) { m.ID = "" }},
		{"bad sequence", func(m *Meta) { m.Sequence = "flair" }},
		{"zero spacing", func(m *Meta) { m.Spacing.Y = 0 }},
		{"negative dim", func(m *Meta) { m.Dims.Z = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta := testMeta(Dims{X: 2, Y: 2, Z: 2})
			tt.mutate(&meta)
			n := meta.Dims.Count()
			if n < 0 {
				n = 0
			}
			_, err := New(meta, make([]float32, n))
			assert.ErrorIs(t, err, ErrInvalidMeta)
		})
	}
}

func TestVolumeSlab(t *testing.T) {
	meta := testMeta(Dims{X: 2, Y: 2, Z: 3})
	data := make([]float32, 12)
	for i := range data {
		data[i] = float32(i)
	}
	v, err := New(meta, data)
	require.NoError(t, err)

	slab, err := v.Slab(1)
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 5, 6, 7}, slab)

	_, err = v.Slab(3)
	assert.ErrorIs(t, err, ErrSlabOutOfRange)
	_, err = v.Slab(-1)
	assert.ErrorIs(t, err, ErrSlabOutOfRange)
}

func TestLazySlabWindow(t *testing.T) {
	meta := testMeta(Dims{X: 2, Y: 2, Z: 32})
	loads := 0
	l := NewLazy(meta, func(z int) ([]float32, error) {
		loads++
		return []float32{float32(z), 0, 0, 0}, nil
	})

	slab, err := l.Slab(5)
	require.NoError(t, err)
	assert.Equal(t, float32(5), slab[0])
	assert.Equal(t, 1, loads)

	// Repeated access of a resident slab does not reload.
	_, err = l.Slab(5)
	require.NoError(t, err)
	assert.Equal(t, 1, loads)

	for z := 0; z < 32; z++ {
		_, err := l.Slab(z)
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, l.Resident(), defaultSlabWindow)
}

func TestLazySlabLoadError(t *testing.T) {
	meta := testMeta(Dims{X: 2, Y: 2, Z: 4})
	boom := errors.New("backend gone")
	l := NewLazy(meta, func(z int) ([]float32, error) { return nil, boom })

	_, err := l.Slab(0)
	assert.ErrorIs(t, err, boom)
}

func TestMaterialize(t *testing.T) {
	meta := testMeta(Dims{X: 2, Y: 1, Z: 3})
	l := NewLazy(meta, func(z int) ([]float32, error) {
		return []float32{float32(z * 10), float32(z*10 + 1)}, nil
	})

	v, err := Materialize(l)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1, 10, 11, 20, 21}, v.Data())

	// Materializing an in-memory volume returns it unchanged.
	again, err := Materialize(v)
	require.NoError(t, err)
	assert.Same(t, v, again)
}
