package volume

import (
	"fmt"
	"sync"
)

// SlabLoader fetches one XY plane from backing storage.
type SlabLoader func(z int) ([]float32, error)

// defaultSlabWindow bounds how many slabs a Lazy reader keeps resident
// at once.
const defaultSlabWindow = 8

// Lazy is a Reader that fetches slabs on demand and keeps only a small
// window of them in memory. It is used for volumes too large to admit
// into the cache as a whole.
type Lazy struct {
	meta   Meta
	load   SlabLoader
	window int

	mu    sync.Mutex
	slabs map[int][]float32
	order []int
}

// NewLazy wraps a slab loader in a windowed on-demand Reader.
func NewLazy(meta Meta, load SlabLoader) *Lazy {
	return &Lazy{
		meta:   meta,
		load:   load,
		window: defaultSlabWindow,
		slabs:  make(map[int][]float32),
	}
}

// Meta returns the volume metadata.
func (l *Lazy) Meta() Meta { return l.meta }

// Slab returns the XY plane at index z, fetching it from the loader on
// first access. At most the window size of slabs stays resident; the
// oldest fetched slab is dropped when the window is full.
func (l *Lazy) Slab(z int) ([]float32, error) {
	if z < 0 || z >= l.meta.Dims.Z {
		return nil, fmt.Errorf("%w: z=%d of %d", ErrSlabOutOfRange, z, l.meta.Dims.Z)
	}

	l.mu.Lock()
	if slab, ok := l.slabs[z]; ok {
		l.mu.Unlock()
		return slab, nil
	}
	l.mu.Unlock()

	slab, err := l.load(z)
	if err != nil {
		return nil, fmt.Errorf("load slab %d: %w", z, err)
	}
	if want := l.meta.Dims.X * l.meta.Dims.Y; len(slab) != want {
		return nil, fmt.Errorf("%w: slab %d has %d voxels, want %d", ErrDataMismatch, z, len(slab), want)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.slabs[z]; ok {
		return existing, nil
	}
	for len(l.order) >= l.window {
		oldest := l.order[0]
		l.order = l.order[1:]
		delete(l.slabs, oldest)
	}
	l.slabs[z] = slab
	l.order = append(l.order, z)
	return slab, nil
}

// Resident returns the number of slabs currently held in memory.
func (l *Lazy) Resident() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slabs)
}
