package imagestore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fyrsmithlabs/segmentd/internal/volume"
)

var (
	// ErrNotFound indicates the requested volume does not exist in the
	// store.
	ErrNotFound = errors.New("imagestore: volume not found")
	// ErrRepository indicates an infrastructure failure while talking
	// to the backing store.
	ErrRepository = errors.New("imagestore: repository failure")
)

// Store provides read access to scan volumes by ID. Describe is cheap
// (metadata only); ReadVolume materializes the full grid; ReadSlab
// fetches a single XY plane, letting callers stream oversized volumes.
type Store interface {
	Describe(ctx context.Context, id string) (volume.Meta, error)
	ReadVolume(ctx context.Context, id string) (*volume.Volume, error)
	ReadSlab(ctx context.Context, id string, z int) ([]float32, error)
}

// Memory is an in-memory Store. It is safe for concurrent use.
type Memory struct {
	mu   sync.RWMutex
	vols map[string]*volume.Volume
}

// NewMemory builds a Memory store holding the given volumes.
func NewMemory(vols ...*volume.Volume) *Memory {
	m := &Memory{vols: make(map[string]*volume.Volume, len(vols))}
	for _, v := range vols {
		m.vols[v.Meta().ID] = v
	}
	return m
}

// Put adds or replaces a volume.
func (m *Memory) Put(v *volume.Volume) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vols[v.Meta().ID] = v
}

func (m *Memory) get(ctx context.Context, id string) (*volume.Volume, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRepository, err)
	}
	m.mu.RLock()
	v, ok := m.vols[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return v, nil
}

// Describe returns the metadata for a stored volume.
func (m *Memory) Describe(ctx context.Context, id string) (volume.Meta, error) {
	v, err := m.get(ctx, id)
	if err != nil {
		return volume.Meta{}, err
	}
	return v.Meta(), nil
}

// ReadVolume returns the fully materialized volume.
func (m *Memory) ReadVolume(ctx context.Context, id string) (*volume.Volume, error) {
	return m.get(ctx, id)
}

// ReadSlab returns one XY plane of a stored volume.
func (m *Memory) ReadSlab(ctx context.Context, id string, z int) ([]float32, error) {
	v, err := m.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return v.Slab(z)
}
