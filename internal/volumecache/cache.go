package volumecache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/segmentd/internal/imagestore"
	"github.com/fyrsmithlabs/segmentd/internal/volume"
)

const instrumentationName = "github.com/fyrsmithlabs/segmentd/internal/volumecache"

// ErrInvalidConfig indicates an unusable cache configuration.
var ErrInvalidConfig = errors.New("volumecache: invalid config")

// Config holds cache tuning parameters.
type Config struct {
	// CeilingBytes is the maximum total size of resident voxel
	// buffers. Volumes whose buffer alone exceeds the ceiling are
	// never admitted and are served lazily instead.
	CeilingBytes int64 `koanf:"ceiling_bytes"`
}

// DefaultConfig returns a 512 MiB ceiling.
func DefaultConfig() *Config {
	return &Config{CeilingBytes: 512 << 20}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.CeilingBytes <= 0 {
		return fmt.Errorf("%w: ceiling_bytes must be positive, got %d", ErrInvalidConfig, c.CeilingBytes)
	}
	return nil
}

type entry struct {
	id    string
	vol   *volume.Volume
	bytes int64
	pins  int
	elem  *list.Element
}

// Cache is a pinning, byte-bounded LRU over an imagestore.Store. All
// bookkeeping runs under one mutex; the mutex is never held across
// store I/O, so concurrent acquisitions of distinct volumes load in
// parallel.
type Cache struct {
	store  imagestore.Store
	logger *zap.Logger

	ceiling int64

	mu       sync.Mutex
	entries  map[string]*entry
	lru      *list.List // front = most recently used
	resident int64

	tracer    trace.Tracer
	hits      metric.Int64Counter
	misses    metric.Int64Counter
	evictions metric.Int64Counter
	bypasses  metric.Int64Counter
}

// New builds a Cache over the given store.
func New(cfg *Config, store imagestore.Store, logger *zap.Logger) (*Cache, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	meter := otel.Meter(instrumentationName)
	hits, err := meter.Int64Counter("volumecache.hits",
		metric.WithDescription("Cache hits"))
	if err != nil {
		return nil, fmt.Errorf("create hits counter: %w", err)
	}
	misses, err := meter.Int64Counter("volumecache.misses",
		metric.WithDescription("Cache misses"))
	if err != nil {
		return nil, fmt.Errorf("create misses counter: %w", err)
	}
	evictions, err := meter.Int64Counter("volumecache.evictions",
		metric.WithDescription("Entries evicted to make room"))
	if err != nil {
		return nil, fmt.Errorf("create evictions counter: %w", err)
	}
	bypasses, err := meter.Int64Counter("volumecache.bypasses",
		metric.WithDescription("Oversized volumes served without admission"))
	if err != nil {
		return nil, fmt.Errorf("create bypasses counter: %w", err)
	}

	return &Cache{
		store:     store,
		logger:    logger,
		ceiling:   cfg.CeilingBytes,
		entries:   make(map[string]*entry),
		lru:       list.New(),
		tracer:    otel.Tracer(instrumentationName),
		hits:      hits,
		misses:    misses,
		evictions: evictions,
		bypasses:  bypasses,
	}, nil
}

// Acquire returns a reader for the volume with the given ID plus a
// release function. While unreleased, a cached entry is pinned and
// cannot be evicted. Releasing more than once is harmless. Oversized
// volumes come back as a lazy slab reader whose release is a no-op.
func (c *Cache) Acquire(ctx context.Context, id string) (volume.Reader, func(), error) {
	ctx, span := c.tracer.Start(ctx, "volumecache.Acquire",
		trace.WithAttributes(attribute.String("volume.id", id)))
	defer span.End()

	c.mu.Lock()
	if e, ok := c.entries[id]; ok {
		e.pins++
		c.lru.MoveToFront(e.elem)
		c.mu.Unlock()
		c.hits.Add(ctx, 1)
		return e.vol, c.releaseFunc(id), nil
	}
	c.mu.Unlock()
	c.misses.Add(ctx, 1)

	meta, err := c.store.Describe(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("describe volume %s: %w", id, err)
	}

	if meta.Bytes() > c.ceiling {
		c.bypasses.Add(ctx, 1)
		c.logger.Debug("serving oversized volume lazily",
			zap.String("volume_id", id),
			zap.Int64("bytes", meta.Bytes()),
			zap.Int64("ceiling", c.ceiling))
		lazy := volume.NewLazy(meta, func(z int) ([]float32, error) {
			return c.store.ReadSlab(ctx, id, z)
		})
		return lazy, func() {}, nil
	}

	vol, err := c.store.ReadVolume(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("read volume %s: %w", id, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another goroutine may have admitted the same volume while we
	// were loading; use its entry and drop our copy.
	if e, ok := c.entries[id]; ok {
		e.pins++
		c.lru.MoveToFront(e.elem)
		return e.vol, c.releaseFunc(id), nil
	}

	bytes := meta.Bytes()
	if !c.makeRoom(ctx, bytes) {
		// Everything resident is pinned. Serve without admission
		// rather than breach the ceiling.
		c.logger.Warn("cache full of pinned entries, serving uncached",
			zap.String("volume_id", id))
		return vol, func() {}, nil
	}

	e := &entry{id: id, vol: vol, bytes: bytes, pins: 1}
	e.elem = c.lru.PushFront(e)
	c.entries[id] = e
	c.resident += bytes
	return vol, c.releaseFunc(id), nil
}

// makeRoom evicts unpinned entries from the LRU tail until need bytes
// fit under the ceiling. Caller holds c.mu. Returns false if the
// ceiling cannot be met because every remaining entry is pinned.
func (c *Cache) makeRoom(ctx context.Context, need int64) bool {
	for c.resident+need > c.ceiling {
		victim := c.oldestUnpinned()
		if victim == nil {
			return false
		}
		c.lru.Remove(victim.elem)
		delete(c.entries, victim.id)
		c.resident -= victim.bytes
		c.evictions.Add(ctx, 1)
		c.logger.Debug("evicted volume",
			zap.String("volume_id", victim.id),
			zap.Int64("bytes", victim.bytes))
	}
	return true
}

func (c *Cache) oldestUnpinned() *entry {
	for el := c.lru.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry)
		if e.pins == 0 {
			return e
		}
	}
	return nil
}

func (c *Cache) releaseFunc(id string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if e, ok := c.entries[id]; ok && e.pins > 0 {
				e.pins--
			}
		})
	}
}

// ResidentBytes returns the total size of admitted voxel buffers.
func (c *Cache) ResidentBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resident
}

// Len returns the number of admitted entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Contains reports whether the volume is currently admitted.
func (c *Cache) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}
