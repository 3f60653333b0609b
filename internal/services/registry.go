package services

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/segmentd/internal/config"
	"github.com/fyrsmithlabs/segmentd/internal/imagestore"
	"github.com/fyrsmithlabs/segmentd/internal/inference"
	"github.com/fyrsmithlabs/segmentd/internal/orchestrator"
	"github.com/fyrsmithlabs/segmentd/internal/validation"
	"github.com/fyrsmithlabs/segmentd/internal/volumecache"
)

// Registry provides access to all segmentd services.
// Use accessor methods to retrieve individual services.
type Registry interface {
	Store() imagestore.Store
	Cache() *volumecache.Cache
	Engine() inference.Engine
	Analyzer() orchestrator.Service
	Gate() *validation.Gate
}

// Options configures the registry with service instances.
type Options struct {
	Store    imagestore.Store
	Cache    *volumecache.Cache
	Engine   inference.Engine
	Analyzer orchestrator.Service
	Gate     *validation.Gate
}

// registry is the concrete implementation of Registry.
type registry struct {
	store    imagestore.Store
	cache    *volumecache.Cache
	engine   inference.Engine
	analyzer orchestrator.Service
	gate     *validation.Gate
}

// NewRegistry creates a new service registry.
func NewRegistry(opts Options) Registry {
	return &registry{
		store:    opts.Store,
		cache:    opts.Cache,
		engine:   opts.Engine,
		analyzer: opts.Analyzer,
		gate:     opts.Gate,
	}
}

func (r *registry) Store() imagestore.Store        { return r.store }
func (r *registry) Cache() *volumecache.Cache      { return r.cache }
func (r *registry) Engine() inference.Engine       { return r.engine }
func (r *registry) Analyzer() orchestrator.Service { return r.analyzer }
func (r *registry) Gate() *validation.Gate         { return r.gate }

// Bootstrap wires the default service stack around the given store.
//
// The cache wraps the store with the configured byte ceiling, the
// synthetic engine backs the analyzer, and the gate carries the
// configured validation rules.
func Bootstrap(cfg *config.Config, store imagestore.Store, logger *zap.Logger) (Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	cache, err := volumecache.New(&cfg.Cache, store, logger.Named("volumecache"))
	if err != nil {
		return nil, fmt.Errorf("creating volume cache: %w", err)
	}

	engine := inference.NewSynthetic()

	analyzer, err := orchestrator.NewService(engine, logger.Named("orchestrator"))
	if err != nil {
		return nil, fmt.Errorf("creating analyzer: %w", err)
	}

	gate := validation.New(cfg.Validation, logger.Named("validation"))

	return NewRegistry(Options{
		Store:    store,
		Cache:    cache,
		Engine:   engine,
		Analyzer: analyzer,
		Gate:     gate,
	}), nil
}
