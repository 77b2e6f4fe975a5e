// Package engine ties the layer registry, storage, seeding and inventory of
// the tile cache together behind one value.
package engine

import (
	"context"
	"fmt"

	"github.com/paulmach/orb/maptile"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"tilecache/internal/config"
	"tilecache/internal/fetch"
	"tilecache/internal/inventory"
	"tilecache/internal/layer"
	"tilecache/internal/seed"
	"tilecache/internal/storage"
)

// Options assembles an Engine from explicit collaborators.
type Options struct {
	LocalBaseURL string
	Store        storage.Provider
	Fetcher      fetch.Fetcher
	Seed         seed.Options
}

// Engine is the tile cache. It owns its registry and storage.
type Engine struct {
	registry  *layer.Registry
	store     storage.Provider
	scheduler *seed.Scheduler
	inventory *inventory.Inventory
	log       *log.Entry
}

// LayerInfo is a registered layer with its current mode.
type LayerInfo struct {
	layer.Descriptor
	Mode string `json:"mode"`
}

func New(opts Options) *Engine {
	registry := layer.NewRegistry(opts.LocalBaseURL)
	return &Engine{
		registry:  registry,
		store:     opts.Store,
		scheduler: seed.NewScheduler(registry, opts.Store, opts.Fetcher, opts.Seed),
		inventory: inventory.New(opts.Store),
		log:       log.WithField("component", "engine"),
	}
}

// Open builds an engine from cfg and registers its layers.
func Open(cfg *config.Config) (*Engine, error) {
	store, err := storage.Open(cfg.Storage)
	if err != nil {
		return nil, err
	}
	e := New(Options{
		LocalBaseURL: cfg.Offline.BaseURL,
		Store:        store,
		Fetcher:      fetch.NewHTTPFetcher(cfg.Task.Timeout, cfg.Task.UserAgent),
		Seed: seed.Options{
			Workers:    cfg.Task.Workers,
			MaxWorkers: cfg.Task.MaxWorkers,
			MaxTiles:   cfg.Task.MaxTiles,
			Policy:     cfg.Policy(),
		},
	})
	for _, d := range cfg.Layers {
		if err := e.RegisterLayer(d); err != nil {
			store.Close()
			return nil, err
		}
	}
	e.log.Infof("storage %s ready, %d layers registered", cfg.Storage.Driver, len(cfg.Layers))
	return e, nil
}

func (e *Engine) RegisterLayer(d layer.Descriptor) error {
	return e.registry.Register(d)
}

// Layers lists the registered layers ordered by name.
func (e *Engine) Layers() []LayerInfo {
	var out []LayerInfo
	for _, d := range e.registry.Descriptors() {
		m, err := e.registry.Mode(d.Name)
		if err != nil {
			continue
		}
		out = append(out, LayerInfo{Descriptor: d, Mode: m.String()})
	}
	return out
}

func (e *Engine) SetMode(name string, m layer.Mode) error {
	if err := e.registry.SetMode(name, m); err != nil {
		return err
	}
	e.log.Infof("layer %s now %s", name, m)
	return nil
}

func (e *Engine) SetAllModes(m layer.Mode) error {
	if err := e.registry.SetAllModes(m); err != nil {
		return err
	}
	e.log.Infof("all layers now %s", m)
	return nil
}

// URL is the address the renderer should load t from in the layer's
// current mode.
func (e *Engine) URL(name string, t maptile.Tile) (string, error) {
	return e.registry.URL(name, t)
}

// Seed starts seeding; see seed.Scheduler.Seed.
func (e *Engine) Seed(ctx context.Context, req seed.Request, obs seed.Observer) (*seed.Session, error) {
	return e.scheduler.Seed(ctx, req, obs)
}

func (e *Engine) Session(id string) (*seed.Session, bool) {
	return e.scheduler.Session(id)
}

func (e *Engine) Sessions() []*seed.Session {
	return e.scheduler.Active()
}

// Usage reports the stored files and bytes of a registered layer.
func (e *Engine) Usage(ctx context.Context, name string) (inventory.Usage, error) {
	if _, err := e.registry.Get(name); err != nil {
		return inventory.Usage{}, err
	}
	return e.inventory.Usage(ctx, name)
}

// UsageAll reports every registered layer and the pool total.
func (e *Engine) UsageAll(ctx context.Context) (inventory.Pool, error) {
	return e.inventory.UsageAll(ctx, e.registry.Names())
}

// Clear removes the stored tiles of a layer. A layer being seeded cannot be
// cleared, and cannot start seeding until the clear returns.
func (e *Engine) Clear(ctx context.Context, name string) error {
	if _, err := e.registry.Get(name); err != nil {
		return err
	}
	release, err := e.scheduler.Reserve(name)
	if err != nil {
		return err
	}
	defer release()
	return e.inventory.Clear(ctx, name)
}

// ClearAll clears every registered layer that is not being seeded.
func (e *Engine) ClearAll(ctx context.Context) error {
	var errs error
	for _, name := range e.registry.Names() {
		release, err := e.scheduler.Reserve(name)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		errs = multierr.Append(errs, e.inventory.Clear(ctx, name))
		release()
	}
	return errs
}

// ReadTile returns stored tile bytes by storage key.
func (e *Engine) ReadTile(ctx context.Context, key string) ([]byte, error) {
	return e.store.Read(ctx, key)
}

// Close stops running sessions and closes storage.
func (e *Engine) Close(ctx context.Context) error {
	err := e.scheduler.Shutdown(ctx)
	if cerr := e.store.Close(); cerr != nil {
		err = multierr.Append(err, fmt.Errorf("close storage: %w", cerr))
	}
	return err
}
