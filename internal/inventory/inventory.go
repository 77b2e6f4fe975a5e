// Package inventory answers how much of the cache a layer occupies and
// clears layers out of storage.
package inventory

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"tilecache/internal/storage"
)

// Usage is the footprint of one namespace.
type Usage struct {
	Files int   `json:"files"`
	Bytes int64 `json:"bytes"`
}

// Megabytes is Bytes in MiB.
func (u Usage) Megabytes() float64 {
	return float64(u.Bytes) / (1024 * 1024)
}

func (u Usage) String() string {
	return fmt.Sprintf("%d files, %.2f MB", u.Files, u.Megabytes())
}

// Pool is the usage of several layers plus their total.
type Pool struct {
	Layers map[string]Usage `json:"layers"`
	Total  Usage            `json:"total"`
}

// Inventory reads and clears a storage provider.
type Inventory struct {
	store storage.Provider
	log   *log.Entry
}

func New(store storage.Provider) *Inventory {
	return &Inventory{store: store, log: log.WithField("component", "inventory")}
}

// Usage lists the layer and sums the size of every key. Keys whose size
// cannot be read are logged and left out of the result; a failing listing
// fails the query.
func (inv *Inventory) Usage(ctx context.Context, layer string) (Usage, error) {
	keys, err := inv.store.List(ctx, layer)
	if err != nil {
		return Usage{}, err
	}
	var u Usage
	for _, k := range keys {
		n, err := inv.store.Size(ctx, k)
		if err != nil {
			inv.log.Warnf("usage %s: skip %s: %v", layer, k, err)
			continue
		}
		u.Files++
		u.Bytes += n
	}
	return u, nil
}

// UsageAll measures every layer in layers.
func (inv *Inventory) UsageAll(ctx context.Context, layers []string) (Pool, error) {
	pool := Pool{Layers: make(map[string]Usage, len(layers))}
	for _, name := range layers {
		u, err := inv.Usage(ctx, name)
		if err != nil {
			return Pool{}, fmt.Errorf("usage of layer %s: %w", name, err)
		}
		pool.Layers[name] = u
		pool.Total.Files += u.Files
		pool.Total.Bytes += u.Bytes
	}
	return pool, nil
}

// Clear removes every key of the layer. Every removal is attempted; the
// failures are returned together.
func (inv *Inventory) Clear(ctx context.Context, layer string) error {
	keys, err := inv.store.List(ctx, layer)
	if err != nil {
		return err
	}
	var errs error
	for _, k := range keys {
		errs = multierr.Append(errs, inv.store.Remove(ctx, k))
	}
	if errs != nil {
		inv.log.Errorf("clear %s: %d of %d removals failed", layer, len(multierr.Errors(errs)), len(keys))
		return errs
	}
	inv.log.Infof("cleared %s, %d tiles removed", layer, len(keys))
	return nil
}

// ClearAll clears every layer in layers, attempting each one.
func (inv *Inventory) ClearAll(ctx context.Context, layers []string) error {
	var errs error
	for _, name := range layers {
		errs = multierr.Append(errs, inv.Clear(ctx, name))
	}
	return errs
}
