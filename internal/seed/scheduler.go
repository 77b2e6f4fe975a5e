package seed

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/teris-io/shortid"

	"tilecache/internal/cacheerr"
	"tilecache/internal/fetch"
	"tilecache/internal/layer"
	"tilecache/internal/metrics"
	"tilecache/internal/storage"
	"tilecache/internal/tilemath"
)

// finished sessions kept for lookup by id
const keepFinished = 64

// Options are the scheduler wide defaults.
type Options struct {
	Workers int
	// MaxWorkers bounds the concurrency a request may ask for.
	MaxWorkers int
	// MaxTiles is the hard tile cap. Requests may only lower it.
	MaxTiles int
	Policy   Policy
}

// Scheduler starts seed sessions and tracks the running ones.
type Scheduler struct {
	registry *layer.Registry
	store    storage.Provider
	fetcher  fetch.Fetcher
	opts     Options
	log      *log.Entry

	mu       sync.Mutex
	running  map[string]*Session // by layer
	reserved map[string]bool     // layers held by Reserve
	sessions map[string]*Session // by id
	finished []string
}

// NewScheduler wires a scheduler to its collaborators.
func NewScheduler(registry *layer.Registry, store storage.Provider, fetcher fetch.Fetcher, opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = DefaultMaxWorkers
	}
	if opts.MaxTiles <= 0 {
		opts.MaxTiles = DefaultMaxTiles
	}
	return &Scheduler{
		registry: registry,
		store:    store,
		fetcher:  fetcher,
		opts:     opts,
		log:      log.WithField("component", "seed"),
		running:  make(map[string]*Session),
		reserved: make(map[string]bool),
		sessions: make(map[string]*Session),
	}
}

// Seed validates req and starts a session in the background. Validation,
// quota and conflict errors are returned here, before any storage or network
// access. The session stops early when ctx is cancelled.
func (sc *Scheduler) Seed(ctx context.Context, req Request, obs Observer) (*Session, error) {
	desc, err := sc.registry.Get(req.Layer)
	if err != nil {
		return nil, err
	}
	if req.ZoomMin > req.ZoomMax {
		return nil, cacheerr.Invalid("zoom", "min zoom %d is above max zoom %d", req.ZoomMin, req.ZoomMax)
	}
	if req.ZoomMin < desc.MinZoom || req.ZoomMax > desc.MaxZoom {
		return nil, cacheerr.Invalid("zoom", "layer %s supports zoom %d-%d, requested %d-%d",
			desc.Name, desc.MinZoom, desc.MaxZoom, req.ZoomMin, req.ZoomMax)
	}
	total, err := tilemath.Count(req.Lon, req.Lat, req.ZoomMin, req.ZoomMax)
	if err != nil {
		return nil, err
	}
	limit := sc.opts.MaxTiles
	if req.MaxTiles > 0 && req.MaxTiles < limit {
		limit = req.MaxTiles
	}
	if total > limit {
		return nil, &cacheerr.QuotaExceededError{Layer: req.Layer, Requested: total, Limit: limit}
	}

	sc.mu.Lock()
	if err := sc.busy(req.Layer); err != nil {
		sc.mu.Unlock()
		return nil, err
	}
	// reserve the layer before building tasks so a concurrent Seed conflicts
	s := newSession(ctx, sc, req, obs, total)
	sc.running[req.Layer] = s
	sc.sessions[s.id] = s
	sc.mu.Unlock()

	tasks, err := sc.tasks(req)
	if err != nil {
		sc.forget(s)
		s.cancel(nil)
		return nil, err
	}
	s.start(tasks)
	return s, nil
}

func (sc *Scheduler) tasks(req Request) ([]Task, error) {
	tiles, err := tilemath.EnumerateTiles(req.Lon, req.Lat, req.ZoomMin, req.ZoomMax)
	if err != nil {
		return nil, err
	}
	tasks := make([]Task, 0, len(tiles))
	for _, t := range tiles {
		url, err := sc.registry.RemoteURL(req.Layer, t)
		if err != nil {
			return nil, err
		}
		key, err := sc.registry.LocalKey(req.Layer, t)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, Task{Layer: req.Layer, Tile: t, URL: url, Key: key})
	}
	return tasks, nil
}

// workers is the requested or default concurrency, bounded by MaxWorkers and
// by the number of tiles.
func (sc *Scheduler) workers(req Request, total int) int {
	n := sc.opts.Workers
	if req.Concurrency > 0 {
		n = req.Concurrency
	}
	if n > sc.opts.MaxWorkers {
		n = sc.opts.MaxWorkers
	}
	if n > total {
		n = total
	}
	if n < 1 {
		n = 1
	}
	return n
}

func (sc *Scheduler) policy(req Request) Policy {
	if req.Policy != nil {
		return *req.Policy
	}
	return sc.opts.Policy
}

// busy reports a seed session or a reservation holding name. sc.mu must be
// held.
func (sc *Scheduler) busy(name string) error {
	if s, ok := sc.running[name]; ok {
		return &cacheerr.ConflictError{Layer: name, SessionID: s.id}
	}
	if sc.reserved[name] {
		return &cacheerr.ConflictError{Layer: name}
	}
	return nil
}

// Reserve keeps the layer from being seeded until the returned func is called.
// It fails with a ConflictError while the layer is seeded or reserved.
func (sc *Scheduler) Reserve(name string) (func(), error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if err := sc.busy(name); err != nil {
		return nil, err
	}
	sc.reserved[name] = true
	var once sync.Once
	return func() {
		once.Do(func() {
			sc.mu.Lock()
			delete(sc.reserved, name)
			sc.mu.Unlock()
		})
	}, nil
}

// release frees the layer and keeps the session around for lookups.
func (sc *Scheduler) release(s *Session) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.running[s.layer] == s {
		delete(sc.running, s.layer)
	}
	sc.finished = append(sc.finished, s.id)
	for len(sc.finished) > keepFinished {
		delete(sc.sessions, sc.finished[0])
		sc.finished = sc.finished[1:]
	}
}

func (sc *Scheduler) forget(s *Session) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	delete(sc.running, s.layer)
	delete(sc.sessions, s.id)
}

// Active returns the running sessions ordered by layer.
func (sc *Scheduler) Active() []*Session {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	out := make([]*Session, 0, len(sc.running))
	for _, s := range sc.running {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].layer < out[j].layer })
	return out
}

// Session looks up a running or recently finished session.
func (sc *Scheduler) Session(id string) (*Session, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	s, ok := sc.sessions[id]
	return s, ok
}

// Shutdown cancels every running session and waits for them to stop or for
// ctx to expire.
func (sc *Scheduler) Shutdown(ctx context.Context) error {
	active := sc.Active()
	for _, s := range active {
		s.Cancel()
	}
	for _, s := range active {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return fmt.Errorf("waiting for session %s: %w", s.id, ctx.Err())
		}
	}
	return nil
}

func sessionID() string {
	id, err := shortid.Generate()
	if err != nil {
		return fmt.Sprintf("s%d", time.Now().UnixNano())
	}
	return id
}

func observeResult(layerName, result string) {
	metrics.SeedSessions.WithLabelValues(layerName, result).Inc()
}
