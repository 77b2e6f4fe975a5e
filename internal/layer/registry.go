// Package layer keeps the registered tile layers and resolves tile
// coordinates into remote URLs, storage keys and mode-aware addresses.
package layer

import (
	"math/rand"
	"sort"
	"strings"
	"sync"

	"github.com/paulmach/orb/maptile"

	"tilecache/internal/cacheerr"
)

// Mode is the addressing mode of a layer.
type Mode int

const (
	Online Mode = iota
	Offline
)

func (m Mode) String() string {
	if m == Offline {
		return "offline"
	}
	return "online"
}

// ParseMode accepts "online" or "offline".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "online":
		return Online, nil
	case "offline":
		return Offline, nil
	}
	return Online, cacheerr.Invalid("mode", "%q is neither online nor offline", s)
}

type entry struct {
	desc Descriptor
	mode Mode
}

// Registry holds the layers of one engine. It is safe for concurrent use.
type Registry struct {
	mu           sync.RWMutex
	layers       map[string]*entry
	localBaseURL string
	pick         func(n int) int
}

// NewRegistry creates an empty registry. Offline URLs are built as
// localBaseURL + "/" + storage key.
func NewRegistry(localBaseURL string) *Registry {
	return &Registry{
		layers:       make(map[string]*entry),
		localBaseURL: strings.TrimRight(localBaseURL, "/"),
		pick:         rand.Intn,
	}
}

// Register adds d in online mode.
func (r *Registry) Register(d Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	d.Subdomains = append([]string(nil), d.Subdomains...)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.layers[d.Name]; ok {
		return cacheerr.Invalid("layer.name", "layer %s is already registered", d.Name)
	}
	r.layers[d.Name] = &entry{desc: d, mode: Online}
	return nil
}

func (r *Registry) lookup(name string) (*entry, error) {
	e, ok := r.layers[name]
	if !ok {
		return nil, cacheerr.Invalid("layer", "layer %q is not registered", name)
	}
	return e, nil
}

// Get returns the descriptor registered under name.
func (r *Registry) Get(name string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, err := r.lookup(name)
	if err != nil {
		return Descriptor{}, err
	}
	return e.desc, nil
}

// Names returns the registered layer names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.layers))
	for name := range r.layers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Descriptors returns every registered descriptor ordered by name.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.layers))
	for _, e := range r.layers {
		out = append(out, e.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RemoteURL resolves t against the layer's URL template. When the layer
// declares subdomains one is chosen at random.
func (r *Registry) RemoteURL(name string, t maptile.Tile) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, err := r.lookup(name)
	if err != nil {
		return "", err
	}
	if err := e.desc.CheckTile(t); err != nil {
		return "", err
	}
	return r.remote(e.desc, t), nil
}

func (r *Registry) remote(d Descriptor, t maptile.Tile) string {
	s := ""
	if len(d.Subdomains) > 0 {
		s = d.Subdomains[r.pick(len(d.Subdomains))]
	}
	return d.tileURL(t, s)
}

// LocalKey returns the storage key for t. The same tile always maps to the
// same key.
func (r *Registry) LocalKey(name string, t maptile.Tile) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, err := r.lookup(name)
	if err != nil {
		return "", err
	}
	if err := e.desc.CheckTile(t); err != nil {
		return "", err
	}
	return e.desc.Key(t), nil
}

// LocalURL is the offline address of t.
func (r *Registry) LocalURL(name string, t maptile.Tile) (string, error) {
	key, err := r.LocalKey(name, t)
	if err != nil {
		return "", err
	}
	return r.localBaseURL + "/" + key, nil
}

// SetMode switches one layer between online and offline addressing.
// Setting the current mode again is a no-op.
func (r *Registry) SetMode(name string, m Mode) error {
	if m != Online && m != Offline {
		return cacheerr.Invalid("mode", "unknown mode %d", m)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.lookup(name)
	if err != nil {
		return err
	}
	e.mode = m
	return nil
}

// SetAllModes switches every registered layer.
func (r *Registry) SetAllModes(m Mode) error {
	if m != Online && m != Offline {
		return cacheerr.Invalid("mode", "unknown mode %d", m)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.layers {
		e.mode = m
	}
	return nil
}

// Mode returns the current mode of a layer.
func (r *Registry) Mode(name string) (Mode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, err := r.lookup(name)
	if err != nil {
		return Online, err
	}
	return e.mode, nil
}

// URL resolves t according to the layer's current mode. The renderer calls
// it again after every SetMode.
func (r *Registry) URL(name string, t maptile.Tile) (string, error) {
	r.mu.RLock()
	e, err := r.lookup(name)
	if err != nil {
		r.mu.RUnlock()
		return "", err
	}
	d, mode := e.desc, e.mode
	r.mu.RUnlock()

	if err := d.CheckTile(t); err != nil {
		return "", err
	}
	if mode == Offline {
		return r.localBaseURL + "/" + d.Key(t), nil
	}
	return r.remote(d, t), nil
}
