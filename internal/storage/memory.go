package storage

import (
	"context"
	"sort"
	"strings"
	"sync"

	"tilecache/internal/cacheerr"
)

// Memory keeps tiles in a map. Nothing survives Close.
type Memory struct {
	mu    sync.RWMutex
	tiles map[string][]byte
}

var _ Provider = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{tiles: make(map[string][]byte)}
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.tiles[key]
	return ok, nil
}

func (m *Memory) Write(ctx context.Context, key string, data []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return cacheerr.IO("write", key, err)
	}
	buf := append([]byte(nil), data...)
	m.mu.Lock()
	m.tiles[key] = buf
	m.mu.Unlock()
	return nil
}

func (m *Memory) Read(ctx context.Context, key string) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.tiles[key]
	if !ok {
		return nil, cacheerr.IO("read", key, ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) List(ctx context.Context, namespace string) ([]string, error) {
	if err := checkNamespace(namespace); err != nil {
		return nil, err
	}
	prefix := namespace + "/"
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.tiles {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) Remove(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.tiles, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Size(ctx context.Context, key string) (int64, error) {
	if err := checkKey(key); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.tiles[key]
	if !ok {
		return 0, cacheerr.IO("size", key, ErrNotFound)
	}
	return int64(len(data)), nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.tiles = make(map[string][]byte)
	m.mu.Unlock()
	return nil
}
