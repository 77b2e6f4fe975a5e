// Package storage defines the byte store the tile cache engine persists
// tiles into, plus the adapters for files, MBTiles, Redis and memory.
//
// Keys are slash separated, the first segment being the namespace (the
// layer name):
//
//	<namespace>/<z>/<x>/<y>.<format>
//
// Every adapter is safe for concurrent use on disjoint keys and wraps its
// failures in cacheerr.IOError.
package storage

import (
	"context"
	"errors"
	"strings"

	"tilecache/internal/cacheerr"
)

// Provider is a persistent hierarchical byte store.
type Provider interface {
	// Exists reports whether key holds a complete tile.
	Exists(ctx context.Context, key string) (bool, error)

	// Write stores data under key, creating any intermediate structure. A
	// reader never observes a partially written value.
	Write(ctx context.Context, key string, data []byte) error

	// Read returns the bytes under key, or an error wrapping ErrNotFound.
	Read(ctx context.Context, key string) ([]byte, error)

	// List returns every key below namespace, without duplicates.
	List(ctx context.Context, namespace string) ([]string, error)

	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error

	// Size returns the stored byte length of key.
	Size(ctx context.Context, key string) (int64, error)

	Close() error
}

// ErrNotFound means the key holds no value.
var ErrNotFound = errors.New("tile not stored")

// SplitKey separates the namespace from the rest of a key and rejects keys
// that could escape their namespace.
func SplitKey(key string) (namespace, rest string, err error) {
	if err := checkKey(key); err != nil {
		return "", "", err
	}
	i := strings.IndexByte(key, '/')
	if i <= 0 || i == len(key)-1 {
		return "", "", cacheerr.Invalid("key", "%q has no namespace", key)
	}
	return key[:i], key[i+1:], nil
}

func checkKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return cacheerr.Invalid("key", "%q is not a relative slash separated key", key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return cacheerr.Invalid("key", "%q contains an empty or relative segment", key)
		}
	}
	return nil
}

func checkNamespace(ns string) error {
	if ns == "" || strings.Contains(ns, "/") || ns == "." || ns == ".." {
		return cacheerr.Invalid("namespace", "%q is not a single path segment", ns)
	}
	return nil
}
