package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"tilecache/internal/cacheerr"
)

const tempPrefix = ".tile-"

// Files stores every tile as a file below root:
//
//	<root>/<namespace>/<z>/<x>/<y>.<format>
//
// Writes go to a temp file in the target directory and are renamed into
// place, so a tile file is either complete or absent.
type Files struct {
	root string

	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

var _ Provider = (*Files)(nil)

// NewFiles creates root if needed.
func NewFiles(root string) (*Files, error) {
	if root == "" {
		return nil, errors.New("storage directory required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, cacheerr.IO("mkdir", "", err)
	}
	return &Files{root: abs, locks: make(map[string]*keyLock)}, nil
}

// Root is the absolute storage directory.
func (f *Files) Root() string { return f.root }

func (f *Files) path(key string) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}
	return filepath.Join(f.root, filepath.FromSlash(key)), nil
}

func (f *Files) lock(key string) func() {
	f.mu.Lock()
	l := f.locks[key]
	if l == nil {
		l = &keyLock{}
		f.locks[key] = l
	}
	l.refs++
	f.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		f.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(f.locks, key)
		}
		f.mu.Unlock()
	}
}

func (f *Files) Exists(ctx context.Context, key string) (bool, error) {
	p, err := f.path(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, cacheerr.IO("stat", key, err)
	}
	return info.Mode().IsRegular(), nil
}

func (f *Files) Write(ctx context.Context, key string, data []byte) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	unlock := f.lock(key)
	defer unlock()

	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return cacheerr.IO("mkdir", key, err)
	}
	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return cacheerr.IO("create", key, err)
	}
	name := tmp.Name()

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(name)
		return cacheerr.IO("write", key, err)
	}
	if err := os.Rename(name, p); err != nil {
		os.Remove(name)
		return cacheerr.IO("rename", key, err)
	}
	return nil
}

func (f *Files) Read(ctx context.Context, key string) ([]byte, error) {
	p, err := f.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, cacheerr.IO("read", key, ErrNotFound)
		}
		return nil, cacheerr.IO("read", key, err)
	}
	return data, nil
}

// List walks the namespace directory. Leftover temp files are skipped.
func (f *Files) List(ctx context.Context, namespace string) ([]string, error) {
	if err := checkNamespace(namespace); err != nil {
		return nil, err
	}
	base := filepath.Join(f.root, namespace)
	var keys []string
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == base && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		rel, err := filepath.Rel(f.root, p)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, cacheerr.IO("list", namespace, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *Files) Remove(ctx context.Context, key string) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	unlock := f.lock(key)
	defer unlock()
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cacheerr.IO("remove", key, err)
	}
	return nil
}

func (f *Files) Size(ctx context.Context, key string) (int64, error) {
	p, err := f.path(key)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, cacheerr.IO("size", key, ErrNotFound)
		}
		return 0, cacheerr.IO("size", key, err)
	}
	return info.Size(), nil
}

func (f *Files) Close() error { return nil }
