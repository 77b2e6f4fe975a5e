package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/multierr"

	"tilecache/internal/cacheerr"
)

//MBTileVersion mbtiles spec version written to metadata
const MBTileVersion = "1.3"

// MBTiles keeps one SQLite MBTiles file per namespace:
//
//	<root>/<namespace>.mbtiles
//
// Rows use the TMS scheme, so y is flipped on the way in and out. Each
// write is a single INSERT OR REPLACE and therefore atomic.
type MBTiles struct {
	root string

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

var _ Provider = (*MBTiles)(nil)

// NewMBTiles creates root if needed. Databases are opened on first use.
func NewMBTiles(root string) (*MBTiles, error) {
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
	return &MBTiles{root: abs, dbs: make(map[string]*sql.DB)}, nil
}

type tileRef struct {
	namespace string
	z, x, y   int
	format    string
}

// flipY converts between XYZ and TMS rows.
func (t tileRef) flipY() int {
	return (1 << uint(t.z)) - 1 - t.y
}

func parseTileKey(key string) (tileRef, error) {
	ns, rest, err := SplitKey(key)
	if err != nil {
		return tileRef{}, err
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 {
		return tileRef{}, cacheerr.Invalid("key", "%q is not <namespace>/<z>/<x>/<y>.<format>", key)
	}
	ref := tileRef{namespace: ns}
	last := parts[2]
	if i := strings.LastIndexByte(last, '.'); i > 0 {
		ref.format = last[i+1:]
		last = last[:i]
	}
	nums := []*int{&ref.z, &ref.x, &ref.y}
	for i, s := range []string{parts[0], parts[1], last} {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			return tileRef{}, cacheerr.Invalid("key", "%q has a non numeric tile coordinate", key)
		}
		*nums[i] = v
	}
	if ref.z > 30 || ref.x >= 1<<uint(ref.z) || ref.y >= 1<<uint(ref.z) {
		return tileRef{}, cacheerr.Invalid("key", "%q is outside the tile grid", key)
	}
	return ref, nil
}

func (t tileRef) key(format string) string {
	k := fmt.Sprintf("%s/%d/%d/%d", t.namespace, t.z, t.x, t.y)
	if format != "" {
		k += "." + format
	}
	return k
}

func (m *MBTiles) file(namespace string) string {
	return filepath.Join(m.root, namespace+".mbtiles")
}

// db returns the namespace database. With create false a missing file
// yields a nil db and no error.
func (m *MBTiles) db(namespace string, create bool) (*sql.DB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if db, ok := m.dbs[namespace]; ok {
		return db, nil
	}

	file := m.file(namespace)
	if !create {
		if _, err := os.Stat(file); errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
	}
	db, err := sql.Open("sqlite3", file)
	if err != nil {
		return nil, cacheerr.IO("open", namespace, err)
	}
	// one connection serialises writers and keeps the pragmas in effect
	db.SetMaxOpenConns(1)
	if err := optimizeConnection(db); err != nil {
		db.Close()
		return nil, cacheerr.IO("open", namespace, err)
	}
	if err := setupTables(db, namespace); err != nil {
		db.Close()
		return nil, cacheerr.IO("open", namespace, err)
	}
	m.dbs[namespace] = db
	return db, nil
}

func optimizeConnection(db *sql.DB) error {
	_, err := db.Exec("PRAGMA synchronous=NORMAL")
	if err != nil {
		return err
	}
	_, err = db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		return err
	}
	return nil
}

func setupTables(db *sql.DB, namespace string) error {
	stmts := []string{
		"create table if not exists tiles (zoom_level integer, tile_column integer, tile_row integer, tile_data blob);",
		"create table if not exists metadata (name text, value text);",
		"create unique index if not exists name on metadata (name);",
		"create unique index if not exists tile_index on tiles(zoom_level, tile_column, tile_row);",
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	meta := map[string]string{
		"name":    namespace,
		"type":    "baselayer",
		"version": MBTileVersion,
	}
	for name, value := range meta {
		if _, err := db.Exec("insert or ignore into metadata (name, value) values (?, ?)", name, value); err != nil {
			return err
		}
	}
	return nil
}

func (m *MBTiles) Exists(ctx context.Context, key string) (bool, error) {
	ref, err := parseTileKey(key)
	if err != nil {
		return false, err
	}
	db, err := m.db(ref.namespace, false)
	if err != nil || db == nil {
		return false, err
	}
	var one int
	err = db.QueryRowContext(ctx, "select 1 from tiles where zoom_level = ? and tile_column = ? and tile_row = ?",
		ref.z, ref.x, ref.flipY()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, cacheerr.IO("exists", key, err)
	}
	return true, nil
}

func (m *MBTiles) Write(ctx context.Context, key string, data []byte) error {
	ref, err := parseTileKey(key)
	if err != nil {
		return err
	}
	db, err := m.db(ref.namespace, true)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, "insert or replace into tiles (zoom_level, tile_column, tile_row, tile_data) values (?, ?, ?, ?);",
		ref.z, ref.x, ref.flipY(), data)
	if err != nil {
		return cacheerr.IO("write", key, err)
	}
	if ref.format != "" {
		// the first format written wins, matching a single-format layer
		if _, err := db.ExecContext(ctx, "insert or ignore into metadata (name, value) values ('format', ?)", ref.format); err != nil {
			return cacheerr.IO("write", key, err)
		}
	}
	return nil
}

func (m *MBTiles) Read(ctx context.Context, key string) ([]byte, error) {
	ref, err := parseTileKey(key)
	if err != nil {
		return nil, err
	}
	db, err := m.db(ref.namespace, false)
	if err != nil {
		return nil, err
	}
	if db == nil {
		return nil, cacheerr.IO("read", key, ErrNotFound)
	}
	var data []byte
	err = db.QueryRowContext(ctx, "select tile_data from tiles where zoom_level = ? and tile_column = ? and tile_row = ?",
		ref.z, ref.x, ref.flipY()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cacheerr.IO("read", key, ErrNotFound)
	}
	if err != nil {
		return nil, cacheerr.IO("read", key, err)
	}
	return data, nil
}

func (m *MBTiles) format(ctx context.Context, db *sql.DB) (string, error) {
	var format string
	err := db.QueryRowContext(ctx, "select value from metadata where name = 'format'").Scan(&format)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return format, err
}

func (m *MBTiles) List(ctx context.Context, namespace string) ([]string, error) {
	if err := checkNamespace(namespace); err != nil {
		return nil, err
	}
	db, err := m.db(namespace, false)
	if err != nil || db == nil {
		return nil, err
	}
	format, err := m.format(ctx, db)
	if err != nil {
		return nil, cacheerr.IO("list", namespace, err)
	}
	rows, err := db.QueryContext(ctx, "select zoom_level, tile_column, tile_row from tiles order by zoom_level, tile_column, tile_row")
	if err != nil {
		return nil, cacheerr.IO("list", namespace, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		ref := tileRef{namespace: namespace}
		var row int
		if err := rows.Scan(&ref.z, &ref.x, &row); err != nil {
			return nil, cacheerr.IO("list", namespace, err)
		}
		ref.y = (1 << uint(ref.z)) - 1 - row
		keys = append(keys, ref.key(format))
	}
	if err := rows.Err(); err != nil {
		return nil, cacheerr.IO("list", namespace, err)
	}
	return keys, nil
}

func (m *MBTiles) Remove(ctx context.Context, key string) error {
	ref, err := parseTileKey(key)
	if err != nil {
		return err
	}
	db, err := m.db(ref.namespace, false)
	if err != nil || db == nil {
		return err
	}
	_, err = db.ExecContext(ctx, "delete from tiles where zoom_level = ? and tile_column = ? and tile_row = ?",
		ref.z, ref.x, ref.flipY())
	if err != nil {
		return cacheerr.IO("remove", key, err)
	}
	return nil
}

func (m *MBTiles) Size(ctx context.Context, key string) (int64, error) {
	ref, err := parseTileKey(key)
	if err != nil {
		return 0, err
	}
	db, err := m.db(ref.namespace, false)
	if err != nil {
		return 0, err
	}
	if db == nil {
		return 0, cacheerr.IO("size", key, ErrNotFound)
	}
	var size int64
	err = db.QueryRowContext(ctx, "select length(tile_data) from tiles where zoom_level = ? and tile_column = ? and tile_row = ?",
		ref.z, ref.x, ref.flipY()).Scan(&size)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, cacheerr.IO("size", key, ErrNotFound)
	}
	if err != nil {
		return 0, cacheerr.IO("size", key, err)
	}
	return size, nil
}

// Close closes every open database.
func (m *MBTiles) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	for ns, db := range m.dbs {
		err = multierr.Append(err, cacheerr.IO("close", ns, db.Close()))
		delete(m.dbs, ns)
	}
	return err
}
