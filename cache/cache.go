// Package cache keeps message bodies fetched from object storage on local
// disk. Files are addressed by content hash and tracked in a SQLite index so
// the oldest entries can be purged once the configured capacity is exceeded.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/migadu/popd/logger"
	"github.com/migadu/popd/pkg/metrics"
	_ "modernc.org/sqlite"
)

const DataDir = "data"
const IndexDB = "cache_index.db"

// ErrTooLarge is returned by Put for bodies above the per-object limit.
var ErrTooLarge = errors.New("object exceeds cache object size limit")

// HashSource reports which content hashes are still referenced. When set,
// the purge loop also drops cached bodies nobody refers to anymore.
type HashSource interface {
	ExistingContentHashes(ctx context.Context, hashes []string) ([]string, error)
}

type Cache struct {
	basePath      string
	capacity      int64
	maxObjectSize int64
	purgeInterval time.Duration
	db            *sql.DB
	mu            sync.Mutex
	source        HashSource
}

func New(basePath string, capacity, maxObjectSize int64, purgeInterval time.Duration, source HashSource) (*Cache, error) {
	basePath = filepath.Clean(strings.TrimSpace(basePath))
	if basePath == "" || basePath == "." {
		return nil, fmt.Errorf("cache base path cannot be empty")
	}

	dataDir := filepath.Join(basePath, DataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache data path %s: %w", dataDir, err)
	}

	db, err := sql.Open("sqlite", filepath.Join(basePath, IndexDB))
	if err != nil {
		return nil, fmt.Errorf("failed to open cache index DB: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		logger.Warn("Cache: failed to enable WAL journal", "error", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS cache_index (
		path TEXT PRIMARY KEY,
		content_hash TEXT NOT NULL,
		size INTEGER NOT NULL,
		mod_time INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cache_mod_time ON cache_index(mod_time);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cache schema: %w", err)
	}

	return &Cache{
		basePath:      basePath,
		capacity:      capacity,
		maxObjectSize: maxObjectSize,
		purgeInterval: purgeInterval,
		db:            db,
		source:        source,
	}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

// Get returns the cached body for contentHash. A miss is reported as an
// error wrapping fs.ErrNotExist.
func (c *Cache) Get(contentHash string) ([]byte, error) {
	path := c.pathFor(contentHash)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			metrics.CacheOperationsTotal.WithLabelValues("get", "miss").Inc()
		} else {
			metrics.CacheOperationsTotal.WithLabelValues("get", "error").Inc()
		}
		return nil, err
	}
	metrics.CacheOperationsTotal.WithLabelValues("get", "hit").Inc()

	// Touch so recently read bodies survive the next purge.
	now := time.Now()
	if err := os.Chtimes(path, now, now); err == nil {
		c.mu.Lock()
		if _, err := c.db.Exec(`UPDATE cache_index SET mod_time = ? WHERE path = ?`, now.UnixNano(), path); err != nil {
			logger.Debug("Cache: failed to refresh index entry", "path", path, "error", err)
		}
		c.mu.Unlock()
	}
	return data, nil
}

// Accepts reports whether a body of size bytes fits under max_object_size.
func (c *Cache) Accepts(size int64) bool {
	return c.maxObjectSize <= 0 || size <= c.maxObjectSize
}

func (c *Cache) Put(contentHash string, data []byte) error {
	if c.maxObjectSize > 0 && int64(len(data)) > c.maxObjectSize {
		metrics.CacheOperationsTotal.WithLabelValues("put", "skipped").Inc()
		return fmt.Errorf("%w: %d > %d", ErrTooLarge, len(data), c.maxObjectSize)
	}

	path := c.pathFor(contentHash)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	tempFile, err := os.CreateTemp(dir, "put-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary cache file: %w", err)
	}
	defer os.Remove(tempFile.Name())

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return fmt.Errorf("failed to write to temporary cache file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temporary cache file: %w", err)
	}
	if err := os.Rename(tempFile.Name(), path); err != nil {
		metrics.CacheOperationsTotal.WithLabelValues("put", "error").Inc()
		return fmt.Errorf("failed to move temporary file to %s: %w", path, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.db.Exec(`INSERT OR REPLACE INTO cache_index (path, content_hash, size, mod_time) VALUES (?, ?, ?, ?)`,
		path, contentHash, len(data), time.Now().UnixNano())
	if err != nil {
		metrics.CacheOperationsTotal.WithLabelValues("put", "error").Inc()
		return fmt.Errorf("failed to track cache file %s: %w", path, err)
	}
	metrics.CacheOperationsTotal.WithLabelValues("put", "success").Inc()
	return nil
}

func (c *Cache) Delete(contentHash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := c.pathFor(contentHash)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove cache file %s: %w", path, err)
	}
	if _, err := c.db.Exec(`DELETE FROM cache_index WHERE path = ?`, path); err != nil {
		return fmt.Errorf("failed to remove index entry for %s: %w", path, err)
	}
	removeEmptyParents(path, filepath.Join(c.basePath, DataDir))
	return nil
}

// SyncFromDisk rebuilds the index from the files present on disk. It is run
// at startup so bodies written before a crash are accounted for.
func (c *Cache) SyncFromDisk() error {
	dataDir := filepath.Join(c.basePath, DataDir)
	type fileStat struct {
		path, hash string
		size       int64
		modTime    time.Time
	}
	var files []fileStat
	err := filepath.WalkDir(dataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if strings.HasSuffix(path, ".tmp") {
			os.Remove(path)
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, _ := filepath.Rel(dataDir, path)
		files = append(files, fileStat{
			path:    path,
			hash:    strings.ReplaceAll(rel, string(filepath.Separator), ""),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk cache directory: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin disk sync: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM cache_index`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO cache_index (path, content_hash, size, mod_time) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, f := range files {
		if _, err := stmt.Exec(f.path, f.hash, f.size, f.modTime.UnixNano()); err != nil {
			return fmt.Errorf("failed to index %s: %w", f.path, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit disk sync: %w", err)
	}
	logger.Info("Cache: index synchronised with disk", "objects", len(files))
	return nil
}

// StartPurgeLoop purges immediately and then every purge interval until ctx
// is cancelled.
func (c *Cache) StartPurgeLoop(ctx context.Context) {
	go func() {
		c.runPurgeCycle(ctx)

		ticker := time.NewTicker(c.purgeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.runPurgeCycle(ctx)
			}
		}
	}()
}

func (c *Cache) runPurgeCycle(ctx context.Context) {
	if err := c.PurgeIfNeeded(ctx); err != nil {
		logger.Warn("Cache: purge failed", "error", err)
	}
	if c.source != nil {
		if err := c.PurgeUnreferenced(ctx); err != nil {
			logger.Warn("Cache: unreferenced body cleanup failed", "error", err)
		}
	}
}

// PurgeIfNeeded removes the least recently used bodies until the cache is
// back within capacity.
func (c *Cache) PurgeIfNeeded(ctx context.Context) error {
	paths, err := c.purgeCandidates(ctx)
	if err != nil {
		return fmt.Errorf("failed to get purge candidates: %w", err)
	}
	if len(paths) == 0 {
		return nil
	}
	return c.removePaths(ctx, paths)
}

func (c *Cache) purgeCandidates(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var totalSize int64
	if err := c.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM cache_index`).Scan(&totalSize); err != nil {
		return nil, fmt.Errorf("failed to get total cache size: %w", err)
	}
	if totalSize <= c.capacity {
		return nil, nil
	}
	amountToFree := totalSize - c.capacity

	rows, err := c.db.QueryContext(ctx, `SELECT path, size FROM cache_index ORDER BY mod_time ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []string
	var freed int64
	for rows.Next() && freed < amountToFree {
		var path string
		var size int64
		if err := rows.Scan(&path, &size); err != nil {
			return nil, err
		}
		paths = append(paths, path)
		freed += size
	}
	logger.Info("Cache: over capacity", "size", totalSize, "capacity", c.capacity, "purging", len(paths))
	return paths, rows.Err()
}

// PurgeUnreferenced drops cached bodies whose content hash no longer
// belongs to any stored message.
func (c *Cache) PurgeUnreferenced(ctx context.Context) error {
	c.mu.Lock()
	rows, err := c.db.QueryContext(ctx, `SELECT path, content_hash FROM cache_index`)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	byHash := make(map[string]string)
	var hashes []string
	for rows.Next() {
		var path, hash string
		if err := rows.Scan(&path, &hash); err != nil {
			rows.Close()
			c.mu.Unlock()
			return err
		}
		byHash[hash] = path
		hashes = append(hashes, hash)
	}
	rows.Close()
	c.mu.Unlock()

	if len(hashes) == 0 {
		return nil
	}
	existing, err := c.source.ExistingContentHashes(ctx, hashes)
	if err != nil {
		return fmt.Errorf("failed to check referenced hashes: %w", err)
	}
	for _, h := range existing {
		delete(byHash, h)
	}
	if len(byHash) == 0 {
		return nil
	}

	paths := make([]string, 0, len(byHash))
	for _, p := range byHash {
		paths = append(paths, p)
	}
	logger.Info("Cache: removing unreferenced bodies", "count", len(paths))
	return c.removePaths(ctx, paths)
}

func (c *Cache) removePaths(ctx context.Context, paths []string) error {
	dataDir := filepath.Join(c.basePath, DataDir)
	var removed []any
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("Cache: failed to remove file", "path", path, "error", err)
			continue
		}
		removed = append(removed, path)
		removeEmptyParents(path, dataDir)
	}
	if len(removed) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	query := `DELETE FROM cache_index WHERE path IN (?` + strings.Repeat(",?", len(removed)-1) + `)`
	if _, err := c.db.ExecContext(ctx, query, removed...); err != nil {
		return fmt.Errorf("failed to remove purged files from index: %w", err)
	}
	metrics.CacheOperationsTotal.WithLabelValues("purge", "success").Add(float64(len(removed)))
	return nil
}

// GetStats returns the number of cached objects and their total size.
func (c *Cache) GetStats() (int64, int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var count, size int64
	err := c.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM cache_index`).Scan(&count, &size)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to query cache statistics: %w", err)
	}
	return count, size, nil
}

// pathFor splits the hash into two directory levels to keep directories
// small.
func (c *Cache) pathFor(contentHash string) string {
	if len(contentHash) < 5 {
		return filepath.Join(c.basePath, DataDir, contentHash)
	}
	return filepath.Join(c.basePath, DataDir, contentHash[:2], contentHash[2:4], contentHash[4:])
}

func removeEmptyParents(path, stopAt string) {
	for {
		dir := filepath.Dir(path)
		if dir == stopAt || dir == "." || dir == "/" {
			return
		}
		if err := os.Remove(dir); err != nil {
			if !errors.Is(err, syscall.ENOTEMPTY) && !errors.Is(err, fs.ErrNotExist) {
				logger.Debug("Cache: failed to remove directory", "dir", dir, "error", err)
			}
			return
		}
		path = dir
	}
}
