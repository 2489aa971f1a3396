package cache

import (
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Cache wraps the SQLite database backing the message cache. The
// database lives in memory only: the cache is rebuilt from the server
// on each poll cycle plus lazy hydration, never persisted to disk.
type Cache struct {
	db     *sql.DB
	logger *logrus.Logger
}

// NewCache creates a new in-memory cache instance. The name keeps
// separate accounts on separate databases within one process.
func NewCache(name string, logger *logrus.Logger) (*Cache, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A shared in-memory database is dropped once its last connection
	// closes; a single pooled connection keeps it alive and serializes
	// writers.
	db.SetMaxOpenConns(1)

	cache := &Cache{
		db:     db,
		logger: logger,
	}

	if err := cache.initSchema(); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.WithField("name", name).Debug("Cache initialized")
	return cache, nil
}

// initSchema initializes the database schema
func (c *Cache) initSchema() error {
	if _, err := c.db.Exec(Schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (c *Cache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// DB returns the underlying database connection (for use in store.go)
func (c *Cache) DB() *sql.DB {
	return c.db
}
