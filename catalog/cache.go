package catalog

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Cache stores successful catalog lookups in SQLite.
type Cache struct {
	db  *sql.DB
	ttl time.Duration
}

// OpenCache opens (or creates) the cache database in dir. Pass ":memory:"
// for an in-memory cache. Entries older than ttl are ignored; zero keeps
// them forever.
func OpenCache(dir string, ttl time.Duration) (*Cache, error) {
	var dsn string
	if dir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
		dsn = filepath.Join(dir, "catalog.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging cache: %w", err)
	}

	// One connection avoids "database is locked" and keeps :memory: shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	c := &Cache{db: db, ttl: ttl}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return c, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

func (c *Cache) migrate() error {
	if _, err := c.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

		var exists int
		if err := c.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := c.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

// Get returns the cached media for lookup, or nil when absent or stale.
func (c *Cache) Get(lookup string) (*Media, error) {
	var payload, fetchedAt string
	err := c.db.QueryRow(
		"SELECT payload, fetched_at FROM media_cache WHERE lookup = ?", lookup,
	).Scan(&payload, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading cache: %w", err)
	}
	if c.ttl > 0 {
		t, err := time.Parse(time.RFC3339, fetchedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing fetched_at: %w", err)
		}
		if time.Since(t) > c.ttl {
			return nil, nil
		}
	}

	var m Media
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return nil, fmt.Errorf("decoding cached media: %w", err)
	}
	return &m, nil
}

// Put stores m under lookup, replacing any previous entry.
func (c *Cache) Put(lookup string, m *Media) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding media: %w", err)
	}
	_, err = c.db.Exec(
		`INSERT INTO media_cache (lookup, media_id, payload, fetched_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(lookup) DO UPDATE SET media_id = excluded.media_id, payload = excluded.payload, fetched_at = excluded.fetched_at`,
		lookup, m.ID, string(payload), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("writing cache: %w", err)
	}
	return nil
}

// Len returns the number of cached lookups.
func (c *Cache) Len() (int, error) {
	var n int
	if err := c.db.QueryRow("SELECT COUNT(*) FROM media_cache").Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
