package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// migrations is an ordered list of SQL statements applied on startup.
// Each entry is idempotent (IF NOT EXISTS) so re-running is safe.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS state (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS cached_items (
		id        TEXT PRIMARY KEY,
		payload   TEXT NOT NULL,
		cached_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cached_items_cached_at ON cached_items(cached_at)`,
	`CREATE TABLE IF NOT EXISTS cached_media (
		url        TEXT PRIMARY KEY,
		local_path TEXT NOT NULL,
		mime_type  TEXT NOT NULL DEFAULT '',
		size_bytes INTEGER NOT NULL DEFAULT 0,
		cached_at  INTEGER NOT NULL
	)`,
}

// SQLiteStore implements StateStore and CacheStore using a SQLite database.
// State values are mirrored in memory so reads never touch the database.
type SQLiteStore struct {
	db *sql.DB

	mu    sync.RWMutex
	state map[string]string
}

var (
	_ StateStore = (*SQLiteStore)(nil)
	_ CacheStore = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens (or creates) a SQLite database at path and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_journal=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite handles one writer at a time.

	s := &SQLiteStore{db: db, state: make(map[string]string)}
	if err := s.migrate(); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	if err := s.loadState(); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	for _, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) loadState() error {
	rows, err := s.db.Query(`SELECT key, value FROM state`)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return err
		}
		s.state[k] = v
	}
	return rows.Err()
}

// Close releases database resources.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// --- State ---

func (s *SQLiteStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.state[key]
	return v, ok, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key, value string) error {
	return s.PutMany(ctx, map[string]string{key: value})
}

func (s *SQLiteStore) PutMany(ctx context.Context, values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for k, v := range values {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO state (key, value) VALUES (?, ?)
				 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, k, v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("put state: %w", err)
	}

	for k, v := range values {
		s.state[k] = v
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM state WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete state: %w", err)
	}
	delete(s.state, key)
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	epoch, _ := strconv.ParseUint(s.state[KeyEpoch], 10, 64)
	next := strconv.FormatUint(epoch+1, 10)

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM state`); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO state (key, value) VALUES (?, ?)`, KeyEpoch, next)
		return err
	})
	if err != nil {
		return fmt.Errorf("clear state: %w", err)
	}

	s.state = map[string]string{KeyEpoch: next}
	return nil
}

// --- Cached items ---

func (s *SQLiteStore) UpsertItems(ctx context.Context, items []CachedItem) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, it := range items {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO cached_items (id, payload, cached_at) VALUES (?, ?, ?)
				 ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, cached_at = excluded.cached_at`,
				it.ID, it.Payload, it.CachedAt.UnixMilli()); err != nil {
				return fmt.Errorf("upsert item %s: %w", it.ID, err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) ListItems(ctx context.Context, notBefore time.Time) ([]CachedItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payload, cached_at FROM cached_items WHERE cached_at >= ? ORDER BY id`, notBefore.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var items []CachedItem
	for rows.Next() {
		var it CachedItem
		var at int64
		if err := rows.Scan(&it.ID, &it.Payload, &at); err != nil {
			return nil, err
		}
		it.CachedAt = time.UnixMilli(at)
		items = append(items, it)
	}
	return items, rows.Err()
}

func (s *SQLiteStore) DeleteItemsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cached_items WHERE cached_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Cached media ---

func (s *SQLiteStore) UpsertMedia(ctx context.Context, m *CachedMedia) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cached_media (url, local_path, mime_type, size_bytes, cached_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(url) DO UPDATE SET local_path = excluded.local_path, mime_type = excluded.mime_type,
		 size_bytes = excluded.size_bytes, cached_at = excluded.cached_at`,
		m.URL, m.LocalPath, m.MimeType, m.SizeBytes, m.CachedAt.UnixMilli())
	return err
}

func (s *SQLiteStore) GetMedia(ctx context.Context, url string) (*CachedMedia, error) {
	m, err := scanMedia(s.db.QueryRowContext(ctx,
		`SELECT url, local_path, mime_type, size_bytes, cached_at FROM cached_media WHERE url = ?`, url))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

func (s *SQLiteStore) ListMedia(ctx context.Context) ([]*CachedMedia, error) {
	return s.queryMedia(ctx,
		`SELECT url, local_path, mime_type, size_bytes, cached_at FROM cached_media ORDER BY url`)
}

func (s *SQLiteStore) DeleteMediaBefore(ctx context.Context, cutoff time.Time) ([]*CachedMedia, error) {
	var removed []*CachedMedia
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT url, local_path, mime_type, size_bytes, cached_at FROM cached_media WHERE cached_at < ?`,
			cutoff.UnixMilli())
		if err != nil {
			return err
		}
		for rows.Next() {
			m, err := scanMedia(rows)
			if err != nil {
				rows.Close() //nolint:errcheck
				return err
			}
			removed = append(removed, m)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM cached_media WHERE cached_at < ?`, cutoff.UnixMilli())
		return err
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func (s *SQLiteStore) ClearCache(ctx context.Context) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM cached_items`); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM cached_media`)
		return err
	})
}

func (s *SQLiteStore) queryMedia(ctx context.Context, query string, args ...any) ([]*CachedMedia, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var media []*CachedMedia
	for rows.Next() {
		m, err := scanMedia(rows)
		if err != nil {
			return nil, err
		}
		media = append(media, m)
	}
	return media, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMedia(row scanner) (*CachedMedia, error) {
	var m CachedMedia
	var at int64
	if err := row.Scan(&m.URL, &m.LocalPath, &m.MimeType, &m.SizeBytes, &at); err != nil {
		return nil, err
	}
	m.CachedAt = time.UnixMilli(at)
	return &m, nil
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}
	return tx.Commit()
}
