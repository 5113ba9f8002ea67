package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on cookies.expires_ms for the expiry sweep
const currentSchemaVersion = 1

// DB is a SQLite file holding both client stores.
// Uses WAL mode so several client processes can share it.
type DB struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open creates or opens the storage database at path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//
// This function is idempotent - safe to call multiple times.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &DB{db: db, path: path, now: time.Now}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Path returns the file the database was opened from.
func (d *DB) Path() string {
	return d.path
}

// Cookies returns the cookie store.
func (d *DB) Cookies() *CookieStore {
	return &CookieStore{db: d}
}

// Local returns the local storage store.
func (d *DB) Local() *LocalStore {
	return &LocalStore{db: d}
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_cookies_expires
		ON cookies(expires_ms) WHERE expires_ms > 0
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

func (d *DB) verifyPragma(name, expected string) error {
	var value string
	if err := d.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// CookieStore is the cookie table of a DB.
type CookieStore struct {
	db *DB
}

func (c *CookieStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	var expiresMs int64
	err := c.db.db.QueryRowContext(ctx,
		`SELECT value, expires_ms FROM cookies WHERE name = ?`, key,
	).Scan(&value, &expiresMs)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get cookie %q: %w", key, err)
	}
	if expired(fromMillis(expiresMs), c.db.now()) {
		return "", false, nil
	}
	return value, true, nil
}

func (c *CookieStore) Set(ctx context.Context, key, value string, opts Options) error {
	now := c.db.now()
	if _, err := c.db.db.ExecContext(ctx,
		`DELETE FROM cookies WHERE expires_ms > 0 AND expires_ms <= ?`, now.UnixMilli(),
	); err != nil {
		return fmt.Errorf("sweep expired cookies: %w", err)
	}

	secure := 0
	if opts.Secure {
		secure = 1
	}
	_, err := c.db.db.ExecContext(ctx, `
		INSERT INTO cookies (name, value, domain, path, expires_ms, secure, same_site)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			value = excluded.value,
			domain = excluded.domain,
			path = excluded.path,
			expires_ms = excluded.expires_ms,
			secure = excluded.secure,
			same_site = excluded.same_site
	`, key, value, opts.Domain, opts.Path, toMillis(opts.expiry(now)), secure, opts.SameSite)
	if err != nil {
		return fmt.Errorf("set cookie %q: %w", key, err)
	}
	return nil
}

func (c *CookieStore) Remove(ctx context.Context, key string, _ Options) error {
	if _, err := c.db.db.ExecContext(ctx, `DELETE FROM cookies WHERE name = ?`, key); err != nil {
		return fmt.Errorf("remove cookie %q: %w", key, err)
	}
	return nil
}

func (c *CookieStore) Clear(ctx context.Context) error {
	if _, err := c.db.db.ExecContext(ctx, `DELETE FROM cookies`); err != nil {
		return fmt.Errorf("clear cookies: %w", err)
	}
	return nil
}

// List returns live cookies ordered by name.
func (c *CookieStore) List(ctx context.Context) ([]Entry, error) {
	rows, err := c.db.db.QueryContext(ctx, `
		SELECT name, value, domain, path, expires_ms
		FROM cookies
		WHERE expires_ms = 0 OR expires_ms > ?
		ORDER BY name ASC
	`, c.db.now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list cookies: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var expiresMs int64
		if err := rows.Scan(&e.Key, &e.Value, &e.Domain, &e.Path, &expiresMs); err != nil {
			return nil, fmt.Errorf("scan cookie: %w", err)
		}
		e.Expires = fromMillis(expiresMs)
		out = append(out, e)
	}
	return out, rows.Err()
}

// LocalStore is the local_storage table of a DB.
type LocalStore struct {
	db *DB
}

func (l *LocalStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := l.db.db.QueryRowContext(ctx,
		`SELECT value FROM local_storage WHERE key = ?`, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get local %q: %w", key, err)
	}
	return value, true, nil
}

func (l *LocalStore) Set(ctx context.Context, key, value string, _ Options) error {
	_, err := l.db.db.ExecContext(ctx, `
		INSERT INTO local_storage (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set local %q: %w", key, err)
	}
	return nil
}

func (l *LocalStore) Remove(ctx context.Context, key string, _ Options) error {
	if _, err := l.db.db.ExecContext(ctx, `DELETE FROM local_storage WHERE key = ?`, key); err != nil {
		return fmt.Errorf("remove local %q: %w", key, err)
	}
	return nil
}

func (l *LocalStore) Clear(ctx context.Context) error {
	if _, err := l.db.db.ExecContext(ctx, `DELETE FROM local_storage`); err != nil {
		return fmt.Errorf("clear local storage: %w", err)
	}
	return nil
}

// List returns every local storage entry ordered by key.
func (l *LocalStore) List(ctx context.Context) ([]Entry, error) {
	rows, err := l.db.db.QueryContext(ctx, `SELECT key, value FROM local_storage ORDER BY key ASC`)
	if err != nil {
		return nil, fmt.Errorf("list local storage: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, fmt.Errorf("scan local entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
