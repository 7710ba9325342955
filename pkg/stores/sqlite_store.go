package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteIndex implements Index using SQLite.
type SQLiteIndex struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite index configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteIndex creates a new SQLite index. Call Init and Migrate before use,
// or use OpenSQLiteIndex.
func NewSQLiteIndex(cfg Config) (*SQLiteIndex, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// One writer at a time; more connections only add lock contention.
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 1
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 1
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteIndex{cfg: cfg}, nil
}

// OpenSQLiteIndex creates, initializes and migrates an index at path.
func OpenSQLiteIndex(ctx context.Context, path string) (*SQLiteIndex, error) {
	idx, err := NewSQLiteIndex(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := idx.Init(ctx); err != nil {
		return nil, err
	}
	if err := idx.Migrate(ctx); err != nil {
		_ = idx.Close()
		return nil, err
	}
	return idx, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteIndex) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate&_time_format=sqlite", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteIndex) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteIndex) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteIndex) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// PutBundle records that url currently resolves to digest.
func (s *SQLiteIndex) PutBundle(ctx context.Context, url, digest string) error {
	query := `
		INSERT INTO bundles (url, digest, resolved_at)
		VALUES (?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			digest = excluded.digest,
			resolved_at = excluded.resolved_at
	`

	if _, err := s.db.ExecContext(ctx, query, url, digest, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to record bundle: %w", err)
	}
	return nil
}

// LookupBundle returns the digest url resolved to within maxAge.
func (s *SQLiteIndex) LookupBundle(ctx context.Context, url string, maxAge time.Duration) (*BundleRecord, error) {
	query := `
		SELECT url, digest, resolved_at
		FROM bundles
		WHERE url = ?
	`

	rec := &BundleRecord{}
	err := s.db.QueryRowContext(ctx, query, url).Scan(&rec.URL, &rec.Digest, &rec.ResolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up bundle: %w", err)
	}

	if maxAge > 0 && time.Since(rec.ResolvedAt) > maxAge {
		return nil, ErrNotFound
	}
	return rec, nil
}

// PutEntry records a cached entry. Entries are immutable, so an existing row
// is left untouched.
func (s *SQLiteIndex) PutEntry(ctx context.Context, entry *CacheEntry) error {
	query := `
		INSERT INTO entries (bundle_digest, name, size, content_digest, fetched_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(bundle_digest, name) DO NOTHING
	`

	fetchedAt := entry.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, query,
		entry.BundleDigest,
		entry.Name,
		entry.Size,
		entry.ContentDigest,
		fetchedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record cache entry: %w", err)
	}
	return nil
}

// GetEntry returns the cached entry for name in the given bundle.
func (s *SQLiteIndex) GetEntry(ctx context.Context, bundleDigest, name string) (*CacheEntry, error) {
	query := `
		SELECT bundle_digest, name, size, content_digest, fetched_at
		FROM entries
		WHERE bundle_digest = ? AND name = ?
	`

	entry := &CacheEntry{}
	err := s.db.QueryRowContext(ctx, query, bundleDigest, name).Scan(
		&entry.BundleDigest,
		&entry.Name,
		&entry.Size,
		&entry.ContentDigest,
		&entry.FetchedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	return entry, nil
}

// ListEntries returns every cached entry of a bundle ordered by name.
func (s *SQLiteIndex) ListEntries(ctx context.Context, bundleDigest string) ([]*CacheEntry, error) {
	query := `
		SELECT bundle_digest, name, size, content_digest, fetched_at
		FROM entries
		WHERE bundle_digest = ?
		ORDER BY name
	`

	rows, err := s.db.QueryContext(ctx, query, bundleDigest)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache entries: %w", err)
	}
	defer rows.Close()

	entries := []*CacheEntry{}
	for rows.Next() {
		entry := &CacheEntry{}
		if err := rows.Scan(
			&entry.BundleDigest,
			&entry.Name,
			&entry.Size,
			&entry.ContentDigest,
			&entry.FetchedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan cache entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cache entries: %w", err)
	}
	return entries, nil
}

// PutFormat records a generated format file, replacing an older record.
func (s *SQLiteIndex) PutFormat(ctx context.Context, rec *FormatRecord) error {
	query := `
		INSERT INTO formats (bundle_digest, format, path, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(bundle_digest, format) DO UPDATE SET
			path = excluded.path,
			created_at = excluded.created_at
	`

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	if _, err := s.db.ExecContext(ctx, query, rec.BundleDigest, rec.Format, rec.Path, createdAt); err != nil {
		return fmt.Errorf("failed to record format: %w", err)
	}
	return nil
}

// GetFormat returns the generated format for a bundle.
func (s *SQLiteIndex) GetFormat(ctx context.Context, bundleDigest, format string) (*FormatRecord, error) {
	query := `
		SELECT bundle_digest, format, path, created_at
		FROM formats
		WHERE bundle_digest = ? AND format = ?
	`

	rec := &FormatRecord{}
	err := s.db.QueryRowContext(ctx, query, bundleDigest, format).Scan(
		&rec.BundleDigest,
		&rec.Format,
		&rec.Path,
		&rec.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get format: %w", err)
	}
	return rec, nil
}

var _ Index = (*SQLiteIndex)(nil)
