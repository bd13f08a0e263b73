// Package sqlstore implements kv.Store on a SQL table through sqlx. It runs
// on SQLite (modernc.org/sqlite, driver "sqlite") for single-node deployments
// and on PostgreSQL (lib/pq, driver "postgres") when a shared database exists.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // Postgres driver
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/JakeFAU/gradepop-crawler/internal/kv"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

const schema = `CREATE TABLE IF NOT EXISTS kv_entries (entry_key TEXT PRIMARY KEY, entry_value TEXT NOT NULL, updated_at BIGINT NOT NULL)`

// Store is a kv.Store backed by the kv_entries table.
type Store struct {
	DB     *sqlx.DB
	logger *zap.Logger
	now    func() time.Time
}

// Open connects to driver/dsn, applies SQLite pragmas when relevant, and
// creates the kv_entries table.
func Open(ctx context.Context, driver, dsn string, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", driver, err)
	}
	if driver == "sqlite" {
		if strings.Contains(dsn, ":memory:") {
			// Every pooled connection would otherwise see its own empty database.
			db.SetMaxOpenConns(1)
		}
		for _, pragma := range []string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 10000", "PRAGMA synchronous = NORMAL"} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				closeQuietly(db, logger)
				return nil, fmt.Errorf("apply %q: %w", pragma, err)
			}
		}
	}
	s := New(db, logger)
	if err := s.Migrate(ctx); err != nil {
		closeQuietly(db, logger)
		return nil, err
	}
	return s, nil
}

// New wraps an existing handle without running migrations.
func New(db *sqlx.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{DB: db, logger: logger, now: time.Now}
}

// Migrate creates the kv_entries table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create kv_entries: %w", err)
	}
	s.logger.Debug("kv schema ready", zap.String("driver", s.DB.DriverName()))
	return nil
}

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value string
	query := s.DB.Rebind(`SELECT entry_value FROM kv_entries WHERE entry_key = ?`)
	if err := s.DB.QueryRowxContext(ctx, query, key).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, kv.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return []byte(value), nil
}

// Set upserts value under key.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	query := s.DB.Rebind(`INSERT INTO kv_entries (entry_key, entry_value, updated_at) VALUES (?, ?, ?) ON CONFLICT (entry_key) DO UPDATE SET entry_value = excluded.entry_value, updated_at = excluded.updated_at`)
	if _, err := s.DB.ExecContext(ctx, query, key, string(value), s.now().UnixNano()); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// Remove deletes key. Removing a missing key is not an error.
func (s *Store) Remove(ctx context.Context, key string) error {
	query := s.DB.Rebind(`DELETE FROM kv_entries WHERE entry_key = ?`)
	if _, err := s.DB.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// Keys lists keys with the given prefix in ascending order.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	query := s.DB.Rebind(`SELECT entry_key FROM kv_entries WHERE entry_key LIKE ? ESCAPE '\' ORDER BY entry_key`)
	var rows []string
	if err := s.DB.SelectContext(ctx, &rows, query, escapeLike(prefix)+"%"); err != nil {
		return nil, fmt.Errorf("failed to list keys %q: %w", prefix, err)
	}
	// SQLite LIKE ignores ASCII case.
	keys := rows[:0]
	for _, k := range rows {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() error {
	if err := s.DB.Close(); err != nil {
		return fmt.Errorf("failed to close kv database: %w", err)
	}
	return nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func closeQuietly(db *sqlx.DB, logger *zap.Logger) {
	if err := db.Close(); err != nil && logger != nil {
		logger.Warn("failed to close kv database", zap.Error(err))
	}
}
