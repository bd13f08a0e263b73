// Package postgres implements cardstore.Store on a pgx connection pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/gradepop-crawler/internal/cardstore"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// Schema creates the tables the store reads and writes.
const Schema = `
CREATE TABLE IF NOT EXISTS cards (
	id          TEXT PRIMARY KEY,
	natural_key TEXT NOT NULL UNIQUE,
	name        TEXT NOT NULL,
	series      TEXT NOT NULL DEFAULT '',
	number      TEXT NOT NULL DEFAULT '',
	category    TEXT NOT NULL DEFAULT '',
	tracked     BOOLEAN NOT NULL DEFAULT FALSE,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS card_prices (
	card_id     TEXT NOT NULL REFERENCES cards(id) ON DELETE CASCADE,
	source      TEXT NOT NULL,
	kind        TEXT NOT NULL,
	grade       TEXT NOT NULL DEFAULT '',
	price_cents BIGINT NOT NULL,
	currency    TEXT NOT NULL,
	observed_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS card_prices_observed_at ON card_prices (observed_at);
CREATE TABLE IF NOT EXISTS card_grading (
	card_id       TEXT NOT NULL REFERENCES cards(id) ON DELETE CASCADE,
	authority     TEXT NOT NULL,
	total_graded  INTEGER NOT NULL,
	distribution  JSONB NOT NULL,
	average_grade DOUBLE PRECISION NOT NULL,
	highest_grade DOUBLE PRECISION NOT NULL,
	lowest_grade  DOUBLE PRECISION NOT NULL,
	source_url    TEXT NOT NULL DEFAULT '',
	archive_uri   TEXT NOT NULL DEFAULT '',
	fetched_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS card_grading_fetched_at ON card_grading (fetched_at);`

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Store writes cards and snapshots into Postgres.
type Store struct {
	pool  pool
	newID func() (string, error)
	now   func() time.Time
}

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config, newID func() (string, error)) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(p, newID)
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, newID func() (string, error)) (*Store, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	if newID == nil {
		return nil, errors.New("id generator is required")
	}
	return &Store{pool: p, newID: newID, now: time.Now}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate card store: %w", err)
	}
	return nil
}

// SearchCards implements cardstore.Store.
func (s *Store) SearchCards(ctx context.Context, filter cardstore.Filter) ([]cardstore.Card, error) {
	query, args := searchQuery(filter)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search cards: %w", err)
	}
	defer rows.Close()

	cards := make([]cardstore.Card, 0)
	for rows.Next() {
		var c cardstore.Card
		if err := rows.Scan(&c.ID, &c.Name, &c.Series, &c.Number, &c.Category, &c.Tracked, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		cards = append(cards, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cards: %w", err)
	}
	return cards, nil
}

func searchQuery(filter cardstore.Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if name := strings.TrimSpace(filter.Name); name != "" {
		args = append(args, "%"+escapeLike(name)+"%")
		where = append(where, "name ILIKE $"+strconv.Itoa(len(args)))
	}
	if series := strings.TrimSpace(filter.Series); series != "" {
		args = append(args, "%"+escapeLike(series)+"%")
		where = append(where, "series ILIKE $"+strconv.Itoa(len(args)))
	}
	if filter.TrackedOnly {
		where = append(where, "tracked")
	}
	var b strings.Builder
	b.WriteString("SELECT id, name, series, number, category, tracked, created_at, updated_at FROM cards")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY name, id")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		b.WriteString(" LIMIT $" + strconv.Itoa(len(args)))
	}
	return b.String(), args
}

const upsertCard = `
INSERT INTO cards (id, natural_key, name, series, number, category, tracked, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
ON CONFLICT (natural_key) DO UPDATE SET
	name = EXCLUDED.name,
	series = EXCLUDED.series,
	number = EXCLUDED.number,
	category = EXCLUDED.category,
	tracked = EXCLUDED.tracked,
	updated_at = EXCLUDED.updated_at
RETURNING id, created_at, updated_at`

// UpsertCard implements cardstore.Store. Cards are matched on their natural
// key; the stored id wins over card.ID on conflict.
func (s *Store) UpsertCard(ctx context.Context, card cardstore.Card) (cardstore.Card, error) {
	if strings.TrimSpace(card.Name) == "" {
		return cardstore.Card{}, errors.New("card name is required")
	}
	if card.ID == "" {
		id, err := s.newID()
		if err != nil {
			return cardstore.Card{}, fmt.Errorf("assign card id: %w", err)
		}
		card.ID = id
	}
	now := s.now().UTC()
	err := s.pool.QueryRow(ctx, upsertCard,
		card.ID, card.NaturalKey(), card.Name, card.Series, card.Number, card.Category, card.Tracked, now,
	).Scan(&card.ID, &card.CreatedAt, &card.UpdatedAt)
	if err != nil {
		return cardstore.Card{}, fmt.Errorf("upsert card: %w", err)
	}
	return card, nil
}

const insertPrice = `
INSERT INTO card_prices (card_id, source, kind, grade, price_cents, currency, observed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

// UpdateCardPricingData implements cardstore.Store inside one transaction.
func (s *Store) UpdateCardPricingData(ctx context.Context, cardID string, points []cardstore.PricePoint) error {
	return s.inTx(ctx, "update pricing", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE cards SET updated_at = $1 WHERE id = $2`, s.now().UTC(), cardID)
		if err != nil {
			return fmt.Errorf("touch card: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%s: %w", cardID, cardstore.ErrNotFound)
		}
		for _, p := range points {
			if _, err := tx.Exec(ctx, insertPrice,
				cardID, p.Source, p.Kind, p.Grade, p.PriceCents, p.Currency, p.ObservedAt,
			); err != nil {
				return fmt.Errorf("insert price: %w", err)
			}
		}
		return nil
	})
}

const insertGrading = `
INSERT INTO card_grading (card_id, authority, total_graded, distribution, average_grade, highest_grade, lowest_grade, source_url, archive_uri, fetched_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

// InsertCardGradingData implements cardstore.Store inside one transaction.
func (s *Store) InsertCardGradingData(ctx context.Context, records []cardstore.GradingRecord) error {
	if len(records) == 0 {
		return nil
	}
	return s.inTx(ctx, "insert grading", func(tx pgx.Tx) error {
		for _, r := range records {
			dist, err := json.Marshal(r.Distribution)
			if err != nil {
				return fmt.Errorf("marshal distribution: %w", err)
			}
			if _, err := tx.Exec(ctx, insertGrading,
				r.CardID, r.Authority, r.TotalGraded, dist, r.AverageGrade, r.HighestGrade, r.LowestGrade,
				r.SourceURL, r.ArchiveURI, r.FetchedAt,
			); err != nil {
				return fmt.Errorf("insert grading row for %s: %w", r.CardID, err)
			}
		}
		return nil
	})
}

// CleanupExpired implements cardstore.Store.
func (s *Store) CleanupExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	if cutoff.IsZero() {
		return 0, nil
	}
	var removed int64
	for _, q := range []string{
		`DELETE FROM card_prices WHERE observed_at < $1`,
		`DELETE FROM card_grading WHERE fetched_at < $1`,
	} {
		tag, err := s.pool.Exec(ctx, q, cutoff)
		if err != nil {
			return removed, fmt.Errorf("cleanup expired rows: %w", err)
		}
		removed += tag.RowsAffected()
	}
	return removed, nil
}

func (s *Store) inTx(ctx context.Context, op string, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", op, err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("%s: %w (rollback: %v)", op, err, rbErr)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}
	return nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
