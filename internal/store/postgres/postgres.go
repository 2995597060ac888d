// Package postgres is the card.Store backed by PostgreSQL through sqlx and lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/keithlinneman/cardshare/internal/card"
	"github.com/keithlinneman/cardshare/internal/cryptoutil"
	"github.com/keithlinneman/cardshare/internal/xerrors"
)

const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

type Options struct {
	QueryTimeout    time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// Breaker trips after this many consecutive store failures, 0 means 5
	BreakerFailures uint32
	// BreakerCooldown is how long the breaker stays open, 0 means 30s
	BreakerCooldown time.Duration
	// OnBreakerChange is called with the old and new breaker state names
	OnBreakerChange func(from, to string)
}

func (o *Options) defaults() {
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = 5 * time.Second
	}
	if o.MaxOpenConns <= 0 {
		o.MaxOpenConns = 10
	}
	if o.MaxIdleConns <= 0 {
		o.MaxIdleConns = 5
	}
	if o.ConnMaxLifetime <= 0 {
		o.ConnMaxLifetime = 30 * time.Minute
	}
}

type Store struct {
	db      *sqlx.DB
	timeout time.Duration
	cb      *breaker
}

var _ card.Store = (*Store)(nil)

// Open connects to dsn, applies pool settings and pings before returning.
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	if dsn == "" {
		return nil, xerrors.New("postgres: empty dsn")
	}
	opts.defaults()

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, xerrors.Wrap(err, "postgres: open")
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(err, "postgres: ping")
	}
	return New(db, opts), nil
}

// New wraps an existing handle, tests pass a sqlmock backed one.
func New(db *sqlx.DB, opts Options) *Store {
	opts.defaults()
	return &Store{
		db:      db,
		timeout: opts.QueryTimeout,
		cb:      newBreaker(opts),
	}
}

func (s *Store) Close() error { return s.db.Close() }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS cards (
		id               TEXT PRIMARY KEY,
		template_type    TEXT NOT NULL,
		recipient_name   TEXT NOT NULL,
		sender_name      TEXT NOT NULL,
		message          TEXT NOT NULL,
		theme_colors     JSONB NOT NULL,
		custom_config    JSONB NOT NULL DEFAULT '{}'::jsonb,
		is_published     BOOLEAN NOT NULL DEFAULT TRUE,
		owner_token_hash TEXT NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS card_views (
		id             BIGSERIAL PRIMARY KEY,
		card_id        TEXT NOT NULL REFERENCES cards(id) ON DELETE CASCADE,
		viewed_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		viewer_id_hash TEXT,
		user_agent     TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS card_views_card_id_idx ON card_views (card_id)`,
}

// Migrate creates the tables if they do not exist. There is no versioning.
func (s *Store) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return xerrors.Wrap(err, "postgres: migrate")
		}
	}
	return nil
}

// cardRow is the table shape, the two JSON columns are stored as JSONB
type cardRow struct {
	ID             string    `db:"id"`
	TemplateType   string    `db:"template_type"`
	RecipientName  string    `db:"recipient_name"`
	SenderName     string    `db:"sender_name"`
	Message        string    `db:"message"`
	ThemeColors    []byte    `db:"theme_colors"`
	CustomConfig   []byte    `db:"custom_config"`
	IsPublished    bool      `db:"is_published"`
	OwnerTokenHash string    `db:"owner_token_hash"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (r cardRow) toCard() (*card.Card, error) {
	c := &card.Card{
		ID:             r.ID,
		TemplateType:   card.TemplateType(r.TemplateType),
		RecipientName:  r.RecipientName,
		SenderName:     r.SenderName,
		Message:        r.Message,
		IsPublished:    r.IsPublished,
		OwnerTokenHash: r.OwnerTokenHash,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if err := json.Unmarshal(r.ThemeColors, &c.ThemeColors); err != nil {
		return nil, xerrors.Wrap(err, "postgres: decode theme_colors")
	}
	if len(r.CustomConfig) > 0 {
		if err := json.Unmarshal(r.CustomConfig, &c.CustomConfig); err != nil {
			return nil, xerrors.Wrap(err, "postgres: decode custom_config")
		}
	}
	return c, nil
}

func pqCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

func (s *Store) Create(ctx context.Context, c *card.Card) error {
	theme, err := json.Marshal(c.ThemeColors)
	if err != nil {
		return xerrors.Wrap(err, "postgres: encode theme_colors")
	}
	custom, err := json.Marshal(c.CustomConfig)
	if err != nil {
		return xerrors.Wrap(err, "postgres: encode custom_config")
	}

	_, err = execute(s.cb, func() (struct{}, error) {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		_, err := s.db.ExecContext(ctx, `
			INSERT INTO cards (id, template_type, recipient_name, sender_name, message,
				theme_colors, custom_config, is_published, owner_token_hash, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			c.ID, string(c.TemplateType), c.RecipientName, c.SenderName, c.Message,
			string(theme), string(custom), c.IsPublished, c.OwnerTokenHash, c.CreatedAt, c.UpdatedAt)
		if err != nil {
			if pqCode(err) == pqUniqueViolation {
				return struct{}{}, card.ErrConflict
			}
			return struct{}{}, xerrors.Wrap(err, "postgres: insert card")
		}
		return struct{}{}, nil
	})
	return err
}

func (s *Store) Get(ctx context.Context, id string) (*card.Card, error) {
	row, err := execute(s.cb, func() (cardRow, error) {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		var r cardRow
		err := s.db.GetContext(ctx, &r, `
			SELECT id, template_type, recipient_name, sender_name, message, theme_colors,
				custom_config, is_published, owner_token_hash, created_at, updated_at
			FROM cards
			WHERE id = $1 AND is_published = TRUE`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return r, card.ErrNotFound
		}
		if err != nil {
			return r, xerrors.Wrap(err, "postgres: select card")
		}
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return row.toCard()
}

// Delete locks the card row, checks the owner hash, then removes views and the card in one transaction.
func (s *Store) Delete(ctx context.Context, id, tokenHash string) error {
	_, err := execute(s.cb, func() (struct{}, error) {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return struct{}{}, xerrors.Wrap(err, "postgres: begin delete")
		}
		defer func() { _ = tx.Rollback() }()

		var stored string
		err = tx.GetContext(ctx, &stored, `SELECT owner_token_hash FROM cards WHERE id = $1 FOR UPDATE`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return struct{}{}, card.ErrNotFound
		}
		if err != nil {
			return struct{}{}, xerrors.Wrap(err, "postgres: lock card")
		}
		if stored == "" || !cryptoutil.HashEqual(stored, tokenHash) {
			return struct{}{}, card.ErrForbidden
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM card_views WHERE card_id = $1`, id); err != nil {
			return struct{}{}, xerrors.Wrap(err, "postgres: delete views")
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM cards WHERE id = $1`, id); err != nil {
			return struct{}{}, xerrors.Wrap(err, "postgres: delete card")
		}
		if err := tx.Commit(); err != nil {
			return struct{}{}, xerrors.Wrap(err, "postgres: commit delete")
		}
		return struct{}{}, nil
	})
	return err
}

func (s *Store) RecordView(ctx context.Context, v card.View) error {
	_, err := execute(s.cb, func() (struct{}, error) {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		_, err := s.db.ExecContext(ctx, `
			INSERT INTO card_views (card_id, viewed_at, viewer_id_hash, user_agent)
			VALUES ($1, $2, $3, $4)`,
			v.CardID, v.ViewedAt, nullable(v.ViewerIDHash), nullable(v.UserAgent))
		if err != nil {
			if pqCode(err) == pqForeignKeyViolation {
				return struct{}{}, card.ErrNotFound
			}
			return struct{}{}, xerrors.Wrap(err, "postgres: insert view")
		}
		return struct{}{}, nil
	})
	return err
}

// Ping bypasses the breaker so readiness reflects the database, not breaker state.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
