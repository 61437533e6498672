package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/promptpilot/internal/history"
)

// DBPool is the slice of pgxpool.Pool the store uses, so tests can mock it.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

const (
	sqlCreateHistory = `
        CREATE TABLE IF NOT EXISTS prompt_history (
            id           TEXT PRIMARY KEY,
            preview      TEXT NOT NULL,
            text         TEXT NOT NULL,
            status       TEXT NOT NULL,
            conversation TEXT NOT NULL DEFAULT '',
            item_type    TEXT NOT NULL,
            sent_at      TIMESTAMPTZ NOT NULL
        );
    `
	sqlInsertHistory = `
        INSERT INTO prompt_history (id, preview, text, status, conversation, item_type, sent_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (id) DO NOTHING;
    `
	sqlRecentHistory = `
        SELECT id, preview, text, status, conversation, item_type, sent_at
        FROM prompt_history
        ORDER BY sent_at DESC
        LIMIT $1;
    `
)

// Postgres keeps history in a shared PostgreSQL database.
type Postgres struct {
	pool DBPool
	log  *zap.Logger
}

var _ HistoryStore = (*Postgres)(nil)

// NewPostgres verifies the connection and creates the table if needed.
func NewPostgres(ctx context.Context, pool DBPool, logger *zap.Logger) (*Postgres, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, sqlCreateHistory); err != nil {
		return nil, fmt.Errorf("failed to create history table: %w", err)
	}
	return &Postgres{pool: pool, log: logger.Named("store")}, nil
}

func (s *Postgres) Append(ctx context.Context, e history.Entry) error {
	_, err := s.pool.Exec(ctx, sqlInsertHistory,
		e.ID, e.Preview, e.Text, e.Status, e.Conversation, e.ItemType, e.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert history entry: %w", err)
	}
	return nil
}

func (s *Postgres) Recent(ctx context.Context, n int) ([]history.Entry, error) {
	rows, err := s.pool.Query(ctx, sqlRecentHistory, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []history.Entry
	for rows.Next() {
		var e history.Entry
		if err := rows.Scan(&e.ID, &e.Preview, &e.Text, &e.Status, &e.Conversation, &e.ItemType, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history rows: %w", err)
	}
	reverse(out)
	return out, nil
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}
