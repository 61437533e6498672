// Package store persists the send history so it survives restarts.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/promptpilot/internal/config"
	"github.com/xkilldash9x/promptpilot/internal/history"
)

// HistoryStore is a durable, append-only log of confirmed sends.
type HistoryStore interface {
	Append(ctx context.Context, e history.Entry) error
	// Recent returns up to n of the newest entries, oldest first.
	Recent(ctx context.Context, n int) ([]history.Entry, error)
	Close() error
}

// Open returns the store selected by cfg.Driver. The "none" driver returns a store
// that keeps nothing.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (HistoryStore, error) {
	switch cfg.Driver {
	case "", "none":
		return Nop{}, nil
	case "sqlite":
		path, err := homedir.Expand(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to expand store path %q: %w", cfg.Path, err)
		}
		return OpenSQLite(ctx, path, logger)
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres pool: %w", err)
		}
		s, err := NewPostgres(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// Nop discards everything.
type Nop struct{}

func (Nop) Append(context.Context, history.Entry) error { return nil }

func (Nop) Recent(context.Context, int) ([]history.Entry, error) { return nil, nil }

func (Nop) Close() error { return nil }

func reverse(entries []history.Entry) {
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
}
