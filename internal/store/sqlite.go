package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/xkilldash9x/promptpilot/internal/history"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS prompt_history (
	id TEXT PRIMARY KEY,
	preview TEXT NOT NULL,
	text TEXT NOT NULL,
	status TEXT NOT NULL CHECK(status IN ('sent','recovered')),
	conversation TEXT NOT NULL DEFAULT '',
	item_type TEXT NOT NULL,
	sent_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_prompt_history_sent_at ON prompt_history(sent_at);
`

// SQLite keeps history in a local database file.
type SQLite struct {
	db  *sql.DB
	log *zap.Logger
}

var _ HistoryStore = (*SQLite)(nil)

// OpenSQLite opens or creates the database at path.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = db.Close()
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLite{db: db, log: logger.Named("store")}, nil
}

func (s *SQLite) Append(ctx context.Context, e history.Entry) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO prompt_history(id, preview, text, status, conversation, item_type, sent_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING
`, e.ID, e.Preview, e.Text, e.Status, e.Conversation, e.ItemType, ts(e.Timestamp))
	if err != nil {
		return fmt.Errorf("insert history entry: %w", err)
	}
	return nil
}

func (s *SQLite) Recent(ctx context.Context, n int) ([]history.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, preview, text, status, conversation, item_type, sent_at
FROM prompt_history
ORDER BY sent_at DESC, rowid DESC
LIMIT ?
`, n)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []history.Entry
	for rows.Next() {
		var (
			e      history.Entry
			sentAt string
		)
		if err := rows.Scan(&e.ID, &e.Preview, &e.Text, &e.Status, &e.Conversation, &e.ItemType, &sentAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		if e.Timestamp, err = parseTS(sentAt); err != nil {
			return nil, fmt.Errorf("parse sent_at %q: %w", sentAt, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	reverse(out)
	return out, nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Fixed width so that text order is time order.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.ParseInLocation(tsLayout, s, time.UTC)
}
