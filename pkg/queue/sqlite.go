package queue

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS pending_actions (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT    NOT NULL UNIQUE,
	kind       TEXT    NOT NULL,
	payload    BLOB    NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS pending_actions_kind ON pending_actions (kind, created_at, seq);
`

var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 10000",
	"PRAGMA synchronous = NORMAL",
}

// SQLite persists the queue in a SQLite database file, so queued actions
// survive worker restarts.
type SQLite struct {
	db *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// OpenSQLite opens (or creates) the queue database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("queue path is required")
	}
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("queue: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("queue: open: %w", err)
	}
	// A single connection serialises writers and keeps pragmas in effect.
	db.SetMaxOpenConns(1)

	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("queue: %s: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (q *SQLite) Enqueue(ctx context.Context, a Action) (Action, error) {
	if err := ctx.Err(); err != nil {
		return Action{}, err
	}
	a, err := prepare(a, time.Now())
	if err != nil {
		return Action{}, err
	}
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO pending_actions (id, kind, payload, created_at) VALUES (?, ?, ?, ?)`,
		a.ID, string(a.Kind), []byte(a.Payload), toMillis(a.CreatedAt))
	if err != nil {
		return Action{}, fmt.Errorf("enqueue %s: %w", a.ID, err)
	}
	// Stored precision is milliseconds.
	a.CreatedAt = fromMillis(toMillis(a.CreatedAt))
	return a, nil
}

func (q *SQLite) Drain(ctx context.Context, kind Kind) ([]Action, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, kind, payload, created_at FROM pending_actions
		 WHERE kind = ? ORDER BY created_at, seq`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("drain %s: %w", kind, err)
	}
	defer rows.Close()

	var out []Action
	for rows.Next() {
		var (
			a       Action
			k       string
			payload []byte
			created int64
		)
		if err := rows.Scan(&a.ID, &k, &payload, &created); err != nil {
			return nil, fmt.Errorf("drain %s: scan: %w", kind, err)
		}
		a.Kind = Kind(k)
		a.Payload = payload
		a.CreatedAt = fromMillis(created)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("drain %s: %w", kind, err)
	}
	return out, nil
}

func (q *SQLite) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	res, err := q.db.ExecContext(ctx, `DELETE FROM pending_actions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the database handle.
func (q *SQLite) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}
