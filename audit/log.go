package audit

import (
	"context"
	"database/sql"
	"encoding/json"

	_ "modernc.org/sqlite"

	"openmarket/core/types"
)

// Log is an append-only record of marketplace lifecycle events and the fund
// movements they authorized, kept in SQLite next to the primary store. It is
// a forensic companion to the atomic state commits, never a source of truth.
type Log struct {
	db *sql.DB
}

// Open creates or opens the audit database at path.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	l := &Log{db: db}
	if err := l.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) init() error {
	schema := `CREATE TABLE IF NOT EXISTS transfer_log (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        occurred_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
        event_type TEXT NOT NULL,
        product_id TEXT,
        amount TEXT,
        attributes TEXT NOT NULL
    );`
	_, err := l.db.Exec(schema)
	return err
}

// Record appends one event. The amount column carries the primary fund
// movement of the transition when one exists.
func (l *Log) Record(ctx context.Context, evt *types.Event) error {
	if evt == nil {
		return nil
	}
	attrs, err := json.Marshal(evt.Attributes)
	if err != nil {
		return err
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO transfer_log (event_type, product_id, amount, attributes) VALUES (?, ?, ?, ?)`,
		evt.Type, evt.Attributes["id"], primaryAmount(evt), string(attrs),
	)
	return err
}

// Count returns the number of recorded entries, mainly for tests and
// operational spot checks.
func (l *Log) Count(ctx context.Context) (int64, error) {
	var n int64
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transfer_log`).Scan(&n)
	return n, err
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}

func primaryAmount(evt *types.Event) string {
	for _, key := range []string{"deposit", "refund", "payout"} {
		if v, ok := evt.Attributes[key]; ok {
			return v
		}
	}
	return ""
}
