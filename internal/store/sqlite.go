// ABOUTME: SQLite implementation of the conversation log
// ABOUTME: Messages table indexed by unordered participant pair; modernc or cgo driver

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// SQLite driver names registered by the imported drivers.
const (
	DriverModernc = "sqlite"  // modernc.org/sqlite, pure Go
	DriverCgo     = "sqlite3" // github.com/mattn/go-sqlite3
)

// SQLiteLog implements Log on a SQLite database.
type SQLiteLog struct {
	db     *sql.DB
	mu     sync.Mutex // serializes appends
	logger *slog.Logger
}

// NewSQLiteLog opens the database at path with the given driver.
// The schema is created if it doesn't exist. Parent directories are created if needed.
func NewSQLiteLog(path, driver string, logger *slog.Logger) (*SQLiteLog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if driver == "" {
		driver = DriverModernc
	}
	if path == "" {
		return nil, fmt.Errorf("sqlite log path is required")
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	l := &SQLiteLog{db: db, logger: logger}
	if err := l.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite log initialized", "path", path, "driver", driver)
	return l, nil
}

// createSchema creates the messages table and pair index if they don't exist
func (l *SQLiteLog) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS messages (
			seq       INTEGER PRIMARY KEY AUTOINCREMENT,
			pair_key  TEXT NOT NULL,
			from_user TEXT NOT NULL,
			to_user   TEXT NOT NULL,
			text      TEXT NOT NULL,
			ts        INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_pair_seq
			ON messages(pair_key, seq);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Append inserts msg.
func (l *SQLiteLog) Append(ctx context.Context, msg *Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO messages (pair_key, from_user, to_user, text, ts) VALUES (?, ?, ?, ?, ?)`,
		PairKey(msg.From, msg.To), msg.From, msg.To, msg.Text, msg.Timestamp,
	)
	return storageErr("append", err)
}

// Query reads the newest limit rows for the pair and returns them oldest first.
func (l *SQLiteLog) Query(ctx context.Context, userA, userB string, limit int) ([]*Message, error) {
	if limit <= 0 {
		return []*Message{}, nil
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT from_user, to_user, text, ts
		FROM messages
		WHERE pair_key = ?
		ORDER BY seq DESC
		LIMIT ?`,
		PairKey(userA, userB), limit,
	)
	if err != nil {
		return nil, storageErr("query", err)
	}
	defer rows.Close()

	msgs := make([]*Message, 0, limit)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.From, &msg.To, &msg.Text, &msg.Timestamp); err != nil {
			return nil, storageErr("query", err)
		}
		msgs = append(msgs, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("query", err)
	}

	slices.Reverse(msgs)
	return msgs, nil
}

// Close closes the database connection
func (l *SQLiteLog) Close() error {
	return l.db.Close()
}
