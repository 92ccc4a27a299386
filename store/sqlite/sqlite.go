// Package sqlite provides a SQLite-backed history.Store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/hupe1980/agentsm/core"
)

var (
	// ErrConnectionFailed is returned when the database cannot be opened.
	ErrConnectionFailed = errors.New("sqlite: connection failed")
	// ErrMigrationFailed is returned when the schema cannot be created.
	ErrMigrationFailed = errors.New("sqlite: migration failed")
)

// Options configures the SQLite store.
type Options struct {
	// DSN is the data source name (e.g. "file:agents.db?cache=shared&mode=rwc").
	DSN string
	// MaxOpenConns limits open connections. In-memory databases need 1.
	MaxOpenConns int
	// ConnMaxLifetime is the maximum connection lifetime.
	ConnMaxLifetime time.Duration
	// JournalMode sets the SQLite journal mode (e.g. "WAL").
	JournalMode string
	// AutoMigrate creates the messages table if it does not exist.
	AutoMigrate bool
}

// DefaultOptions returns options for a private in-memory database.
func DefaultOptions() Options {
	return Options{
		DSN:          ":memory:",
		MaxOpenConns: 1,
		AutoMigrate:  true,
	}
}

// Store persists session messages in a single table ordered by insertion.
type Store struct {
	db *sql.DB
}

// New opens the database and applies the schema when AutoMigrate is set.
func New(optFns ...func(o *Options)) (*Store, error) {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	db, err := sql.Open("sqlite3", opts.DSN)
	if err != nil {
		return nil, errors.Join(ErrConnectionFailed, err)
	}

	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	if opts.JournalMode != "" {
		if _, err := db.Exec("PRAGMA journal_mode=" + opts.JournalMode); err != nil {
			_ = db.Close()
			return nil, errors.Join(ErrMigrationFailed, err)
		}
	}

	s := &Store{db: db}

	if opts.AutoMigrate {
		if err := s.migrate(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	return s, nil
}

// NewFromDB wraps an existing connection and migrates the schema.
func NewFromDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return errors.Join(ErrMigrationFailed, err)
	}

	return nil
}

// Append implements history.Store.
func (s *Store) Append(ctx context.Context, sessionID string, msg core.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (session_id, sequence, role, content, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		sessionID, int64(msg.Sequence), string(msg.Role), msg.Content, unixNano(msg.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("sqlite: append: %w", err)
	}

	return nil
}

// Load implements history.Store.
func (s *Store) Load(ctx context.Context, sessionID string) ([]core.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, role, content, created_at FROM messages
		 WHERE session_id = ? ORDER BY id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load: %w", err)
	}
	defer rows.Close()

	var msgs []core.Message

	for rows.Next() {
		var (
			seq       int64
			role      string
			content   string
			createdAt int64
		)

		if err := rows.Scan(&seq, &role, &content, &createdAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan: %w", err)
		}

		msgs = append(msgs, core.Message{
			Role:      core.Role(role),
			Content:   content,
			Sequence:  uint64(seq),
			Timestamp: fromUnixNano(createdAt),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: load: %w", err)
	}

	return msgs, nil
}

// unixNano maps the zero time to 0 since UnixNano is undefined for it.
func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
