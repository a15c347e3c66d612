// Package sqlite provides a SQLite-backed store.Log.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/Twisside/PAD-breaker/store"
)

// BackendName is the name used to register this backend.
const BackendName = "sqlite"

// DefaultFilePath is used when no database file is configured.
const DefaultFilePath = "data/padbreaker.db"

func init() {
	store.Register(BackendName, Build)
}

// Build opens the database named by cfg.GetSQLiteFile().
func Build(ctx context.Context, cfg store.Config) (store.Log, error) {
	return Open(ctx, Config{FilePath: cfg.GetSQLiteFile()})
}

// Config holds SQLite-specific configuration.
type Config struct {
	// FilePath is the path to the SQLite database file.
	// Use ":memory:" for an in-memory database (useful for testing).
	FilePath string
	// BusyTimeout is how long a writer waits on a locked database.
	BusyTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.FilePath == "" {
		c.FilePath = DefaultFilePath
	}
	if c.BusyTimeout <= 0 {
		c.BusyTimeout = 5 * time.Second
	}
	return c
}

// Log stores records in two append-only tables.
type Log struct {
	db     *sql.DB
	config Config

	closedMu sync.RWMutex
	closed   bool
}

// Open connects to the database and creates the schema if needed.
func Open(ctx context.Context, cfg Config) (*Log, error) {
	cfg = cfg.withDefaults()

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d", cfg.FilePath, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// One connection serialises writers and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	l := &Log{db: db, config: cfg}
	if err := l.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return l, nil
}

func (l *Log) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS topic_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		topic TEXT NOT NULL,
		payload BLOB NOT NULL,
		stored_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_topic_messages_topic ON topic_messages(topic, id);

	CREATE TABLE IF NOT EXISTS dead_letters (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		payload BLOB NOT NULL,
		failure_reason TEXT NOT NULL,
		failed_at TIMESTAMP NOT NULL
	);
	`
	_, err := l.db.ExecContext(ctx, schema)
	return err
}

func (l *Log) checkOpen() error {
	l.closedMu.RLock()
	defer l.closedMu.RUnlock()
	if l.closed {
		return store.ErrClosed
	}
	return nil
}

func (l *Log) AppendToTopic(ctx context.Context, topic string, payload []byte) error {
	if err := l.checkOpen(); err != nil {
		return err
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO topic_messages (topic, payload, stored_at) VALUES (?, ?, ?)`,
		topic, payload, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to append topic message: %w", err)
	}
	return nil
}

func (l *Log) AppendDeadLetter(ctx context.Context, payload []byte, reason string) error {
	if err := l.checkOpen(); err != nil {
		return err
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO dead_letters (payload, failure_reason, failed_at) VALUES (?, ?, ?)`,
		payload, reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to append dead letter: %w", err)
	}
	return nil
}

func (l *Log) ListTopics(ctx context.Context) ([]string, error) {
	if err := l.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT topic FROM topic_messages GROUP BY topic ORDER BY MIN(id)`)
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}
	defer rows.Close()

	topics := []string{}
	for rows.Next() {
		var topic string
		if err := rows.Scan(&topic); err != nil {
			return nil, err
		}
		topics = append(topics, topic)
	}
	return topics, rows.Err()
}

func (l *Log) ListTopicMessages(ctx context.Context, topic string) ([]store.TopicMessage, error) {
	if err := l.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, topic, payload, stored_at FROM topic_messages WHERE topic = ? ORDER BY id`, topic)
	if err != nil {
		return nil, fmt.Errorf("failed to list topic messages: %w", err)
	}
	defer rows.Close()

	msgs := []store.TopicMessage{}
	for rows.Next() {
		var m store.TopicMessage
		var payload []byte
		if err := rows.Scan(&m.ID, &m.Topic, &payload, &m.StoredAt); err != nil {
			return nil, err
		}
		m.Payload = payload
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (l *Log) ListDeadLetters(ctx context.Context) ([]store.DeadLetter, error) {
	if err := l.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, payload, failure_reason, failed_at FROM dead_letters ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	dls := []store.DeadLetter{}
	for rows.Next() {
		var d store.DeadLetter
		var payload []byte
		if err := rows.Scan(&d.ID, &payload, &d.FailureReason, &d.Timestamp); err != nil {
			return nil, err
		}
		d.Payload = payload
		dls = append(dls, d)
	}
	return dls, rows.Err()
}

// Close closes the database. It is safe to call more than once.
func (l *Log) Close() error {
	l.closedMu.Lock()
	defer l.closedMu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.db.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return err
	}
	return nil
}

// DB exposes the underlying handle for diagnostics.
func (l *Log) DB() *sql.DB {
	return l.db
}
