// Package postgres provides a PostgreSQL-backed store.Log for deployments that
// run several broker replicas against one database.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/Twisside/PAD-breaker/store"
)

// BackendName is the name used to register this backend.
const BackendName = "postgres"

// DefaultSchemaName is the schema holding the broker tables.
const DefaultSchemaName = "padbreaker"

var schemaNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func init() {
	store.Register(BackendName, Build)
	store.Register("postgresql", Build)
}

// Build connects using cfg.GetPostgresURL().
func Build(ctx context.Context, cfg store.Config) (store.Log, error) {
	return Open(ctx, Config{ConnectionString: cfg.GetPostgresURL()})
}

// Config holds PostgreSQL-specific configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string
	// SchemaName is the schema to use for tables. Defaults to "padbreaker".
	SchemaName string
	// MaxOpenConns sets the maximum number of open connections to the database.
	MaxOpenConns int
	// MaxIdleConns sets the maximum number of idle connections.
	MaxIdleConns int
}

func (c Config) withDefaults() Config {
	if c.SchemaName == "" {
		c.SchemaName = DefaultSchemaName
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	return c
}

func (c Config) validate() error {
	if c.ConnectionString == "" {
		return fmt.Errorf("PostgreSQL connection string is required")
	}
	if !schemaNamePattern.MatchString(c.SchemaName) {
		return fmt.Errorf("invalid PostgreSQL schema name %q", c.SchemaName)
	}
	return nil
}

// Log stores records in two append-only tables. Every append is a single
// INSERT, so concurrent replicas never overwrite each other.
type Log struct {
	db     *sql.DB
	config Config
	schema string

	closedMu sync.RWMutex
	closed   bool
}

// Open connects, pings and creates the schema if needed.
func Open(ctx context.Context, cfg Config) (*Log, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	l := &Log{db: db, config: cfg, schema: pq.QuoteIdentifier(cfg.SchemaName)}
	if err := l.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return l, nil
}

func (l *Log) initSchema(ctx context.Context) error {
	// #nosec G201 - schema name is validated and quoted
	if _, err := l.db.ExecContext(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, l.schema)); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	// #nosec G201 - schema name is validated and quoted
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s.topic_messages (
		id BIGSERIAL PRIMARY KEY,
		topic TEXT NOT NULL,
		payload BYTEA NOT NULL,
		stored_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_topic_messages_topic ON %[1]s.topic_messages(topic, id);

	CREATE TABLE IF NOT EXISTS %[1]s.dead_letters (
		id BIGSERIAL PRIMARY KEY,
		payload BYTEA NOT NULL,
		failure_reason TEXT NOT NULL,
		failed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	`, l.schema)

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
	query := fmt.Sprintf(`INSERT INTO %s.topic_messages (topic, payload) VALUES ($1, $2)`, l.schema)
	if _, err := l.db.ExecContext(ctx, query, topic, payload); err != nil {
		return fmt.Errorf("failed to append topic message: %w", err)
	}
	return nil
}

func (l *Log) AppendDeadLetter(ctx context.Context, payload []byte, reason string) error {
	if err := l.checkOpen(); err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s.dead_letters (payload, failure_reason) VALUES ($1, $2)`, l.schema)
	if _, err := l.db.ExecContext(ctx, query, payload, reason); err != nil {
		return fmt.Errorf("failed to append dead letter: %w", err)
	}
	return nil
}

func (l *Log) ListTopics(ctx context.Context) ([]string, error) {
	if err := l.checkOpen(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT topic FROM %s.topic_messages GROUP BY topic ORDER BY MIN(id)`, l.schema)
	rows, err := l.db.QueryContext(ctx, query)
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
	query := fmt.Sprintf(`SELECT id, topic, payload, stored_at FROM %s.topic_messages WHERE topic = $1 ORDER BY id`, l.schema)
	rows, err := l.db.QueryContext(ctx, query, topic)
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
	query := fmt.Sprintf(`SELECT id, payload, failure_reason, failed_at FROM %s.dead_letters ORDER BY id`, l.schema)
	rows, err := l.db.QueryContext(ctx, query)
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

// Close closes the connection pool. It is safe to call more than once.
func (l *Log) Close() error {
	l.closedMu.Lock()
	defer l.closedMu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.db.Close()
}
