// Package store defines the broker's durable log: every message published to a
// topic and every dead-lettered delivery. Backends live in sub-packages and
// register themselves with the store registry, the same way stream transports
// do.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrClosed is returned by backends once Close has been called.
var ErrClosed = errors.New("store: log is closed")

// Log is the append-only record the broker keeps of topic traffic and failed
// deliveries. Appends are safe for concurrent use and never rewrite earlier
// records.
type Log interface {
	// AppendToTopic records payload under topic.
	AppendToTopic(ctx context.Context, topic string, payload []byte) error
	// AppendDeadLetter records a delivery that could not be completed.
	AppendDeadLetter(ctx context.Context, payload []byte, reason string) error
	// ListTopics returns every topic that has at least one record, in order of
	// first appearance.
	ListTopics(ctx context.Context) ([]string, error)
	// ListTopicMessages returns the records of one topic in append order.
	ListTopicMessages(ctx context.Context, topic string) ([]TopicMessage, error)
	// ListDeadLetters returns every dead letter in append order.
	ListDeadLetters(ctx context.Context) ([]DeadLetter, error)
	Close() error
}

// TopicMessage is one payload persisted under a topic.
type TopicMessage struct {
	ID       int64           `json:"id"`
	Topic    string          `json:"topic"`
	Payload  json.RawMessage `json:"payload"`
	StoredAt time.Time       `json:"stored_at"`
}

// DeadLetter is a payload that exhausted its delivery options.
type DeadLetter struct {
	ID            int64           `json:"id"`
	Payload       json.RawMessage `json:"payload"`
	FailureReason string          `json:"failureReason"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Config provides the values store backends read. config.Config implements it.
type Config interface {
	GetStoreBackend() string
	GetStoreFile() string
	GetSQLiteFile() string
	GetPostgresURL() string
}

// Builder opens a Log from config.
type Builder func(ctx context.Context, cfg Config) (Log, error)
