// Package memory provides a process-local store.Log. Records are lost on
// restart; it is meant for tests and single-shot runs.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/Twisside/PAD-breaker/store"
)

// BackendName is the name used to register this backend.
const BackendName = "memory"

func init() {
	store.Register(BackendName, Build)
}

// Build creates a new in-memory log. Config is ignored.
func Build(_ context.Context, _ store.Config) (store.Log, error) {
	return New(), nil
}

// Log keeps every record in memory behind a mutex.
type Log struct {
	mu          sync.Mutex
	nextID      int64
	topicOrder  []string
	topics      map[string][]store.TopicMessage
	deadLetters []store.DeadLetter
	closed      bool
	now         func() time.Time
}

// New creates an empty in-memory log.
func New() *Log {
	return &Log{
		topics: make(map[string][]store.TopicMessage),
		now:    time.Now,
	}
}

func (l *Log) AppendToTopic(_ context.Context, topic string, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return store.ErrClosed
	}
	if _, ok := l.topics[topic]; !ok {
		l.topicOrder = append(l.topicOrder, topic)
	}
	l.nextID++
	l.topics[topic] = append(l.topics[topic], store.TopicMessage{
		ID:       l.nextID,
		Topic:    topic,
		Payload:  append([]byte(nil), payload...),
		StoredAt: l.now().UTC(),
	})
	return nil
}

func (l *Log) AppendDeadLetter(_ context.Context, payload []byte, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return store.ErrClosed
	}
	l.nextID++
	l.deadLetters = append(l.deadLetters, store.DeadLetter{
		ID:            l.nextID,
		Payload:       append([]byte(nil), payload...),
		FailureReason: reason,
		Timestamp:     l.now().UTC(),
	})
	return nil
}

func (l *Log) ListTopics(context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]string{}, l.topicOrder...), nil
}

func (l *Log) ListTopicMessages(_ context.Context, topic string) ([]store.TopicMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]store.TopicMessage{}, l.topics[topic]...), nil
}

func (l *Log) ListDeadLetters(context.Context) ([]store.DeadLetter, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]store.DeadLetter{}, l.deadLetters...), nil
}

// Close marks the log closed. Records stay readable.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}
