// Package file provides an append-only JSON Lines store.Log. Every append
// writes exactly one line; earlier lines are never rewritten, so concurrent
// appends cannot lose each other's records.
package file

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Twisside/PAD-breaker/internal/runtime/jsoncodec"
	"github.com/Twisside/PAD-breaker/store"
)

// BackendName is the name used to register this backend.
const BackendName = "file"

// DefaultFilePath is used when no file is configured.
const DefaultFilePath = "data/storage.jsonl"

const (
	kindTopic      = "topic"
	kindDeadLetter = "dead_letter"
)

// maxLineSize bounds a single record when reading the log back.
const maxLineSize = 16 << 20

func init() {
	store.Register(BackendName, Build)
}

// Build opens the file named by cfg.GetStoreFile().
func Build(_ context.Context, cfg store.Config) (store.Log, error) {
	return Open(cfg.GetStoreFile())
}

// record is the JSON structure of one line.
type record struct {
	ID        int64           `json:"id"`
	Kind      string          `json:"kind"`
	Topic     string          `json:"topic,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Reason    string          `json:"failure_reason,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Log appends records to a single file.
type Log struct {
	path string

	mu     sync.Mutex
	f      *os.File
	nextID int64
	closed bool
}

// Open creates the file and its parent directories if needed and resumes id
// numbering after the records already present.
func Open(path string) (*Log, error) {
	if path == "" {
		path = DefaultFilePath
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	l := &Log{path: path}
	var last int64
	if err := l.scan(func(r record) { last = max(last, r.ID) }); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open store file: %w", err)
	}
	if err := terminateTornLine(f); err != nil {
		f.Close()
		return nil, err
	}
	l.f = f
	l.nextID = last
	return l, nil
}

// terminateTornLine ends a partially written last line so the next append
// starts on a fresh line.
func terminateTornLine(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat store file: %w", err)
	}
	if info.Size() == 0 {
		return nil
	}
	r, err := os.Open(f.Name())
	if err != nil {
		return fmt.Errorf("failed to open store file: %w", err)
	}
	defer r.Close()

	last := make([]byte, 1)
	if _, err := r.ReadAt(last, info.Size()-1); err != nil {
		return fmt.Errorf("failed to read store file: %w", err)
	}
	if last[0] == '\n' {
		return nil
	}
	_, err = f.Write([]byte{'\n'})
	return err
}

// Path returns the file backing the log.
func (l *Log) Path() string { return l.path }

func (l *Log) AppendToTopic(_ context.Context, topic string, payload []byte) error {
	return l.append(record{Kind: kindTopic, Topic: topic}, payload)
}

func (l *Log) AppendDeadLetter(_ context.Context, payload []byte, reason string) error {
	return l.append(record{Kind: kindDeadLetter, Reason: reason}, payload)
}

func (l *Log) append(r record, payload []byte) error {
	// Non-JSON payloads are stored as JSON strings so every line stays valid.
	body, err := jsoncodec.Payload(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	r.Payload = body

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return store.ErrClosed
	}

	r.ID = l.nextID + 1
	r.Timestamp = time.Now().UTC()
	line, err := jsoncodec.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	line = append(line, '\n')

	if _, err := l.f.Write(line); err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("failed to sync store file: %w", err)
	}
	l.nextID = r.ID
	return nil
}

func (l *Log) ListTopics(context.Context) ([]string, error) {
	topics := []string{}
	seen := map[string]struct{}{}
	err := l.scan(func(r record) {
		if r.Kind != kindTopic {
			return
		}
		if _, ok := seen[r.Topic]; ok {
			return
		}
		seen[r.Topic] = struct{}{}
		topics = append(topics, r.Topic)
	})
	return topics, err
}

func (l *Log) ListTopicMessages(_ context.Context, topic string) ([]store.TopicMessage, error) {
	msgs := []store.TopicMessage{}
	err := l.scan(func(r record) {
		if r.Kind != kindTopic || r.Topic != topic {
			return
		}
		msgs = append(msgs, store.TopicMessage{
			ID:       r.ID,
			Topic:    r.Topic,
			Payload:  r.Payload,
			StoredAt: r.Timestamp,
		})
	})
	return msgs, err
}

func (l *Log) ListDeadLetters(context.Context) ([]store.DeadLetter, error) {
	dls := []store.DeadLetter{}
	err := l.scan(func(r record) {
		if r.Kind != kindDeadLetter {
			return
		}
		dls = append(dls, store.DeadLetter{
			ID:            r.ID,
			Payload:       r.Payload,
			FailureReason: r.Reason,
			Timestamp:     r.Timestamp,
		})
	})
	return dls, err
}

// scan reads every well-formed line. Torn or corrupt lines (for example the
// tail of a crashed write) are skipped.
func (l *Log) scan(fn func(record)) error {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open store file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var r record
		if err := jsoncodec.Unmarshal(line, &r); err != nil {
			continue
		}
		fn(r)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read store file: %w", err)
	}
	return nil
}

// Close releases the file handle. It is safe to call more than once.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.f.Close()
}
