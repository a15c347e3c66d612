package transport

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// MetadataCorrelationID carries the envelope correlation id on stream messages.
const MetadataCorrelationID = "correlation_id"

// DefaultListenerBuffer is how many envelopes a slow listener may lag behind
// before further envelopes are dropped for it.
const DefaultListenerBuffer = 64

// ErrHubClosed is returned by Publish and Listen after Close.
var ErrHubClosed = errors.New("transport: stream hub is closed")

// Hub fans one transport subscription per topic out to any number of local
// listeners. The underlying subscription is opened when the first listener of
// a topic connects and stays open until the hub closes.
type Hub struct {
	transport Transport
	logger    watermill.LoggerAdapter
	buffer    int

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	feeds  map[string]*feed
	closed bool
	wg     sync.WaitGroup
}

type feed struct {
	nextID    int
	listeners map[int]chan []byte
}

// NewHub wraps t. The hub owns t and closes it on Close.
func NewHub(t Transport, logger watermill.LoggerAdapter) *Hub {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		transport: t,
		logger:    logger,
		buffer:    DefaultListenerBuffer,
		ctx:       ctx,
		cancel:    cancel,
		feeds:     make(map[string]*feed),
	}
}

// StreamTopic maps a broker topic onto a transport topic name that every
// built-in transport accepts.
func StreamTopic(topic string) string {
	var b strings.Builder
	b.WriteString("padbreaker.stream.")
	for _, r := range topic {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// Publish sends payload to every listener of topic, across replicas when the
// transport supports it.
func (h *Hub) Publish(topic string, payload []byte, correlationID string) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return ErrHubClosed
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	if correlationID != "" {
		msg.Metadata.Set(MetadataCorrelationID, correlationID)
	}
	return h.transport.Publisher.Publish(StreamTopic(topic), msg)
}

// Listen returns a channel of payloads published to topic from now on. The
// channel is closed when ctx is done or the hub closes.
func (h *Hub) Listen(ctx context.Context, topic string) (<-chan []byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}

	f, ok := h.feeds[topic]
	if !ok {
		msgs, err := h.transport.Subscriber.Subscribe(h.ctx, StreamTopic(topic))
		if err != nil {
			return nil, err
		}
		f = &feed{listeners: make(map[int]chan []byte)}
		h.feeds[topic] = f
		h.wg.Add(1)
		go h.pump(topic, msgs)
	}

	id := f.nextID
	f.nextID++
	ch := make(chan []byte, h.buffer)
	f.listeners[id] = ch

	go func() {
		select {
		case <-ctx.Done():
		case <-h.ctx.Done():
		}
		h.removeListener(topic, id)
	}()

	return ch, nil
}

func (h *Hub) removeListener(topic string, id int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	f, ok := h.feeds[topic]
	if !ok {
		return
	}
	if ch, ok := f.listeners[id]; ok {
		delete(f.listeners, id)
		close(ch)
	}
}

// Listeners returns how many listeners are connected to topic.
func (h *Hub) Listeners(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if f, ok := h.feeds[topic]; ok {
		return len(f.listeners)
	}
	return 0
}

func (h *Hub) pump(topic string, msgs <-chan *message.Message) {
	defer h.wg.Done()
	for msg := range msgs {
		h.broadcast(topic, msg)
		msg.Ack()
	}
}

func (h *Hub) broadcast(topic string, msg *message.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	f, ok := h.feeds[topic]
	if !ok {
		return
	}
	for id, ch := range f.listeners {
		select {
		case ch <- msg.Payload:
		default:
			h.logger.Debug("Dropping stream message for slow listener", watermill.LogFields{
				"topic":        topic,
				"listener":     id,
				"message_uuid": msg.UUID,
			})
		}
	}
}

// Close stops all subscriptions, closes every listener channel and closes the
// underlying transport.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	h.cancel()
	err := h.transport.Close()
	h.wg.Wait()

	h.mu.Lock()
	for _, f := range h.feeds {
		for id, ch := range f.listeners {
			delete(f.listeners, id)
			close(ch)
		}
	}
	h.mu.Unlock()
	return err
}
