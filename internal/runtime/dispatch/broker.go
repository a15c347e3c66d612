// Package dispatch is the broker's dispatch engine: point-to-point delivery
// with bounded retries, topic fan-out and a simplified two-phase commit
// coordinator. It holds no routing state of its own; every selection and every
// health report goes through the shared registry.
package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	errs "github.com/Twisside/PAD-breaker/internal/runtime/errors"
	"github.com/Twisside/PAD-breaker/internal/runtime/jsoncodec"
	"github.com/Twisside/PAD-breaker/internal/runtime/logging"
	"github.com/Twisside/PAD-breaker/internal/runtime/registry"
	"github.com/Twisside/PAD-breaker/store"
)

const (
	DefaultMaxAttempts    = 3
	DefaultRequestTimeout = 5 * time.Second

	// maxResponseSize bounds how much of a downstream response is kept.
	maxResponseSize = 8 << 20

	tracerName = "github.com/Twisside/PAD-breaker/internal/runtime/dispatch"
)

// Streamer receives every persisted topic envelope for live subscribers.
// *transport.Hub implements it.
type Streamer interface {
	Publish(topic string, payload []byte, correlationID string) error
}

// StatusError is returned for a downstream response outside the 2xx range.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// Broker delivers payloads to registered services.
type Broker struct {
	registry *registry.Registry
	log      store.Log
	client   *http.Client
	logger   logging.ServiceLogger
	stream   Streamer
	metrics  *Metrics
	hooks    Hooks
	tracer   trace.Tracer

	maxAttempts    int
	requestTimeout time.Duration
	retryInterval  time.Duration
	fanoutLimit    int
}

// Option customises a Broker.
type Option func(*Broker)

// WithMaxAttempts sets the per-delivery attempt budget, first try included.
func WithMaxAttempts(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.maxAttempts = n
		}
	}
}

// WithRequestTimeout bounds every single outbound call.
func WithRequestTimeout(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.requestTimeout = d
		}
	}
}

// WithRetryInterval pauses between attempts of the same delivery.
func WithRetryInterval(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.retryInterval = d
		}
	}
}

// WithFanoutConcurrency caps concurrent subscriber deliveries of one publish.
func WithFanoutConcurrency(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.fanoutLimit = n
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(b *Broker) {
		if c != nil {
			b.client = c
		}
	}
}

func WithLogger(log logging.ServiceLogger) Option {
	return func(b *Broker) {
		if log != nil {
			b.logger = log
		}
	}
}

// WithStream forwards every persisted topic envelope to s.
func WithStream(s Streamer) Option {
	return func(b *Broker) {
		b.stream = s
	}
}

// WithMetrics records attempts, dead letters, fan-out outcomes and
// transactions into m.
func WithMetrics(m *Metrics) Option {
	return func(b *Broker) {
		if m != nil {
			b.metrics = m
			b.hooks = b.hooks.Merge(MetricsHooks(m))
		}
	}
}

// WithHooks adds attempt lifecycle callbacks. Repeated calls accumulate.
func WithHooks(h Hooks) Option {
	return func(b *Broker) {
		b.hooks = b.hooks.Merge(h)
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(b *Broker) {
		if tp != nil {
			b.tracer = tp.Tracer(tracerName)
		}
	}
}

// New creates a Broker bound to reg and log.
func New(reg *registry.Registry, log store.Log, opts ...Option) (*Broker, error) {
	if reg == nil {
		return nil, errs.ErrRegistryRequired
	}
	if log == nil {
		return nil, errs.ErrLogRequired
	}
	b := &Broker{
		registry:       reg,
		log:            log,
		client:         &http.Client{},
		logger:         logging.NewNopLogger(),
		tracer:         otel.Tracer(tracerName),
		maxAttempts:    DefaultMaxAttempts,
		requestTimeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.hooks = LoggingHooks(b.logger).Merge(b.hooks)
	return b, nil
}

// JoinURL appends path to an instance base URL with exactly one slash between
// them.
func JoinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

// SendToService POSTs payload to path on an instance of service and returns
// the response body. Failed attempts are retried against the next selected
// instance until the attempt budget is spent. Every unrecoverable failure is
// recorded as exactly one dead letter before the error is returned.
//
// The attempt cycle ignores cancellation of ctx; only the per-call timeout
// bounds it.
func (b *Broker) SendToService(ctx context.Context, service string, payload []byte, path string) ([]byte, error) {
	if service == "" {
		return nil, errs.ErrServiceNameRequired
	}
	ctx = context.WithoutCancel(ctx)
	ctx, span := b.tracer.Start(ctx, "dispatch.SendToService",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("padbreaker.service", service),
			attribute.String("padbreaker.path", path),
		),
	)
	defer span.End()

	body, err := jsoncodec.Payload(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= b.maxAttempts; attempt++ {
		ref, inst, ok := b.registry.Select(service)
		if !ok {
			b.deadLetter(ctx, service, body, "no healthy instances for "+service)
			err := errs.NewServiceUnavailable(service, attempt-1)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		resp, err := b.attempt(ctx, ref, inst, path, body, attempt)
		if err == nil {
			span.SetAttributes(attribute.Int("padbreaker.attempts", attempt))
			return resp, nil
		}
		lastErr = err

		if attempt < b.maxAttempts && b.retryInterval > 0 {
			time.Sleep(b.retryInterval)
		}
	}

	b.deadLetter(ctx, service, body, "max retries reached for "+service)
	err = errs.NewDeliveryFailed(service, b.maxAttempts, lastErr)
	span.SetAttributes(attribute.Int("padbreaker.attempts", b.maxAttempts))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return nil, err
}

func (b *Broker) attempt(ctx context.Context, ref registry.InstanceRef, inst registry.Instance, path string, body []byte, n int) ([]byte, error) {
	actx := AttemptContext{
		Service:   ref.Service,
		Instance:  inst.URL,
		URL:       JoinURL(inst.URL, path),
		Attempt:   n,
		StartedAt: time.Now(),
	}
	b.hooks.attemptStart(actx)

	resp, err := b.post(ctx, actx.URL, body)
	actx.Duration = time.Since(actx.StartedAt)
	if err != nil {
		actx.Tripped = b.registry.ReportFailure(ref)
		b.hooks.attemptError(actx, err)
		return nil, err
	}

	b.registry.ReportSuccess(ref)
	b.hooks.attemptDone(actx)
	return resp, nil
}

func (b *Broker) post(ctx context.Context, url string, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, b.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	return respBody, nil
}

// deadLetter records payload as undeliverable. A failing write is logged and
// otherwise ignored.
func (b *Broker) deadLetter(ctx context.Context, service string, payload []byte, reason string) {
	if err := b.log.AppendDeadLetter(ctx, payload, reason); err != nil {
		b.logger.Error("Failed to record dead letter", err, logging.LogFields{
			"service": service,
			"reason":  reason,
		})
	} else {
		b.logger.Info("Delivery dead-lettered", logging.LogFields{
			"service": service,
			"reason":  reason,
		})
	}
	b.hooks.deadLetter(service, reason)
}
