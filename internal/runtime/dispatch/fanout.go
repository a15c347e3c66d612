package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/Twisside/PAD-breaker/internal/runtime/envelope"
	errs "github.com/Twisside/PAD-breaker/internal/runtime/errors"
	"github.com/Twisside/PAD-breaker/internal/runtime/jsoncodec"
	"github.com/Twisside/PAD-breaker/internal/runtime/logging"
)

// OutcomeStatus tells whether one subscriber delivery succeeded.
type OutcomeStatus string

const (
	StatusFulfilled OutcomeStatus = "fulfilled"
	StatusRejected  OutcomeStatus = "rejected"
)

// Outcome is the settled result of one subscriber delivery.
type Outcome struct {
	Service  string          `json:"service"`
	Endpoint string          `json:"endpoint"`
	Status   OutcomeStatus   `json:"status"`
	Value    json.RawMessage `json:"value,omitempty"`
	Reason   string          `json:"reason,omitempty"`
}

// Outcomes lists subscriber results in subscription order.
type Outcomes []Outcome

// Failed counts rejected deliveries. A non-zero count is a partial fan-out
// failure, reported as data rather than as an error.
func (o Outcomes) Failed() int {
	n := 0
	for _, outcome := range o {
		if outcome.Status == StatusRejected {
			n++
		}
	}
	return n
}

// PublishToTopic persists env under topic and then delivers it to every
// subscriber concurrently. The returned error is non-nil only when nothing
// was attempted; individual delivery failures are reported in the outcomes.
func (b *Broker) PublishToTopic(ctx context.Context, topic string, env envelope.Envelope) (Outcomes, error) {
	if topic == "" {
		return nil, errs.ErrTopicRequired
	}
	ctx, span := b.tracer.Start(ctx, "dispatch.PublishToTopic")
	defer span.End()

	env = env.Normalize()
	span.SetAttributes(
		attribute.String("padbreaker.topic", topic),
		attribute.String("padbreaker.correlation_id", env.CorrelationID),
	)

	payload, err := env.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	if err := b.log.AppendToTopic(ctx, topic, payload); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		return nil, fmt.Errorf("failed to persist message on topic %s: %w", topic, err)
	}

	if b.stream != nil {
		if err := b.stream.Publish(topic, payload, env.CorrelationID); err != nil {
			b.logger.Error("Failed to stream published message", err, logging.LogFields{
				"topic":          topic,
				"correlation_id": env.CorrelationID,
			})
		}
	}

	subscribers := b.registry.Subscribers(topic)
	outcomes := make(Outcomes, len(subscribers))
	if len(subscribers) == 0 {
		b.logger.Debug("No subscribers for topic", logging.LogFields{"topic": topic})
		return outcomes, nil
	}

	var g errgroup.Group
	if b.fanoutLimit > 0 {
		g.SetLimit(b.fanoutLimit)
	}
	for i, sub := range subscribers {
		g.Go(func() error {
			outcome := Outcome{Service: sub.Service, Endpoint: sub.Endpoint}
			resp, err := b.SendToService(ctx, sub.Service, payload, sub.Endpoint)
			if err != nil {
				outcome.Status = StatusRejected
				outcome.Reason = err.Error()
			} else {
				outcome.Status = StatusFulfilled
				outcome.Value = responseValue(resp)
			}
			outcomes[i] = outcome
			return nil
		})
	}
	_ = g.Wait()

	failed := outcomes.Failed()
	span.SetAttributes(
		attribute.Int("padbreaker.subscribers", len(outcomes)),
		attribute.Int("padbreaker.failed", failed),
	)
	if b.metrics != nil {
		b.metrics.RecordFanout(topic, outcomes)
	}
	b.logger.Info("Published to topic", logging.LogFields{
		"topic":          topic,
		"correlation_id": env.CorrelationID,
		"subscribers":    len(outcomes),
		"failed":         failed,
	})
	return outcomes, nil
}

// responseValue keeps JSON responses as they are and wraps anything else in a
// JSON string.
func responseValue(resp []byte) json.RawMessage {
	if len(resp) == 0 {
		return nil
	}
	v, err := jsoncodec.Payload(resp)
	if err != nil {
		return nil
	}
	return v
}
