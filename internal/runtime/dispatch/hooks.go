package dispatch

import (
	"time"

	"github.com/Twisside/PAD-breaker/internal/runtime/logging"
)

// AttemptContext describes one outbound call to a service instance.
type AttemptContext struct {
	// Service is the logical target service.
	Service string
	// Instance is the base URL of the selected instance.
	Instance string
	// URL is the full URL the payload was POSTed to.
	URL string
	// Attempt counts from 1 up to the broker's attempt budget.
	Attempt int
	// StartedAt is when the call was issued.
	StartedAt time.Time
	// Duration is only set in OnAttemptDone and OnAttemptError.
	Duration time.Duration
	// Tripped reports whether this failure opened the instance's breaker.
	Tripped bool
}

// Hooks are optional callbacks around every outbound attempt. Nil hooks are
// skipped.
type Hooks struct {
	OnAttemptStart func(ctx AttemptContext)
	OnAttemptDone  func(ctx AttemptContext)
	OnAttemptError func(ctx AttemptContext, err error)
	// OnDeadLetter runs after a dead letter was recorded (or failed to be).
	OnDeadLetter func(service, reason string)
}

// Merge returns hooks that call h first and then other.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnAttemptStart: chainAttempt(h.OnAttemptStart, other.OnAttemptStart),
		OnAttemptDone:  chainAttempt(h.OnAttemptDone, other.OnAttemptDone),
		OnAttemptError: chainAttemptError(h.OnAttemptError, other.OnAttemptError),
		OnDeadLetter:   chainDeadLetter(h.OnDeadLetter, other.OnDeadLetter),
	}
}

func chainAttempt(a, b func(AttemptContext)) func(AttemptContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx AttemptContext) {
		a(ctx)
		b(ctx)
	}
}

func chainAttemptError(a, b func(AttemptContext, error)) func(AttemptContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx AttemptContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

func chainDeadLetter(a, b func(string, string)) func(string, string) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(service, reason string) {
		a(service, reason)
		b(service, reason)
	}
}

func (h Hooks) attemptStart(ctx AttemptContext) {
	if h.OnAttemptStart != nil {
		h.OnAttemptStart(ctx)
	}
}

func (h Hooks) attemptDone(ctx AttemptContext) {
	if h.OnAttemptDone != nil {
		h.OnAttemptDone(ctx)
	}
}

func (h Hooks) attemptError(ctx AttemptContext, err error) {
	if h.OnAttemptError != nil {
		h.OnAttemptError(ctx, err)
	}
}

func (h Hooks) deadLetter(service, reason string) {
	if h.OnDeadLetter != nil {
		h.OnDeadLetter(service, reason)
	}
}

// LoggingHooks logs attempt failures at error level and successes at debug.
func LoggingHooks(log logging.ServiceLogger) Hooks {
	return Hooks{
		OnAttemptDone: func(ctx AttemptContext) {
			log.Debug("Delivery succeeded", logging.LogFields{
				"service":     ctx.Service,
				"url":         ctx.URL,
				"attempt":     ctx.Attempt,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnAttemptError: func(ctx AttemptContext, err error) {
			log.Error("Delivery attempt failed", err, logging.LogFields{
				"service":     ctx.Service,
				"url":         ctx.URL,
				"attempt":     ctx.Attempt,
				"duration_ms": ctx.Duration.Milliseconds(),
				"tripped":     ctx.Tripped,
			})
		},
	}
}

// MetricsHooks feeds attempt outcomes into m.
func MetricsHooks(m *Metrics) Hooks {
	return Hooks{
		OnAttemptDone: func(ctx AttemptContext) {
			m.RecordAttempt(ctx.Service, true, ctx.Duration)
		},
		OnAttemptError: func(ctx AttemptContext, err error) {
			m.RecordAttempt(ctx.Service, false, ctx.Duration)
			if ctx.Tripped {
				m.RecordBreakerTrip(ctx.Service)
			}
		},
		OnDeadLetter: m.RecordDeadLetter,
	}
}
