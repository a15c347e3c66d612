package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Twisside/PAD-breaker/internal/runtime/ids"
	"github.com/Twisside/PAD-breaker/internal/runtime/jsoncodec"
	"github.com/Twisside/PAD-breaker/internal/runtime/logging"
)

// Participant endpoints of the two-phase commit protocol.
const (
	PathPrepare  = "/2pc/prepare"
	PathCommit   = "/2pc/commit"
	PathRollback = "/2pc/rollback"
)

// Phase message types.
const (
	PhasePrepare  = "PREPARE"
	PhaseCommit   = "COMMIT"
	PhaseRollback = "ROLLBACK"
)

// ReasonPartialCommit is reported when the commit phase fails part way.
const ReasonPartialCommit = "partial commit failure"

// TransactionStatus is the final state of a two-phase commit round.
type TransactionStatus string

const (
	TransactionCommitted TransactionStatus = "committed"
	TransactionAborted   TransactionStatus = "aborted"
	TransactionError     TransactionStatus = "error"
)

// TransactionRequest lists the participants, in prepare and commit order, and
// the opaque data every phase message carries.
type TransactionRequest struct {
	Services []string        `json:"services"`
	Data     json.RawMessage `json:"data"`
}

// TransactionResult reports how a round ended. Committed lists the services
// that acknowledged COMMIT, which matters when Status is TransactionError.
type TransactionResult struct {
	Status        TransactionStatus `json:"status"`
	TransactionID string            `json:"transaction_id"`
	Reason        string            `json:"reason,omitempty"`
	Committed     []string          `json:"committed,omitempty"`
	FailedService string            `json:"failed_service,omitempty"`
}

// PhaseMessage is the body POSTed to participants in every phase.
type PhaseMessage struct {
	Type          string          `json:"type"`
	TransactionID string          `json:"transaction_id"`
	Data          json.RawMessage `json:"data"`
}

// TwoPhaseCommit runs a sequential prepare phase followed by a sequential
// commit phase. A failed prepare aborts the round and sends a best-effort
// ROLLBACK to every participant. A failed commit stops the round without any
// rollback; the services already committed stay committed.
//
// Rounds are not persisted. A coordinator crash mid-round leaves participants
// to their own timeouts.
func (b *Broker) TwoPhaseCommit(ctx context.Context, req TransactionRequest) TransactionResult {
	txnID := ids.NewTransactionID()
	ctx, span := b.tracer.Start(ctx, "dispatch.TwoPhaseCommit")
	defer span.End()
	span.SetAttributes(
		attribute.String("padbreaker.transaction_id", txnID),
		attribute.StringSlice("padbreaker.services", req.Services),
	)
	log := b.logger.With(logging.LogFields{"transaction_id": txnID})

	data := req.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}

	result := b.runTransaction(ctx, log, txnID, req.Services, data)
	span.SetAttributes(attribute.String("padbreaker.transaction_status", string(result.Status)))
	if result.Status != TransactionCommitted {
		span.SetStatus(codes.Error, result.Reason)
	}
	if b.metrics != nil {
		b.metrics.RecordTransaction(result.Status)
	}
	return result
}

func (b *Broker) runTransaction(ctx context.Context, log logging.ServiceLogger, txnID string, services []string, data json.RawMessage) TransactionResult {
	log.Debug("Transaction prepare phase", logging.LogFields{"services": services})
	for _, service := range services {
		if err := b.sendPhase(ctx, service, PhasePrepare, PathPrepare, txnID, data); err != nil {
			log.Error("Prepare failed, rolling back", err, logging.LogFields{"service": service})
			b.rollback(ctx, log, services, txnID, data)
			return TransactionResult{
				Status:        TransactionAborted,
				TransactionID: txnID,
				Reason:        err.Error(),
				FailedService: service,
			}
		}
	}

	log.Debug("Transaction commit phase", logging.LogFields{"services": services})
	committed := make([]string, 0, len(services))
	for _, service := range services {
		if err := b.sendPhase(ctx, service, PhaseCommit, PathCommit, txnID, data); err != nil {
			log.Error("Commit failed, transaction is partially committed", err, logging.LogFields{
				"service":   service,
				"committed": committed,
			})
			return TransactionResult{
				Status:        TransactionError,
				TransactionID: txnID,
				Reason:        ReasonPartialCommit,
				Committed:     committed,
				FailedService: service,
			}
		}
		committed = append(committed, service)
	}

	log.Info("Transaction committed", logging.LogFields{"services": services})
	return TransactionResult{
		Status:        TransactionCommitted,
		TransactionID: txnID,
		Committed:     committed,
	}
}

// rollback asks every participant to roll back. Failures are logged only.
func (b *Broker) rollback(ctx context.Context, log logging.ServiceLogger, services []string, txnID string, data json.RawMessage) {
	for _, service := range services {
		if err := b.sendPhase(ctx, service, PhaseRollback, PathRollback, txnID, data); err != nil {
			log.Error("Rollback failed", err, logging.LogFields{"service": service})
		}
	}
}

func (b *Broker) sendPhase(ctx context.Context, service, phase, path, txnID string, data json.RawMessage) error {
	body, err := jsoncodec.Marshal(PhaseMessage{Type: phase, TransactionID: txnID, Data: data})
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", phase, err)
	}
	_, err = b.SendToService(ctx, service, body, path)
	return err
}
