package padbreaker

import (
	"context"

	runtimepkg "github.com/Twisside/PAD-breaker/internal/runtime"
	configpkg "github.com/Twisside/PAD-breaker/internal/runtime/config"
	dispatchpkg "github.com/Twisside/PAD-breaker/internal/runtime/dispatch"
	envelopepkg "github.com/Twisside/PAD-breaker/internal/runtime/envelope"
	errspkg "github.com/Twisside/PAD-breaker/internal/runtime/errors"
	idspkg "github.com/Twisside/PAD-breaker/internal/runtime/ids"
	jsoncodec "github.com/Twisside/PAD-breaker/internal/runtime/jsoncodec"
	loggingpkg "github.com/Twisside/PAD-breaker/internal/runtime/logging"
	registrypkg "github.com/Twisside/PAD-breaker/internal/runtime/registry"
	"github.com/Twisside/PAD-breaker/store"
	"github.com/Twisside/PAD-breaker/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	Registry       = registrypkg.Registry
	RegistryOption = registrypkg.Option
	Instance       = registrypkg.Instance
	Subscription   = registrypkg.Subscription
	ServiceHealth  = registrypkg.ServiceHealth

	Broker             = dispatchpkg.Broker
	BrokerOption       = dispatchpkg.Option
	Outcome            = dispatchpkg.Outcome
	Outcomes           = dispatchpkg.Outcomes
	TransactionRequest = dispatchpkg.TransactionRequest
	TransactionResult  = dispatchpkg.TransactionResult
	PhaseMessage       = dispatchpkg.PhaseMessage

	// Attempt lifecycle hooks
	Hooks          = dispatchpkg.Hooks
	AttemptContext = dispatchpkg.AttemptContext

	// Dispatch metrics
	Metrics         = dispatchpkg.Metrics
	MetricsSnapshot = dispatchpkg.MetricsSnapshot

	Envelope       = envelopepkg.Envelope
	EnvelopeFormat = envelopepkg.Format
	Ingress        = envelopepkg.Ingress

	DurableLog   = store.Log
	TopicMessage = store.TopicMessage
	DeadLetter   = store.DeadLetter
	StoreBuilder = store.Builder

	Transport             = transport.Transport
	TransportBuilder      = transport.Builder
	TransportConfig       = transport.Config
	TransportCapabilities = transport.Capabilities
	StreamHub             = transport.Hub

	DeliveryError         = errspkg.DeliveryError
	ConfigValidationError = errspkg.ConfigValidationError
)

var (
	NewService     = runtimepkg.NewService
	ValidateConfig = configpkg.ValidateConfig

	NewRegistry          = registrypkg.New
	WithFailureThreshold = registrypkg.WithFailureThreshold
	WithCooldown         = registrypkg.WithCooldown

	NewBroker             = dispatchpkg.New
	WithMaxAttempts       = dispatchpkg.WithMaxAttempts
	WithRequestTimeout    = dispatchpkg.WithRequestTimeout
	WithRetryInterval     = dispatchpkg.WithRetryInterval
	WithFanoutConcurrency = dispatchpkg.WithFanoutConcurrency
	WithHTTPClient        = dispatchpkg.WithHTTPClient
	WithBrokerLogger      = dispatchpkg.WithLogger
	WithHooks             = dispatchpkg.WithHooks
	WithMetrics           = dispatchpkg.WithMetrics
	WithTracerProvider    = dispatchpkg.WithTracerProvider
	LoggingHooks          = dispatchpkg.LoggingHooks
	MetricsHooks          = dispatchpkg.MetricsHooks
	NewMetrics            = dispatchpkg.NewMetrics

	ResolveEnvelope = envelopepkg.Resolve

	// Durable log backends. Import store/stores (or a single backend package)
	// to register them.
	RegisterStore = store.Register
	BuildStore    = store.Build

	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	BuildTransport           = transport.Build

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal

	ErrConfigRequired      = errspkg.ErrConfigRequired
	ErrLoggerRequired      = errspkg.ErrLoggerRequired
	ErrTopicRequired       = errspkg.ErrTopicRequired
	ErrServiceNameRequired = errspkg.ErrServiceNameRequired
	ErrServiceUnavailable  = errspkg.ErrServiceUnavailable
	ErrDeliveryFailed      = errspkg.ErrDeliveryFailed
	IsServiceUnavailable   = errspkg.IsServiceUnavailable
	IsDeliveryFailed       = errspkg.IsDeliveryFailed

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewLogrusServiceLogger    = loggingpkg.NewLogrusServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewNopLogger              = loggingpkg.NewNopLogger

	CreateULID       = idspkg.CreateULID
	NewCorrelationID = idspkg.NewCorrelationID
	NewTransactionID = idspkg.NewTransactionID
)

const (
	FormatJSON     = envelopepkg.FormatJSON
	FormatProtobuf = envelopepkg.FormatProtobuf

	OutcomeFulfilled = dispatchpkg.StatusFulfilled
	OutcomeRejected  = dispatchpkg.StatusRejected

	TransactionCommitted = dispatchpkg.TransactionCommitted
	TransactionAborted   = dispatchpkg.TransactionAborted
	TransactionError     = dispatchpkg.TransactionError
)

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}

// Run builds a Service from conf and serves until ctx is cancelled.
func Run(ctx context.Context, conf *Config, log ServiceLogger) error {
	svc, err := NewService(ctx, conf, log, ServiceDependencies{})
	if err != nil {
		return err
	}
	return svc.Start(ctx)
}
