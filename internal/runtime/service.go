package runtime

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	configpkg "github.com/Twisside/PAD-breaker/internal/runtime/config"
	"github.com/Twisside/PAD-breaker/internal/runtime/dispatch"
	errspkg "github.com/Twisside/PAD-breaker/internal/runtime/errors"
	loggingpkg "github.com/Twisside/PAD-breaker/internal/runtime/logging"
	"github.com/Twisside/PAD-breaker/internal/runtime/registry"
	"github.com/Twisside/PAD-breaker/internal/runtime/server"
	"github.com/Twisside/PAD-breaker/store"
	_ "github.com/Twisside/PAD-breaker/store/stores"
	"github.com/Twisside/PAD-breaker/transport"
	_ "github.com/Twisside/PAD-breaker/transport/transports"
)

// ShutdownTimeout bounds the graceful stop of the HTTP adapter.
const ShutdownTimeout = 10 * time.Second

// ServiceDependencies holds optional collaborators. Leave fields nil to build
// them from the configuration.
type ServiceDependencies struct {
	// Log replaces the durable log selected by Config.StoreBackend.
	Log store.Log
	// Transport replaces the stream transport selected by
	// Config.StreamTransport.
	Transport *transport.Transport
	// HTTPClient is used for deliveries and health probes.
	HTTPClient *http.Client
	// MetricsRegistry receives the dispatch collectors when metrics are
	// enabled. A fresh registry with Go runtime collectors is used when nil.
	MetricsRegistry *prometheus.Registry
	Hooks           dispatch.Hooks
	TracerProvider  trace.TracerProvider
}

// Service wires the registry, durable log, stream hub, dispatch engine and
// HTTP adapter of one broker process.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	Registry *registry.Registry
	Log      store.Log
	Hub      *transport.Hub
	Broker   *dispatch.Broker
	Server   *server.Server
	Metrics  *dispatch.Metrics

	// StreamCapabilities describes what live listeners can expect from the
	// configured stream transport.
	StreamCapabilities transport.Capabilities

	prober    *registry.Prober
	closeOnce sync.Once
	closeErr  error
}

// NewService validates conf and builds every component. Resources opened
// before a failure are released.
func NewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	c := conf.WithDefaults()
	if err := c.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	log.Info("Creating broker service", loggingpkg.LogFields{
		"store":     c.StoreBackend,
		"stream":    c.StreamTransport,
		"http_addr": c.HTTPAddress,
		"config":    c,
	})

	s := &Service{Conf: &c, Logger: log}

	s.Registry = registry.New(
		registry.WithFailureThreshold(c.FailureThreshold),
		registry.WithCooldown(c.Cooldown),
		registry.WithLogger(log.With(loggingpkg.LogFields{"component": "registry"})),
	)
	if c.HealthCheckInterval > 0 {
		s.prober = registry.NewProber(s.Registry, deps.HTTPClient, c.HealthCheckInterval, c.HealthCheckTimeout, log)
	}

	if deps.Log != nil {
		s.Log = deps.Log
	} else {
		l, err := store.Build(ctx, &c)
		if err != nil {
			return nil, err
		}
		s.Log = l
	}

	wmLogger := loggingpkg.NewWatermillAdapter(log.With(loggingpkg.LogFields{"component": "stream"}))
	var t transport.Transport
	if deps.Transport != nil {
		t = *deps.Transport
	} else {
		built, err := transport.Build(ctx, &c, wmLogger)
		if err != nil {
			_ = s.Log.Close()
			return nil, err
		}
		t = built
	}
	s.Hub = transport.NewHub(t, wmLogger)
	s.StreamCapabilities = transport.GetCapabilities(c.StreamTransport)
	log.Debug("Stream transport ready", loggingpkg.LogFields{
		"transport":     s.StreamCapabilities.Name,
		"cross_process": s.StreamCapabilities.CrossProcess,
		"live_only":     s.StreamCapabilities.LiveOnly(),
	})

	if err := s.buildDispatch(&c, log, deps); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) buildDispatch(c *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) error {
	opts := []dispatch.Option{
		dispatch.WithMaxAttempts(c.MaxAttempts),
		dispatch.WithRequestTimeout(c.RequestTimeout),
		dispatch.WithRetryInterval(c.RetryInterval),
		dispatch.WithFanoutConcurrency(c.FanoutConcurrency),
		dispatch.WithHTTPClient(deps.HTTPClient),
		dispatch.WithLogger(log.With(loggingpkg.LogFields{"component": "dispatch"})),
		dispatch.WithStream(s.Hub),
		dispatch.WithHooks(deps.Hooks),
		dispatch.WithTracerProvider(deps.TracerProvider),
	}

	var gatherer prometheus.Gatherer
	if c.MetricsEnabled {
		promReg := deps.MetricsRegistry
		if promReg == nil {
			promReg = prometheus.NewRegistry()
			promReg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
		}
		s.Metrics = dispatch.NewMetrics(promReg)
		if err := s.Metrics.Register(); err != nil {
			return err
		}
		opts = append(opts, dispatch.WithMetrics(s.Metrics))
		gatherer = promReg
	}

	broker, err := dispatch.New(s.Registry, s.Log, opts...)
	if err != nil {
		return err
	}
	s.Broker = broker

	srv, err := server.New(server.Options{
		Broker:   broker,
		Registry: s.Registry,
		Log:      s.Log,
		Stream:   s.Hub,
		Gatherer: gatherer,
		Logger:   log.With(loggingpkg.LogFields{"component": "http"}),
	})
	if err != nil {
		return err
	}
	s.Server = srv
	return nil
}

// Start serves HTTP and runs the health prober until ctx is cancelled or the
// listener fails, then shuts down gracefully and releases every resource.
func (s *Service) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if s.prober != nil {
		g.Go(func() error {
			return s.prober.Run(ctx)
		})
	}
	g.Go(func() error {
		if err := s.Server.Start(s.Conf.HTTPAddress); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.Logger.Info("Shutting down broker service", nil)
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
		defer cancel()
		return s.Server.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if closeErr := s.Close(); err == nil {
		err = closeErr
	}
	return err
}

// Close releases the stream hub and the durable log. It is safe to call more
// than once.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.Hub != nil {
			errs = append(errs, s.Hub.Close())
		}
		if s.Log != nil {
			errs = append(errs, s.Log.Close())
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
