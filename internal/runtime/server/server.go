// Package server is the broker's HTTP ingress. It decodes requests, hands them
// to the dispatch engine and renders the results; it holds no broker state.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Twisside/PAD-breaker/internal/runtime/dispatch"
	"github.com/Twisside/PAD-breaker/internal/runtime/envelope"
	errs "github.com/Twisside/PAD-breaker/internal/runtime/errors"
	"github.com/Twisside/PAD-breaker/internal/runtime/jsoncodec"
	"github.com/Twisside/PAD-breaker/internal/runtime/logging"
	"github.com/Twisside/PAD-breaker/internal/runtime/registry"
	"github.com/Twisside/PAD-breaker/store"
)

// Listener opens a live feed of the envelopes published on a topic.
// *transport.Hub implements it.
type Listener interface {
	Listen(ctx context.Context, topic string) (<-chan []byte, error)
}

// Options holds the collaborators of a Server. Broker, Registry and Log are
// required.
type Options struct {
	Broker   *dispatch.Broker
	Registry *registry.Registry
	Log      store.Log
	// Stream enables GET /stream/:topic when set.
	Stream Listener
	// Gatherer enables GET /metrics when set.
	Gatherer prometheus.Gatherer
	Logger   logging.ServiceLogger
}

// Server is the echo-based HTTP adapter.
type Server struct {
	echo     *echo.Echo
	broker   *dispatch.Broker
	registry *registry.Registry
	log      store.Log
	stream   Listener
	logger   logging.ServiceLogger
}

// RegisterRequest is the body of POST /register.
type RegisterRequest struct {
	ServiceName string `json:"serviceName"`
	URL         string `json:"url"`
	HealthURL   string `json:"healthURL"`
}

// SubscribeRequest is the body of POST /subscribe/:topic.
type SubscribeRequest struct {
	Service  string `json:"service"`
	Endpoint string `json:"endpoint"`
}

// PublishResponse is the body of a successful POST /publish/:topic.
type PublishResponse struct {
	Status        string            `json:"status"`
	Format        string            `json:"format"`
	CorrelationID string            `json:"correlation_id"`
	Details       dispatch.Outcomes `json:"details"`
}

// New builds the echo instance and registers every route.
func New(opts Options) (*Server, error) {
	if opts.Broker == nil {
		return nil, errors.New("server: broker is required")
	}
	if opts.Registry == nil {
		return nil, errs.ErrRegistryRequired
	}
	if opts.Log == nil {
		return nil, errs.ErrLogRequired
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}

	s := &Server{
		echo:     echo.New(),
		broker:   opts.Broker,
		registry: opts.Registry,
		log:      opts.Log,
		stream:   opts.Stream,
		logger:   opts.Logger,
	}

	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = jsonSerializer{}
	e.HTTPErrorHandler = newErrorHandler(s.logger)
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug("HTTP request", logging.LogFields{
				"method":     v.Method,
				"uri":        v.URI,
				"status":     v.Status,
				"latency_ms": v.Latency.Milliseconds(),
			})
			return nil
		},
	}))

	e.GET("/", s.root)
	e.GET("/health", s.health)
	e.GET("/topics", s.listTopics)
	e.GET("/topics/:topic/messages", s.listTopicMessages)
	e.GET("/dlc", s.listDeadLetters)
	e.GET("/services", s.services)
	e.POST("/register", s.register)
	e.POST("/subscribe/:topic", s.subscribe)
	e.POST("/publish/:topic", s.publish)
	e.POST("/send/:service", s.send)
	e.POST("/transaction", s.transaction)
	if s.stream != nil {
		e.GET("/stream/:topic", s.streamTopic)
	}
	if opts.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}
	return s, nil
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr until Shutdown. It returns http.ErrServerClosed after
// a graceful shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info("Starting HTTP server", logging.LogFields{"addr": addr})
	return s.echo.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) bind(c echo.Context, v any) error {
	return s.echo.JSONSerializer.Deserialize(c, v)
}

// root (GET /) reports that the broker is up and which ingress formats it
// accepts.
func (s *Server) root(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "Online",
		"protocols": []string{envelope.FormatJSON.String(), envelope.FormatProtobuf.String()},
	})
}

// health (GET /health) summarises instance health per service.
func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":   "ok",
		"services": s.registry.HealthyCount(),
	})
}

func (s *Server) listTopics(c echo.Context) error {
	topics, err := s.log.ListTopics(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, topics)
}

func (s *Server) listTopicMessages(c echo.Context) error {
	msgs, err := s.log.ListTopicMessages(c.Request().Context(), c.Param("topic"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, msgs)
}

func (s *Server) listDeadLetters(c echo.Context) error {
	dls, err := s.log.ListDeadLetters(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, dls)
}

func (s *Server) services(c echo.Context) error {
	return c.JSON(http.StatusOK, s.registry.Snapshot())
}

// register (POST /register) adds an instance to a service pool. Registering
// the same URL twice is a no-op.
func (s *Server) register(c echo.Context) error {
	var req RegisterRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	if req.ServiceName == "" {
		return errs.ErrServiceNameRequired
	}
	if req.URL == "" {
		return errs.ErrInstanceURLRequired
	}
	s.registry.Register(req.ServiceName, req.URL, req.HealthURL)
	return c.String(http.StatusOK, "Registered")
}

func (s *Server) subscribe(c echo.Context) error {
	var req SubscribeRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}
	if req.Service == "" {
		return errs.ErrServiceNameRequired
	}
	s.registry.Subscribe(req.Service, c.Param("topic"), req.Endpoint)
	return c.JSON(http.StatusOK, map[string]string{"status": "subscribed"})
}

// publish (POST /publish/:topic) accepts a JSON envelope or, with
// Content-Type application/x-protobuf, a broker.MessageEnvelope.
func (s *Server) publish(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read body").SetInternal(err)
	}

	format := envelope.FormatFromContentType(c.Request().Header.Get(echo.HeaderContentType))
	env, err := envelope.Resolve(envelope.Ingress{Format: format, Body: body})
	if err != nil {
		return err
	}

	outcomes, err := s.broker.PublishToTopic(c.Request().Context(), c.Param("topic"), env)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, PublishResponse{
		Status:        "Published",
		Format:        format.String(),
		CorrelationID: env.CorrelationID,
		Details:       outcomes,
	})
}

// send (POST /send/:service?path=) forwards the body to one instance of the
// service and relays its response.
func (s *Server) send(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read body").SetInternal(err)
	}

	resp, err := s.broker.SendToService(c.Request().Context(), c.Param("service"), body, c.QueryParam("path"))
	if err != nil {
		return err
	}
	if len(resp) == 0 {
		return c.NoContent(http.StatusOK)
	}
	if jsoncodec.Valid(resp) {
		return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, resp)
	}
	return c.Blob(http.StatusOK, echo.MIMETextPlainCharsetUTF8, resp)
}

// transaction (POST /transaction) runs a two-phase commit round. The status
// code mirrors the outcome: 200 committed, 409 aborted, 500 error.
func (s *Server) transaction(c echo.Context) error {
	var req dispatch.TransactionRequest
	if err := s.bind(c, &req); err != nil {
		return err
	}

	result := s.broker.TwoPhaseCommit(c.Request().Context(), req)
	status := http.StatusOK
	switch result.Status {
	case dispatch.TransactionAborted:
		status = http.StatusConflict
	case dispatch.TransactionError:
		status = http.StatusInternalServerError
	}
	return c.JSON(status, result)
}
