package runtime

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/Twisside/PAD-breaker/internal/runtime/config"
	"github.com/Twisside/PAD-breaker/internal/runtime/dispatch"
	errspkg "github.com/Twisside/PAD-breaker/internal/runtime/errors"
	loggingpkg "github.com/Twisside/PAD-breaker/internal/runtime/logging"
	"github.com/Twisside/PAD-breaker/store/memory"
	"github.com/Twisside/PAD-breaker/transport"
)

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

func memoryConfig() *configpkg.Config {
	return &configpkg.Config{
		HTTPAddress:     "127.0.0.1:0",
		StoreBackend:    "memory",
		StreamTransport: "channel",
		MaxAttempts:     1,
	}
}

func newTestService(t *testing.T, conf *configpkg.Config, deps ServiceDependencies) *Service {
	t.Helper()
	svc, err := NewService(context.Background(), conf, newTestLogger(), deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func serve(t *testing.T, svc *Service, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	svc.Server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewServiceRequiresConfigAndLogger(t *testing.T) {
	_, err := NewService(context.Background(), nil, newTestLogger(), ServiceDependencies{})
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)

	_, err = NewService(context.Background(), memoryConfig(), nil, ServiceDependencies{})
	assert.ErrorIs(t, err, errspkg.ErrLoggerRequired)
}

func TestNewServiceRejectsInvalidConfig(t *testing.T) {
	conf := memoryConfig()
	conf.StreamTransport = "kafka"
	conf.MaxAttempts = -1

	_, err := NewService(context.Background(), conf, newTestLogger(), ServiceDependencies{})

	require.Error(t, err)
	var cfgErr errspkg.ConfigValidationError
	assert.True(t, errors.As(err, &cfgErr))
	assert.Contains(t, err.Error(), "kafka: brokers are required")
	assert.Contains(t, err.Error(), "max attempts cannot be negative")
}

func TestNewServiceUnknownBackends(t *testing.T) {
	conf := memoryConfig()
	conf.StoreBackend = "tape"
	_, err := NewService(context.Background(), conf, newTestLogger(), ServiceDependencies{})
	assert.Error(t, err)

	conf = memoryConfig()
	conf.StreamTransport = "pigeon"
	_, err = NewService(context.Background(), conf, newTestLogger(), ServiceDependencies{})
	assert.Error(t, err)
}

func TestNewServiceAppliesDefaults(t *testing.T) {
	svc := newTestService(t, &configpkg.Config{
		StoreBackend: "file",
		StoreFile:    filepath.Join(t.TempDir(), "log.jsonl"),
	}, ServiceDependencies{})

	assert.Equal(t, configpkg.DefaultHTTPAddress, svc.Conf.HTTPAddress)
	assert.Equal(t, configpkg.DefaultStreamTransport, svc.Conf.StreamTransport)
	assert.Equal(t, configpkg.DefaultMaxAttempts, svc.Conf.MaxAttempts)
	assert.Nil(t, svc.Metrics)
	assert.Nil(t, svc.prober)
	assert.Equal(t, "channel", svc.StreamCapabilities.Name)
	assert.True(t, svc.StreamCapabilities.LiveOnly())
}

func TestServiceUsesInjectedLog(t *testing.T) {
	log := memory.New()
	svc := newTestService(t, memoryConfig(), ServiceDependencies{Log: log})

	rec := serve(t, svc, http.MethodPost, "/publish/news", `{"msg":"hello"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	msgs, err := log.ListTopicMessages(context.Background(), "news")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestServiceSendAndDeadLetter(t *testing.T) {
	svc := newTestService(t, memoryConfig(), ServiceDependencies{})

	var gotPath string
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(downstream.Close)

	rec := serve(t, svc, http.MethodPost, "/register", `{"serviceName":"orders","url":"`+downstream.URL+`"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = serve(t, svc, http.MethodPost, "/send/orders?path=/orders", `{"id":1}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
	assert.Equal(t, "/orders", gotPath)

	rec = serve(t, svc, http.MethodPost, "/send/billing", `{"id":1}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	dls, err := svc.Log.ListDeadLetters(context.Background())
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, "no healthy instances for billing", dls[0].FailureReason)
}

func TestServiceStreamsPublishedEnvelopes(t *testing.T) {
	svc := newTestService(t, memoryConfig(), ServiceDependencies{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	feed, err := svc.Hub.Listen(ctx, "news")
	require.NoError(t, err)

	rec := serve(t, svc, http.MethodPost, "/publish/news", `{"msg":"breaking","correlation_id":"c-1"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	select {
	case payload := <-feed:
		assert.Contains(t, string(payload), "breaking")
		assert.Contains(t, string(payload), "c-1")
	case <-time.After(5 * time.Second):
		t.Fatal("published envelope was not streamed")
	}
}

func TestServiceMetricsEndpoint(t *testing.T) {
	conf := memoryConfig()
	conf.MetricsEnabled = true
	svc := newTestService(t, conf, ServiceDependencies{})
	require.NotNil(t, svc.Metrics)

	rec := serve(t, svc, http.MethodPost, "/send/ghost", `"x"`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = serve(t, svc, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "padbreaker_dispatch_dead_letters_total")
	assert.Contains(t, body, "go_goroutines")
}

func TestServiceHooks(t *testing.T) {
	var deadLetters []string
	svc := newTestService(t, memoryConfig(), ServiceDependencies{
		Hooks: dispatch.Hooks{
			OnDeadLetter: func(service, reason string) {
				deadLetters = append(deadLetters, service+": "+reason)
			},
		},
	})

	serve(t, svc, http.MethodPost, "/send/ghost", `"x"`)

	assert.Equal(t, []string{"ghost: no healthy instances for ghost"}, deadLetters)
}

func TestServiceStartStopsOnCancel(t *testing.T) {
	conf := memoryConfig()
	conf.HealthCheckInterval = 10 * time.Millisecond
	svc := newTestService(t, conf, ServiceDependencies{})
	require.NotNil(t, svc.prober)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}

	assert.NoError(t, svc.Close())
	_, err := svc.Hub.Listen(context.Background(), "news")
	assert.ErrorIs(t, err, transport.ErrHubClosed)
}
