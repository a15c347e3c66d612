package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProberReportsFailuresAndSuccesses(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := New()
	r.Register("orders", "http://orders-1", srv.URL+"/health")
	r.Register("orders", "http://orders-2", "")
	p := NewProber(r, srv.Client(), time.Minute, time.Second, nil)

	for i := 0; i < DefaultFailureThreshold; i++ {
		p.ProbeOnce(context.Background())
	}
	pool := r.Services()["orders"]
	assert.False(t, pool[0].Healthy, "probe failures trip the breaker")
	assert.True(t, pool[1].Healthy, "instances without a health url are not probed")

	healthy.Store(true)
	p.ProbeOnce(context.Background())
	assert.True(t, r.Services()["orders"][0].Healthy)
	assert.Zero(t, r.Services()["orders"][0].ConsecutiveFailures)
}

func TestProberUnreachableHealthURL(t *testing.T) {
	r := New(WithFailureThreshold(1))
	r.Register("orders", "http://orders-1", "http://127.0.0.1:1/health")
	p := NewProber(r, nil, time.Minute, 200*time.Millisecond, nil)

	p.ProbeOnce(context.Background())

	assert.False(t, r.Services()["orders"][0].Healthy)
}

func TestProberRunStopsOnCancel(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	r := New()
	r.Register("orders", "http://orders-1", srv.URL)
	p := NewProber(r, srv.Client(), 10*time.Millisecond, time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return hits.Load() > 0 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("prober did not stop")
	}
}

func TestProberRejectsNonPositiveInterval(t *testing.T) {
	p := NewProber(New(), nil, 0, 0, nil)
	assert.Error(t, p.Run(context.Background()))
}
