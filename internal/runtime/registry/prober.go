package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Twisside/PAD-breaker/internal/runtime/logging"
)

// Prober actively polls instance health URLs and feeds the results back into
// the registry's breakers. Instances registered without a health URL are only
// judged by real traffic.
type Prober struct {
	registry *Registry
	client   *http.Client
	interval time.Duration
	log      logging.ServiceLogger
}

// NewProber builds a prober that checks every interval, bounding each probe by
// timeout. A nil client uses a fresh http.Client.
func NewProber(reg *Registry, client *http.Client, interval, timeout time.Duration, log logging.ServiceLogger) *Prober {
	if client == nil {
		client = &http.Client{}
	}
	if timeout > 0 {
		c := *client
		c.Timeout = timeout
		client = &c
	}
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &Prober{
		registry: reg,
		client:   client,
		interval: interval,
		log:      log.With(logging.LogFields{"component": "prober"}),
	}
}

// Run probes until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) error {
	if p.interval <= 0 {
		return errors.New("prober: interval must be positive")
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.ProbeOnce(ctx)
		}
	}
}

// ProbeOnce checks every instance with a health URL once.
func (p *Prober) ProbeOnce(ctx context.Context) {
	for _, target := range p.registry.probeTargets() {
		if ctx.Err() != nil {
			return
		}
		if err := p.probe(ctx, target.url); err != nil {
			tripped := p.registry.ReportFailure(target.ref)
			p.log.Debug("Health probe failed", logging.LogFields{
				"service": target.ref.Service,
				"url":     target.ref.URL,
				"error":   err.Error(),
				"tripped": tripped,
			})
			continue
		}
		p.registry.ReportSuccess(target.ref)
	}
}

func (p *Prober) probe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
