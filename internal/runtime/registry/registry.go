// Package registry owns every piece of routing state the broker has: the
// instance pools with their round-robin cursors and circuit breakers, and the
// topic subscription table. A single Registry is shared by all request
// handlers; each operation is atomic with respect to the others.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/Twisside/PAD-breaker/internal/runtime/logging"
)

const (
	DefaultFailureThreshold = 3
	DefaultCooldown         = 10 * time.Second
)

// Instance is the health record of one registered service instance.
type Instance struct {
	URL                 string    `json:"url"`
	HealthCheckURL      string    `json:"health_check_url,omitempty"`
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CooldownUntil       time.Time `json:"cooldown_until"`
}

// InstanceRef names an instance without sharing its mutable record. Feedback
// is always resolved against the registry under its lock.
type InstanceRef struct {
	Service string
	URL     string
}

// Subscription binds a service endpoint to a topic.
type Subscription struct {
	Topic    string `json:"topic"`
	Service  string `json:"service"`
	Endpoint string `json:"endpoint"`
}

type pool struct {
	instances []*Instance
	cursor    int
}

// Registry is the single owning authority for pools and subscriptions.
type Registry struct {
	mu            sync.Mutex
	pools         map[string]*pool
	subscriptions map[string][]Subscription

	threshold int
	cooldown  time.Duration
	now       func() time.Time
	log       logging.ServiceLogger
}

// Option customises a Registry.
type Option func(*Registry)

// WithFailureThreshold sets how many consecutive failures trip a breaker.
// Values below one are ignored.
func WithFailureThreshold(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.threshold = n
		}
	}
}

// WithCooldown sets how long a tripped instance is skipped by Select.
func WithCooldown(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.cooldown = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func WithLogger(log logging.ServiceLogger) Option {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		pools:         make(map[string]*pool),
		subscriptions: make(map[string][]Subscription),
		threshold:     DefaultFailureThreshold,
		cooldown:      DefaultCooldown,
		now:           time.Now,
		log:           logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a healthy instance to the service pool. Registering a URL that
// is already present is a no-op; the existing record and its health are kept.
func (r *Registry) Register(service, url, healthCheckURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pools[service]
	if !ok {
		p = &pool{}
		r.pools[service] = p
	}
	for _, inst := range p.instances {
		if inst.URL == url {
			return
		}
	}
	p.instances = append(p.instances, &Instance{
		URL:            url,
		HealthCheckURL: healthCheckURL,
		Healthy:        true,
	})
	r.log.Info("Registered instance", logging.LogFields{"service": service, "url": url})
}

// Subscribe binds (service, endpoint) to topic. Duplicate pairs are ignored.
func (r *Registry) Subscribe(service, topic, endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.subscriptions[topic] {
		if s.Service == service && s.Endpoint == endpoint {
			return
		}
	}
	r.subscriptions[topic] = append(r.subscriptions[topic], Subscription{
		Topic:    topic,
		Service:  service,
		Endpoint: endpoint,
	})
	r.log.Info("Service subscribed", logging.LogFields{"service": service, "topic": topic, "endpoint": endpoint})
}

// Subscribers returns the topic's subscriptions in subscription order.
func (r *Registry) Subscribers(topic string) []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.subscriptions[topic]
	out := make([]Subscription, len(subs))
	copy(out, subs)
	return out
}

// Select picks the next usable instance of service in round-robin order.
// A tripped instance whose cooldown has expired is reopened optimistically and
// may be picked; instances still cooling are skipped. ok is false when the
// service is unknown, empty or entirely cooling.
func (r *Registry) Select(service string) (InstanceRef, Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pools[service]
	if !ok || len(p.instances) == 0 {
		return InstanceRef{}, Instance{}, false
	}

	now := r.now()
	size := len(p.instances)
	for i := 0; i < size; i++ {
		idx := (p.cursor + i) % size
		inst := p.instances[idx]

		if !inst.Healthy {
			if now.Before(inst.CooldownUntil) {
				continue
			}
			inst.Healthy = true
			inst.ConsecutiveFailures = 0
			r.log.Debug("Circuit half-open, retrying instance", logging.LogFields{"service": service, "url": inst.URL})
		}

		p.cursor = (idx + 1) % size
		return InstanceRef{Service: service, URL: inst.URL}, *inst, true
	}
	return InstanceRef{}, Instance{}, false
}

// ReportSuccess closes the instance's breaker and clears its failure count.
func (r *Registry) ReportSuccess(ref InstanceRef) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if inst := r.lookup(ref); inst != nil {
		inst.ConsecutiveFailures = 0
		inst.Healthy = true
	}
}

// ReportFailure counts a failed call against the instance and reports whether
// this failure tripped its breaker. Failures reported while the instance is
// already cooling down change nothing.
func (r *Registry) ReportFailure(ref InstanceRef) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst := r.lookup(ref)
	if inst == nil {
		return false
	}
	now := r.now()
	if !inst.Healthy && now.Before(inst.CooldownUntil) {
		return false
	}

	inst.ConsecutiveFailures++
	if inst.ConsecutiveFailures < r.threshold {
		return false
	}
	inst.Healthy = false
	inst.CooldownUntil = now.Add(r.cooldown)
	r.log.Info("Circuit breaker tripped", logging.LogFields{
		"service":        ref.Service,
		"url":            ref.URL,
		"failures":       inst.ConsecutiveFailures,
		"cooldown_until": inst.CooldownUntil,
	})
	return true
}

func (r *Registry) lookup(ref InstanceRef) *Instance {
	p, ok := r.pools[ref.Service]
	if !ok {
		return nil
	}
	for _, inst := range p.instances {
		if inst.URL == ref.URL {
			return inst
		}
	}
	return nil
}

// Services returns a copy of every pool keyed by service name.
func (r *Registry) Services() map[string][]Instance {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string][]Instance, len(r.pools))
	for name, p := range r.pools {
		instances := make([]Instance, len(p.instances))
		for i, inst := range p.instances {
			instances[i] = *inst
		}
		out[name] = instances
	}
	return out
}

// Snapshot is a point-in-time copy of the registry for admin views.
type Snapshot struct {
	Services      map[string][]Instance     `json:"services"`
	Subscriptions map[string][]Subscription `json:"subscriptions"`
}

// Snapshot copies pools and subscriptions under one lock acquisition.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		Services:      make(map[string][]Instance, len(r.pools)),
		Subscriptions: make(map[string][]Subscription, len(r.subscriptions)),
	}
	for name, p := range r.pools {
		instances := make([]Instance, len(p.instances))
		for i, inst := range p.instances {
			instances[i] = *inst
		}
		snap.Services[name] = instances
	}
	for topic, subs := range r.subscriptions {
		snap.Subscriptions[topic] = append([]Subscription(nil), subs...)
	}
	return snap
}

// HealthyCount returns how many instances of each service are currently
// closed, sorted by service name.
func (r *Registry) HealthyCount() []ServiceHealth {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ServiceHealth, 0, len(r.pools))
	for name, p := range r.pools {
		h := ServiceHealth{Service: name, Total: len(p.instances)}
		for _, inst := range p.instances {
			if inst.Healthy {
				h.Healthy++
			}
		}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// ServiceHealth summarises one pool.
type ServiceHealth struct {
	Service string `json:"service"`
	Healthy int    `json:"healthy"`
	Total   int    `json:"total"`
}

type probeTarget struct {
	ref InstanceRef
	url string
}

func (r *Registry) probeTargets() []probeTarget {
	r.mu.Lock()
	defer r.mu.Unlock()

	var targets []probeTarget
	for name, p := range r.pools {
		for _, inst := range p.instances {
			if inst.HealthCheckURL == "" {
				continue
			}
			targets = append(targets, probeTarget{
				ref: InstanceRef{Service: name, URL: inst.URL},
				url: inst.HealthCheckURL,
			})
		}
	}
	return targets
}
