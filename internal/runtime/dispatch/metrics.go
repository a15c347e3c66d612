package dispatch

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks dispatch statistics and exposes them as Prometheus collectors.
type Metrics struct {
	mu sync.RWMutex

	services map[string]*ServiceStats

	attemptsTotal     *prometheus.CounterVec
	attemptDuration   *prometheus.HistogramVec
	deadLettersTotal  *prometheus.CounterVec
	breakerTripsTotal *prometheus.CounterVec
	fanoutTotal       *prometheus.CounterVec
	transactionsTotal *prometheus.CounterVec

	registerer prometheus.Registerer
	registered bool
}

// ServiceStats holds the in-process counters of one target service.
type ServiceStats struct {
	Attempts     uint64    `json:"attempts"`
	Failures     uint64    `json:"failures"`
	DeadLetters  uint64    `json:"dead_letters"`
	BreakerTrips uint64    `json:"breaker_trips"`
	LastFailure  time.Time `json:"last_failure,omitempty"`
	LastUpdated  time.Time `json:"last_updated"`
}

// MetricsSnapshot is a point-in-time copy of the per-service counters.
type MetricsSnapshot struct {
	Services    map[string]ServiceStats `json:"services"`
	CollectedAt time.Time               `json:"collected_at"`
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "padbreaker",
			Subsystem: "dispatch",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewMetrics creates the collectors. A nil registerer means the Prometheus
// default registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		services:   make(map[string]*ServiceStats),
		registerer: registerer,
		attemptsTotal: newCounterVec("attempts_total",
			"Outbound delivery attempts by target service and result", []string{"service", "result"}),
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "padbreaker",
			Subsystem: "dispatch",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of outbound delivery attempts",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"service"}),
		deadLettersTotal: newCounterVec("dead_letters_total",
			"Deliveries recorded as dead letters", []string{"service"}),
		breakerTripsTotal: newCounterVec("breaker_trips_total",
			"Instances taken out of rotation by the circuit breaker", []string{"service"}),
		fanoutTotal: newCounterVec("fanout_outcomes_total",
			"Per-subscriber outcomes of topic publishes", []string{"topic", "status"}),
		transactionsTotal: newCounterVec("transactions_total",
			"Two-phase commit rounds by final status", []string{"status"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.attemptsTotal,
		m.attemptDuration,
		m.deadLettersTotal,
		m.breakerTripsTotal,
		m.fanoutTotal,
		m.transactionsTotal,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// RecordAttempt records one outbound call.
func (m *Metrics) RecordAttempt(service string, ok bool, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.statsFor(service)
	stats.Attempts++
	stats.LastUpdated = time.Now()
	result := "success"
	if !ok {
		stats.Failures++
		stats.LastFailure = stats.LastUpdated
		result = "failure"
	}

	m.attemptsTotal.WithLabelValues(service, result).Inc()
	m.attemptDuration.WithLabelValues(service).Observe(d.Seconds())
}

// RecordBreakerTrip records an instance of service being taken out of rotation.
func (m *Metrics) RecordBreakerTrip(service string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.statsFor(service)
	stats.BreakerTrips++
	stats.LastUpdated = time.Now()
	m.breakerTripsTotal.WithLabelValues(service).Inc()
}

// RecordDeadLetter records a dead-lettered delivery to service.
func (m *Metrics) RecordDeadLetter(service, _ string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.statsFor(service)
	stats.DeadLetters++
	stats.LastUpdated = time.Now()
	m.deadLettersTotal.WithLabelValues(service).Inc()
}

// RecordFanout counts the outcomes of one publish.
func (m *Metrics) RecordFanout(topic string, outcomes Outcomes) {
	for _, o := range outcomes {
		m.fanoutTotal.WithLabelValues(topic, string(o.Status)).Inc()
	}
}

// RecordTransaction counts a finished two-phase commit round.
func (m *Metrics) RecordTransaction(status TransactionStatus) {
	m.transactionsTotal.WithLabelValues(string(status)).Inc()
}

// Snapshot returns a copy of the per-service counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := MetricsSnapshot{
		Services:    make(map[string]ServiceStats, len(m.services)),
		CollectedAt: time.Now(),
	}
	for service, stats := range m.services {
		snapshot.Services[service] = *stats
	}
	return snapshot
}

// Reset clears every counter (useful for testing).
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.services = make(map[string]*ServiceStats)
	m.attemptsTotal.Reset()
	m.attemptDuration.Reset()
	m.deadLettersTotal.Reset()
	m.breakerTripsTotal.Reset()
	m.fanoutTotal.Reset()
	m.transactionsTotal.Reset()
}

func (m *Metrics) statsFor(service string) *ServiceStats {
	if stats, ok := m.services[service]; ok {
		return stats
	}
	stats := &ServiceStats{}
	m.services[service] = stats
	return stats
}
