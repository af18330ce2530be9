package relay

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Strategy selects how the registry picks among healthy endpoints.
type Strategy uint8

const (
	// RoundRobin cycles through healthy endpoints in registration order.
	RoundRobin Strategy = iota
	// Weighted picks randomly with probability proportional to quality.
	Weighted
	// LeastLatency picks the lowest measured latency, ties broken by
	// priority.
	LeastLatency
)

// String returns the configuration name of the strategy.
func (s Strategy) String() string {
	switch s {
	case Weighted:
		return "weighted"
	case LeastLatency:
		return "least-latency"
	default:
		return "round-robin"
	}
}

// Prober measures one probe round trip against an endpoint. The health
// loop is the only caller.
type Prober interface {
	Probe(ctx context.Context, endpoint Endpoint) (time.Duration, error)
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, endpoint Endpoint) (time.Duration, error)

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context, endpoint Endpoint) (time.Duration, error) {
	return f(ctx, endpoint)
}

// TimeProvider supplies the current time; injectable for tests.
type TimeProvider interface {
	Now() time.Time
}

type realTime struct{}

func (realTime) Now() time.Time { return time.Now() }

const (
	// emaAlpha weights the newest probe sample in the moving averages.
	emaAlpha = 0.3
	// maxProbeFailures consecutive failures mark an endpoint unhealthy.
	maxProbeFailures = 3
	// qualityLatencyCeiling is the latency mapped to quality 0.
	qualityLatencyCeiling = 2 * time.Second
)

// Config tunes the registry.
type Config struct {
	Strategy Strategy
	// ProbeInterval is the health-probe cycle period.
	ProbeInterval time.Duration
	// ProbeTimeout bounds each individual probe.
	ProbeTimeout time.Duration
	// FailoverLatency is the latency above which the active endpoint is
	// abandoned even while nominally healthy.
	FailoverLatency time.Duration
	// Time overrides the clock; nil uses the system clock.
	Time TimeProvider
}

// DefaultConfig probes every 30 seconds with a 5 second timeout and
// fails over above 2 seconds of measured latency.
func DefaultConfig() Config {
	return Config{
		Strategy:        RoundRobin,
		ProbeInterval:   30 * time.Second,
		ProbeTimeout:    5 * time.Second,
		FailoverLatency: 2 * time.Second,
	}
}

// Registry is the relay endpoint registry. Safe for concurrent use; the
// probe loop is the single writer of health metadata.
type Registry struct {
	mu            sync.RWMutex
	cfg           Config
	time          TimeProvider
	prober        Prober
	endpoints     map[string]*Endpoint
	order         []string // registration order, for round-robin
	rrNext        int
	rng           *rand.Rand
	failoverCount uint64

	runMu    sync.Mutex
	stopChan chan struct{}
	running  bool
}

// NewRegistry creates a registry that probes endpoints with prober.
func NewRegistry(cfg Config, prober Prober) *Registry {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.FailoverLatency <= 0 {
		cfg.FailoverLatency = 2 * time.Second
	}
	tp := cfg.Time
	if tp == nil {
		tp = realTime{}
	}
	return &Registry{
		cfg:       cfg,
		time:      tp,
		prober:    prober,
		endpoints: make(map[string]*Endpoint),
		rng:       rand.New(rand.NewSource(tp.Now().UnixNano())),
	}
}

// Add registers an endpoint. New endpoints start healthy with a neutral
// quality score until the first probe says otherwise.
func (r *Registry) Add(ep Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.endpoints[ep.ID]; exists {
		return ErrDuplicateEndpoint
	}
	ep.Healthy = true
	if ep.Quality == 0 {
		ep.Quality = 0.5
	}
	e := ep
	r.endpoints[ep.ID] = &e
	r.order = append(r.order, ep.ID)

	logrus.WithFields(logrus.Fields{
		"endpoint": ep.ID,
		"url":      ep.URL,
		"region":   ep.Region,
	}).Info("relay endpoint registered")
	return nil
}

// Remove deregisters an endpoint.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.endpoints[id]; !exists {
		return ErrUnknownEndpoint
	}
	delete(r.endpoints, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Endpoint returns a copy of the endpoint with id.
func (r *Registry) Endpoint(id string) (Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[id]
	if !ok {
		return Endpoint{}, ErrUnknownEndpoint
	}
	return *ep, nil
}

// Endpoints returns copies of all endpoints in registration order.
func (r *Registry) Endpoints() []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Endpoint, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.endpoints[id])
	}
	return out
}

// Select picks an endpoint per the configured strategy. Selection fails
// explicitly when no healthy, unsaturated endpoint exists.
func (r *Registry) Select() (Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selectLocked("")
}

// Failover picks the best endpoint excluding the failed one and counts
// the event. The failed endpoint stays registered; the probe loop will
// rehabilitate it if it recovers.
func (r *Registry) Failover(excludeID string) (Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep, err := r.selectLocked(excludeID)
	if err != nil {
		return Endpoint{}, err
	}
	r.failoverCount++
	logrus.WithFields(logrus.Fields{
		"from": excludeID,
		"to":   ep.ID,
	}).Warn("relay failover")
	return ep, nil
}

func (r *Registry) selectLocked(excludeID string) (Endpoint, error) {
	var eligible []*Endpoint
	for _, id := range r.order {
		ep := r.endpoints[id]
		if ep.ID != excludeID && ep.eligible() {
			eligible = append(eligible, ep)
		}
	}
	if len(eligible) == 0 {
		return Endpoint{}, ErrNoHealthyEndpoint
	}

	switch r.cfg.Strategy {
	case Weighted:
		return *r.pickWeighted(eligible), nil
	case LeastLatency:
		return *pickLeastLatency(eligible), nil
	default:
		ep := eligible[r.rrNext%len(eligible)]
		r.rrNext++
		return *ep, nil
	}
}

func (r *Registry) pickWeighted(eligible []*Endpoint) *Endpoint {
	total := 0.0
	for _, ep := range eligible {
		total += ep.Quality
	}
	if total <= 0 {
		return eligible[r.rng.Intn(len(eligible))]
	}
	target := r.rng.Float64() * total
	for _, ep := range eligible {
		target -= ep.Quality
		if target < 0 {
			return ep
		}
	}
	return eligible[len(eligible)-1]
}

func pickLeastLatency(eligible []*Endpoint) *Endpoint {
	best := eligible[0]
	for _, ep := range eligible[1:] {
		switch {
		case ep.Latency < best.Latency:
			best = ep
		case ep.Latency == best.Latency && ep.Priority < best.Priority:
			best = ep
		}
	}
	return best
}

// ShouldFailover reports whether the active endpoint has degraded past
// the failover threshold or gone unhealthy.
func (r *Registry) ShouldFailover(activeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ep, ok := r.endpoints[activeID]
	if !ok {
		return true
	}
	if !ep.eligible() {
		return true
	}
	return ep.Latency > r.cfg.FailoverLatency
}

// ReportConnect records an opened connection against the endpoint.
func (r *Registry) ReportConnect(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ep, ok := r.endpoints[id]; ok {
		ep.CurrentConnections++
	}
}

// ReportDisconnect records a closed connection against the endpoint.
func (r *Registry) ReportDisconnect(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ep, ok := r.endpoints[id]; ok && ep.CurrentConnections > 0 {
		ep.CurrentConnections--
	}
}

// ReportError records a connection-level error. Errors degrade quality
// immediately instead of waiting for the next probe cycle.
func (r *Registry) ReportError(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ep, ok := r.endpoints[id]; ok {
		ep.Quality *= 1 - emaAlpha
	}
}

// Metrics returns a snapshot for the application layer.
func (r *Registry) Metrics() Metrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m := Metrics{TotalCount: len(r.endpoints), FailoverCount: r.failoverCount}
	var latencySum time.Duration
	var measured int
	for _, ep := range r.endpoints {
		if ep.Healthy {
			m.HealthyCount++
		}
		if ep.Latency > 0 {
			latencySum += ep.Latency
			measured++
		}
	}
	if measured > 0 {
		m.AverageLatency = latencySum / time.Duration(measured)
	}
	return m
}

// StartProbing launches the health-probe loop. Idempotent.
func (r *Registry) StartProbing() {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.stopChan = make(chan struct{})
	go r.probeLoop(r.stopChan)
}

// StopProbing halts the health-probe loop. Idempotent.
func (r *Registry) StopProbing() {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if !r.running {
		return
	}
	r.running = false
	close(r.stopChan)
}

func (r *Registry) probeLoop(stop chan struct{}) {
	ticker := time.NewTicker(r.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.ProbeOnce(context.Background())
		}
	}
}

// ProbeOnce runs a single probe cycle over all endpoints. Exported so
// tests and reconnect paths can force a cycle without waiting for the
// ticker.
func (r *Registry) ProbeOnce(ctx context.Context) {
	if r.prober == nil {
		return
	}
	for _, ep := range r.Endpoints() {
		probeCtx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
		rtt, err := r.prober.Probe(probeCtx, ep)
		cancel()
		r.ingestProbe(ep.ID, rtt, err)
	}
}

// ingestProbe folds one probe outcome into the endpoint's health state.
func (r *Registry) ingestProbe(id string, rtt time.Duration, probeErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep, ok := r.endpoints[id]
	if !ok {
		return
	}
	ep.LastHealthCheck = r.time.Now()

	if probeErr != nil {
		ep.consecutiveProbeFailures++
		ep.Quality *= 1 - emaAlpha
		if ep.consecutiveProbeFailures >= maxProbeFailures && ep.Healthy {
			ep.Healthy = false
			logrus.WithFields(logrus.Fields{
				"endpoint": id,
				"failures": ep.consecutiveProbeFailures,
				"error":    probeErr,
			}).Warn("relay endpoint marked unhealthy")
		}
		return
	}

	ep.consecutiveProbeFailures = 0
	if !ep.Healthy {
		ep.Healthy = true
		logrus.WithField("endpoint", id).Info("relay endpoint recovered")
	}

	if ep.Latency == 0 {
		ep.Latency = rtt
	} else {
		ep.Latency = time.Duration(emaAlpha*float64(rtt) + (1-emaAlpha)*float64(ep.Latency))
	}

	sample := 1 - float64(rtt)/float64(qualityLatencyCeiling)
	if sample < 0 {
		sample = 0
	}
	ep.Quality = emaAlpha*sample + (1-emaAlpha)*ep.Quality
}
