// Package relay maintains the set of candidate relay endpoints and
// chooses the one the delivery bus connects to.
//
// Endpoints carry health and quality metadata that only this package
// mutates: a background probe loop measures round-trip latency and
// folds it into an exponential moving average, and connection event
// reports adjust the connection counts. Send paths never touch endpoint
// state directly; they only report outcomes.
package relay

import (
	"errors"
	"time"
)

var (
	// ErrNoHealthyEndpoint indicates no endpoint is currently eligible.
	// Callers must treat this as "no relay available" rather than
	// falling back to an unhealthy endpoint.
	ErrNoHealthyEndpoint = errors.New("no healthy relay endpoint available")
	// ErrUnknownEndpoint indicates an endpoint id that is not registered.
	ErrUnknownEndpoint = errors.New("unknown relay endpoint")
	// ErrDuplicateEndpoint indicates an Add with an already-registered id.
	ErrDuplicateEndpoint = errors.New("endpoint already registered")
)

// Endpoint describes one relay. Values returned by the registry are
// copies; mutation happens only inside the registry.
type Endpoint struct {
	ID                 string
	URL                string
	Region             string
	// Priority breaks latency ties; lower values win.
	Priority           int
	CurrentConnections int
	MaxConnections     int
	Healthy            bool
	// Quality is a rolling score in [0,1] fed by probe outcomes.
	Quality            float64
	// Latency is the EMA of probe round-trip times.
	Latency            time.Duration
	LastHealthCheck    time.Time

	consecutiveProbeFailures int
}

// eligible reports whether the endpoint may be selected: healthy and not
// saturated.
func (e *Endpoint) eligible() bool {
	if !e.Healthy {
		return false
	}
	if e.MaxConnections > 0 && e.CurrentConnections >= e.MaxConnections {
		return false
	}
	return true
}

// Metrics summarizes registry state for the application layer.
type Metrics struct {
	HealthyCount   int
	TotalCount     int
	AverageLatency time.Duration
	FailoverCount  uint64
}
