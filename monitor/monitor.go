// Package monitor tracks connectivity and drives recovery when the
// device comes back online: reconnect the delivery path, drain the
// queue, and restart synchronization.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Listener observes connectivity transitions.
type Listener func(online bool)

// Delivery is the outbound path the monitor recovers. The delivery bus
// implements it.
type Delivery interface {
	Initialize(ctx context.Context) error
	Flush(ctx context.Context) (int, error)
}

// Syncer restarts synchronization after recovery. The sync coordinator
// implements it.
type Syncer interface {
	Resync(ctx context.Context)
}

// Config tunes the monitor.
type Config struct {
	// RecoveryTimeout bounds the reconnect-and-drain sequence after an
	// online transition; zero uses 30s.
	RecoveryTimeout time.Duration
}

// Monitor is the connectivity monitor. The device starts offline; the
// platform layer reports transitions through SetOnline.
type Monitor struct {
	cfg      Config
	delivery Delivery
	syncer   Syncer

	mu        sync.Mutex
	online    bool
	listeners []Listener
}

// New creates a monitor over the delivery path and syncer. Either may
// be nil, in which case that recovery step is skipped.
func New(cfg Config, delivery Delivery, syncer Syncer) *Monitor {
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	return &Monitor{cfg: cfg, delivery: delivery, syncer: syncer}
}

// Online reports the current connectivity state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnChange registers a listener for connectivity transitions. Listeners
// run synchronously inside SetOnline, after recovery.
func (m *Monitor) OnChange(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// SetOnline records a connectivity transition. Repeated reports of the
// same state are no-ops. An offline-to-online transition runs the
// recovery sequence before listeners are notified: reconnect, flush the
// delivery queue, resync every session.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	if online {
		m.recover()
	}
	logrus.WithField("online", online).Info("connectivity changed")

	for _, l := range listeners {
		l(online)
	}
}

func (m *Monitor) recover() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RecoveryTimeout)
	defer cancel()

	if m.delivery != nil {
		if err := m.delivery.Initialize(ctx); err != nil {
			logrus.WithField("error", err).Warn("reconnect after online transition failed")
			return
		}
		delivered, err := m.delivery.Flush(ctx)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"delivered": delivered,
				"error":     err,
			}).Warn("queue drain after reconnect incomplete")
		} else if delivered > 0 {
			logrus.WithField("delivered", delivered).Info("queued messages delivered after reconnect")
		}
	}

	if m.syncer != nil {
		m.syncer.Resync(ctx)
	}
}
