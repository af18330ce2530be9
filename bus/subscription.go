package bus

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relaymsg/protocol"
)

// Handler receives messages delivered to a subscribed session.
type Handler func(msg protocol.Message)

// Subscription is the handle returned by Subscribe. Close is idempotent.
type Subscription struct {
	ID        uuid.UUID
	SessionID string
	registry  *subscriptionRegistry
}

// Close removes the subscription. Closing twice is a no-op.
func (s *Subscription) Close() {
	if s.registry != nil {
		s.registry.remove(s.SessionID, s.ID)
	}
}

// subscriptionRegistry tracks handlers keyed by subscription id per
// session, replacing ad-hoc listener slices with explicit lifetimes.
type subscriptionRegistry struct {
	mu       sync.RWMutex
	handlers map[string]map[uuid.UUID]Handler
}

func newSubscriptionRegistry() *subscriptionRegistry {
	return &subscriptionRegistry{handlers: make(map[string]map[uuid.UUID]Handler)}
}

func (r *subscriptionRegistry) add(sessionID string, handler Handler) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.New()
	if r.handlers[sessionID] == nil {
		r.handlers[sessionID] = make(map[uuid.UUID]Handler)
	}
	r.handlers[sessionID][id] = handler
	return &Subscription{ID: id, SessionID: sessionID, registry: r}
}

func (r *subscriptionRegistry) remove(sessionID string, id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if handlers, ok := r.handlers[sessionID]; ok {
		delete(handlers, id)
		if len(handlers) == 0 {
			delete(r.handlers, sessionID)
		}
	}
}

// dispatch invokes every handler subscribed to the message's session.
// Each invocation is isolated: a panicking handler is logged and skipped
// without affecting the others or the bus.
func (r *subscriptionRegistry) dispatch(msg protocol.Message) {
	r.mu.RLock()
	handlers := make([]Handler, 0, len(r.handlers[msg.SessionID]))
	for _, h := range r.handlers[msg.SessionID] {
		handlers = append(handlers, h)
	}
	r.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					logrus.WithFields(logrus.Fields{
						"session": msg.SessionID,
						"message": msg.ID,
						"panic":   rec,
					}).Error("subscriber handler panicked")
				}
			}()
			h(msg)
		}()
	}
}

func (r *subscriptionRegistry) count(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[sessionID])
}
