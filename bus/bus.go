// Package bus implements the delivery bus, the single choke point every
// outbound and inbound message passes through.
//
// Send validates and clock-stamps a message, persists it to the delivery
// queue, and attempts immediate delivery when the active relay's circuit
// allows it; connectivity failures feed the circuit breaker and the
// queue's backoff schedule. Inbound payloads are decoded, de-duplicated
// by message id, merged into the device clock, and fanned out to
// session subscribers with per-handler isolation.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relaymsg/breaker"
	"github.com/opd-ai/relaymsg/clock"
	"github.com/opd-ai/relaymsg/cryptobox"
	"github.com/opd-ai/relaymsg/protocol"
	"github.com/opd-ai/relaymsg/queue"
	"github.com/opd-ai/relaymsg/relay"
	"github.com/opd-ai/relaymsg/storage"
	"github.com/opd-ai/relaymsg/transport"
)

// DefaultMaxMessageSize bounds plaintext size; larger sends fail fast
// and are never retried.
const DefaultMaxMessageSize = 64 * 1024

// Receipt reports the outcome of a send.
type Receipt struct {
	MessageID uuid.UUID
	// Queued is true when the message was persisted but not yet
	// handed to the transport (offline, circuit open); the queue will
	// deliver it on the next flush.
	Queued bool
	// DeliveredAt is when the transport accepted the write. The queue
	// entry stays recorded until the relay acknowledges receipt.
	DeliveredAt time.Time
}

// EnvelopeHandler receives inbound protocol envelopes the bus does not
// consume itself (sync responses, conflict notices, heartbeats). The
// sync coordinator registers here.
type EnvelopeHandler func(envType protocol.EnvelopeType, body any)

// Config tunes the bus.
type Config struct {
	// DeviceID identifies this device in clocks and envelopes.
	DeviceID string
	// MaxMessageSize bounds plaintext size; zero uses the default.
	MaxMessageSize int
	// FlushBatchSize bounds entries per destination per flush pass;
	// zero uses 32.
	FlushBatchSize int
	// DedupCapacity bounds the inbound de-duplication set; zero uses
	// 4096. The oldest ids are evicted first.
	DedupCapacity int
}

// Bus is the delivery bus. Construct with New and explicit dependencies;
// there is no global instance.
type Bus struct {
	cfg       Config
	store     storage.Store
	queue     *queue.Queue
	breakers  *breaker.Registry
	relays    *relay.Registry
	transport transport.Transport
	enc       cryptobox.Encryptor
	subs      *subscriptionRegistry

	// initMu serializes connection management (Initialize, Disconnect,
	// failover) so concurrent callers cannot race into the transport.
	initMu sync.Mutex

	mu          sync.Mutex
	clk         clock.Clock
	active      relay.Endpoint
	initialized bool
	seen        map[uuid.UUID]struct{}
	seenOrder   []uuid.UUID
	envHandler  EnvelopeHandler
}

// New wires a bus from its collaborators and restores the device clock
// from storage.
func New(cfg Config, store storage.Store, q *queue.Queue, breakers *breaker.Registry,
	relays *relay.Registry, tr transport.Transport, enc cryptobox.Encryptor) (*Bus, error) {

	if cfg.DeviceID == "" {
		return nil, clock.ErrEmptyDeviceID
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.FlushBatchSize <= 0 {
		cfg.FlushBatchSize = 32
	}
	if cfg.DedupCapacity <= 0 {
		cfg.DedupCapacity = 4096
	}

	b := &Bus{
		cfg:       cfg,
		store:     store,
		queue:     q,
		breakers:  breakers,
		relays:    relays,
		transport: tr,
		enc:       enc,
		subs:      newSubscriptionRegistry(),
		clk:       clock.New(),
		seen:      make(map[uuid.UUID]struct{}),
	}

	if err := b.loadClock(); err != nil {
		return nil, fmt.Errorf("restore device clock: %w", err)
	}

	tr.SetReceiveHandler(b.handleIncoming)
	return b, nil
}

func (b *Bus) clockKey() string {
	return "clock/" + b.cfg.DeviceID
}

func (b *Bus) loadClock() error {
	data, ok, err := b.store.Load(b.clockKey())
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return json.Unmarshal(data, &b.clk)
}

// persistClockLocked writes the clock; callers hold b.mu.
func (b *Bus) persistClockLocked() error {
	data, err := json.Marshal(b.clk)
	if err != nil {
		return err
	}
	return b.store.Persist(b.clockKey(), data)
}

// Initialize connects the transport to the registry's selected relay.
// Calling Initialize on an already-initialized bus is a no-op success;
// concurrent calls serialize, and the late ones observe the connection
// the first one made.
func (b *Bus) Initialize(ctx context.Context) error {
	b.initMu.Lock()
	defer b.initMu.Unlock()

	b.mu.Lock()
	if b.initialized {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	ep, err := b.relays.Select()
	if err != nil {
		return connectivityErr("initialize", err)
	}

	if err := b.transport.Connect(ctx, ep.URL); err != nil {
		b.relays.ReportError(ep.ID)
		return connectivityErr("initialize", err)
	}
	b.relays.ReportConnect(ep.ID)

	b.mu.Lock()
	b.active = ep
	b.initialized = true
	b.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"device":   b.cfg.DeviceID,
		"endpoint": ep.ID,
	}).Info("delivery bus initialized")
	return nil
}

// Disconnect tears down the transport. Subsequent sends fail with
// ErrDisconnected until Initialize is called again.
func (b *Bus) Disconnect() error {
	b.initMu.Lock()
	defer b.initMu.Unlock()

	b.mu.Lock()
	if !b.initialized {
		b.mu.Unlock()
		return nil
	}
	active := b.active
	b.initialized = false
	b.mu.Unlock()

	b.relays.ReportDisconnect(active.ID)
	return b.transport.Disconnect()
}

// SetEnvelopeHandler registers the handler for envelopes the bus itself
// does not consume. The sync coordinator is the expected registrant.
func (b *Bus) SetEnvelopeHandler(h EnvelopeHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.envHandler = h
}

// Clock returns a copy of the device clock.
func (b *Bus) Clock() clock.Clock {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.clk.Clone()
}

// MergeClock folds a remote clock into the device clock and persists
// the result.
func (b *Bus) MergeClock(remote clock.Clock) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clk = clock.Merge(b.clk, remote)
	return b.persistClockLocked()
}

// ActiveEndpoint returns the relay the bus is connected to.
func (b *Bus) ActiveEndpoint() (relay.Endpoint, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active, b.initialized
}

// QueuedCount returns the pending queue size for a session.
func (b *Bus) QueuedCount(sessionID string) int {
	return b.queue.Size(sessionID)
}

// Queue exposes the delivery queue for the sync coordinator.
func (b *Bus) Queue() *queue.Queue {
	return b.queue
}

// DeviceID returns the configured device id.
func (b *Bus) DeviceID() string {
	return b.cfg.DeviceID
}

// Subscribe registers handler for every message delivered to sessionID.
func (b *Bus) Subscribe(sessionID string, handler Handler) *Subscription {
	return b.subs.add(sessionID, handler)
}

// Send validates, stamps, persists, and attempts to deliver plaintext to
// the session. Validation failures return immediately and nothing is
// queued. When the bus is offline or the relay's circuit is open the
// message stays queued and the receipt reports Queued. Connectivity
// failures are retried per the queue's backoff until the retry budget is
// exhausted, at which point ErrDeliveryFailed is returned while the
// message remains recorded for diagnostics. A successful write leaves
// the entry queued as sent; the relay's SYNC_ACK removes it.
func (b *Bus) Send(ctx context.Context, sessionID string, plaintext []byte) (Receipt, error) {
	if sessionID == "" {
		return Receipt{}, validationErr("send", ErrEmptySession)
	}
	if len(plaintext) == 0 {
		return Receipt{}, validationErr("send", ErrEmptyMessage)
	}
	if len(plaintext) > b.cfg.MaxMessageSize {
		return Receipt{}, validationErr("send",
			fmt.Errorf("%w: %d bytes (max %d)", ErrMessageTooLarge, len(plaintext), b.cfg.MaxMessageSize))
	}

	ciphertext, err := b.enc.Encrypt(plaintext)
	if err != nil {
		return Receipt{}, validationErr("send", fmt.Errorf("encrypt: %w", err))
	}

	b.mu.Lock()
	next, err := b.clk.Tick(b.cfg.DeviceID)
	if err != nil {
		b.mu.Unlock()
		return Receipt{}, validationErr("send", err)
	}
	b.clk = next
	if err := b.persistClockLocked(); err != nil {
		b.mu.Unlock()
		return Receipt{}, fmt.Errorf("persist clock: %w", err)
	}
	msg := protocol.NewMessage(sessionID, b.cfg.DeviceID, b.clk.Clone(), ciphertext)
	b.mu.Unlock()

	if err := b.queue.Enqueue(sessionID, msg); err != nil {
		return Receipt{}, fmt.Errorf("enqueue: %w", err)
	}

	// Record our own id so an echo from the relay is not re-delivered.
	b.mu.Lock()
	b.rememberLocked(msg.ID)
	b.mu.Unlock()

	return b.deliverWithRetry(ctx, msg)
}

// deliverWithRetry attempts delivery, waiting out the queue's backoff
// between attempts. Returns a queued receipt when the bus cannot send at
// all (offline or circuit open).
func (b *Bus) deliverWithRetry(ctx context.Context, msg protocol.Message) (Receipt, error) {
	for {
		endpoint, online := b.ActiveEndpoint()
		if !online || !b.breakers.Allow(endpoint.ID, breaker.ClassSend) {
			return Receipt{MessageID: msg.ID, Queued: true}, nil
		}

		entry, qerr := b.queue.Entry(msg.ID)
		if qerr != nil {
			return Receipt{}, fmt.Errorf("queue entry lost during retry: %w", qerr)
		}
		if wait := time.Until(entry.NextRetryAt); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				// The message stays queued; a later flush will retry.
				return Receipt{MessageID: msg.ID, Queued: true}, nil
			case <-timer.C:
			}
		}

		err := b.sendEntry(ctx, msg)
		if err == nil {
			return Receipt{MessageID: msg.ID, DeliveredAt: time.Now()}, nil
		}

		entry, qerr = b.queue.Entry(msg.ID)
		if qerr != nil {
			return Receipt{}, fmt.Errorf("queue entry lost during retry: %w", qerr)
		}
		if entry.Failed {
			return Receipt{MessageID: msg.ID},
				&Error{Class: ClassConnectivity, Op: "send", Err: fmt.Errorf("%w: %v", ErrDeliveryFailed, err)}
		}
	}
}

// sendEntry performs one transport attempt for msg and updates breaker,
// queue, and relay state from the outcome.
func (b *Bus) sendEntry(ctx context.Context, msg protocol.Message) error {
	endpoint, online := b.ActiveEndpoint()
	if !online {
		return connectivityErr("send", ErrDisconnected)
	}

	update := protocol.SyncUpdate{
		SessionID: msg.SessionID,
		DeviceID:  b.cfg.DeviceID,
		Messages: []protocol.SequencedMessage{
			{Message: msg, VectorClock: msg.Clock, LocalTimestamp: msg.Timestamp},
		},
	}
	data, err := protocol.Encode(update)
	if err != nil {
		return &Error{Class: ClassProtocol, Op: "send", Err: err}
	}

	if err := b.transport.Send(ctx, msg.SessionID, data); err != nil {
		b.breakers.RecordFailure(endpoint.ID, breaker.ClassSend)
		b.relays.ReportError(endpoint.ID)
		if qerr := b.queue.MarkFailed(msg.ID, err); qerr != nil {
			logrus.WithFields(logrus.Fields{
				"message": msg.ID,
				"error":   qerr,
			}).Error("failed to record send failure")
		}
		b.maybeFailover(ctx, endpoint)
		return connectivityErr("send", err)
	}

	b.breakers.RecordSuccess(endpoint.ID, breaker.ClassSend)
	if err := b.queue.MarkSent(msg.ID); err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	return nil
}

// SendEnvelope encodes body and sends it directly, bypassing the
// delivery queue. Control envelopes (announces, sync requests,
// heartbeats) use this path: they describe the current moment and are
// not worth persisting for retry.
func (b *Bus) SendEnvelope(ctx context.Context, destination string, body any) error {
	endpoint, online := b.ActiveEndpoint()
	if !online {
		return connectivityErr("envelope", ErrDisconnected)
	}
	data, err := protocol.Encode(body)
	if err != nil {
		return &Error{Class: ClassProtocol, Op: "envelope", Err: err}
	}
	if err := b.transport.Send(ctx, destination, data); err != nil {
		b.relays.ReportError(endpoint.ID)
		return connectivityErr("envelope", err)
	}
	return nil
}

// Flush sends every destination's eligible entries in enqueue order.
// On a failure the rest of that destination's batch is skipped to
// preserve FIFO order; other destinations still get their turn. Sent
// entries await the relay's ack for removal. Returns the number of
// messages handed to the transport.
func (b *Bus) Flush(ctx context.Context) (int, error) {
	endpoint, online := b.ActiveEndpoint()
	if !online {
		return 0, connectivityErr("flush", ErrDisconnected)
	}

	delivered := 0
	var lastErr error
	for _, dest := range b.queue.Destinations() {
		if !b.breakers.Allow(endpoint.ID, breaker.ClassSend) {
			break
		}
		for _, entry := range b.queue.NextBatch(dest, b.cfg.FlushBatchSize) {
			if ctx.Err() != nil {
				return delivered, ctx.Err()
			}
			if err := b.sendEntry(ctx, entry.Message); err != nil {
				lastErr = err
				break
			}
			delivered++
		}
	}

	if delivered > 0 {
		logrus.WithFields(logrus.Fields{
			"device":    b.cfg.DeviceID,
			"delivered": delivered,
		}).Debug("flushed delivery queue")
	}
	return delivered, lastErr
}

// maybeFailover switches to the next-best relay when the active one has
// degraded. Queued messages are untouched and simply retried against
// the new endpoint.
func (b *Bus) maybeFailover(ctx context.Context, active relay.Endpoint) {
	b.initMu.Lock()
	defer b.initMu.Unlock()

	if !b.relays.ShouldFailover(active.ID) {
		return
	}
	next, err := b.relays.Failover(active.ID)
	if err != nil {
		logrus.WithField("endpoint", active.ID).Warn("failover wanted but no healthy alternative")
		return
	}

	b.relays.ReportDisconnect(active.ID)
	if err := b.transport.Disconnect(); err != nil {
		logrus.WithField("error", err).Debug("disconnect during failover")
	}
	if err := b.transport.Connect(ctx, next.URL); err != nil {
		b.relays.ReportError(next.ID)
		b.mu.Lock()
		b.initialized = false
		b.mu.Unlock()
		return
	}
	b.relays.ReportConnect(next.ID)

	b.mu.Lock()
	b.active = next
	b.initialized = true
	b.mu.Unlock()
}

// handleIncoming is the transport receive handler: decode, route, and
// deliver. Malformed payloads are protocol errors; they are logged and
// dropped rather than crashing the read loop.
func (b *Bus) handleIncoming(payload []byte) {
	envType, body, err := protocol.Decode(payload)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"device": b.cfg.DeviceID,
			"error":  err,
		}).Warn("dropping malformed inbound envelope")
		return
	}

	switch envType {
	case protocol.TypeSyncUpdate:
		update := body.(protocol.SyncUpdate)
		for _, sm := range update.Messages {
			b.ingest(sm.Message)
		}
	case protocol.TypeSyncAck:
		ack := body.(protocol.SyncAck)
		b.handleAck(ack)
	default:
		b.mu.Lock()
		handler := b.envHandler
		b.mu.Unlock()
		if handler != nil {
			handler(envType, body)
		}
	}
}

// handleAck removes acknowledged entries and merges the relay's clock.
// Duplicate acks are harmless because queue acknowledgment is idempotent.
func (b *Bus) handleAck(ack protocol.SyncAck) {
	for _, id := range ack.AcknowledgedMessageIDs {
		if err := b.queue.Acknowledge(id); err != nil {
			logrus.WithFields(logrus.Fields{
				"message": id,
				"error":   err,
			}).Error("failed to acknowledge queue entry")
		}
	}
	if len(ack.VectorClock) > 0 {
		if err := b.MergeClock(ack.VectorClock); err != nil {
			logrus.WithField("error", err).Error("failed to merge ack clock")
		}
	}
}

// Ingest merges a received message into local state and delivers it to
// subscribers: de-duplicate by id, merge the clock, decrypt, dispatch.
// Exported for the sync coordinator, which feeds resolved messages
// through the same path.
func (b *Bus) Ingest(msg protocol.Message) {
	b.ingest(msg)
}

func (b *Bus) ingest(msg protocol.Message) {
	b.mu.Lock()
	if _, dup := b.seen[msg.ID]; dup {
		b.mu.Unlock()
		return
	}
	b.rememberLocked(msg.ID)
	b.clk = clock.Merge(b.clk, msg.Clock)
	if err := b.persistClockLocked(); err != nil {
		logrus.WithField("error", err).Error("failed to persist merged clock")
	}
	b.mu.Unlock()

	plaintext, err := b.enc.Decrypt(msg.Payload)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"message": msg.ID,
			"sender":  msg.Sender,
			"error":   err,
		}).Warn("failed to decrypt inbound message, skipping")
		return
	}

	delivered := msg
	delivered.Payload = plaintext
	// The conflict resolver marks manual-strategy losers; that status
	// must reach subscribers intact.
	if delivered.Status != protocol.StatusConflicted {
		delivered.Status = protocol.StatusAcknowledged
	}
	b.subs.dispatch(delivered)
}

// rememberLocked adds id to the de-duplication set, evicting the oldest
// id once DedupCapacity is reached. Callers hold b.mu.
func (b *Bus) rememberLocked(id uuid.UUID) {
	if len(b.seenOrder) >= b.cfg.DedupCapacity {
		oldest := b.seenOrder[0]
		b.seenOrder = b.seenOrder[1:]
		delete(b.seen, oldest)
	}
	b.seen[id] = struct{}{}
	b.seenOrder = append(b.seenOrder, id)
}

// Known reports whether a message id has already been ingested or sent.
// The sync coordinator uses this for idempotent merges.
func (b *Bus) Known(id uuid.UUID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.seen[id]
	return ok
}
