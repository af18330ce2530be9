// Package msgsync implements the multi-device sync coordinator.
//
// The coordinator drives the sync state machine for each session:
// announce this device to the relay, request the message log tail after
// the last synced sequence, fold the response into local state through
// the conflict resolver, then push queued local messages. A heartbeat
// loop detects dead relay sessions; after enough missed heartbeats the
// session drops to idle and re-announces from its persisted position.
package msgsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relaymsg/bus"
	"github.com/opd-ai/relaymsg/conflict"
	"github.com/opd-ai/relaymsg/protocol"
	"github.com/opd-ai/relaymsg/storage"
)

// ErrUnknownSession indicates an operation on a session that was never
// started.
var ErrUnknownSession = errors.New("unknown sync session")

// TimeProvider supplies the current time; injectable for tests.
type TimeProvider interface {
	Now() time.Time
}

type realTime struct{}

func (realTime) Now() time.Time { return time.Now() }

// ConflictHandler is notified when a sync response contained concurrent
// edits. It receives the conflicting messages as they arrived and the
// deterministic order the resolver produced. The resolved order has
// already been applied locally when the handler runs.
type ConflictHandler func(sessionID string, conflicting, resolution []protocol.Message)

// Config tunes the coordinator.
type Config struct {
	// HeartbeatInterval is the liveness-probe period; zero uses 30s.
	HeartbeatInterval time.Duration
	// MaxMissedHeartbeats is how many silent intervals drop a session
	// back to idle; zero uses 3.
	MaxMissedHeartbeats int
	// SyncTimeout bounds the push phase after a response; zero uses 30s.
	SyncTimeout time.Duration
	// Time overrides the clock; nil uses the system clock.
	Time TimeProvider
}

type session struct {
	state            State
	phase            Phase
	missedHeartbeats int
	lastError        string
}

// Coordinator owns sync state for every session this device participates
// in. Construct with New; it registers itself as the bus's envelope
// handler.
type Coordinator struct {
	cfg      Config
	bus      *bus.Bus
	store    storage.Store
	resolver *conflict.Resolver
	time     TimeProvider

	mu         sync.Mutex
	sessions   map[string]*session
	onConflict ConflictHandler

	messagesSynced    uint64
	conflictsResolved uint64
	heartbeatsMissed  uint64
	resyncs           uint64

	runMu    sync.Mutex
	stopChan chan struct{}
	running  bool
}

// New wires a coordinator over the bus and registers it for inbound
// sync envelopes.
func New(cfg Config, b *bus.Bus, store storage.Store, resolver *conflict.Resolver) *Coordinator {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.MaxMissedHeartbeats <= 0 {
		cfg.MaxMissedHeartbeats = 3
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = 30 * time.Second
	}
	tp := cfg.Time
	if tp == nil {
		tp = realTime{}
	}

	c := &Coordinator{
		cfg:      cfg,
		bus:      b,
		store:    store,
		resolver: resolver,
		time:     tp,
		sessions: make(map[string]*session),
	}
	b.SetEnvelopeHandler(c.handleEnvelope)
	return c
}

// SetConflictHandler registers the application's conflict notification
// callback.
func (c *Coordinator) SetConflictHandler(h ConflictHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConflict = h
}

func stateKey(sessionID string) string {
	return "sync/" + sessionID
}

// loadOrCreate returns the session, restoring persisted state on first
// touch. Callers hold c.mu.
func (c *Coordinator) loadOrCreate(sessionID string) (*session, error) {
	if sess, ok := c.sessions[sessionID]; ok {
		return sess, nil
	}

	sess := &session{
		state: State{
			SessionID: sessionID,
			DeviceID:  c.bus.DeviceID(),
		},
	}
	data, ok, err := c.store.Load(stateKey(sessionID))
	if err != nil {
		return nil, fmt.Errorf("load sync state: %w", err)
	}
	if ok {
		if err := json.Unmarshal(data, &sess.state); err != nil {
			return nil, fmt.Errorf("corrupt sync state for %q: %w", sessionID, err)
		}
	}
	c.sessions[sessionID] = sess
	return sess, nil
}

// persistLocked writes the session's durable state. Callers hold c.mu.
func (c *Coordinator) persistLocked(sess *session) error {
	data, err := json.Marshal(sess.state)
	if err != nil {
		return err
	}
	return c.store.Persist(stateKey(sess.state.SessionID), data)
}

// StartSync announces this device for the session and requests the
// message log tail after the last synced sequence. The response arrives
// asynchronously through the envelope handler; Status reports progress.
func (c *Coordinator) StartSync(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	sess, err := c.loadOrCreate(sessionID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	sess.phase = PhaseAnnouncing
	sess.lastError = ""
	lastSeq := sess.state.LastSyncedSequence
	c.mu.Unlock()

	deviceID := c.bus.DeviceID()
	clk := c.bus.Clock()

	announce := protocol.DeviceAnnounce{
		SessionID:          sessionID,
		DeviceID:           deviceID,
		LastSyncedSequence: lastSeq,
		VectorClock:        clk,
	}
	if err := c.bus.SendEnvelope(ctx, sessionID, announce); err != nil {
		c.failSync(sessionID, err)
		return fmt.Errorf("announce: %w", err)
	}

	c.mu.Lock()
	sess.phase = PhaseRequesting
	c.mu.Unlock()

	request := protocol.SyncRequest{
		SessionID:          sessionID,
		DeviceID:           deviceID,
		LastSyncedSequence: lastSeq,
		VectorClock:        clk,
	}
	if err := c.bus.SendEnvelope(ctx, sessionID, request); err != nil {
		c.failSync(sessionID, err)
		return fmt.Errorf("sync request: %w", err)
	}

	c.mu.Lock()
	sess.phase = PhaseAwaitingResponse
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"session":   sessionID,
		"device":    deviceID,
		"after_seq": lastSeq,
	}).Info("sync started")
	return nil
}

func (c *Coordinator) failSync(sessionID string, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sess, ok := c.sessions[sessionID]; ok {
		sess.phase = PhaseIdle
		sess.lastError = cause.Error()
	}
}

// handleEnvelope is the bus's handler for envelopes the bus does not
// consume itself.
func (c *Coordinator) handleEnvelope(envType protocol.EnvelopeType, body any) {
	switch envType {
	case protocol.TypeSyncResponse:
		c.handleResponse(body.(protocol.SyncResponse))
	case protocol.TypeSyncConflict:
		c.handleConflictNotice(body.(protocol.SyncConflict))
	case protocol.TypeSyncHeartbeat:
		c.markAlive("")
	case protocol.TypeDeviceAnnounce:
		ann := body.(protocol.DeviceAnnounce)
		c.markAlive(ann.SessionID)
		logrus.WithFields(logrus.Fields{
			"session": ann.SessionID,
			"device":  ann.DeviceID,
		}).Debug("peer device announced")
	default:
		logrus.WithField("type", string(envType)).Debug("ignoring sync envelope")
	}
}

// responseSession routes a response to its session: by the messages it
// carries, or to the single awaiting session for empty responses.
func (c *Coordinator) responseSession(resp protocol.SyncResponse) (*session, bool) {
	if len(resp.Messages) > 0 {
		sess, ok := c.sessions[resp.Messages[0].Message.SessionID]
		return sess, ok
	}
	for _, sess := range c.sessions {
		if sess.phase == PhaseAwaitingResponse {
			return sess, true
		}
	}
	return nil, false
}

func (c *Coordinator) handleResponse(resp protocol.SyncResponse) {
	c.mu.Lock()
	sess, ok := c.responseSession(resp)
	if !ok {
		c.mu.Unlock()
		logrus.Warn("dropping sync response for unknown session")
		return
	}
	sessionID := sess.state.SessionID
	sess.missedHeartbeats = 0

	if err := protocol.CheckSequence(sess.state.LastSyncedSequence, resp.LatestSequence); err != nil {
		localSeq := sess.state.LastSyncedSequence
		sess.phase = PhaseIdle
		sess.lastError = err.Error()
		c.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"session":    sessionID,
			"local_seq":  localSeq,
			"remote_seq": resp.LatestSequence,
		}).Warn("sync response sequence regressed, session reset")
		return
	}
	c.mu.Unlock()

	// Idempotent merge: messages already seen locally (including our own
	// sends echoed back) are skipped before resolution.
	var incoming []protocol.Message
	for _, sm := range resp.Messages {
		if c.bus.Known(sm.Message.ID) {
			continue
		}
		incoming = append(incoming, sm.Message)
	}

	resolved, hadConflict := c.resolver.Resolve(incoming)
	for _, msg := range resolved {
		c.bus.Ingest(msg)
	}

	if err := c.bus.MergeClock(resp.ServerVectorClock); err != nil {
		logrus.WithField("error", err).Error("failed to merge server clock")
	}

	var handler ConflictHandler
	c.mu.Lock()
	sess.state.LastSyncedSequence = resp.LatestSequence
	sess.state.VectorClock = c.bus.Clock()
	sess.state.LastSyncAt = c.time.Now()
	sess.phase = PhaseSending
	c.messagesSynced += uint64(len(resolved))
	if hadConflict {
		c.conflictsResolved++
		handler = c.onConflict
	}
	if err := c.persistLocked(sess); err != nil {
		logrus.WithFields(logrus.Fields{
			"session": sessionID,
			"error":   err,
		}).Error("failed to persist sync state")
	}
	c.mu.Unlock()

	if handler != nil {
		handler(sessionID, incoming, resolved)
	}

	// Push phase: everything queued while we were behind goes out now.
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SyncTimeout)
	defer cancel()
	pushed, pushErr := c.bus.Flush(ctx)
	if pushErr != nil {
		logrus.WithFields(logrus.Fields{
			"session": sessionID,
			"error":   pushErr,
		}).Warn("push after sync incomplete, queue retains the rest")
	}

	// A round that pushed local messages returns to idle; a merge-only
	// round leaves the session synced with the relay.
	c.mu.Lock()
	if pushed > 0 && pushErr == nil {
		sess.phase = PhaseIdle
	} else {
		sess.phase = PhaseSynced
	}
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"session":  sessionID,
		"merged":   len(resolved),
		"seq":      resp.LatestSequence,
		"conflict": hadConflict,
	}).Info("sync completed")
}

func (c *Coordinator) handleConflictNotice(notice protocol.SyncConflict) {
	c.markAlive(notice.SessionID)
	logrus.WithFields(logrus.Fields{
		"session":   notice.SessionID,
		"conflicts": len(notice.ConflictingMessageIDs),
	}).Info("relay reported conflict resolution")
}

// markAlive resets heartbeat misses for sessionID, or for every session
// when the envelope carries no session routing.
func (c *Coordinator) markAlive(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, sess := range c.sessions {
		if sessionID == "" || id == sessionID {
			sess.missedHeartbeats = 0
		}
	}
}

// Start launches the heartbeat loop. Idempotent.
func (c *Coordinator) Start() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.stopChan = make(chan struct{})
	go c.heartbeatLoop(c.stopChan)
}

func (c *Coordinator) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.HeartbeatOnce(context.Background())
		}
	}
}

// HeartbeatOnce runs a single heartbeat cycle: send a liveness probe for
// every non-idle session and drop sessions that have been silent too
// long back to idle, re-announcing from persisted state. Exported so
// tests and reconnect paths can force a cycle.
func (c *Coordinator) HeartbeatOnce(ctx context.Context) {
	c.mu.Lock()
	var probe, expired []string
	for id, sess := range c.sessions {
		if sess.phase == PhaseIdle {
			continue
		}
		sess.missedHeartbeats++
		if sess.missedHeartbeats >= c.cfg.MaxMissedHeartbeats {
			sess.phase = PhaseIdle
			sess.lastError = "sync session timed out"
			sess.missedHeartbeats = 0
			c.heartbeatsMissed++
			c.resyncs++
			expired = append(expired, id)
		} else {
			probe = append(probe, id)
		}
	}
	c.mu.Unlock()

	for _, id := range probe {
		if err := c.bus.SendEnvelope(ctx, id, protocol.SyncHeartbeat{}); err != nil {
			logrus.WithFields(logrus.Fields{
				"session": id,
				"error":   err,
			}).Debug("heartbeat send failed")
		}
	}

	for _, id := range expired {
		logrus.WithField("session", id).Warn("sync session timed out, re-announcing")
		if err := c.StartSync(ctx, id); err != nil {
			logrus.WithFields(logrus.Fields{
				"session": id,
				"error":   err,
			}).Warn("re-announce failed, session stays idle")
		}
	}
}

// Resync restarts synchronization for every known session. The
// connectivity monitor calls this when the device comes back online.
func (c *Coordinator) Resync(ctx context.Context) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	c.resyncs += uint64(len(ids))
	c.mu.Unlock()

	for _, id := range ids {
		if err := c.StartSync(ctx, id); err != nil {
			logrus.WithFields(logrus.Fields{
				"session": id,
				"error":   err,
			}).Warn("resync failed")
		}
	}
}

// Status reports a session's sync progress.
func (c *Coordinator) Status(sessionID string) (Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess, ok := c.sessions[sessionID]
	if !ok {
		return Status{}, ErrUnknownSession
	}
	return Status{
		Phase:       sess.phase,
		InProgress:  sess.phase == PhaseAnnouncing || sess.phase == PhaseRequesting || sess.phase == PhaseAwaitingResponse || sess.phase == PhaseSending,
		LastSyncAt:  sess.state.LastSyncAt,
		QueuedCount: c.bus.QueuedCount(sessionID),
		LastError:   sess.lastError,
	}, nil
}

// Stats aggregates coordinator activity.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	active := 0
	for _, sess := range c.sessions {
		if sess.phase != PhaseIdle {
			active++
		}
	}
	return Stats{
		ActiveSessions:    active,
		MessagesSynced:    c.messagesSynced,
		ConflictsResolved: c.conflictsResolved,
		HeartbeatsMissed:  c.heartbeatsMissed,
		Resyncs:           c.resyncs,
	}
}

// Teardown stops the heartbeat loop, persists every session's state,
// and drops all sessions to idle. The coordinator can be restarted with
// StartSync afterwards.
func (c *Coordinator) Teardown() error {
	c.runMu.Lock()
	if c.running {
		c.running = false
		close(c.stopChan)
	}
	c.runMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for _, sess := range c.sessions {
		sess.phase = PhaseIdle
		if err := c.persistLocked(sess); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
