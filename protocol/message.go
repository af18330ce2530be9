// Package protocol defines the message model and the logical sync
// envelopes exchanged with a relay.
//
// Envelopes carry a type discriminator and are encoded as JSON; the wire
// framing underneath (websocket frames, length prefixes) belongs to the
// transport and is not this package's concern.
package protocol

import (
	"time"

	"github.com/google/uuid"

	"github.com/opd-ai/relaymsg/clock"
)

// Status represents the delivery state of a message.
type Status uint8

const (
	// StatusPending means the message is queued and waiting to be sent.
	StatusPending Status = iota
	// StatusSent means the message reached the transport but has not
	// been acknowledged by the relay.
	StatusSent
	// StatusAcknowledged means the relay confirmed receipt.
	StatusAcknowledged
	// StatusFailed means delivery was abandoned after exhausting retries.
	StatusFailed
	// StatusConflicted means the message is part of an unresolved
	// concurrent-edit set under the manual conflict strategy.
	StatusConflicted
)

// String returns the status name used in logs and status surfaces.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSent:
		return "sent"
	case StatusAcknowledged:
		return "acknowledged"
	case StatusFailed:
		return "failed"
	case StatusConflicted:
		return "conflicted"
	default:
		return "unknown"
	}
}

// Message is a single message in a session's stream. Messages are
// immutable once created; only Status transitions, and those are owned
// by the delivery bus and the sync coordinator.
type Message struct {
	ID        uuid.UUID   `json:"id"`
	SessionID string      `json:"session_id"`
	Sender    string      `json:"sender"` // originating device id
	Clock     clock.Clock `json:"clock"`  // snapshot at creation
	Timestamp time.Time   `json:"timestamp"` // advisory wall clock, tiebreak only
	Payload   []byte      `json:"payload"`   // opaque ciphertext
	Status    Status      `json:"status"`
}

// NewMessage builds a message stamped with the given clock snapshot.
func NewMessage(sessionID, sender string, c clock.Clock, payload []byte) Message {
	return Message{
		ID:        uuid.New(),
		SessionID: sessionID,
		Sender:    sender,
		Clock:     c,
		Timestamp: time.Now(),
		Payload:   payload,
		Status:    StatusPending,
	}
}
