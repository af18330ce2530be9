package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opd-ai/relaymsg/clock"
)

// EnvelopeType identifies a sync protocol envelope.
type EnvelopeType string

const (
	TypeDeviceAnnounce EnvelopeType = "DEVICE_ANNOUNCE"
	TypeSyncRequest    EnvelopeType = "SYNC_REQUEST"
	TypeSyncResponse   EnvelopeType = "SYNC_RESPONSE"
	TypeSyncUpdate     EnvelopeType = "SYNC_UPDATE"
	TypeSyncAck        EnvelopeType = "SYNC_ACK"
	TypeSyncConflict   EnvelopeType = "SYNC_CONFLICT"
	TypeSyncHeartbeat  EnvelopeType = "SYNC_HEARTBEAT"
)

var (
	// ErrUnknownEnvelope indicates a payload whose type discriminator
	// does not match any known envelope.
	ErrUnknownEnvelope = errors.New("unknown envelope type")
	// ErrSequenceRegression indicates a relay response whose sequence
	// number moved backwards relative to local sync state.
	ErrSequenceRegression = errors.New("sequence regression")
)

// SequencedMessage pairs a message with the relay-assigned sequence
// number and the vector clock the relay stored alongside it.
type SequencedMessage struct {
	Message        Message     `json:"message"`
	SequenceNumber uint64      `json:"sequence_number"`
	VectorClock    clock.Clock `json:"vector_clock"`
	LocalTimestamp time.Time   `json:"local_timestamp,omitempty"`
}

// DeviceAnnounce introduces a device to the relay for a session.
type DeviceAnnounce struct {
	SessionID          string      `json:"session_id"`
	DeviceID           string      `json:"device_id"`
	DeviceInfo         string      `json:"device_info,omitempty"`
	LastSyncedSequence uint64      `json:"last_synced_sequence"`
	VectorClock        clock.Clock `json:"vector_clock"`
}

// SyncRequest asks the relay for every message after LastSyncedSequence.
type SyncRequest struct {
	SessionID          string      `json:"session_id"`
	DeviceID           string      `json:"device_id"`
	LastSyncedSequence uint64      `json:"last_synced_sequence"`
	VectorClock        clock.Clock `json:"vector_clock"`
}

// SyncResponse carries the relay's message log tail.
type SyncResponse struct {
	Messages          []SequencedMessage `json:"messages"`
	ServerVectorClock clock.Clock        `json:"server_vector_clock"`
	LatestSequence    uint64             `json:"latest_sequence"`
}

// SyncUpdate pushes locally queued messages to the relay.
type SyncUpdate struct {
	SessionID string             `json:"session_id"`
	DeviceID  string             `json:"device_id"`
	Messages  []SequencedMessage `json:"messages"`
}

// SyncAck confirms relay receipt of pushed messages.
type SyncAck struct {
	AcknowledgedMessageIDs []uuid.UUID `json:"acknowledged_message_ids"`
	VectorClock            clock.Clock `json:"vector_clock"`
}

// SyncConflict reports a concurrent-edit set and its resolved order.
// Informational: the resolved order has already been applied locally.
type SyncConflict struct {
	SessionID             string      `json:"session_id"`
	ConflictingMessageIDs []uuid.UUID `json:"conflicting_message_ids"`
	Resolution            []uuid.UUID `json:"resolution"`
}

// SyncHeartbeat keeps a sync session alive.
type SyncHeartbeat struct{}

// Envelope is the framed form of any sync protocol message.
type Envelope struct {
	Type    EnvelopeType    `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode wraps a protocol body in an Envelope and serializes it.
func Encode(body any) ([]byte, error) {
	var t EnvelopeType
	switch body.(type) {
	case DeviceAnnounce, *DeviceAnnounce:
		t = TypeDeviceAnnounce
	case SyncRequest, *SyncRequest:
		t = TypeSyncRequest
	case SyncResponse, *SyncResponse:
		t = TypeSyncResponse
	case SyncUpdate, *SyncUpdate:
		t = TypeSyncUpdate
	case SyncAck, *SyncAck:
		t = TypeSyncAck
	case SyncConflict, *SyncConflict:
		t = TypeSyncConflict
	case SyncHeartbeat, *SyncHeartbeat:
		t = TypeSyncHeartbeat
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEnvelope, body)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}
	return json.Marshal(Envelope{Type: t, Payload: payload})
}

// Decode parses a framed envelope and returns the typed body.
func Decode(data []byte) (EnvelopeType, any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("malformed envelope: %w", err)
	}

	var (
		body any
		err  error
	)
	switch env.Type {
	case TypeDeviceAnnounce:
		body, err = decodeAs[DeviceAnnounce](env.Payload)
	case TypeSyncRequest:
		body, err = decodeAs[SyncRequest](env.Payload)
	case TypeSyncResponse:
		body, err = decodeAs[SyncResponse](env.Payload)
	case TypeSyncUpdate:
		body, err = decodeAs[SyncUpdate](env.Payload)
	case TypeSyncAck:
		body, err = decodeAs[SyncAck](env.Payload)
	case TypeSyncConflict:
		body, err = decodeAs[SyncConflict](env.Payload)
	case TypeSyncHeartbeat:
		body, err = decodeAs[SyncHeartbeat](env.Payload)
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownEnvelope, env.Type)
	}
	if err != nil {
		return env.Type, nil, fmt.Errorf("malformed %s payload: %w", env.Type, err)
	}
	return env.Type, body, nil
}

func decodeAs[T any](payload json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(payload, &v)
	return v, err
}

// CheckSequence validates that next does not regress behind current.
func CheckSequence(current, next uint64) error {
	if next < current {
		return fmt.Errorf("%w: have %d, got %d", ErrSequenceRegression, current, next)
	}
	return nil
}
