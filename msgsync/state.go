package msgsync

import (
	"time"

	"github.com/opd-ai/relaymsg/clock"
)

// Phase is a sync session's position in the synchronization state
// machine.
type Phase uint8

const (
	// PhaseIdle means no sync is active for the session.
	PhaseIdle Phase = iota
	// PhaseAnnouncing means the device announce was sent and the
	// coordinator is about to request the message log tail.
	PhaseAnnouncing
	// PhaseRequesting means the announce went out and the sync request
	// is being sent.
	PhaseRequesting
	// PhaseAwaitingResponse means a sync request is outstanding.
	PhaseAwaitingResponse
	// PhaseSynced means the session is caught up with the relay.
	PhaseSynced
	// PhaseSending means queued local messages are being pushed.
	PhaseSending
)

// String returns the log name of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseAnnouncing:
		return "announcing"
	case PhaseRequesting:
		return "requesting"
	case PhaseAwaitingResponse:
		return "awaiting_response"
	case PhaseSynced:
		return "synced"
	case PhaseSending:
		return "sending"
	default:
		return "idle"
	}
}

// State is the durable sync position for one session on this device.
// It survives restarts so a device resumes from its last synced
// sequence instead of refetching the whole log.
type State struct {
	SessionID          string      `json:"session_id"`
	DeviceID           string      `json:"device_id"`
	LastSyncedSequence uint64      `json:"last_synced_sequence"`
	VectorClock        clock.Clock `json:"vector_clock"`
	LastSyncAt         time.Time   `json:"last_sync_at"`
}

// Status is a point-in-time view of a session's sync progress for the
// application layer.
type Status struct {
	Phase       Phase
	InProgress  bool
	LastSyncAt  time.Time
	QueuedCount int
	LastError   string
}

// Stats aggregates coordinator activity across sessions.
type Stats struct {
	ActiveSessions    int
	MessagesSynced    uint64
	ConflictsResolved uint64
	HeartbeatsMissed  uint64
	Resyncs           uint64
}
