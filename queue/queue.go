// Package queue implements the durable per-destination delivery queue.
//
// The queue holds outbound messages until the relay acknowledges them:
// entries are appended in FIFO order per destination, handed out in
// batches for sending without being removed (at-least-once semantics),
// and only dropped on explicit acknowledgment. Failed sends are
// rescheduled with exponential backoff and jitter until the retry budget
// is exhausted, at which point the entry moves to a terminal failed
// state that is retained for error reporting rather than silently
// dropped.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opd-ai/relaymsg/protocol"
	"github.com/opd-ai/relaymsg/storage"
)

var (
	// ErrNotFound indicates the message id is not present in the queue.
	ErrNotFound = errors.New("queue entry not found")
	// ErrEmptyDestination indicates an enqueue with no destination.
	ErrEmptyDestination = errors.New("destination cannot be empty")
)

// TimeProvider supplies the current time. Injectable for deterministic
// backoff tests.
type TimeProvider interface {
	Now() time.Time
}

type realTime struct{}

func (realTime) Now() time.Time { return time.Now() }

// Entry wraps a queued message with its retry bookkeeping.
type Entry struct {
	Destination string           `json:"destination"`
	Seq         uint64           `json:"seq"` // enqueue order, monotonic per queue
	Message     protocol.Message `json:"message"`
	RetryCount  int              `json:"retry_count"`
	NextRetryAt time.Time        `json:"next_retry_at"`
	LastError   string           `json:"last_error,omitempty"`
	Failed      bool             `json:"failed"`
	EnqueuedAt  time.Time        `json:"enqueued_at"`
}

// Config tunes retry behavior.
type Config struct {
	// MaxRetries is the maximum number of additional attempts after the
	// first. MaxRetries=2 therefore allows 3 total attempts before an
	// entry becomes terminally failed.
	MaxRetries int
	// BaseDelay seeds the exponential backoff: delay = BaseDelay * 2^retry.
	BaseDelay time.Duration
	// MaxDelay caps the backoff before jitter.
	MaxDelay time.Duration
	// JitterFraction is the maximum random extension of a delay, as a
	// fraction of the computed delay. 0.3 adds up to 30%.
	JitterFraction float64
	// AckTimeout is how long a sent entry waits for the relay's ack
	// before being offered for redelivery.
	AckTimeout time.Duration
	// Time overrides the clock; nil uses the system clock.
	Time TimeProvider
}

// DefaultConfig matches the delivery bus defaults: 2 retries after the
// initial attempt, 1s base delay capped at 1 minute, 30% jitter, 30s
// ack timeout.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     2,
		BaseDelay:      time.Second,
		MaxDelay:       time.Minute,
		JitterFraction: 0.3,
		AckTimeout:     30 * time.Second,
	}
}

// Queue is the delivery queue. All methods are safe for concurrent use;
// mutations to one destination's entries serialize on the queue lock.
type Queue struct {
	mu      sync.Mutex
	cfg     Config
	store   storage.Store
	time    TimeProvider
	rng     *rand.Rand
	byDest  map[string][]*Entry // pending entries, FIFO
	byID    map[uuid.UUID]*Entry
	nextSeq uint64
}

// New creates a queue over the given store and reloads any entries a
// previous process left behind, preserving their enqueue order.
func New(store storage.Store, cfg Config) (*Queue, error) {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = time.Minute
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 30 * time.Second
	}
	tp := cfg.Time
	if tp == nil {
		tp = realTime{}
	}

	q := &Queue{
		cfg:    cfg,
		store:  store,
		time:   tp,
		rng:    rand.New(rand.NewSource(tp.Now().UnixNano())),
		byDest: make(map[string][]*Entry),
		byID:   make(map[uuid.UUID]*Entry),
	}
	if err := q.reload(); err != nil {
		return nil, fmt.Errorf("reload queue: %w", err)
	}
	return q, nil
}

// reload restores persisted entries. Keys sort by destination then
// zero-padded sequence, so List order is enqueue order per destination.
func (q *Queue) reload() error {
	kvs, err := q.store.List("queue/")
	if err != nil {
		return err
	}
	for _, kv := range kvs {
		var e Entry
		if err := json.Unmarshal(kv.Value, &e); err != nil {
			return fmt.Errorf("corrupt queue entry %q: %w", kv.Key, err)
		}
		entry := e
		q.byID[entry.Message.ID] = &entry
		if !entry.Failed {
			q.byDest[entry.Destination] = append(q.byDest[entry.Destination], &entry)
		}
		if entry.Seq >= q.nextSeq {
			q.nextSeq = entry.Seq + 1
		}
	}
	for dest := range q.byDest {
		entries := q.byDest[dest]
		sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	}
	return nil
}

func entryKey(e *Entry) string {
	return fmt.Sprintf("queue/%s/%020d", e.Destination, e.Seq)
}

func (q *Queue) persist(e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal queue entry: %w", err)
	}
	return q.store.Persist(entryKey(e), data)
}

// Enqueue appends msg to destination's queue. Existing entries are never
// reordered.
func (q *Queue) Enqueue(destination string, msg protocol.Message) error {
	if destination == "" {
		return ErrEmptyDestination
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.byID[msg.ID]; exists {
		// Duplicate enqueue is a no-op; the entry is already tracked.
		return nil
	}

	entry := &Entry{
		Destination: destination,
		Seq:         q.nextSeq,
		Message:     msg,
		EnqueuedAt:  q.time.Now(),
	}
	q.nextSeq++

	if err := q.persist(entry); err != nil {
		return err
	}
	q.byDest[destination] = append(q.byDest[destination], entry)
	q.byID[msg.ID] = entry
	return nil
}

// NextBatch returns up to maxSize entries for destination whose retry
// time has arrived, oldest first. Entries are copied, not removed;
// removal happens only on Acknowledge.
func (q *Queue) NextBatch(destination string, maxSize int) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.time.Now()
	var batch []Entry
	for _, e := range q.byDest[destination] {
		if len(batch) >= maxSize {
			break
		}
		if e.NextRetryAt.After(now) {
			continue
		}
		batch = append(batch, *e)
	}
	return batch
}

// MarkSent records that the entry for id was handed to the transport.
// The entry stays queued: a transport write is not relay receipt, so
// removal waits for Acknowledge. If no ack arrives within AckTimeout
// the entry is offered for redelivery; receivers de-duplicate by id.
func (q *Queue) MarkSent(id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.byID[id]
	if !ok {
		return ErrNotFound
	}
	entry.Message.Status = protocol.StatusSent
	entry.NextRetryAt = q.time.Now().Add(q.cfg.AckTimeout)
	return q.persist(entry)
}

// Acknowledge removes the entry for id. Acknowledging an unknown or
// already-acknowledged id is a no-op, so duplicate acks from the relay
// are harmless.
func (q *Queue) Acknowledge(id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.byID[id]
	if !ok {
		return nil
	}
	if err := q.store.Delete(entryKey(entry)); err != nil {
		return err
	}
	delete(q.byID, id)
	q.removeFromDest(entry)
	return nil
}

func (q *Queue) removeFromDest(entry *Entry) {
	entries := q.byDest[entry.Destination]
	for i, e := range entries {
		if e == entry {
			q.byDest[entry.Destination] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(q.byDest[entry.Destination]) == 0 {
		delete(q.byDest, entry.Destination)
	}
}

// MarkFailed records a failed send attempt for id. The entry is
// rescheduled with exponential backoff and jitter; once the retry count
// exceeds MaxRetries it transitions to the terminal failed state and is
// no longer offered by NextBatch.
func (q *Queue) MarkFailed(id uuid.UUID, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.byID[id]
	if !ok {
		return ErrNotFound
	}

	entry.RetryCount++
	if cause != nil {
		entry.LastError = cause.Error()
	}

	if entry.RetryCount > q.cfg.MaxRetries {
		entry.Failed = true
		entry.Message.Status = protocol.StatusFailed
		q.removeFromDest(entry)
	} else {
		entry.NextRetryAt = q.time.Now().Add(q.backoff(entry.RetryCount))
	}
	return q.persist(entry)
}

// backoff computes BaseDelay * 2^(retry-1) capped at MaxDelay, plus up
// to JitterFraction random extension to avoid synchronized retry storms.
func (q *Queue) backoff(retryCount int) time.Duration {
	shift := uint(retryCount - 1)
	if shift > 30 {
		shift = 30
	}
	delay := q.cfg.BaseDelay << shift
	if delay > q.cfg.MaxDelay {
		delay = q.cfg.MaxDelay
	}
	if q.cfg.JitterFraction > 0 {
		delay += time.Duration(q.rng.Float64() * q.cfg.JitterFraction * float64(delay))
	}
	return delay
}

// Size returns the number of pending (not failed) entries for
// destination. Exposed for back-pressure decisions.
func (q *Queue) Size(destination string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byDest[destination])
}

// TotalSize returns the number of pending entries across destinations.
func (q *Queue) TotalSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for _, entries := range q.byDest {
		total += len(entries)
	}
	return total
}

// OldestAge returns how long the oldest pending entry for destination
// has been queued, or zero if the queue is empty.
func (q *Queue) OldestAge(destination string) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries := q.byDest[destination]
	if len(entries) == 0 {
		return 0
	}
	return q.time.Now().Sub(entries[0].EnqueuedAt)
}

// Destinations returns every destination with pending entries.
func (q *Queue) Destinations() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.byDest))
	for dest := range q.byDest {
		out = append(out, dest)
	}
	sort.Strings(out)
	return out
}

// Entry returns a copy of the entry for id.
func (q *Queue) Entry(id uuid.UUID) (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.byID[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return *entry, nil
}

// FailedEntries returns the terminally failed entries, oldest first.
// They remain recorded until acknowledged (e.g. after a manual resend).
func (q *Queue) FailedEntries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Entry
	for _, e := range q.byID {
		if e.Failed {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}
