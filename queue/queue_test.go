package queue

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/relaymsg/clock"
	"github.com/opd-ai/relaymsg/protocol"
	"github.com/opd-ai/relaymsg/storage"
)

// fakeTime is a manually advanced TimeProvider.
type fakeTime struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeTime() *fakeTime {
	return &fakeTime{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeTime) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeTime) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestQueue(t *testing.T, tp TimeProvider) *Queue {
	cfg := DefaultConfig()
	cfg.Time = tp
	cfg.JitterFraction = 0 // deterministic delays in tests
	q, err := New(storage.NewMemory(), cfg)
	require.NoError(t, err)
	return q
}

func testMessage(session string) protocol.Message {
	return protocol.NewMessage(session, "d1", clock.Clock{"d1": 1}, []byte("payload"))
}

func TestEnqueueFIFOOrder(t *testing.T) {
	q := newTestQueue(t, newFakeTime())

	a, b, c := testMessage("s1"), testMessage("s1"), testMessage("s1")
	require.NoError(t, q.Enqueue("relay-1", a))
	require.NoError(t, q.Enqueue("relay-1", b))
	require.NoError(t, q.Enqueue("relay-1", c))

	batch := q.NextBatch("relay-1", 10)
	require.Len(t, batch, 3)
	assert.Equal(t, a.ID, batch[0].Message.ID)
	assert.Equal(t, b.ID, batch[1].Message.ID)
	assert.Equal(t, c.ID, batch[2].Message.ID)
}

func TestEnqueueEmptyDestination(t *testing.T) {
	q := newTestQueue(t, newFakeTime())
	assert.ErrorIs(t, q.Enqueue("", testMessage("s1")), ErrEmptyDestination)
}

func TestNextBatchDoesNotRemove(t *testing.T) {
	q := newTestQueue(t, newFakeTime())
	require.NoError(t, q.Enqueue("relay-1", testMessage("s1")))

	// At-least-once: the entry stays retrievable until acknowledged.
	assert.Len(t, q.NextBatch("relay-1", 10), 1)
	assert.Len(t, q.NextBatch("relay-1", 10), 1)
	assert.Equal(t, 1, q.Size("relay-1"))
}

func TestNextBatchHonorsMaxSize(t *testing.T) {
	q := newTestQueue(t, newFakeTime())
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue("relay-1", testMessage("s1")))
	}
	assert.Len(t, q.NextBatch("relay-1", 2), 2)
}

func TestAcknowledgeIdempotent(t *testing.T) {
	q := newTestQueue(t, newFakeTime())
	msg := testMessage("s1")
	require.NoError(t, q.Enqueue("relay-1", msg))

	require.NoError(t, q.Acknowledge(msg.ID))
	assert.Equal(t, 0, q.Size("relay-1"))

	// Second ack is a no-op, not an error.
	require.NoError(t, q.Acknowledge(msg.ID))
	assert.Equal(t, 0, q.Size("relay-1"))
}

func TestMarkSentAwaitsAck(t *testing.T) {
	tp := newFakeTime()
	q := newTestQueue(t, tp)
	msg := testMessage("s1")
	require.NoError(t, q.Enqueue("relay-1", msg))

	require.NoError(t, q.MarkSent(msg.ID))

	// The entry stays queued but is not re-offered while the ack is
	// outstanding.
	assert.Equal(t, 1, q.Size("relay-1"))
	assert.Empty(t, q.NextBatch("relay-1", 10))

	entry, err := q.Entry(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusSent, entry.Message.Status)

	// No ack within the timeout: redelivery.
	tp.Advance(31 * time.Second)
	assert.Len(t, q.NextBatch("relay-1", 10), 1)

	// The relay's ack is what removes the entry.
	require.NoError(t, q.Acknowledge(msg.ID))
	assert.Equal(t, 0, q.Size("relay-1"))
}

func TestMarkSentUnknownID(t *testing.T) {
	q := newTestQueue(t, newFakeTime())
	assert.ErrorIs(t, q.MarkSent(testMessage("s1").ID), ErrNotFound)
}

func TestMarkFailedBackoffSchedule(t *testing.T) {
	tp := newFakeTime()
	q := newTestQueue(t, tp)
	msg := testMessage("s1")
	require.NoError(t, q.Enqueue("relay-1", msg))

	require.NoError(t, q.MarkFailed(msg.ID, errors.New("connection refused")))

	// Not eligible until the backoff elapses.
	assert.Empty(t, q.NextBatch("relay-1", 10))
	tp.Advance(time.Second)
	assert.Len(t, q.NextBatch("relay-1", 10), 1)

	// Second failure doubles the delay.
	require.NoError(t, q.MarkFailed(msg.ID, errors.New("connection refused")))
	tp.Advance(time.Second)
	assert.Empty(t, q.NextBatch("relay-1", 10))
	tp.Advance(time.Second)
	assert.Len(t, q.NextBatch("relay-1", 10), 1)
}

func TestMarkFailedTerminalAfterMaxRetries(t *testing.T) {
	tp := newFakeTime()
	q := newTestQueue(t, tp)
	msg := testMessage("s1")
	require.NoError(t, q.Enqueue("relay-1", msg))

	// MaxRetries=2: the third failure is terminal.
	require.NoError(t, q.MarkFailed(msg.ID, errors.New("timeout")))
	require.NoError(t, q.MarkFailed(msg.ID, errors.New("timeout")))
	require.NoError(t, q.MarkFailed(msg.ID, errors.New("refused")))

	tp.Advance(time.Hour)
	assert.Empty(t, q.NextBatch("relay-1", 10), "failed entries must not be retried")
	assert.Equal(t, 0, q.Size("relay-1"))

	failed := q.FailedEntries()
	require.Len(t, failed, 1, "failed entries are retained, not dropped")
	assert.Equal(t, msg.ID, failed[0].Message.ID)
	assert.Equal(t, 3, failed[0].RetryCount)
	assert.Equal(t, "refused", failed[0].LastError)
	assert.Equal(t, protocol.StatusFailed, failed[0].Message.Status)
}

func TestMarkFailedUnknownID(t *testing.T) {
	q := newTestQueue(t, newFakeTime())
	assert.ErrorIs(t, q.MarkFailed(testMessage("s1").ID, errors.New("x")), ErrNotFound)
}

func TestQueueSurvivesReload(t *testing.T) {
	store := storage.NewMemory()
	tp := newFakeTime()
	cfg := DefaultConfig()
	cfg.Time = tp
	cfg.JitterFraction = 0

	q, err := New(store, cfg)
	require.NoError(t, err)

	a, b := testMessage("s1"), testMessage("s1")
	require.NoError(t, q.Enqueue("relay-1", a))
	require.NoError(t, q.Enqueue("relay-1", b))
	require.NoError(t, q.Enqueue("relay-2", testMessage("s2")))

	// A new queue over the same store sees the same entries in order.
	q2, err := New(store, cfg)
	require.NoError(t, err)

	batch := q2.NextBatch("relay-1", 10)
	require.Len(t, batch, 2)
	assert.Equal(t, a.ID, batch[0].Message.ID)
	assert.Equal(t, b.ID, batch[1].Message.ID)
	assert.Equal(t, 1, q2.Size("relay-2"))
	assert.Equal(t, []string{"relay-1", "relay-2"}, q2.Destinations())
}

func TestOldestAge(t *testing.T) {
	tp := newFakeTime()
	q := newTestQueue(t, tp)
	assert.Zero(t, q.OldestAge("relay-1"))

	require.NoError(t, q.Enqueue("relay-1", testMessage("s1")))
	tp.Advance(42 * time.Second)
	assert.Equal(t, 42*time.Second, q.OldestAge("relay-1"))
}

func TestPerDestinationIsolation(t *testing.T) {
	q := newTestQueue(t, newFakeTime())
	m1, m2 := testMessage("s1"), testMessage("s2")
	require.NoError(t, q.Enqueue("relay-1", m1))
	require.NoError(t, q.Enqueue("relay-2", m2))

	assert.Len(t, q.NextBatch("relay-1", 10), 1)
	require.NoError(t, q.Acknowledge(m1.ID))
	assert.Equal(t, 0, q.Size("relay-1"))
	assert.Equal(t, 1, q.Size("relay-2"))
	assert.Equal(t, 1, q.TotalSize())
}

func TestBackoffJitterBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Time = newFakeTime()
	q, err := New(storage.NewMemory(), cfg)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		d := q.backoff(1)
		assert.GreaterOrEqual(t, d, cfg.BaseDelay)
		assert.Less(t, d, time.Duration(float64(cfg.BaseDelay)*1.3)+time.Millisecond)
	}
}
