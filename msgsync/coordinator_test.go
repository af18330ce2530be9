package msgsync

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/relaymsg/breaker"
	"github.com/opd-ai/relaymsg/bus"
	"github.com/opd-ai/relaymsg/clock"
	"github.com/opd-ai/relaymsg/conflict"
	"github.com/opd-ai/relaymsg/cryptobox"
	"github.com/opd-ai/relaymsg/protocol"
	"github.com/opd-ai/relaymsg/queue"
	"github.com/opd-ai/relaymsg/relay"
	"github.com/opd-ai/relaymsg/storage"
	"github.com/opd-ai/relaymsg/transport"
)

type fixture struct {
	coord *Coordinator
	bus   *bus.Bus
	mock  *transport.Mock
	store storage.Store
}

func newFixture(t *testing.T, deviceID string, store storage.Store) *fixture {
	t.Helper()
	return newFixtureStrategy(t, deviceID, store, conflict.ClockOrder)
}

func newFixtureStrategy(t *testing.T, deviceID string, store storage.Store, strategy conflict.Strategy) *fixture {
	t.Helper()

	if store == nil {
		store = storage.NewMemory()
	}
	q, err := queue.New(store, queue.DefaultConfig())
	require.NoError(t, err)

	relays := relay.NewRegistry(relay.DefaultConfig(), nil)
	require.NoError(t, relays.Add(relay.Endpoint{ID: "r1", URL: "wss://r1.example.com/ws"}))

	mock := transport.NewMock()
	b, err := bus.New(bus.Config{DeviceID: deviceID}, store, q,
		breaker.NewRegistry(breaker.Config{}), relays, mock, cryptobox.Plaintext{})
	require.NoError(t, err)
	require.NoError(t, b.Initialize(context.Background()))

	coord := New(Config{MaxMissedHeartbeats: 2}, b, store, conflict.NewResolver(strategy))
	return &fixture{coord: coord, bus: b, mock: mock, store: store}
}

func decodeFrame(t *testing.T, frame transport.SentFrame) (protocol.EnvelopeType, any) {
	t.Helper()
	envType, body, err := protocol.Decode(frame.Payload)
	require.NoError(t, err)
	return envType, body
}

func remoteMessage(t *testing.T, sessionID, sender string, base clock.Clock, payload string) protocol.Message {
	t.Helper()
	c, err := base.Tick(sender)
	require.NoError(t, err)
	return protocol.NewMessage(sessionID, sender, c, []byte(payload))
}

func deliverResponse(f *fixture, msgs []protocol.Message, latestSeq uint64, serverClock clock.Clock) {
	resp := protocol.SyncResponse{
		ServerVectorClock: serverClock,
		LatestSequence:    latestSeq,
	}
	for i, m := range msgs {
		resp.Messages = append(resp.Messages, protocol.SequencedMessage{
			Message:        m,
			SequenceNumber: uint64(i + 1),
			VectorClock:    m.Clock,
		})
	}
	payload, err := protocol.Encode(resp)
	if err != nil {
		panic(err)
	}
	f.mock.Deliver(payload)
}

func TestStartSyncSendsAnnounceThenRequest(t *testing.T) {
	f := newFixture(t, "device-a", nil)

	require.NoError(t, f.coord.StartSync(context.Background(), "s1"))

	frames := f.mock.Sent()
	require.Len(t, frames, 2)

	envType, body := decodeFrame(t, frames[0])
	assert.Equal(t, protocol.TypeDeviceAnnounce, envType)
	ann := body.(protocol.DeviceAnnounce)
	assert.Equal(t, "s1", ann.SessionID)
	assert.Equal(t, "device-a", ann.DeviceID)
	assert.Zero(t, ann.LastSyncedSequence)

	envType, body = decodeFrame(t, frames[1])
	assert.Equal(t, protocol.TypeSyncRequest, envType)
	req := body.(protocol.SyncRequest)
	assert.Equal(t, "s1", req.SessionID)

	status, err := f.coord.Status("s1")
	require.NoError(t, err)
	assert.Equal(t, PhaseAwaitingResponse, status.Phase)
	assert.True(t, status.InProgress)
}

func TestStartSyncOfflineFails(t *testing.T) {
	f := newFixture(t, "device-a", nil)
	require.NoError(t, f.bus.Disconnect())

	err := f.coord.StartSync(context.Background(), "s1")
	require.Error(t, err)
	assert.ErrorIs(t, err, bus.ErrDisconnected)

	status, serr := f.coord.Status("s1")
	require.NoError(t, serr)
	assert.Equal(t, PhaseIdle, status.Phase)
	assert.NotEmpty(t, status.LastError)
}

func TestStatusUnknownSession(t *testing.T) {
	f := newFixture(t, "device-a", nil)
	_, err := f.coord.Status("never-started")
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestSyncResponseMergesAndCompletes(t *testing.T) {
	f := newFixture(t, "device-a", nil)

	var mu sync.Mutex
	var got []string
	f.bus.Subscribe("s1", func(msg protocol.Message) {
		mu.Lock()
		got = append(got, string(msg.Payload))
		mu.Unlock()
	})

	require.NoError(t, f.coord.StartSync(context.Background(), "s1"))

	base := clock.Clock{"device-b": 0}
	m1 := remoteMessage(t, "s1", "device-b", base, "first")
	m2 := remoteMessage(t, "s1", "device-b", m1.Clock, "second")
	deliverResponse(f, []protocol.Message{m1, m2}, 2, m2.Clock)

	mu.Lock()
	assert.Equal(t, []string{"first", "second"}, got)
	mu.Unlock()

	status, err := f.coord.Status("s1")
	require.NoError(t, err)
	assert.Equal(t, PhaseSynced, status.Phase)
	assert.False(t, status.InProgress)
	assert.False(t, status.LastSyncAt.IsZero())

	assert.Equal(t, uint64(2), f.bus.Clock().Counter("device-b"))
	assert.Equal(t, uint64(2), f.coord.Stats().MessagesSynced)
}

func TestSyncStateSurvivesRestart(t *testing.T) {
	f := newFixture(t, "device-a", nil)
	require.NoError(t, f.coord.StartSync(context.Background(), "s1"))

	base := clock.Clock{}
	m1 := remoteMessage(t, "s1", "device-b", base, "x")
	deliverResponse(f, []protocol.Message{m1}, 7, m1.Clock)

	// A fresh coordinator over the same store resumes from sequence 7.
	f2 := newFixture(t, "device-a", f.store)
	require.NoError(t, f2.coord.StartSync(context.Background(), "s1"))

	frames := f2.mock.Sent()
	require.NotEmpty(t, frames)
	envType, body := decodeFrame(t, frames[0])
	require.Equal(t, protocol.TypeDeviceAnnounce, envType)
	assert.Equal(t, uint64(7), body.(protocol.DeviceAnnounce).LastSyncedSequence)
}

func TestSyncResponseIdempotentMerge(t *testing.T) {
	f := newFixture(t, "device-a", nil)

	var mu sync.Mutex
	delivered := 0
	f.bus.Subscribe("s1", func(protocol.Message) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	require.NoError(t, f.coord.StartSync(context.Background(), "s1"))

	m1 := remoteMessage(t, "s1", "device-b", clock.Clock{}, "once")
	deliverResponse(f, []protocol.Message{m1}, 1, m1.Clock)
	deliverResponse(f, []protocol.Message{m1}, 1, m1.Clock)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, delivered)
	assert.Equal(t, uint64(1), f.coord.Stats().MessagesSynced)
}

func TestConcurrentEditsConvergeAcrossDevices(t *testing.T) {
	// Two messages with concurrent clocks, delivered in opposite orders
	// to two devices, must be dispatched in the same resolved order.
	mb := remoteMessage(t, "s1", "device-b", clock.Clock{}, "from b")
	mc := remoteMessage(t, "s1", "device-c", clock.Clock{}, "from c")
	require.Equal(t, clock.Concurrent, clock.Compare(mb.Clock, mc.Clock))

	run := func(deviceID string, order []protocol.Message) []string {
		f := newFixture(t, deviceID, nil)
		var mu sync.Mutex
		var got []string
		f.bus.Subscribe("s1", func(msg protocol.Message) {
			mu.Lock()
			got = append(got, string(msg.Payload))
			mu.Unlock()
		})
		require.NoError(t, f.coord.StartSync(context.Background(), "s1"))
		deliverResponse(f, order, 2, clock.Merge(mb.Clock, mc.Clock))

		assert.Equal(t, uint64(1), f.coord.Stats().ConflictsResolved)
		mu.Lock()
		defer mu.Unlock()
		return got
	}

	gotX := run("device-x", []protocol.Message{mb, mc})
	gotY := run("device-y", []protocol.Message{mc, mb})
	require.Len(t, gotX, 2)
	assert.Equal(t, gotX, gotY, "devices must converge on one display order")
}

func TestConflictHandlerNotified(t *testing.T) {
	f := newFixture(t, "device-a", nil)

	var mu sync.Mutex
	var notifiedSession string
	var resolutionLen int
	f.coord.SetConflictHandler(func(sessionID string, conflicting, resolution []protocol.Message) {
		mu.Lock()
		notifiedSession = sessionID
		resolutionLen = len(resolution)
		mu.Unlock()
	})

	require.NoError(t, f.coord.StartSync(context.Background(), "s1"))

	mb := remoteMessage(t, "s1", "device-b", clock.Clock{}, "b")
	mc := remoteMessage(t, "s1", "device-c", clock.Clock{}, "c")
	deliverResponse(f, []protocol.Message{mb, mc}, 2, clock.Merge(mb.Clock, mc.Clock))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "s1", notifiedSession)
	assert.Equal(t, 2, resolutionLen)
}

func TestSequenceRegressionResetsSession(t *testing.T) {
	f := newFixture(t, "device-a", nil)
	require.NoError(t, f.coord.StartSync(context.Background(), "s1"))

	m1 := remoteMessage(t, "s1", "device-b", clock.Clock{}, "x")
	deliverResponse(f, []protocol.Message{m1}, 5, m1.Clock)

	status, err := f.coord.Status("s1")
	require.NoError(t, err)
	require.Equal(t, PhaseSynced, status.Phase)

	// The relay replies with an older sequence than we already hold.
	m2 := remoteMessage(t, "s1", "device-b", m1.Clock, "stale")
	deliverResponse(f, []protocol.Message{m2}, 3, m2.Clock)

	status, err = f.coord.Status("s1")
	require.NoError(t, err)
	assert.Equal(t, PhaseIdle, status.Phase)
	assert.NotEmpty(t, status.LastError)
}

func TestHeartbeatTimeoutReannounces(t *testing.T) {
	f := newFixture(t, "device-a", nil)
	require.NoError(t, f.coord.StartSync(context.Background(), "s1"))
	f.mock.Reset()
	ctx := context.Background()

	// First silent interval sends a probe.
	f.coord.HeartbeatOnce(ctx)
	frames := f.mock.Sent()
	require.Len(t, frames, 1)
	envType, _ := decodeFrame(t, frames[0])
	assert.Equal(t, protocol.TypeSyncHeartbeat, envType)

	// Second silent interval hits the miss limit: idle, then re-announce.
	f.coord.HeartbeatOnce(ctx)
	frames = f.mock.Sent()
	require.Len(t, frames, 3)
	envType, _ = decodeFrame(t, frames[1])
	assert.Equal(t, protocol.TypeDeviceAnnounce, envType)
	envType, _ = decodeFrame(t, frames[2])
	assert.Equal(t, protocol.TypeSyncRequest, envType)

	status, err := f.coord.Status("s1")
	require.NoError(t, err)
	assert.Equal(t, PhaseAwaitingResponse, status.Phase)

	stats := f.coord.Stats()
	assert.Equal(t, uint64(1), stats.HeartbeatsMissed)
	assert.Equal(t, uint64(1), stats.Resyncs)
}

func TestInboundTrafficResetsHeartbeatMisses(t *testing.T) {
	f := newFixture(t, "device-a", nil)
	require.NoError(t, f.coord.StartSync(context.Background(), "s1"))
	ctx := context.Background()

	f.coord.HeartbeatOnce(ctx)

	// A peer announce counts as liveness and resets the miss counter.
	payload, err := protocol.Encode(protocol.DeviceAnnounce{SessionID: "s1", DeviceID: "device-b"})
	require.NoError(t, err)
	f.mock.Deliver(payload)

	f.coord.HeartbeatOnce(ctx)
	status, serr := f.coord.Status("s1")
	require.NoError(t, serr)
	assert.Equal(t, PhaseAwaitingResponse, status.Phase, "session must not expire after reset")
	assert.Zero(t, f.coord.Stats().HeartbeatsMissed)
}

func TestResyncRestartsAllSessions(t *testing.T) {
	f := newFixture(t, "device-a", nil)
	ctx := context.Background()
	require.NoError(t, f.coord.StartSync(ctx, "s1"))
	require.NoError(t, f.coord.StartSync(ctx, "s2"))
	f.mock.Reset()

	f.coord.Resync(ctx)

	// Two sessions, one announce and one request each.
	assert.Len(t, f.mock.Sent(), 4)
	assert.Equal(t, uint64(2), f.coord.Stats().Resyncs)
}

func TestTeardownIdlesAndPersists(t *testing.T) {
	f := newFixture(t, "device-a", nil)
	f.coord.Start()
	f.coord.Start() // idempotent
	require.NoError(t, f.coord.StartSync(context.Background(), "s1"))

	require.NoError(t, f.coord.Teardown())
	status, err := f.coord.Status("s1")
	require.NoError(t, err)
	assert.Equal(t, PhaseIdle, status.Phase)

	_, ok, err := f.store.Load("sync/s1")
	require.NoError(t, err)
	assert.True(t, ok, "session state persisted on teardown")
}

func TestHeartbeatIgnoresIdleSessions(t *testing.T) {
	f := newFixture(t, "device-a", nil)
	require.NoError(t, f.coord.StartSync(context.Background(), "s1"))
	require.NoError(t, f.coord.Teardown())
	f.mock.Reset()

	f.coord.HeartbeatOnce(context.Background())
	assert.Empty(t, f.mock.Sent())
	assert.Zero(t, f.coord.Stats().ActiveSessions)
}

func TestPhaseStrings(t *testing.T) {
	assert.Equal(t, "idle", PhaseIdle.String())
	assert.Equal(t, "announcing", PhaseAnnouncing.String())
	assert.Equal(t, "requesting", PhaseRequesting.String())
	assert.Equal(t, "awaiting_response", PhaseAwaitingResponse.String())
	assert.Equal(t, "synced", PhaseSynced.String())
	assert.Equal(t, "sending", PhaseSending.String())
}

func TestManualStrategyDeliversConflictedMessages(t *testing.T) {
	f := newFixtureStrategy(t, "device-a", nil, conflict.Manual)

	var mu sync.Mutex
	var statuses []protocol.Status
	f.bus.Subscribe("s1", func(msg protocol.Message) {
		mu.Lock()
		statuses = append(statuses, msg.Status)
		mu.Unlock()
	})

	require.NoError(t, f.coord.StartSync(context.Background(), "s1"))

	mb := remoteMessage(t, "s1", "device-b", clock.Clock{}, "edit from b")
	mc := remoteMessage(t, "s1", "device-c", clock.Clock{}, "edit from c")
	require.Equal(t, clock.Concurrent, clock.Compare(mb.Clock, mc.Clock))
	deliverResponse(f, []protocol.Message{mb, mc}, 2, clock.Merge(mb.Clock, mc.Clock))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, statuses, 2)
	assert.Equal(t, protocol.StatusConflicted, statuses[0])
	assert.Equal(t, protocol.StatusConflicted, statuses[1])
	assert.Equal(t, uint64(1), f.coord.Stats().ConflictsResolved)
}

func TestQueuedPushReturnsSessionToIdle(t *testing.T) {
	f := newFixture(t, "device-a", nil)

	c, err := clock.New().Tick("device-a")
	require.NoError(t, err)
	queued := protocol.NewMessage("s1", "device-a", c, []byte("drafted offline"))
	require.NoError(t, f.bus.Queue().Enqueue("s1", queued))

	require.NoError(t, f.coord.StartSync(context.Background(), "s1"))
	f.mock.Reset()

	deliverResponse(f, nil, 0, clock.Clock{})

	frames := f.mock.Sent()
	require.Len(t, frames, 1, "queued message pushed during the sending phase")
	envType, _ := decodeFrame(t, frames[0])
	assert.Equal(t, protocol.TypeSyncUpdate, envType)

	status, err := f.coord.Status("s1")
	require.NoError(t, err)
	assert.Equal(t, PhaseIdle, status.Phase, "session returns to idle after pushing")
	assert.False(t, status.InProgress)
	assert.Empty(t, status.LastError)
}
