// Package relaymsg implements a relay-based messaging client with
// multi-device synchronization.
//
// A Client owns the full delivery pipeline: messages are clock-stamped,
// persisted to a durable queue, encrypted, and pushed through a
// websocket transport to the configured relay, with circuit breaking
// and automatic failover between relays. The sync coordinator brings
// devices that were offline back up to date, resolving concurrent edits
// deterministically so every device converges on the same order.
//
// Basic usage:
//
//	cfg, err := config.Load("relaymsg.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	client, err := relaymsg.New(&relaymsg.Options{Config: cfg})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.Subscribe("family-chat", func(msg protocol.Message) {
//		fmt.Printf("%s: %s\n", msg.Sender, msg.Payload)
//	})
//	client.SetOnline(true)
//	client.Send(ctx, "family-chat", []byte("hello"))
package relaymsg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/relaymsg/breaker"
	"github.com/opd-ai/relaymsg/bus"
	"github.com/opd-ai/relaymsg/clock"
	"github.com/opd-ai/relaymsg/config"
	"github.com/opd-ai/relaymsg/conflict"
	"github.com/opd-ai/relaymsg/cryptobox"
	"github.com/opd-ai/relaymsg/monitor"
	"github.com/opd-ai/relaymsg/msgsync"
	"github.com/opd-ai/relaymsg/queue"
	"github.com/opd-ai/relaymsg/relay"
	"github.com/opd-ai/relaymsg/storage"
	"github.com/opd-ai/relaymsg/transport"
)

// ErrNoConfig indicates Options without a configuration.
var ErrNoConfig = errors.New("options require a config")

// Options configures a Client. Config is required; the remaining fields
// override the defaults built from it and exist mainly for embedding
// and tests.
type Options struct {
	Config *config.Config

	// EncryptionKey is the 32-byte symmetric session key. Nil disables
	// encryption, which is only sensible in tests.
	EncryptionKey *[32]byte

	// Transport overrides the websocket transport.
	Transport transport.Transport
	// Store overrides the storage backend selected by StoragePath.
	Store storage.Store
	// Prober overrides the websocket health prober.
	Prober relay.Prober
}

// Client is the top-level messaging client.
type Client struct {
	cfg     *config.Config
	store   storage.Store
	queue   *queue.Queue
	relays  *relay.Registry
	bus     *bus.Bus
	coord   *msgsync.Coordinator
	monitor *monitor.Monitor
}

// New assembles a client from options. The client starts offline; call
// SetOnline(true) once the platform reports connectivity.
func New(options *Options) (*Client, error) {
	if options == nil || options.Config == nil {
		return nil, ErrNoConfig
	}
	cfg := options.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}

	store := options.Store
	if store == nil {
		var err error
		store, err = openStore(cfg.StoragePath)
		if err != nil {
			return nil, err
		}
	}

	q, err := queue.New(store, cfg.QueueConfig())
	if err != nil {
		store.Close()
		return nil, err
	}

	prober := options.Prober
	if prober == nil {
		prober = websocketProber(cfg.RelayConfig().ProbeTimeout)
	}
	relays := relay.NewRegistry(cfg.RelayConfig(), prober)
	for _, ep := range cfg.Endpoints() {
		if err := relays.Add(ep); err != nil {
			store.Close()
			return nil, fmt.Errorf("register relay %q: %w", ep.ID, err)
		}
	}

	tr := options.Transport
	if tr == nil {
		tr = transport.NewWebSocket()
	}

	enc, err := buildEncryptor(options.EncryptionKey)
	if err != nil {
		store.Close()
		return nil, err
	}

	b, err := bus.New(bus.Config{
		DeviceID:       cfg.DeviceID,
		MaxMessageSize: cfg.MaxMessageSize,
	}, store, q, breaker.NewRegistry(cfg.BreakerConfig()), relays, tr, enc)
	if err != nil {
		store.Close()
		return nil, err
	}

	coord := msgsync.New(cfg.SyncConfig(), b, store, conflict.NewResolver(cfg.ResolverStrategy()))

	c := &Client{
		cfg:     cfg,
		store:   store,
		queue:   q,
		relays:  relays,
		bus:     b,
		coord:   coord,
		monitor: monitor.New(monitor.Config{}, b, coord),
	}

	relays.StartProbing()
	coord.Start()

	logrus.WithFields(logrus.Fields{
		"device": cfg.DeviceID,
		"relays": len(cfg.Relays),
	}).Info("client created")
	return c, nil
}

func openStore(path string) (storage.Store, error) {
	if path == "" {
		return storage.NewMemory(), nil
	}
	return storage.NewSQLite(path)
}

func buildEncryptor(key *[32]byte) (cryptobox.Encryptor, error) {
	if key == nil {
		return cryptobox.Plaintext{}, nil
	}
	return cryptobox.NewSecretBox(*key), nil
}

// websocketProber measures relay round trip by completing a websocket
// handshake and closing the connection.
func websocketProber(timeout time.Duration) relay.Prober {
	dialer := &websocket.Dialer{HandshakeTimeout: timeout}
	return relay.ProberFunc(func(ctx context.Context, ep relay.Endpoint) (time.Duration, error) {
		start := time.Now()
		conn, _, err := dialer.DialContext(ctx, ep.URL, nil)
		if err != nil {
			return 0, err
		}
		conn.Close()
		return time.Since(start), nil
	})
}

// Send delivers plaintext to every device in the session. The receipt
// reports whether the message went out immediately or was queued for a
// later flush.
func (c *Client) Send(ctx context.Context, sessionID string, plaintext []byte) (bus.Receipt, error) {
	return c.bus.Send(ctx, sessionID, plaintext)
}

// Subscribe registers handler for messages delivered to the session.
func (c *Client) Subscribe(sessionID string, handler bus.Handler) *bus.Subscription {
	return c.bus.Subscribe(sessionID, handler)
}

// StartSync announces this device for the session and requests the
// message backlog from the relay.
func (c *Client) StartSync(ctx context.Context, sessionID string) error {
	return c.coord.StartSync(ctx, sessionID)
}

// SyncStatus reports a session's sync progress.
func (c *Client) SyncStatus(sessionID string) (msgsync.Status, error) {
	return c.coord.Status(sessionID)
}

// SyncStats aggregates sync activity across sessions.
func (c *Client) SyncStats() msgsync.Stats {
	return c.coord.Stats()
}

// SetConflictHandler registers the application's conflict callback.
func (c *Client) SetConflictHandler(h msgsync.ConflictHandler) {
	c.coord.SetConflictHandler(h)
}

// RelayMetrics reports relay health for the application layer.
func (c *Client) RelayMetrics() relay.Metrics {
	return c.relays.Metrics()
}

// SetOnline reports a connectivity transition. Going online reconnects,
// drains the delivery queue, and resyncs every session.
func (c *Client) SetOnline(online bool) {
	c.monitor.SetOnline(online)
	if !online {
		if err := c.bus.Disconnect(); err != nil {
			logrus.WithField("error", err).Debug("disconnect on offline transition")
		}
	}
}

// Online reports the current connectivity state.
func (c *Client) Online() bool {
	return c.monitor.Online()
}

// OnConnectivityChange registers a listener for connectivity
// transitions.
func (c *Client) OnConnectivityChange(l monitor.Listener) {
	c.monitor.OnChange(l)
}

// Flush drains the delivery queue immediately instead of waiting for
// the next connectivity transition.
func (c *Client) Flush(ctx context.Context) (int, error) {
	return c.bus.Flush(ctx)
}

// QueuedCount reports pending deliveries for a session.
func (c *Client) QueuedCount(sessionID string) int {
	return c.bus.QueuedCount(sessionID)
}

// FailedMessages returns messages whose delivery retries were
// exhausted. They stay recorded until resent or discarded.
func (c *Client) FailedMessages() []queue.Entry {
	return c.queue.FailedEntries()
}

// DeviceClock returns a copy of this device's vector clock.
func (c *Client) DeviceClock() clock.Clock {
	return c.bus.Clock()
}

// Close tears down the client: sync state is persisted, the transport
// disconnects, and the storage backend closes. The client cannot be
// reused afterwards.
func (c *Client) Close() error {
	c.relays.StopProbing()

	var firstErr error
	if err := c.coord.Teardown(); err != nil {
		firstErr = err
	}
	if err := c.bus.Disconnect(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	logrus.WithField("device", c.cfg.DeviceID).Info("client closed")
	return firstErr
}
