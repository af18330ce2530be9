package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	pongWait                = 60 * time.Second
	pingInterval            = 25 * time.Second
)

// Frame is the JSON envelope a websocket relay expects: a destination
// routing key and the opaque payload.
type Frame struct {
	Destination string `json:"destination,omitempty"`
	Payload     []byte `json:"payload"`
}

// WebSocket is a Transport over a single websocket connection to a relay.
type WebSocket struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	url     string
	handler ReceiveHandler
	done    chan struct{}

	// HandshakeTimeout bounds connection establishment; zero uses the
	// default.
	HandshakeTimeout time.Duration
	// WriteTimeout bounds each Send; zero uses the default.
	WriteTimeout time.Duration
}

// NewWebSocket creates a disconnected websocket transport.
func NewWebSocket() *WebSocket {
	return &WebSocket{}
}

// Connect implements Transport. Exceeding the handshake timeout is
// reported as an ordinary connection error.
func (w *WebSocket) Connect(ctx context.Context, url string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn != nil {
		return ErrAlreadyConnected
	}

	timeout := w.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}

	w.conn = conn
	w.url = url
	w.done = make(chan struct{})

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go w.readPump(conn, w.done)
	go w.pingLoop(conn, w.done)

	logrus.WithFields(logrus.Fields{
		"url": url,
	}).Debug("websocket transport connected")
	return nil
}

// Send implements Transport. Writes are serialized on the transport lock
// because gorilla connections allow only one concurrent writer.
func (w *WebSocket) Send(ctx context.Context, destination string, payload []byte) error {
	data, err := json.Marshal(Frame{Destination: destination, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return ErrNotConnected
	}

	timeout := w.WriteTimeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	w.conn.SetWriteDeadline(deadline)

	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write to %s: %w", w.url, err)
	}
	return nil
}

// SetReceiveHandler implements Transport.
func (w *WebSocket) SetReceiveHandler(handler ReceiveHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handler = handler
}

// Connected implements Transport.
func (w *WebSocket) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn != nil
}

// Disconnect implements Transport.
func (w *WebSocket) Disconnect() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return nil
	}

	close(w.done)
	err := w.conn.Close()
	w.conn = nil
	w.done = nil
	return err
}

// readPump delivers inbound frames to the receive handler until the
// connection closes.
func (w *WebSocket) readPump(conn *websocket.Conn, done chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
				// Deliberate disconnect.
			default:
				logrus.WithFields(logrus.Fields{
					"url":   w.url,
					"error": err,
				}).Debug("websocket read loop ended")
				w.dropConn(conn)
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			logrus.WithField("error", err).Warn("dropping malformed inbound frame")
			continue
		}

		w.mu.Lock()
		handler := w.handler
		w.mu.Unlock()
		if handler != nil {
			handler(frame.Payload)
		}
	}
}

// pingLoop keeps the connection's read deadline alive.
func (w *WebSocket) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			w.mu.Lock()
			if w.conn != conn {
				w.mu.Unlock()
				return
			}
			conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			w.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// dropConn clears state after an unexpected read failure so Connected()
// reflects reality and a reconnect can proceed.
func (w *WebSocket) dropConn(conn *websocket.Conn) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != conn {
		return
	}
	conn.Close()
	w.conn = nil
	if w.done != nil {
		close(w.done)
		w.done = nil
	}
}
