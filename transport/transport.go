// Package transport defines the transport capability consumed by the
// delivery bus and provides a websocket implementation plus a mock for
// tests.
//
// The interface is deliberately narrow: connect, send bytes to a
// destination, receive bytes through a handler, disconnect. Byte framing
// and connection security belong to the implementation; the delivery
// core never inspects frames.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrNotConnected is returned by Send when no connection is active.
	ErrNotConnected = errors.New("transport not connected")
	// ErrAlreadyConnected is returned by Connect while a connection is
	// active; callers must Disconnect first to switch endpoints.
	ErrAlreadyConnected = errors.New("transport already connected")
)

// ReceiveHandler is invoked for every inbound payload. Handlers must not
// block; long work should be handed off.
type ReceiveHandler func(payload []byte)

// Transport is the capability interface every transport implementation
// must satisfy. Implementations are safe for concurrent use.
type Transport interface {
	// Connect establishes a connection to the endpoint URL.
	Connect(ctx context.Context, url string) error

	// Send delivers payload to destination over the active connection.
	Send(ctx context.Context, destination string, payload []byte) error

	// SetReceiveHandler registers the handler for inbound payloads.
	// Only one handler is active; later calls replace earlier ones.
	SetReceiveHandler(handler ReceiveHandler)

	// Connected reports whether a connection is active.
	Connected() bool

	// Disconnect tears down the active connection. Disconnecting while
	// not connected is a no-op.
	Disconnect() error
}
