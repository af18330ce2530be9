// Package storage provides the key-value persistence collaborator used
// by the delivery queue and the sync coordinator.
//
// Two implementations ship with the module: Memory for tests and
// short-lived agents, and SQLite for durable device state. Both are safe
// for concurrent use.
package storage

import "errors"

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// KV is a single stored key-value pair.
type KV struct {
	Key   string
	Value []byte
}

// Store is the persistence capability consumed by the delivery core.
// Keys are opaque strings; callers namespace them with '/'-separated
// prefixes (e.g. "queue/<destination>/<id>").
type Store interface {
	// Persist writes value under key, overwriting any previous value.
	Persist(key string, value []byte) error

	// Load reads the value under key. The second return is false when
	// the key is absent; absence is not an error.
	Load(key string) ([]byte, bool, error)

	// Delete removes key. Deleting an absent key is a no-op.
	Delete(key string) error

	// List returns all pairs whose key starts with prefix, ordered by key.
	List(prefix string) ([]KV, error)

	// Close releases underlying resources.
	Close() error
}
