package storage

import (
	"context"
	"errors"
)

var (
	ErrClosed       = errors.New("store is closed")
	ErrInvalidValue = errors.New("value is not valid JSON")
	ErrInvalidDoc   = errors.New("backup is not a JSON object")
	ErrInvalidRoom  = errors.New("invalid room name")
)

// Store is the persistent key space of one room. Values are raw JSON.
type Store interface {
	// Get returns the stored values of keys. Keys that were never written are
	// absent from the result.
	Get(ctx context.Context, keys ...string) (map[string][]byte, error)

	// Put writes every entry or none of them.
	Put(ctx context.Context, entries map[string][]byte) error

	Delete(ctx context.Context, keys ...string) error
	DeleteAll(ctx context.Context) error

	Restore(values []byte) error
	Backup() ([]byte, error)

	Close() error
}

// Backend opens the Store of a room. Opening the same room twice returns
// stores over the same data.
type Backend interface {
	Open(room string) (Store, error)
}
