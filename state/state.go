// Package state is the typed, cached view of a room's durable key space.
//
// Values are read through an in-memory cache backed by a storage.Store. A
// key that was never stored falls back to its default, which is cached but
// not written until the key is explicitly put. The Manager is meant to be
// driven by a single owner (the room actor); its lock only protects it from
// the TTL timer.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/luma/codewords/storage"
)

// AnyKey is the untyped view of a Key used by the batch operations.
type AnyKey interface {
	KeyName() string
	defaultValue() (json.RawMessage, error)
}

// Key names a slot holding a T. Default may be nil, in which case the zero
// value of T is used.
type Key[T any] struct {
	Name    string
	Default func() T
}

func (k Key[T]) KeyName() string {
	return k.Name
}

func (k Key[T]) defaultValue() (json.RawMessage, error) {
	var v T
	if k.Default != nil {
		v = k.Default()
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode default of %s: %w", k.Name, err)
	}

	return raw, nil
}

// Entry is one pending write built by Set.
type Entry struct {
	name string
	raw  json.RawMessage
	err  error
}

// Set prepares value to be written under key by Manager.Put.
func Set[T any](key Key[T], value T) Entry {
	raw, err := json.Marshal(value)
	if err != nil {
		err = fmt.Errorf("failed to encode %s: %w", key.Name, err)
	}

	return Entry{name: key.Name, raw: raw, err: err}
}

// Get reads key, loading it from storage on the first access.
func Get[T any](ctx context.Context, m *Manager, key Key[T]) (T, error) {
	var out T

	values, err := m.Load(ctx, key)
	if err != nil {
		return out, err
	}

	if err := json.Unmarshal(values[key.Name], &out); err != nil {
		return out, fmt.Errorf("failed to decode %s: %w", key.Name, err)
	}

	return out, nil
}

type Options struct {
	Store storage.Store

	// OnExpire is called from the TTL timer's goroutine when the TTL
	// elapses without being reset. It must hand off to the owner, which
	// then calls Expire.
	OnExpire func()

	Log *zap.Logger
}

type Manager struct {
	store storage.Store

	mu    sync.Mutex
	cache map[string]json.RawMessage

	ttlMu    sync.Mutex
	ttl      *time.Timer
	onExpire func()

	log *zap.Logger
}

func NewManager(options Options) *Manager {
	return &Manager{
		store:    options.Store,
		cache:    make(map[string]json.RawMessage),
		onExpire: options.OnExpire,
		log:      options.Log,
	}
}

// Load returns the raw JSON of every key. Storage is queried once, for the
// keys that are not cached yet.
func (m *Manager) Load(ctx context.Context, keys ...AnyKey) (map[string]json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]json.RawMessage, len(keys))
	missing := make([]string, 0, len(keys))

	for _, key := range keys {
		if raw, ok := m.cache[key.KeyName()]; ok {
			out[key.KeyName()] = raw
			continue
		}

		missing = append(missing, key.KeyName())
	}

	if len(missing) == 0 {
		return out, nil
	}

	stored, err := m.store.Get(ctx, missing...)
	if err != nil {
		return nil, fmt.Errorf("failed to load %v: %w", missing, err)
	}

	for _, key := range keys {
		name := key.KeyName()
		if _, ok := out[name]; ok {
			continue
		}

		if raw, ok := stored[name]; ok {
			m.cache[name] = raw
			out[name] = raw
			continue
		}

		raw, err := key.defaultValue()
		if err != nil {
			return nil, err
		}

		m.cache[name] = raw
		out[name] = raw
	}

	return out, nil
}

// Put writes every entry in one storage write. The cache only changes once
// storage has accepted the whole batch.
func (m *Manager) Put(ctx context.Context, entries ...Entry) error {
	batch := make(map[string][]byte, len(entries))
	for _, e := range entries {
		if e.err != nil {
			return e.err
		}

		batch[e.name] = e.raw
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Put(ctx, batch); err != nil {
		return fmt.Errorf("failed to persist state: %w", err)
	}

	for name, raw := range batch {
		m.cache[name] = raw
	}

	return nil
}

func (m *Manager) Delete(ctx context.Context, keys ...AnyKey) error {
	names := make([]string, 0, len(keys))
	for _, key := range keys {
		names = append(names, key.KeyName())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Delete(ctx, names...); err != nil {
		return err
	}

	for _, name := range names {
		delete(m.cache, name)
	}

	return nil
}

// DeleteAll clears the cache and storage.
func (m *Manager) DeleteAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.DeleteAll(ctx); err != nil {
		return err
	}

	m.cache = make(map[string]json.RawMessage)
	return nil
}

// ResetTTL (re)arms the expiry timer.
func (m *Manager) ResetTTL(d time.Duration) {
	m.ttlMu.Lock()
	defer m.ttlMu.Unlock()

	if m.ttl != nil {
		m.ttl.Stop()
	}

	m.ttl = time.AfterFunc(d, func() {
		m.log.Info("Room TTL elapsed", zap.Duration("ttl", d))

		if m.onExpire != nil {
			m.onExpire()
		}
	})
}

func (m *Manager) StopTTL() {
	m.ttlMu.Lock()
	defer m.ttlMu.Unlock()

	if m.ttl != nil {
		m.ttl.Stop()
		m.ttl = nil
	}
}

// Expire stops the timer and deletes everything.
func (m *Manager) Expire(ctx context.Context) error {
	m.StopTTL()
	return m.DeleteAll(ctx)
}

func (m *Manager) Close() error {
	m.StopTTL()
	return m.store.Close()
}
