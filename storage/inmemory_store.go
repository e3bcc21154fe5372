package storage

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// InmemoryStore keeps a room's values as one JSON document.
type InmemoryStore struct {
	mu     sync.RWMutex
	values []byte

	// stop will be closed when Close() is called
	stop      chan struct{}
	closeOnce sync.Once
}

func NewInmemoryStore() *InmemoryStore {
	return &InmemoryStore{
		values: []byte("{}"),
		stop:   make(chan struct{}),
	}
}

func (i *InmemoryStore) Close() error {
	i.closeOnce.Do(func() {
		close(i.stop)
	})

	return nil
}

func (i *InmemoryStore) Get(ctx context.Context, keys ...string) (map[string][]byte, error) {
	if err := i.check(ctx); err != nil {
		return nil, err
	}

	i.mu.RLock()
	defer i.mu.RUnlock()

	out := make(map[string][]byte, len(keys))
	for _, key := range keys {
		result := gjson.GetBytes(i.values, escapeKey(key))
		if !result.Exists() {
			continue
		}

		out[key] = []byte(result.Raw)
	}

	return out, nil
}

// Put applies every entry to a copy of the document and swaps it in only
// when all of them succeeded.
func (i *InmemoryStore) Put(ctx context.Context, entries map[string][]byte) error {
	return i.put(ctx, entries, nil)
}

func (i *InmemoryStore) Delete(ctx context.Context, keys ...string) error {
	return i.delete(ctx, keys, nil)
}

func (i *InmemoryStore) DeleteAll(ctx context.Context) error {
	return i.update(ctx, func([]byte) ([]byte, error) {
		return []byte("{}"), nil
	}, nil)
}

func (i *InmemoryStore) put(ctx context.Context, entries map[string][]byte, commit func([]byte) error) error {
	keys := make([]string, 0, len(entries))
	for key, value := range entries {
		if !gjson.ValidBytes(value) {
			return ErrInvalidValue
		}

		keys = append(keys, key)
	}

	sort.Strings(keys)

	return i.update(ctx, func(doc []byte) ([]byte, error) {
		for _, key := range keys {
			var err error
			if doc, err = sjson.SetRawBytes(doc, escapeKey(key), entries[key]); err != nil {
				return nil, err
			}
		}

		return doc, nil
	}, commit)
}

func (i *InmemoryStore) delete(ctx context.Context, keys []string, commit func([]byte) error) error {
	return i.update(ctx, func(doc []byte) ([]byte, error) {
		for _, key := range keys {
			var err error
			if doc, err = sjson.DeleteBytes(doc, escapeKey(key)); err != nil {
				return nil, err
			}
		}

		return doc, nil
	}, commit)
}

// update builds the next document from a copy of the current one. commit,
// when set, sees the candidate first; the document is only replaced when it
// succeeds.
func (i *InmemoryStore) update(ctx context.Context, change func(doc []byte) ([]byte, error), commit func([]byte) error) error {
	if err := i.check(ctx); err != nil {
		return err
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	doc, err := change(append([]byte(nil), i.values...))
	if err != nil {
		return err
	}

	if commit != nil {
		if err := commit(doc); err != nil {
			return err
		}
	}

	i.values = doc
	return nil
}

func (i *InmemoryStore) Restore(values []byte) error {
	return i.restore(values, nil)
}

func (i *InmemoryStore) restore(values []byte, commit func([]byte) error) error {
	if !gjson.ValidBytes(values) || !gjson.ParseBytes(values).IsObject() {
		return ErrInvalidDoc
	}

	doc := append([]byte(nil), values...)

	i.mu.Lock()
	defer i.mu.Unlock()

	if commit != nil {
		if err := commit(doc); err != nil {
			return err
		}
	}

	i.values = doc
	return nil
}

func (i *InmemoryStore) Backup() ([]byte, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if len(i.values) == 0 {
		return []byte("{}"), nil
	}

	return append([]byte(nil), i.values...), nil
}

func (i *InmemoryStore) check(ctx context.Context) error {
	if !i.isRunning() {
		return ErrClosed
	}

	return ctx.Err()
}

// isRunning returns true if Close has not been called
func (i *InmemoryStore) isRunning() bool {
	select {
	case <-i.stop:
		return false

	default:
		return true
	}
}

var keyEscaper = strings.NewReplacer(
	`\`, `\\`,
	`.`, `\.`,
	`*`, `\*`,
	`?`, `\?`,
	`|`, `\|`,
	`#`, `\#`,
	`@`, `\@`,
	`!`, `\!`,
	`=`, `\=`,
	`<`, `\<`,
	`>`, `\>`,
	`%`, `\%`,
	`:`, `\:`,
)

// escapeKey turns a literal key into a gjson/sjson path.
func escapeKey(key string) string {
	return keyEscaper.Replace(key)
}

// InmemoryBackend hands out one InmemoryStore per room for the lifetime of
// the process.
type InmemoryBackend struct {
	mu     sync.Mutex
	stores map[string]*InmemoryStore
}

func NewInmemoryBackend() *InmemoryBackend {
	return &InmemoryBackend{stores: make(map[string]*InmemoryStore)}
}

func (b *InmemoryBackend) Open(room string) (Store, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	store, ok := b.stores[room]
	if ok && store.isRunning() {
		return store, nil
	}

	fresh := NewInmemoryStore()

	if ok {
		values, err := store.Backup()
		if err != nil {
			return nil, err
		}

		if err := fresh.Restore(values); err != nil {
			return nil, err
		}
	}

	b.stores[room] = fresh
	return fresh, nil
}

var (
	_ Store   = (*InmemoryStore)(nil)
	_ Backend = (*InmemoryBackend)(nil)
)
