package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
)

var roomNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// FileStore is an InmemoryStore whose document is written to disk before
// every write takes effect in memory. The file is replaced atomically, so a
// crash leaves either the old or the new document, and a failed write leaves
// both copies unchanged.
type FileStore struct {
	*InmemoryStore

	path string

	mu sync.Mutex
}

// OpenFileStore loads path if it exists.
func OpenFileStore(path string) (*FileStore, error) {
	f := &FileStore{
		InmemoryStore: NewInmemoryStore(),
		path:          path,
	}

	values, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := f.InmemoryStore.Restore(values); err != nil {
			return nil, fmt.Errorf("failed to restore %s: %w", path, err)
		}

	case os.IsNotExist(err):

	default:
		return nil, err
	}

	return f, nil
}

func (f *FileStore) Put(ctx context.Context, entries map[string][]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.InmemoryStore.put(ctx, entries, f.write)
}

func (f *FileStore) Delete(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.InmemoryStore.delete(ctx, keys, f.write)
}

func (f *FileStore) DeleteAll(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.InmemoryStore.update(ctx, func([]byte) ([]byte, error) {
		return []byte("{}"), nil
	}, func([]byte) error {
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			return err
		}

		return nil
	})
}

func (f *FileStore) Restore(values []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.InmemoryStore.restore(values, f.write)
}

func (f *FileStore) Path() string {
	return f.path
}

// write puts values next to path and renames it over path.
func (f *FileStore) write(values []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return err
	}

	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(values); err != nil {
		tmp.Close()
		return err
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}

	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), f.path)
}

// FileBackend keeps each room in <Dir>/<room>.json.
type FileBackend struct {
	Dir string
}

func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir %s: %w", dir, err)
	}

	return &FileBackend{Dir: dir}, nil
}

func (b *FileBackend) Open(room string) (Store, error) {
	if !roomNamePattern.MatchString(room) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRoom, room)
	}

	return OpenFileStore(filepath.Join(b.Dir, room+".json"))
}

var (
	_ Store   = (*FileStore)(nil)
	_ Backend = (*FileBackend)(nil)
)
