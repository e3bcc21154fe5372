package room

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	mrand "math/rand"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/luma/codewords/game"
	"github.com/luma/codewords/protocol"
	"github.com/luma/codewords/storage"
)

const (
	IDLength = 8

	idAlphabet     = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	createAttempts = 8

	closeConcurrency = 16
)

var ErrRegistryClosed = errors.New("registry is closed")

type RegistryOptions struct {
	Backend storage.Backend
	Guesser game.Guesser

	TTL         time.Duration
	Codec       *protocol.Codec
	DisablePong bool

	// Rand seeds the board dealer of every room. Each room gets its own
	// source drawn from it.
	Rand *mrand.Rand

	Log *zap.Logger
}

// Registry owns the live rooms of a process, at most one per id.
type Registry struct {
	options RegistryOptions

	mu     sync.Mutex
	rooms  map[string]*Room
	closed bool

	log *zap.Logger
}

func NewRegistry(options RegistryOptions) *Registry {
	if options.Rand == nil {
		options.Rand = mrand.New(mrand.NewSource(time.Now().UnixNano()))
	}

	if options.Log == nil {
		options.Log = zap.NewNop()
	}

	return &Registry{
		options: options,
		rooms:   make(map[string]*Room),
		log:     options.Log.Named("registry"),
	}
}

// NewID returns a random room id of IDLength uppercase letters.
func NewID() (string, error) {
	buf := make([]byte, IDLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}

	for i, b := range buf {
		buf[i] = idAlphabet[int(b)%len(idAlphabet)]
	}

	return string(buf), nil
}

// Create provisions a room under a fresh id with username as its first
// player.
func (r *Registry) Create(ctx context.Context, username string) (roomID, sessionID string, err error) {
	if username == "" {
		return "", "", ErrInvalidUsername
	}

	for attempt := 0; attempt < createAttempts; attempt++ {
		id, err := NewID()
		if err != nil {
			return "", "", err
		}

		rm, err := r.open(ctx, id)
		if err != nil {
			return "", "", err
		}

		sessionID, err = rm.Create(ctx, username)
		switch {
		case err == nil:
			r.log.Info("Room created", zap.String("room", id))
			return id, sessionID, nil

		case errors.Is(err, ErrAlreadyCreated), errors.Is(err, ErrClosed):
			r.log.Debug("Room id taken, retrying", zap.String("room", id), zap.Error(err))
			continue

		default:
			r.discard(id, rm)
			return "", "", err
		}
	}

	return "", "", fmt.Errorf("no free room id after %d attempts", createAttempts)
}

// Get returns the live room id, loading it from storage when needed. Rooms
// that were never created are not kept and yield ErrRoomNotFound.
func (r *Registry) Get(ctx context.Context, id string) (*Room, error) {
	rm, err := r.open(ctx, id)
	if err != nil {
		return nil, err
	}

	created, err := rm.Created(ctx)
	if err != nil {
		return nil, err
	}

	if !created {
		r.discard(id, rm)
		return nil, ErrRoomNotFound
	}

	return rm, nil
}

// Join adds username to room id.
func (r *Registry) Join(ctx context.Context, id, username string) (sessionID string, err error) {
	rm, err := r.Get(ctx, id)
	if err != nil {
		return "", err
	}

	return rm.Join(ctx, username)
}

func (r *Registry) open(ctx context.Context, id string) (*Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}

	if rm, ok := r.rooms[id]; ok {
		select {
		case <-rm.Done():
			delete(r.rooms, id)
		default:
			return rm, nil
		}
	}

	store, err := r.options.Backend.Open(id)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidRoom) {
			return nil, ErrRoomNotFound
		}

		return nil, fmt.Errorf("failed to open storage of room %s: %w", id, err)
	}

	rm, err := New(Options{
		ID:          id,
		Store:       store,
		Guesser:     r.options.Guesser,
		TTL:         r.options.TTL,
		Codec:       r.options.Codec,
		DisablePong: r.options.DisablePong,
		Rand:        mrand.New(mrand.NewSource(r.options.Rand.Int63())),
		OnExpire: func(id string) {
			r.log.Info("Room expired", zap.String("room", id))
		},
		Log: r.options.Log,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	r.rooms[id] = rm

	go func() {
		<-rm.Done()
		r.remove(id, rm)
	}()

	return rm, nil
}

// discard stops rm without keeping it registered.
func (r *Registry) discard(id string, rm *Room) {
	r.remove(id, rm)

	if err := rm.Close(); err != nil {
		r.log.Warn("Failed to close discarded room", zap.String("room", id), zap.Error(err))
	}
}

func (r *Registry) remove(id string, rm *Room) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rooms[id] == rm {
		delete(r.rooms, id)
	}
}

// Len returns the number of live rooms.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.rooms)
}

// Close stops every live room. Stored state is kept so rooms can be loaded
// again by a later registry.
func (r *Registry) Close() (err error) {
	r.mu.Lock()
	r.closed = true

	rooms := make([]*Room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.Unlock()

	var (
		g  errgroup.Group
		mu sync.Mutex
	)

	g.SetLimit(closeConcurrency)

	for _, rm := range rooms {
		rm := rm
		g.Go(func() error {
			cerr := rm.Close()

			mu.Lock()
			err = multierr.Append(err, cerr)
			mu.Unlock()

			return nil
		})
	}

	_ = g.Wait()

	return err
}
