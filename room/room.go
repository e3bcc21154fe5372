// Package room runs the authoritative actor of each game room.
//
// A Room owns its durable state and every connection attached to it. All
// work on a room (frames from players, connects and disconnects,
// provisioning calls, TTL expiry) is queued on its mailbox and executed one
// job at a time by a single goroutine, so procedures never observe a
// half-applied mutation and no lock guards the room's state.
package room

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/codewords/game"
	"github.com/luma/codewords/internal/metrics"
	"github.com/luma/codewords/protocol"
	"github.com/luma/codewords/rpc"
	"github.com/luma/codewords/state"
	"github.com/luma/codewords/storage"
)

const (
	DefaultTTL         = 5 * time.Minute
	DefaultMailboxSize = 256
)

var (
	ErrRoomNotFound    = protocol.NewError(protocol.CodeNotFound, "Room not found")
	ErrUnknownSession  = protocol.NewError(protocol.CodeUnauthorized, "Unauthorized")
	ErrClosed          = errors.New("room is closed")
	ErrAlreadyCreated  = errors.New("room has already been created")
	ErrInvalidUsername = protocol.NewError(protocol.CodeBadInput, "Username is required")
)

// Conn is a player connection as the room sees it.
type Conn interface {
	rpc.Conn
	Close() error
}

type Options struct {
	ID      string
	Store   storage.Store
	Guesser game.Guesser

	// TTL is how long the room survives without activity. Defaults to
	// DefaultTTL.
	TTL time.Duration

	Codec       *protocol.Codec
	DisablePong bool

	// Rand deals boards. Defaults to a time seeded source.
	Rand *rand.Rand

	// OnExpire is called on the room's goroutine after the TTL wiped it.
	OnExpire func(id string)

	Log *zap.Logger
}

type attachment struct {
	conn      Conn
	sessionID string
}

type Room struct {
	id string

	state   *state.Manager
	mux     *rpc.Mux
	guesser game.Guesser
	ttl     time.Duration
	rng     *rand.Rand

	// conns is only touched on the room goroutine.
	conns map[string]*attachment

	mailbox   chan func(ctx context.Context)
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	onExpire func(id string)

	log *zap.Logger
}

// New starts the room's goroutine.
func New(options Options) (*Room, error) {
	if options.Guesser == nil {
		return nil, errors.New("room needs a guesser")
	}

	ttl := options.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	rng := options.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	codec := options.Codec
	if codec == nil {
		codec = protocol.NewCodec(nil)
	}

	log := options.Log
	if log == nil {
		log = zap.NewNop()
	}

	log = log.Named("room").With(zap.String("room", options.ID))
	ctx, cancel := context.WithCancel(context.Background())

	r := &Room{
		id:       options.ID,
		guesser:  options.Guesser,
		ttl:      ttl,
		rng:      rng,
		conns:    make(map[string]*attachment),
		mailbox:  make(chan func(ctx context.Context), DefaultMailboxSize),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		onExpire: options.OnExpire,
		log:      log,
	}

	r.state = state.NewManager(state.Options{
		Store:    options.Store,
		OnExpire: r.expireSoon,
		Log:      log.Named("state"),
	})

	router, err := rpc.NewRouter(r.procedures()...)
	if err != nil {
		cancel()
		return nil, err
	}

	dispatcher := rpc.NewDispatcher(router, log.Named("dispatcher"))
	dispatcher.OnError = func(ctx context.Context, path rpc.Path, err *protocol.Error) {
		if err.Code == protocol.CodeInternal {
			log.Error("Procedure failed", zap.String("path", string(path)), zap.Error(err))
		}
	}

	r.mux = rpc.NewMux(
		dispatcher,
		rpc.NewCorrelator(codec, log.Named("correlator")),
		rpc.MuxOptions{Codec: codec, DisablePong: options.DisablePong, Log: log.Named("mux")},
	)

	metrics.LiveRooms.Inc()
	r.state.ResetTTL(ttl)

	go r.run()

	return r, nil
}

func (r *Room) ID() string {
	return r.id
}

// Done is closed once the room has stopped.
func (r *Room) Done() <-chan struct{} {
	return r.done
}

func (r *Room) run() {
	defer func() {
		if err := r.state.Close(); err != nil {
			r.log.Warn("Failed to close room state", zap.Error(err))
		}

		metrics.LiveRooms.Dec()
		close(r.done)
	}()

	for {
		select {
		case <-r.ctx.Done():
			return

		case job := <-r.mailbox:
			job(r.ctx)
		}
	}
}

// post queues job without waiting for it to run.
func (r *Room) post(ctx context.Context, job func(ctx context.Context)) error {
	select {
	case r.mailbox <- job:
		return nil

	case <-r.done:
		return ErrClosed

	case <-ctx.Done():
		return ctx.Err()
	}
}

// do runs fn on the room goroutine and waits for its result. If ctx ends
// first fn still runs to completion.
func (r *Room) do(ctx context.Context, fn func(ctx context.Context) error) error {
	errc := make(chan error, 1)

	if err := r.post(ctx, func(rctx context.Context) { errc <- fn(rctx) }); err != nil {
		return err
	}

	select {
	case err := <-errc:
		return err

	case <-r.done:
		select {
		case err := <-errc:
			return err

		default:
			return ErrClosed
		}

	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush waits until every job queued before it has run.
func (r *Room) Flush(ctx context.Context) error {
	return r.do(ctx, func(context.Context) error { return nil })
}

// Created reports whether the room has been provisioned.
func (r *Room) Created(ctx context.Context) (created bool, err error) {
	err = r.do(ctx, func(ctx context.Context) error {
		created, err = state.Get(ctx, r.state, CreatedKey)
		return err
	})

	return created, err
}

// Create provisions the room with its first player and returns the
// player's session id.
func (r *Room) Create(ctx context.Context, username string) (sessionID string, err error) {
	if username == "" {
		return "", ErrInvalidUsername
	}

	err = r.do(ctx, func(ctx context.Context) error {
		created, err := state.Get(ctx, r.state, CreatedKey)
		if err != nil {
			return err
		}

		if created {
			return ErrAlreadyCreated
		}

		sessionID, err = r.addSession(ctx, username, state.Set(CreatedKey, true))
		return err
	})

	return sessionID, err
}

// Join adds a player to a provisioned room and returns its session id.
func (r *Room) Join(ctx context.Context, username string) (sessionID string, err error) {
	if username == "" {
		return "", ErrInvalidUsername
	}

	err = r.do(ctx, func(ctx context.Context) error {
		if err := r.requireCreated(ctx); err != nil {
			return err
		}

		sessionID, err = r.addSession(ctx, username)
		return err
	})

	return sessionID, err
}

func (r *Room) addSession(ctx context.Context, username string, extra ...state.Entry) (string, error) {
	sessions, err := state.Get(ctx, r.state, SessionsKey)
	if err != nil {
		return "", err
	}

	session := Session{
		ID:       uuid.NewString(),
		Username: username,
		Team:     sessions.NextTeam(),
	}

	sessionID := uuid.NewString()
	sessions[sessionID] = session

	if err := r.state.Put(ctx, append(extra, state.Set(SessionsKey, sessions))...); err != nil {
		return "", err
	}

	r.state.ResetTTL(r.ttl)
	r.pushPlayer(session)

	r.log.Info("Player joined",
		zap.String("user", session.ID),
		zap.String("team", string(session.Team)))

	return sessionID, nil
}

// Authorize checks that sessionID may connect, without attaching anything.
func (r *Room) Authorize(ctx context.Context, sessionID string) error {
	return r.do(ctx, func(ctx context.Context) error {
		_, err := r.session(ctx, sessionID)
		return err
	})
}

func (r *Room) session(ctx context.Context, sessionID string) (Sessions, error) {
	if err := r.requireCreated(ctx); err != nil {
		return nil, err
	}

	sessions, err := state.Get(ctx, r.state, SessionsKey)
	if err != nil {
		return nil, err
	}

	if _, ok := sessions[sessionID]; !ok {
		return nil, ErrUnknownSession
	}

	return sessions, nil
}

// Connect attaches conn on behalf of sessionID. The room must be created and
// the session must be on its roster.
func (r *Room) Connect(ctx context.Context, sessionID string, conn Conn) error {
	return r.do(ctx, func(ctx context.Context) error {
		sessions, err := r.session(ctx, sessionID)
		if err != nil {
			return err
		}

		session := sessions[sessionID]

		if err := r.mux.OnOpen(conn); err != nil {
			return err
		}

		session.Connections++
		sessions[sessionID] = session

		if err := r.state.Put(ctx, state.Set(SessionsKey, sessions)); err != nil {
			r.mux.OnClose(conn)
			return err
		}

		r.conns[conn.ID()] = &attachment{conn: conn, sessionID: sessionID}
		r.state.ResetTTL(r.ttl)

		r.log.Debug("Connection attached",
			zap.String("conn", conn.ID()),
			zap.String("user", session.ID))

		r.pushPlayer(session)
		return nil
	})
}

// Deliver queues an inbound frame from conn. Frames from one connection are
// handled in the order they are delivered.
func (r *Room) Deliver(ctx context.Context, conn Conn, frame []byte) error {
	return r.post(ctx, func(ctx context.Context) {
		if _, ok := r.conns[conn.ID()]; !ok {
			return
		}

		r.state.ResetTTL(r.ttl)
		r.mux.OnMessage(ctx, conn, frame)
	})
}

// Disconnect detaches conn. Its session stays on the roster.
func (r *Room) Disconnect(ctx context.Context, conn Conn) error {
	return r.post(ctx, func(ctx context.Context) {
		a, ok := r.conns[conn.ID()]
		if !ok {
			return
		}

		delete(r.conns, conn.ID())
		r.mux.OnClose(conn)

		sessions, err := state.Get(ctx, r.state, SessionsKey)
		if err != nil {
			r.log.Error("Failed to load sessions on disconnect", zap.Error(err))
			return
		}

		session, ok := sessions[a.sessionID]
		if !ok {
			return
		}

		if session.Connections > 0 {
			session.Connections--
		}

		sessions[a.sessionID] = session

		if err := r.state.Put(ctx, state.Set(SessionsKey, sessions)); err != nil {
			r.log.Error("Failed to persist disconnect", zap.Error(err))
			return
		}

		r.log.Debug("Connection detached",
			zap.String("conn", conn.ID()),
			zap.String("user", session.ID))

		r.pushPlayer(session)
	})
}

// Connections returns the number of attached connections.
func (r *Room) Connections(ctx context.Context) (n int, err error) {
	err = r.do(ctx, func(context.Context) error {
		n = len(r.conns)
		return nil
	})

	return n, err
}

// Close detaches and closes every connection and stops the room. Stored
// state is kept.
func (r *Room) Close() error {
	var err error

	r.closeOnce.Do(func() {
		derr := r.do(context.Background(), func(context.Context) error {
			return r.detachAll()
		})

		if !errors.Is(derr, ErrClosed) {
			err = derr
		}

		r.cancel()
	})

	<-r.done
	return err
}

func (r *Room) detachAll() (err error) {
	for id, a := range r.conns {
		r.mux.OnClose(a.conn)
		delete(r.conns, id)

		if cerr := a.conn.Close(); cerr != nil {
			err = multierr.Append(err, cerr)
		}
	}

	return err
}

func (r *Room) requireCreated(ctx context.Context) error {
	created, err := state.Get(ctx, r.state, CreatedKey)
	if err != nil {
		return err
	}

	if !created {
		return ErrRoomNotFound
	}

	return nil
}

// expireSoon runs on the TTL timer's goroutine.
func (r *Room) expireSoon() {
	if err := r.post(context.Background(), r.expire); err != nil && !errors.Is(err, ErrClosed) {
		r.log.Warn("Failed to queue expiry", zap.Error(err))
	}
}

func (r *Room) expire(ctx context.Context) {
	r.log.Info("Room expired")

	if err := r.state.Expire(ctx); err != nil {
		r.log.Error("Failed to wipe expired room", zap.Error(err))
	}

	if err := r.detachAll(); err != nil {
		r.log.Warn("Failed to close connections of expired room", zap.Error(err))
	}

	r.closeOnce.Do(r.cancel)

	if r.onExpire != nil {
		r.onExpire(r.id)
	}
}

func (r *Room) attachedConns() []rpc.Conn {
	conns := make([]rpc.Conn, 0, len(r.conns))
	for _, a := range r.conns {
		conns = append(conns, a.conn)
	}

	return conns
}

// broadcast sends call to every attached connection as one frame each.
func (r *Room) broadcast(call rpc.Call) {
	conns := r.attachedConns()
	if len(conns) == 0 {
		return
	}

	metrics.BroadcastFrames.WithLabelValues(string(call.Path)).Add(float64(len(conns)))

	if err := r.mux.Correlator().Send(conns, call); err != nil {
		r.log.Warn("Broadcast did not reach every connection",
			zap.String("path", string(call.Path)),
			zap.Error(err))
	}
}

func (r *Room) pushPlayer(session Session) {
	r.broadcast(rpc.Call{
		Path:   PushChangePlayerState,
		Method: protocol.Mutation,
		Input:  game.ChangePlayerStateInput{UserState: session.UserState()},
	})
}

func (r *Room) pushDiffs(diffs []game.Diff) {
	r.broadcast(rpc.Call{
		Path:   PushCreateDiffs,
		Method: protocol.Mutation,
		Input:  game.CreateDiffsInput{Diffs: diffs},
	})
}
