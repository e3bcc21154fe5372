// Package client connects a player to a room over a managed WebSocket and
// keeps a game.View current from the room's pushes.
package client

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/luma/codewords/game"
	"github.com/luma/codewords/internal/meta"
	"github.com/luma/codewords/protocol"
	"github.com/luma/codewords/room"
	"github.com/luma/codewords/rpc"
)

const SessionCookie = "sessionId"

type Options struct {
	// URL of the room's WebSocket endpoint, ws://host/room/<id>.
	URL       string
	SessionID string

	Codec *protocol.Codec

	MaxReconnectAttempts int
	BaseReconnectDelay   time.Duration
	PingInterval         time.Duration

	// OnChange runs after a push from the room has been applied to the
	// view.
	OnChange func(path rpc.Path)

	Log *zap.Logger
}

type Client struct {
	manager *Manager
	mux     *rpc.Mux
	view    *game.View

	onChange func(path rpc.Path)

	log *zap.Logger
}

func New(options Options) (*Client, error) {
	if _, err := url.Parse(options.URL); err != nil {
		return nil, err
	}

	codec := options.Codec
	if codec == nil {
		codec = protocol.NewCodec(nil)
	}

	log := options.Log
	if log == nil {
		log = zap.NewNop()
	}

	c := &Client{
		view:     game.NewView(),
		onChange: options.OnChange,
		log:      log.Named("client"),
	}

	router, err := rpc.NewRouter(
		rpc.Mutation(room.PushSync, c.onSync),
		rpc.Mutation(room.PushCreateDiffs, c.onCreateDiffs),
		rpc.Mutation(room.PushChangePlayerState, c.onChangePlayerState),
	)
	if err != nil {
		return nil, err
	}

	c.mux = rpc.NewMux(
		rpc.NewDispatcher(router, c.log.Named("dispatcher")),
		rpc.NewCorrelator(codec, c.log.Named("correlator")),
		rpc.MuxOptions{Codec: codec, Log: c.log.Named("mux")},
	)

	header := http.Header{}
	header.Set("User-Agent", meta.UserAgent())
	if options.SessionID != "" {
		header.Set("Cookie", (&http.Cookie{Name: SessionCookie, Value: options.SessionID}).String())
	}

	c.manager = NewManager(ManagerOptions{
		URL:                  options.URL,
		Header:               header,
		MaxReconnectAttempts: options.MaxReconnectAttempts,
		BaseReconnectDelay:   options.BaseReconnectDelay,
		PingInterval:         options.PingInterval,
		Handlers: Handlers{
			OnOpen:    c.onOpen,
			OnClose:   c.onClose,
			OnMessage: c.onMessage,
		},
		Log: c.log.Named("manager"),
	})

	return c, nil
}

// Dial starts the connection and waits until it is open.
func (c *Client) Dial(ctx context.Context) error {
	c.manager.Start()

	_, err := c.manager.Wait(ctx)
	return err
}

func (c *Client) View() *game.View {
	return c.view
}

func (c *Client) Manager() *Manager {
	return c.manager
}

// Done is closed once the client can no longer reach the room.
func (c *Client) Done() <-chan struct{} {
	return c.manager.Done()
}

func (c *Client) Err() error {
	return c.manager.Err()
}

// Close disconnects for good. Calls still waiting for a response fail with a
// Disconnected error.
func (c *Client) Close() error {
	return c.manager.Close()
}

// Call invokes a room procedure and decodes its result into out. It waits
// for an open connection first.
func (c *Client) Call(ctx context.Context, path rpc.Path, method protocol.Method, in, out interface{}) error {
	conn, err := c.manager.Wait(ctx)
	if err != nil {
		return protocol.WrapError(protocol.CodeDisconnected, err)
	}

	return c.mux.Correlator().Call(ctx, conn, rpc.Call{Path: path, Method: method, Input: in}, out)
}

// Send invokes a room procedure without waiting for a response.
func (c *Client) Send(ctx context.Context, path rpc.Path, method protocol.Method, in interface{}) error {
	conn, err := c.manager.Wait(ctx)
	if err != nil {
		return protocol.WrapError(protocol.CodeDisconnected, err)
	}

	return c.mux.Correlator().Send([]rpc.Conn{conn}, rpc.Call{Path: path, Method: method, Input: in})
}

func (c *Client) StartGame(ctx context.Context) error {
	return c.Call(ctx, room.PathStartGame, protocol.Mutation, nil, nil)
}

func (c *Client) SwitchTeam(ctx context.Context) error {
	return c.Call(ctx, room.PathSwitchTeam, protocol.Mutation, nil, nil)
}

// Sync asks the room to push its full state to this connection.
func (c *Client) Sync(ctx context.Context) error {
	return c.Call(ctx, room.PathSync, protocol.Query, nil, nil)
}

func (c *Client) GiveClue(ctx context.Context, word string, count int, model game.ModelID) error {
	return c.Call(ctx, room.PathGiveClue, protocol.Mutation, room.GiveClueInput{
		Clue:    room.ClueInput{Word: word, Count: count},
		ModelID: string(model),
	}, nil)
}

func (c *Client) onOpen(conn *Conn) {
	if err := c.mux.OnOpen(conn); err != nil {
		c.log.Error("Failed to open connection", zap.String("conn", conn.ID()), zap.Error(err))
		return
	}

	// Pushes missed while reconnecting are not replayed.
	c.resync(rpc.WithConn(context.Background(), conn))
}

func (c *Client) onClose(conn *Conn) {
	c.mux.OnClose(conn)
}

func (c *Client) onMessage(conn *Conn, data []byte) {
	c.mux.OnMessage(context.Background(), conn, data)
}

func (c *Client) changed(path rpc.Path) {
	if c.onChange != nil {
		c.onChange(path)
	}
}

func (c *Client) onSync(_ context.Context, in game.SyncInput) (interface{}, error) {
	c.view.Sync(in)
	c.changed(room.PushSync)
	return nil, nil
}

func (c *Client) onCreateDiffs(ctx context.Context, in game.CreateDiffsInput) (interface{}, error) {
	if err := c.view.ApplyDiffs(in.Diffs); err != nil {
		c.log.Warn("Diffs do not apply, resyncing", zap.Error(err))
		c.resync(ctx)
		return nil, protocol.WrapError(protocol.CodeBadInput, err)
	}

	c.changed(room.PushCreateDiffs)
	return nil, nil
}

// resync asks for a full sync on the connection a push arrived on.
func (c *Client) resync(ctx context.Context) {
	conn, ok := rpc.ConnFromContext(ctx)
	if !ok {
		return
	}

	err := c.mux.Correlator().Send([]rpc.Conn{conn}, rpc.Call{Path: room.PathSync, Method: protocol.Query})
	if err != nil {
		c.log.Warn("Failed to request sync", zap.String("conn", conn.ID()), zap.Error(err))
	}
}

func (c *Client) onChangePlayerState(_ context.Context, in game.ChangePlayerStateInput) (interface{}, error) {
	c.view.ChangePlayer(in.UserState)
	c.changed(room.PushChangePlayerState)
	return nil, nil
}
