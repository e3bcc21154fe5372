package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/luma/codewords/internal/metrics"
	"github.com/luma/codewords/protocol"
	"github.com/luma/codewords/room"
)

var (
	ErrConnClosed     = errors.New("connection is closed")
	ErrWriteQueueFull = errors.New("write queue is full")

	// ErrRateLimited answers requests that arrive faster than the receive
	// rate allows.
	ErrRateLimited = protocol.NewError(protocol.CodeBadRequest, "Rate limited")
)

// Conn is a player's WebSocket attached to a room. Reads and writes each run
// on their own loop; Send only queues.
type Conn struct {
	id string

	ctx        context.Context
	cancel     context.CancelFunc
	loopWaiter sync.WaitGroup
	closeOnce  sync.Once

	ws      *websocket.Conn
	room    *room.Room
	limiter *rate.Limiter
	codec   *protocol.Codec

	writeQueue chan []byte

	log   *zap.Logger
	trace bool
}

func newConn(parentCtx context.Context, ws *websocket.Conn, rm *room.Room, options Options) *Conn {
	ctx, cancel := context.WithCancel(parentCtx)
	id := uuid.NewString()

	return &Conn{
		id:         id,
		ctx:        ctx,
		cancel:     cancel,
		ws:         ws,
		room:       rm,
		limiter:    rate.NewLimiter(options.ReceiveRate, options.ReceiveBurst),
		codec:      options.Codec,
		writeQueue: make(chan []byte, options.WriteQueueSize),
		log:        options.Log.Named("conn").With(zap.String("conn", id), zap.String("room", rm.ID())),
		trace:      options.Trace,
	}
}

func (c *Conn) ID() string {
	return c.id
}

// Send queues data for the write loop. A connection that cannot keep up is
// closed rather than allowed to hold frames back.
func (c *Conn) Send(data []byte) error {
	if !c.isRunning() {
		return ErrConnClosed
	}

	select {
	case c.writeQueue <- data:
		return nil

	case <-c.ctx.Done():
		return ErrConnClosed

	default:
		metrics.DroppedFrames.WithLabelValues("write_queue").Inc()
		c.log.Warn("Write queue full, closing connection")

		_ = c.Close()
		return ErrWriteQueueFull
	}
}

// Close stops both loops. It does not wait for them, so it is safe to call
// from the room goroutine.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()

		// Unblocks ReadMessage.
		_ = c.ws.SetReadDeadline(time.Now())
	})

	return nil
}

// Serve runs the read and write loops until either ends, then detaches from
// the room and closes the socket.
func (c *Conn) Serve() {
	metrics.OpenConnections.Inc()
	defer metrics.OpenConnections.Dec()

	c.loopWaiter.Add(2)

	go func() {
		defer c.loopWaiter.Done()
		defer c.Close()
		c.ReadLoop()
	}()

	go func() {
		defer c.loopWaiter.Done()
		defer c.Close()
		c.WriteLoop()
	}()

	c.loopWaiter.Wait()

	if err := c.room.Disconnect(context.Background(), c); err != nil && !errors.Is(err, room.ErrClosed) {
		c.log.Warn("Failed to detach from room", zap.Error(err))
	}

	if err := c.ws.Close(); err != nil {
		c.log.Debug("Socket did not close cleanly", zap.Error(err))
	}
}

func (c *Conn) ReadLoop() {
	log := c.log.Named("readLoop")

	c.ws.SetReadLimit(DefaultReadLimit)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.isRunning() && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("Failed to read client frame", zap.Error(err))
			}

			return
		}

		if !c.limiter.Allow() {
			metrics.DroppedFrames.WithLabelValues("rate_limit").Inc()
			c.rejectRateLimited(data, log)
			continue
		}

		if c.trace {
			log.Debug("Frame in", zap.ByteString("data", data))
		}

		if err := c.room.Deliver(c.ctx, c, data); err != nil {
			log.Info("Room stopped accepting frames", zap.Error(err))
			return
		}
	}
}

// rejectRateLimited answers every request in a dropped frame that carries an
// id. Fire-and-forget requests, responses and keepalives are dropped as is.
func (c *Conn) rejectRateLimited(data []byte, log *zap.Logger) {
	if protocol.IsPing(data) || protocol.IsPong(data) {
		return
	}

	decoded, err := c.codec.Decode(data)
	if err != nil {
		log.Debug("Dropping unparsable frame over the receive rate")
		return
	}

	replies := make([]*protocol.Envelope, 0, len(decoded))
	for _, d := range decoded {
		if d.Request && !d.ID.IsNull() {
			replies = append(replies, protocol.NewErrorResponse(d.ID, ErrRateLimited))
		}
	}

	var out []byte
	switch len(replies) {
	case 0:
		log.Debug("Dropping frame over the receive rate")
		return

	case 1:
		out, err = c.codec.Encode(replies[0])

	default:
		out, err = c.codec.EncodeBatch(replies)
	}

	if err != nil {
		log.Warn("Failed to encode rate limit response", zap.Error(err))
		return
	}

	if err := c.Send(out); err != nil {
		log.Debug("Failed to queue rate limit response", zap.Error(err))
	}
}

func (c *Conn) WriteLoop() {
	log := c.log.Named("writeLoop")

	defer func() {
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.drain(log)
			return

		case data := <-c.writeQueue:
			if err := c.write(data); err != nil {
				log.Warn("Failed to write from write queue", zap.Error(err))
				return
			}
		}
	}
}

// drain flushes what is already queued, so the frames a room sends right
// before closing a connection still reach it.
func (c *Conn) drain(log *zap.Logger) {
	for {
		select {
		case data := <-c.writeQueue:
			if err := c.write(data); err != nil {
				log.Debug("Failed to flush write queue", zap.Error(err))
				return
			}

		default:
			return
		}
	}
}

func (c *Conn) write(data []byte) error {
	if c.trace {
		c.log.Debug("Frame out", zap.ByteString("data", data))
	}

	_ = c.ws.SetWriteDeadline(time.Now().Add(DefaultWriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// isRunning returns true if Close has not been called
func (c *Conn) isRunning() bool {
	select {
	case <-c.ctx.Done():
		return false

	default:
		return true
	}
}
