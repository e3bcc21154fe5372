package rpc

import (
	"context"

	"go.uber.org/zap"

	"github.com/luma/codewords/protocol"
)

type MuxOptions struct {
	Codec *protocol.Codec

	// DisablePong stops the mux answering PING frames.
	DisablePong bool

	Log *zap.Logger
}

// Mux serves both directions of a connection: inbound requests go to the
// Dispatcher, inbound responses to the Correlator.
type Mux struct {
	dispatcher *Dispatcher
	correlator *Correlator
	codec      *protocol.Codec

	disablePong bool

	log *zap.Logger
}

func NewMux(dispatcher *Dispatcher, correlator *Correlator, options MuxOptions) *Mux {
	return &Mux{
		dispatcher:  dispatcher,
		correlator:  correlator,
		codec:       options.Codec,
		disablePong: options.DisablePong,
		log:         options.Log,
	}
}

func (m *Mux) Dispatcher() *Dispatcher {
	return m.dispatcher
}

func (m *Mux) Correlator() *Correlator {
	return m.correlator
}

// OnOpen prepares both halves for conn.
func (m *Mux) OnOpen(conn Conn) error {
	if err := m.correlator.Open(conn); err != nil {
		return err
	}

	m.dispatcher.Open(conn)
	return nil
}

// OnClose tears down both halves for conn, rejecting its pending calls.
func (m *Mux) OnClose(conn Conn) {
	m.dispatcher.Close(conn)
	m.correlator.Close(conn)
}

// OnMessage handles one inbound frame from conn. Keepalive frames are
// answered before any parsing. Requests are dispatched in frame order and
// their responses written back to conn.
func (m *Mux) OnMessage(ctx context.Context, conn Conn, raw []byte) {
	log := m.log.With(zap.String("conn", conn.ID()))

	if protocol.IsPing(raw) {
		if m.disablePong {
			return
		}

		if err := conn.Send(protocol.FramePong); err != nil {
			log.Warn("Failed to respond to PING", zap.Error(err))
		}

		return
	}

	if protocol.IsPong(raw) {
		return
	}

	decoded, err := m.codec.Decode(raw)
	if err != nil {
		log.Debug("Failed to parse frame", zap.Error(err))
		m.reply(conn, protocol.NewErrorResponse(protocol.NullID, err), log)
		return
	}

	for _, d := range decoded {
		switch {
		case d.Err != nil && d.Response:
			log.Warn("Dropping malformed response",
				zap.String("requestID", d.ID.String()),
				zap.Error(d.Err))

		case d.Err != nil:
			id := protocol.NullID
			if d.Request {
				id = d.ID
			}

			m.reply(conn, protocol.NewErrorResponse(id, d.Err), log)

		case d.Envelope.IsRequest():
			if resp := m.dispatcher.Dispatch(ctx, conn, d.Envelope); resp != nil {
				m.reply(conn, resp, log)
			}

		default:
			if err := m.correlator.Resolve(conn, d.Envelope); err != nil {
				log.Debug("Dropping response", zap.Error(err))
			}
		}
	}
}

func (m *Mux) reply(conn Conn, resp *protocol.Envelope, log *zap.Logger) {
	frame, err := m.codec.Encode(resp)
	if err != nil {
		log.Error("Failed to encode response",
			zap.String("requestID", resp.ID.String()),
			zap.Error(err))
		return
	}

	if err := conn.Send(frame); err != nil {
		log.Warn("Failed to write response",
			zap.String("requestID", resp.ID.String()),
			zap.Error(err))
	}
}
