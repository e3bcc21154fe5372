package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/codewords/internal/metrics"
	"github.com/luma/codewords/protocol"
)

var (
	ErrAlreadyOpen     = errors.New("connection already has a pending call map")
	ErrNotOpen         = errors.New("connection has no pending call map")
	ErrUnknownResponse = errors.New("response does not match a pending call")
)

// Call describes an outgoing procedure call. Input is marshalled to JSON;
// nil sends no input.
type Call struct {
	Path   Path
	Method protocol.Method
	Input  interface{}
}

// Pending is the slot of one outstanding call. It settles exactly once.
type Pending struct {
	ID   protocol.RequestID
	Path Path

	once sync.Once
	done chan struct{}
	data json.RawMessage
	err  error
}

func newPending(id protocol.RequestID, path Path) *Pending {
	return &Pending{ID: id, Path: path, done: make(chan struct{})}
}

func rejected(path Path, err error) *Pending {
	p := newPending(protocol.NullID, path)
	p.settle(nil, err)
	return p
}

func (p *Pending) settle(data json.RawMessage, err error) {
	p.once.Do(func() {
		p.data = data
		p.err = err
		close(p.done)
	})
}

// Done is closed once the call has settled.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Result returns the outcome. It is only meaningful after Done is closed.
func (p *Pending) Result() (json.RawMessage, error) {
	return p.data, p.err
}

// Wait blocks until the call settles or ctx ends.
func (p *Pending) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-p.done:
		return p.data, p.err

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Correlator matches responses to the calls that caused them. Slots are
// keyed by connection id and request id and live only while the connection
// is open.
type Correlator struct {
	codec *protocol.Codec

	mu    sync.Mutex
	slots map[string]map[protocol.RequestID]*Pending

	log *zap.Logger
}

func NewCorrelator(codec *protocol.Codec, log *zap.Logger) *Correlator {
	return &Correlator{
		codec: codec,
		slots: make(map[string]map[protocol.RequestID]*Pending),
		log:   log,
	}
}

// Open creates conn's slot map. Opening a connection twice is a programming
// error and returns ErrAlreadyOpen.
func (c *Correlator) Open(conn Conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.slots[conn.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyOpen, conn.ID())
	}

	c.slots[conn.ID()] = make(map[protocol.RequestID]*Pending)
	return nil
}

// Close drops conn's slot map and rejects everything still pending on it
// with a Disconnected error.
func (c *Correlator) Close(conn Conn) {
	c.mu.Lock()
	slots := c.slots[conn.ID()]
	delete(c.slots, conn.ID())
	c.mu.Unlock()

	for _, p := range slots {
		metrics.PendingCalls.Dec()
		p.settle(nil, protocol.WrapError(protocol.CodeDisconnected,
			fmt.Errorf("connection %s closed before %s responded", conn.ID(), p.Path)))
	}

	if len(slots) > 0 {
		c.log.Debug("Rejected pending calls on close",
			zap.String("conn", conn.ID()),
			zap.Int("count", len(slots)))
	}
}

// Send writes call to every conn as a fire-and-forget request. Only
// transport failures are reported, aggregated across conns.
func (c *Correlator) Send(conns []Conn, call Call) (err error) {
	frame, err := c.encode(protocol.NullID, call)
	if err != nil {
		return err
	}

	for _, conn := range conns {
		if serr := conn.Send(frame); serr != nil {
			err = multierr.Append(err, fmt.Errorf("send %s to %s: %w", call.Path, conn.ID(), serr))
		}
	}

	return err
}

// Start issues call on conn under a fresh id and returns its slot. It fails
// without sending when conn has no slot map.
func (c *Correlator) Start(conn Conn, call Call) (*Pending, error) {
	id := protocol.StringID(uuid.NewString())

	frame, err := c.encode(id, call)
	if err != nil {
		return nil, err
	}

	p := newPending(id, call.Path)

	c.mu.Lock()
	slots, ok := c.slots[conn.ID()]
	if !ok {
		c.mu.Unlock()
		return nil, protocol.WrapError(protocol.CodeDisconnected, fmt.Errorf("%w: %s", ErrNotOpen, conn.ID()))
	}

	slots[id] = p
	metrics.PendingCalls.Inc()
	c.mu.Unlock()

	if err := conn.Send(frame); err != nil {
		c.forget(conn.ID(), id)
		return nil, protocol.WrapError(protocol.CodeDisconnected, err)
	}

	return p, nil
}

// Call issues call on conn and waits for the response, decoding its data
// into out when out is non-nil. There is no built-in timeout; the slot is
// released when ctx ends.
func (c *Correlator) Call(ctx context.Context, conn Conn, call Call, out interface{}) error {
	p, err := c.Start(conn, call)
	if err != nil {
		return err
	}

	data, err := p.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			if abandoned := c.forget(conn.ID(), p.ID); abandoned != nil {
				abandoned.settle(nil, err)
			}
		}

		return err
	}

	if out == nil {
		return nil
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", call.Path, err)
	}

	return nil
}

// CallEach issues call on every conn. The slots settle independently; a
// connection that cannot be called yields an already rejected slot.
func (c *Correlator) CallEach(conns []Conn, call Call) []*Pending {
	out := make([]*Pending, 0, len(conns))

	for _, conn := range conns {
		p, err := c.Start(conn, call)
		if err != nil {
			p = rejected(call.Path, err)
		}

		out = append(out, p)
	}

	return out
}

// Resolve settles the slot matching resp on conn.
func (c *Correlator) Resolve(conn Conn, resp *protocol.Envelope) error {
	if !resp.IsResponse() {
		return fmt.Errorf("envelope %s is not a response", resp.ID)
	}

	p := c.forget(conn.ID(), resp.ID)
	if p == nil {
		return fmt.Errorf("%w: %s on %s", ErrUnknownResponse, resp.ID, conn.ID())
	}

	if err := resp.Result.ErrorOrNil(); err != nil {
		p.settle(nil, err)
		return nil
	}

	p.settle(resp.Result.Data, nil)
	return nil
}

// Outstanding reports how many calls on conn are waiting for a response.
func (c *Correlator) Outstanding(conn Conn) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.slots[conn.ID()])
}

func (c *Correlator) forget(connID string, id protocol.RequestID) *Pending {
	c.mu.Lock()
	defer c.mu.Unlock()

	slots, ok := c.slots[connID]
	if !ok {
		return nil
	}

	p, ok := slots[id]
	if !ok {
		return nil
	}

	delete(slots, id)
	metrics.PendingCalls.Dec()
	return p
}

func (c *Correlator) encode(id protocol.RequestID, call Call) ([]byte, error) {
	if !call.Method.Valid() {
		return nil, fmt.Errorf("call %s has unknown method %q", call.Path, call.Method)
	}

	var input json.RawMessage
	if call.Input != nil {
		raw, err := json.Marshal(call.Input)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s input: %w", call.Path, err)
		}

		input = raw
	}

	return c.codec.Encode(protocol.NewRequest(id, call.Method, string(call.Path), input))
}
