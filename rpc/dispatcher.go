package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/luma/codewords/internal/metrics"
	"github.com/luma/codewords/protocol"
)

// Dispatcher executes requests against a Router. It never fails as a whole:
// every problem becomes an error response scoped to the request id.
type Dispatcher struct {
	router *Router

	// OnError observes every failed call. It runs on the dispatching
	// goroutine before the response is returned.
	OnError func(ctx context.Context, path Path, err *protocol.Error)

	mu   sync.Mutex
	open map[string]struct{}

	log *zap.Logger
}

func NewDispatcher(router *Router, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		router: router,
		open:   make(map[string]struct{}),
		log:    log,
	}
}

func (d *Dispatcher) Router() *Router {
	return d.router
}

// Open admits requests from conn.
func (d *Dispatcher) Open(conn Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.open[conn.ID()] = struct{}{}
}

func (d *Dispatcher) Close(conn Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.open, conn.ID())
}

func (d *Dispatcher) isOpen(conn Conn) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.open[conn.ID()]
	return ok
}

// Dispatch runs req and returns its response, or nil when req.ID is null.
func (d *Dispatcher) Dispatch(ctx context.Context, conn Conn, req *protocol.Envelope) *protocol.Envelope {
	var path Path
	if req.Params != nil {
		path = Path(req.Params.Path)
	}

	start := time.Now()
	data, err := d.invoke(ctx, conn, req)
	metrics.ProcedureDuration.WithLabelValues(string(path)).Observe(time.Since(start).Seconds())

	var raw json.RawMessage
	if err == nil {
		raw, err = json.Marshal(data)
		if err != nil {
			err = protocol.WrapError(protocol.CodeInternal, fmt.Errorf("failed to marshal result: %w", err))
		}
	}

	if err != nil {
		perr := protocol.AsError(err)
		if perr.Path == "" {
			perr = perr.WithPath(string(path))
		}

		metrics.ProcedureCalls.WithLabelValues(string(path), perr.Code.String()).Inc()

		log := d.log.With(
			zap.String("path", string(path)),
			zap.String("conn", conn.ID()),
			zap.String("requestID", req.ID.String()),
			zap.Error(perr))

		if perr.Code == protocol.CodeInternal {
			log.Error("Procedure failed")
		} else {
			log.Debug("Procedure rejected")
		}

		if d.OnError != nil {
			d.OnError(ctx, path, perr)
		}

		if req.ID.IsNull() {
			return nil
		}

		return protocol.NewErrorResponse(req.ID, perr)
	}

	metrics.ProcedureCalls.WithLabelValues(string(path), "OK").Inc()

	if req.ID.IsNull() {
		return nil
	}

	return protocol.NewDataResponse(req.ID, raw)
}

func (d *Dispatcher) invoke(ctx context.Context, conn Conn, req *protocol.Envelope) (data interface{}, err error) {
	if !req.IsRequest() || req.Params == nil {
		return nil, protocol.NewError(protocol.CodeBadRequest, "Envelope is not a request")
	}

	if !d.isOpen(conn) {
		return nil, protocol.NewError(protocol.CodeDisconnected, "Connection %s is not open", conn.ID())
	}

	proc, err := d.router.Route(Path(req.Params.Path))
	if err != nil {
		return nil, err
	}

	if proc.Type != req.Method {
		return nil, protocol.NewError(protocol.CodeBadRequest, "%s is a %s, not a %s", proc.Path, proc.Type, req.Method)
	}

	in, err := proc.decode(req.Params.Input)
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			d.log.Error("Procedure panicked",
				zap.String("path", string(proc.Path)),
				zap.Any("panic", r),
				zap.Stack("stack"))

			data = nil
			err = protocol.NewError(protocol.CodeInternal, "Internal server error")
		}
	}()

	ctx = WithConn(ctx, conn)

	for _, mw := range proc.Middleware {
		if ctx, err = mw(ctx); err != nil {
			return nil, err
		}
	}

	return proc.handle(ctx, in)
}
