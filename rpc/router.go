package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/luma/codewords/protocol"
)

// Path names a procedure. Each router serves a fixed set of paths decided
// when it is built.
type Path string

// Conn is the send half of a transport connection. IDs must be unique among
// the connections a Dispatcher or Correlator sees at the same time.
type Conn interface {
	ID() string
	Send(data []byte) error
}

type ctxKey int

const connKey ctxKey = iota

// WithConn returns ctx carrying the connection a call arrived on.
func WithConn(ctx context.Context, conn Conn) context.Context {
	return context.WithValue(ctx, connKey, conn)
}

func ConnFromContext(ctx context.Context) (Conn, bool) {
	conn, ok := ctx.Value(connKey).(Conn)
	return conn, ok
}

// Validator is implemented by procedure inputs that check their own
// invariants after decoding.
type Validator interface {
	Validate() error
}

// Middleware runs before a handler. It can reject the call by returning an
// error or hand an augmented context to the rest of the chain.
type Middleware func(ctx context.Context) (context.Context, error)

// HandlerFunc serves a procedure. The result is marshalled to JSON.
type HandlerFunc[In any] func(ctx context.Context, in In) (interface{}, error)

// Procedure is one routable operation.
type Procedure struct {
	Path       Path
	Type       protocol.Method
	Middleware []Middleware

	decode func(raw json.RawMessage) (interface{}, error)
	handle func(ctx context.Context, in interface{}) (interface{}, error)
}

// Query builds a read-only procedure whose input decodes into In.
func Query[In any](path Path, h HandlerFunc[In], mw ...Middleware) Procedure {
	return newProcedure(path, protocol.Query, h, mw)
}

// Mutation builds a side-effecting procedure whose input decodes into In.
func Mutation[In any](path Path, h HandlerFunc[In], mw ...Middleware) Procedure {
	return newProcedure(path, protocol.Mutation, h, mw)
}

func newProcedure[In any](path Path, method protocol.Method, h HandlerFunc[In], mw []Middleware) Procedure {
	return Procedure{
		Path:       path,
		Type:       method,
		Middleware: mw,
		decode: func(raw json.RawMessage) (interface{}, error) {
			var in In
			if err := decodeInput(raw, &in); err != nil {
				return nil, err
			}

			if v, ok := any(&in).(Validator); ok {
				if err := v.Validate(); err != nil {
					return nil, protocol.WrapError(protocol.CodeBadInput, err)
				}
			}

			return in, nil
		},
		handle: func(ctx context.Context, in interface{}) (interface{}, error) {
			typed, _ := in.(In)
			return h(ctx, typed)
		},
	}
}

// decodeInput fills out from raw, leaving it at its zero value when no input
// was sent. Unknown fields are rejected.
func decodeInput(raw json.RawMessage, out interface{}) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()

	if err := dec.Decode(out); err != nil {
		return protocol.WrapError(protocol.CodeBadInput, err)
	}

	return nil
}

var ErrDuplicateProcedure = errors.New("procedure path registered twice")

// Router maps paths to procedures. It is immutable once built.
type Router struct {
	procedures map[Path]Procedure
}

func NewRouter(procedures ...Procedure) (*Router, error) {
	r := &Router{procedures: make(map[Path]Procedure, len(procedures))}

	for _, p := range procedures {
		if p.Path == "" || p.decode == nil || p.handle == nil {
			return nil, fmt.Errorf("procedure %q was not built with Query or Mutation", p.Path)
		}

		if !p.Type.Valid() {
			return nil, fmt.Errorf("procedure %q has unknown type %q", p.Path, p.Type)
		}

		if _, ok := r.procedures[p.Path]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateProcedure, p.Path)
		}

		r.procedures[p.Path] = p
	}

	return r, nil
}

// Route resolves path, failing with a NotFound protocol error.
func (r *Router) Route(path Path) (Procedure, error) {
	p, ok := r.procedures[path]
	if !ok {
		return Procedure{}, protocol.NewError(protocol.CodeNotFound, "No procedure found on path %q", path).WithPath(string(path))
	}

	return p, nil
}

func (r *Router) Paths() []Path {
	paths := make([]Path, 0, len(r.procedures))
	for path := range r.procedures {
		paths = append(paths, path)
	}

	sort.Slice(paths, func(i, j int) bool { return paths[i] < paths[j] })
	return paths
}
