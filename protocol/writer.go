package protocol

import (
	"encoding/json"
	"fmt"
)

// Codec turns envelopes into wire frames and back, applying a Transformer to
// procedure inputs, result data and errors.
type Codec struct {
	Transformer Transformer
}

func NewCodec(t Transformer) *Codec {
	return &Codec{Transformer: t}
}

func (c *Codec) transformer() Transformer {
	if c == nil || c.Transformer == nil {
		return IdentityTransformer{}
	}

	return c.Transformer
}

type wireResult struct {
	Type  ResultType      `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error json.RawMessage `json:"error,omitempty"`
}

type wireEnvelope struct {
	ID      RequestID   `json:"id"`
	JSONRPC string      `json:"jsonrpc,omitempty"`
	Method  Method      `json:"method,omitempty"`
	Params  *Params     `json:"params,omitempty"`
	Result  *wireResult `json:"result,omitempty"`
}

// Encode serialises a single envelope.
func (c *Codec) Encode(env *Envelope) ([]byte, error) {
	wire, err := c.toWire(env)
	if err != nil {
		return nil, err
	}

	return json.Marshal(wire)
}

// EncodeBatch serialises envelopes as one JSON array frame.
func (c *Codec) EncodeBatch(envs []*Envelope) ([]byte, error) {
	wires := make([]*wireEnvelope, 0, len(envs))
	for _, env := range envs {
		wire, err := c.toWire(env)
		if err != nil {
			return nil, err
		}

		wires = append(wires, wire)
	}

	return json.Marshal(wires)
}

func (c *Codec) toWire(env *Envelope) (*wireEnvelope, error) {
	if env == nil {
		return nil, fmt.Errorf("cannot encode a nil envelope")
	}

	if env.IsRequest() == env.IsResponse() {
		return nil, fmt.Errorf("envelope %s must be exactly one of request or response", env.ID)
	}

	wire := &wireEnvelope{
		ID:      env.ID,
		JSONRPC: env.JSONRPC,
		Method:  env.Method,
	}

	t := c.transformer()

	if env.IsRequest() {
		if env.Params == nil {
			return nil, fmt.Errorf("request %s has no params", env.ID)
		}

		input, err := t.Serialize(env.Params.Input)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize input for %s: %w", env.Params.Path, err)
		}

		wire.Params = &Params{Path: env.Params.Path, Input: input}
		return wire, nil
	}

	wire.Result = &wireResult{Type: env.Result.Type}

	switch env.Result.Type {
	case ResultData:
		data := env.Result.Data
		if len(data) == 0 {
			data = json.RawMessage("null")
		}

		out, err := t.Serialize(data)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize result data: %w", err)
		}

		wire.Result.Data = out

	case ResultError:
		if env.Result.Error == nil {
			return nil, fmt.Errorf("error response %s has no error", env.ID)
		}

		raw, err := json.Marshal(env.Result.Error)
		if err != nil {
			return nil, err
		}

		out, err := t.Serialize(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize result error: %w", err)
		}

		wire.Result.Error = out

	default:
		return nil, fmt.Errorf("unknown result type %q", env.Result.Type)
	}

	return wire, nil
}
