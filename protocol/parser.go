package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

var (
	ErrMalformedJSON     = errors.New("Payload is not well-formed JSON")
	ErrNotAnEnvelope     = errors.New("Payload must be an envelope object or an array of envelope objects")
	ErrNotAnObject       = errors.New("Envelope is not an object")
	ErrInvalidRequestID  = errors.New("Envelope id must be a string, a number or null")
	ErrInvalidJSONRPC    = errors.New("Envelope jsonrpc must be \"2.0\" when present")
	ErrInvalidMethod     = errors.New("Request method must be \"query\" or \"mutation\"")
	ErrInvalidParams     = errors.New("Request params must be an object")
	ErrInvalidPath       = errors.New("Request params.path must be a string")
	ErrInvalidResult     = errors.New("Response result must be an object of type \"data\" or \"error\"")
	ErrInvalidErrorShape = errors.New("Response error must be an object with a numeric code")
	ErrUnknownEnvelope   = errors.New("Envelope has neither method nor result")
)

// Decoded is the outcome of decoding one envelope of a frame. When Err is set
// ID, Request and Response hold whatever could be recovered, so a failing
// request can still be answered.
type Decoded struct {
	Envelope *Envelope
	ID       RequestID
	Request  bool
	Response bool
	Err      error
}

// Decode parses a frame holding one envelope or a batch of them. It only
// fails as a whole when the frame is not JSON or not an object/array; every
// batch element is decoded independently.
func (c *Codec) Decode(data []byte) ([]Decoded, error) {
	if !gjson.ValidBytes(data) {
		return nil, WrapError(CodeParseError, ErrMalformedJSON)
	}

	root := gjson.ParseBytes(data)

	var elems []gjson.Result
	switch {
	case root.IsArray():
		elems = root.Array()

	case root.IsObject():
		elems = []gjson.Result{root}

	default:
		return nil, WrapError(CodeParseError, ErrNotAnEnvelope)
	}

	decoded := make([]Decoded, 0, len(elems))
	for _, elem := range elems {
		decoded = append(decoded, c.decodeOne(elem))
	}

	return decoded, nil
}

// DecodeOne decodes a frame that must hold exactly one envelope.
func (c *Codec) DecodeOne(data []byte) (*Envelope, error) {
	decoded, err := c.Decode(data)
	if err != nil {
		return nil, err
	}

	if len(decoded) != 1 {
		return nil, WrapError(CodeParseError, fmt.Errorf("expected one envelope, got %d", len(decoded)))
	}

	return decoded[0].Envelope, decoded[0].Err
}

func (c *Codec) decodeOne(elem gjson.Result) (d Decoded) {
	fail := func(cause error) Decoded {
		d.Envelope = nil
		d.Err = WrapError(CodeParseError, cause)
		return d
	}

	if !elem.IsObject() {
		return fail(ErrNotAnObject)
	}

	d.Request = elem.Get("method").Exists()
	d.Response = !d.Request && (elem.Get("result").Exists() || elem.Get("error").Exists())

	env := &Envelope{}

	if id := elem.Get("id"); id.Exists() {
		if id.Type != gjson.Null && id.Type != gjson.String && id.Type != gjson.Number {
			return fail(ErrInvalidRequestID)
		}

		parsed, err := parseRequestID([]byte(id.Raw))
		if err != nil {
			return fail(ErrInvalidRequestID)
		}

		env.ID = parsed
		d.ID = parsed
	}

	if rpc := elem.Get("jsonrpc"); rpc.Exists() {
		if rpc.Type != gjson.String || rpc.Str != JSONRPCVersion {
			return fail(ErrInvalidJSONRPC)
		}

		env.JSONRPC = rpc.Str
	}

	if d.Request {
		method := elem.Get("method")
		if method.Type != gjson.String || !Method(method.Str).Valid() {
			return fail(ErrInvalidMethod)
		}

		env.Method = Method(method.Str)

		params := elem.Get("params")
		if !params.IsObject() {
			return fail(ErrInvalidParams)
		}

		path := params.Get("path")
		if path.Type != gjson.String {
			return fail(ErrInvalidPath)
		}

		env.Params = &Params{Path: path.Str}

		if input := params.Get("input"); input.Exists() {
			raw, err := c.transformer().Deserialize(json.RawMessage(input.Raw))
			if err != nil {
				return fail(err)
			}

			env.Params.Input = raw
		}

		d.Envelope = env
		return d
	}

	if result := elem.Get("result"); result.Exists() {
		if !result.IsObject() {
			return fail(ErrInvalidResult)
		}

		switch ResultType(result.Get("type").String()) {
		case ResultData:
			data := json.RawMessage("null")
			if raw := result.Get("data"); raw.Exists() {
				data = json.RawMessage(raw.Raw)
			}

			data, err := c.transformer().Deserialize(data)
			if err != nil {
				return fail(err)
			}

			env.Result = &Result{Type: ResultData, Data: data}

		case ResultError:
			shape, err := c.decodeError(result.Get("error"))
			if err != nil {
				return fail(err)
			}

			env.Result = &Result{Type: ResultError, Error: shape}

		default:
			return fail(ErrInvalidResult)
		}

		d.Envelope = env
		return d
	}

	// Error responses may also carry the error at the top level.
	if errField := elem.Get("error"); errField.Exists() {
		shape, err := c.decodeError(errField)
		if err != nil {
			return fail(err)
		}

		env.Result = &Result{Type: ResultError, Error: shape}
		d.Envelope = env
		return d
	}

	return fail(ErrUnknownEnvelope)
}

func (c *Codec) decodeError(field gjson.Result) (*ErrorShape, error) {
	if !field.IsObject() {
		return nil, ErrInvalidErrorShape
	}

	raw, err := c.transformer().Deserialize(json.RawMessage(field.Raw))
	if err != nil {
		return nil, err
	}

	parsed := gjson.ParseBytes(raw)
	if !parsed.IsObject() || parsed.Get("code").Type != gjson.Number {
		return nil, ErrInvalidErrorShape
	}

	return &ErrorShape{
		Code:    ErrorCode(parsed.Get("code").Int()),
		Message: parsed.Get("message").String(),
		Data: ErrorShapeData{
			Code: parsed.Get("data.code").String(),
			Path: parsed.Get("data.path").String(),
		},
	}, nil
}
