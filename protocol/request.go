package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// RequestID correlates a request with its response. It holds the canonical
// JSON token of a string or number id; the zero value is null.
type RequestID struct {
	raw string
}

// NullID marks a request that expects no response.
var NullID = RequestID{}

func StringID(s string) RequestID {
	b, _ := json.Marshal(s)
	return RequestID{raw: string(b)}
}

func NumberID(n int64) RequestID {
	return RequestID{raw: strconv.FormatInt(n, 10)}
}

func (r RequestID) IsNull() bool {
	return r.raw == ""
}

func (r RequestID) String() string {
	if r.raw == "" {
		return "null"
	}

	if r.raw[0] == '"' {
		var s string
		if err := json.Unmarshal([]byte(r.raw), &s); err == nil {
			return s
		}
	}

	return r.raw
}

func (r RequestID) MarshalJSON() ([]byte, error) {
	if r.raw == "" {
		return []byte("null"), nil
	}

	return []byte(r.raw), nil
}

func (r *RequestID) UnmarshalJSON(data []byte) error {
	id, err := parseRequestID(data)
	if err != nil {
		return err
	}

	*r = id
	return nil
}

// parseRequestID keeps numbers as their literal token so ids beyond the
// float64 range echo back unchanged.
func parseRequestID(data []byte) (RequestID, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return NullID, fmt.Errorf("invalid request id: %w", err)
	}

	switch id := v.(type) {
	case nil:
		return NullID, nil

	case string:
		return StringID(id), nil

	case json.Number:
		return RequestID{raw: id.String()}, nil

	default:
		return NullID, fmt.Errorf("invalid request id %s", string(data))
	}
}

// Params addresses a procedure and carries its transformed input.
type Params struct {
	Path  string          `json:"path"`
	Input json.RawMessage `json:"input,omitempty"`
}

// Envelope is one wire-level request or response. Exactly one of Method and
// Result is set.
type Envelope struct {
	ID      RequestID `json:"id"`
	JSONRPC string    `json:"jsonrpc,omitempty"`

	Method Method  `json:"method,omitempty"`
	Params *Params `json:"params,omitempty"`

	Result *Result `json:"result,omitempty"`
}

func (e *Envelope) IsRequest() bool {
	return e.Method != ""
}

func (e *Envelope) IsResponse() bool {
	return e.Result != nil
}

// NewRequest builds a request envelope. Use NullID for fire-and-forget sends.
func NewRequest(id RequestID, method Method, path string, input json.RawMessage) *Envelope {
	return &Envelope{
		ID:      id,
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  &Params{Path: path, Input: input},
	}
}
