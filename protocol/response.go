package protocol

import "encoding/json"

// Result is the payload of a response envelope. Data is set for ResultData,
// Error for ResultError.
type Result struct {
	Type  ResultType      `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *ErrorShape     `json:"error,omitempty"`
}

// ErrorShape is the wire form of an Error.
type ErrorShape struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Data    ErrorShapeData `json:"data"`
}

type ErrorShapeData struct {
	Code string `json:"code"`
	Path string `json:"path,omitempty"`
}

// ErrorOrNil returns the error carried by the result, if any.
func (r *Result) ErrorOrNil() error {
	if r == nil || r.Type != ResultError {
		return nil
	}

	if r.Error == nil {
		return NewError(CodeInternal, "error response without error")
	}

	return FromShape(r.Error)
}

// NewDataResponse builds a successful response for id.
func NewDataResponse(id RequestID, data json.RawMessage) *Envelope {
	if len(data) == 0 {
		data = json.RawMessage("null")
	}

	return &Envelope{
		ID:      id,
		JSONRPC: JSONRPCVersion,
		Result:  &Result{Type: ResultData, Data: data},
	}
}

// NewErrorResponse builds an error response for id.
func NewErrorResponse(id RequestID, err error) *Envelope {
	shape := AsError(err).Shape()

	return &Envelope{
		ID:      id,
		JSONRPC: JSONRPCVersion,
		Result:  &Result{Type: ResultError, Error: &shape},
	}
}
