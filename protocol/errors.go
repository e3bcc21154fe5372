package protocol

import (
	"errors"
	"fmt"
)

// ErrorCode is the numeric code carried by error responses. The values follow
// JSON-RPC 2.0 where a matching code exists.
type ErrorCode int

const (
	CodeParseError   ErrorCode = -32700
	CodeBadRequest   ErrorCode = -32600
	CodeBadInput     ErrorCode = -32602
	CodeInternal     ErrorCode = -32603
	CodeUnauthorized ErrorCode = -32001
	CodeNotFound     ErrorCode = -32004
	CodeDisconnected ErrorCode = -32099
)

var codeNames = map[ErrorCode]string{
	CodeParseError:   "PARSE_ERROR",
	CodeBadRequest:   "BAD_REQUEST",
	CodeBadInput:     "BAD_INPUT",
	CodeInternal:     "INTERNAL_SERVER_ERROR",
	CodeUnauthorized: "UNAUTHORIZED",
	CodeNotFound:     "NOT_FOUND",
	CodeDisconnected: "DISCONNECTED",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}

	return fmt.Sprintf("CODE_%d", int(c))
}

// Error is a typed protocol failure. Two Errors match under errors.Is when
// their codes are equal, so the sentinels below can be used as kinds.
type Error struct {
	Code    ErrorCode
	Message string
	Path    string
	Cause   error
}

var (
	ErrParse        = &Error{Code: CodeParseError, Message: "Parse error"}
	ErrNotFound     = &Error{Code: CodeNotFound, Message: "Not found"}
	ErrBadInput     = &Error{Code: CodeBadInput, Message: "Bad input"}
	ErrUnauthorized = &Error{Code: CodeUnauthorized, Message: "Unauthorized"}
	ErrBadRequest   = &Error{Code: CodeBadRequest, Message: "Bad request"}
	ErrDisconnected = &Error{Code: CodeDisconnected, Message: "Disconnected"}
	ErrInternal     = &Error{Code: CodeInternal, Message: "Internal server error"}
)

func NewError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches cause to a new Error of the given code.
func WrapError(code ErrorCode, cause error) *Error {
	msg := code.String()
	if cause != nil {
		msg = cause.Error()
	}

	return &Error{Code: code, Message: msg, Cause: cause}
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code, e.Path, e.Message)
	}

	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// WithPath returns a copy of e scoped to a procedure path.
func (e *Error) WithPath(path string) *Error {
	c := *e
	c.Path = path
	return &c
}

func (e *Error) Shape() ErrorShape {
	return ErrorShape{
		Code:    e.Code,
		Message: e.Message,
		Data: ErrorShapeData{
			Code: e.Code.String(),
			Path: e.Path,
		},
	}
}

func FromShape(s *ErrorShape) *Error {
	return &Error{Code: s.Code, Message: s.Message, Path: s.Data.Path}
}

// AsError returns err as an *Error, converting anything else into an
// internal error that keeps err as its cause.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}

	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}

	return WrapError(CodeInternal, err)
}
