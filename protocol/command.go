package protocol

import "bytes"

// Method is the procedure type a request targets.
type Method string

const (
	Query    Method = "query"
	Mutation Method = "mutation"
)

func (m Method) Valid() bool {
	return m == Query || m == Mutation
}

// ResultType tags a response result.
type ResultType string

const (
	ResultData  ResultType = "data"
	ResultError ResultType = "error"
)

// JSONRPCVersion is the only accepted value of the optional jsonrpc field.
const JSONRPCVersion = "2.0"

var (
	// Keepalive frames are plain text and never parsed as JSON.
	FramePing = []byte("PING")
	FramePong = []byte("PONG")
)

func IsPing(data []byte) bool {
	return bytes.Equal(data, FramePing)
}

func IsPong(data []byte) bool {
	return bytes.Equal(data, FramePong)
}
