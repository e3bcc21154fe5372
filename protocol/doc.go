// Package protocol implements the wire format codewords peers use to call
// procedures on each other over a WebSocket.
//
// Both ends of a connection are servers and clients at the same time: the
// room pushes notifications to players by calling procedures on them, and
// players call procedures on the room. Every message is therefore one of two
// envelope kinds sharing the same framing.
//
// - `Request`  - a call of a named procedure, either a query or a mutation.
// - `Response` - the result of a request, either data or an error.
//
// === General Syntax
//
// - every frame is a UTF-8 text frame holding one JSON value
// - the value is an envelope object or an array of envelope objects (a batch)
// - batch elements are independent, one bad element does not spoil the others
//
// === Requests
//
//	{ "id": "6f1c...", "jsonrpc": "2.0", "method": "mutation",
//	  "params": { "path": "giveClue", "input": { ... } } }
//
// A request with `"id": null` is fire-and-forget and never gets a response.
// Any other id must be unique among the sender's outstanding calls on that
// connection and is answered by exactly one response carrying the same id.
//
// === Responses
//
//	{ "id": "6f1c...", "jsonrpc": "2.0", "result": { "type": "data", "data": ... } }
//	{ "id": "6f1c...", "jsonrpc": "2.0",
//	  "result": { "type": "error", "error": { "code": -32600, "message": "Not your turn",
//	                                          "data": { "code": "BAD_REQUEST" } } } }
//
// Frames that cannot be parsed at all are answered with an error response
// whose id is null.
//
// === Keepalive
//
// The literal text frames `PING` and `PONG` sit outside the envelope format.
// They are checked before any JSON parsing: `PING` is answered with `PONG`,
// `PONG` is ignored.
//
// === Payload encoding
//
// Procedure inputs, result data and errors pass through a Transformer so
// values that are not plain JSON can be carried. The default is plain JSON.
package protocol
