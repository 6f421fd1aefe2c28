// Package transport provides the reliable, ordered connections that carry
// envelopes between two paired endpoints.
//
// A connection delivers envelopes to exactly one registered Receiver, in
// the order they were written, on a single delivery goroutine. Writes never
// block on the receiver. Envelopes written before Register are buffered and
// delivered once a receiver is present.
//
// Two implementations are provided:
//   - Pipe: an in-process pair, used for tests and single-binary setups.
//     Envelopes are still JSON encoded so values cross the pipe exactly as
//     they would cross a socket.
//   - WSConn: a WebSocket connection built on gorilla/websocket. Dial
//     connects once; DialRetry keeps trying with exponential backoff until
//     the peer is listening.
//
// A connection that drops is never re-established. The endpoint learns of
// it through Receiver.HandleDisconnect and stops.
package transport
