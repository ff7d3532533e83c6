// Package transport moves raw JSON-RPC frames between clients and the
// server facade. Two implementations share one interface: line-delimited
// stdio for subprocess embedding and length-prefixed TCP for network
// clients. Transports own framing and connection lifecycle only; parsing
// and dispatch stay above them.
package transport

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/driftsec/dshield-mcp/internal/errs"
	"github.com/driftsec/dshield-mcp/internal/mcp"
)

var (
	// ErrUnknownConn is returned by Send for a connection id that was
	// never accepted or has already been torn down.
	ErrUnknownConn = errors.New("unknown connection")
	// ErrConnClosed is returned by Send when the connection closed while
	// the frame was waiting for the outbound queue.
	ErrConnClosed = errors.New("connection closed")
)

// Inbound is one frame received from a connection. Done releases the
// connection's in-flight slot and must be called exactly once per frame,
// after the response (if any) has been sent.
type Inbound struct {
	ConnID string
	Frame  []byte
	Done   func()
}

// Transport is the framing layer under the server facade.
type Transport interface {
	// Start begins accepting input. It returns once the transport is
	// ready; ctx bounds the accept lifetime.
	Start(ctx context.Context) error

	// Inbound delivers received frames. The channel closes after
	// Shutdown finishes draining.
	Inbound() <-chan Inbound

	// Send queues one frame for the named connection. Writes are
	// serialized per connection.
	Send(connID string, frame []byte) error

	// CloseConn tears one connection down, recording the reason.
	CloseConn(connID, reason string)

	// ConnCount reports live connections, for the ops snapshot.
	ConnCount() int

	// SetConnCloseHandler registers the facade's teardown hook. It runs
	// exactly once per connection, on any close path. Must be called
	// before Start.
	SetConnCloseHandler(fn func(connID string))

	// Shutdown stops accepting, closes every connection, and waits for
	// the pumps, bounded by ctx.
	Shutdown(ctx context.Context) error
}

// limitExceededFrame renders the error response written before a
// connection is closed for breaching the frame cap. size is the declared
// frame length when the framing carries one, 0 otherwise.
func limitExceededFrame(size, max int64) []byte {
	out, err := json.Marshal(mcp.NewError(nil, errs.MessageTooLarge(size, max)))
	if err != nil {
		// Static fallback; the typed path cannot realistically fail.
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32600,"message":"frame exceeds maximum message size"}}`)
	}
	return out
}
