// Package transport defines the uniform transport contract shared by every
// concrete byte channel in this module (child-process pipes, HTTP), along
// with the health bookkeeping and error taxonomy those transports share.
//
// A Transport is a point-to-point request/response channel: one in-flight
// exchange at a time per instance. Callers needing parallelism use separate
// instances; fan-out event delivery is the sessions package's job, not the
// transport's.
package transport

import (
	"context"
	"time"

	"github.com/mcpwire/mcp-transport-go/jsonrpc"
)

// Transport is implemented by every concrete byte channel.
//
// Connect is an explicit step separate from construction, so building a
// transport can never block on an unreachable peer. Any I/O failure on Send
// or Receive records into the transport's Health and flips it to
// disconnected before the error is returned; subsequent calls fail fast
// with ErrNotConnected rather than re-attempting broken I/O.
type Transport interface {
	// Connect establishes the underlying channel. For process-backed
	// transports this spawns the child and captures its pipes.
	Connect(ctx context.Context) error

	// Send writes one request to the peer.
	Send(ctx context.Context, req *jsonrpc.Request) error

	// Receive blocks until one response is available or the peer closes
	// the channel.
	Receive(ctx context.Context) (*jsonrpc.Response, error)

	// IsConnected reports whether the transport believes the channel is
	// currently usable.
	IsConnected() bool

	// Health returns a consistent snapshot of the transport's condition.
	Health() Health

	// Close tears down the channel. Close is idempotent: closing an
	// already-closed transport returns nil.
	Close() error
}

// SendAndReceive performs one request/response exchange with a deadline,
// giving every Transport implementation identical timeout semantics.
//
// The timeout cancels only the waiting: on expiry a TimeoutError is returned
// and the transport is left open, since a slow-but-alive peer should not be
// torn down by one timed-out call. The in-flight Receive keeps running until
// the underlying channel produces a message or fails; the transport is
// single-exchange, so the caller must not start another exchange until it
// has decided whether to keep or close this one.
func SendAndReceive(ctx context.Context, t Transport, req *jsonrpc.Request, timeout time.Duration) (*jsonrpc.Response, error) {
	if err := t.Send(ctx, req); err != nil {
		return nil, err
	}

	type result struct {
		resp *jsonrpc.Response
		err  error
	}

	resCh := make(chan result, 1)
	go func() {
		resp, err := t.Receive(ctx)
		resCh <- result{resp: resp, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-resCh:
		return res.resp, res.err
	case <-timer.C:
		return nil, &TimeoutError{Op: "receive", After: timeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
