package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mcpwire/mcp-transport-go/jsonrpc"
)

// fakeTransport scripts Receive behavior so SendAndReceive semantics can be
// exercised without real I/O.
type fakeTransport struct {
	receiveDelay time.Duration
	response     *jsonrpc.Response
	receiveErr   error

	sendCalls int
	closed    bool
	health    HealthTracker
}

func (f *fakeTransport) Connect(ctx context.Context) error { return nil }

func (f *fakeTransport) Send(ctx context.Context, req *jsonrpc.Request) error {
	f.sendCalls++
	return nil
}

func (f *fakeTransport) Receive(ctx context.Context) (*jsonrpc.Response, error) {
	if f.receiveDelay > 0 {
		select {
		case <-time.After(f.receiveDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.receiveErr != nil {
		return nil, f.receiveErr
	}
	return f.response, nil
}

func (f *fakeTransport) IsConnected() bool { return !f.closed }
func (f *fakeTransport) Health() Health    { return f.health.Snapshot() }
func (f *fakeTransport) Close() error      { f.closed = true; return nil }

var _ Transport = (*fakeTransport)(nil)

func TestSendAndReceive_Success(t *testing.T) {
	want, err := jsonrpc.NewResultResponse(jsonrpc.NewRequestID("1"), map[string]any{})
	if err != nil {
		t.Fatalf("Failed to build response: %v", err)
	}
	ft := &fakeTransport{response: want}

	req, err := jsonrpc.NewRequest(jsonrpc.NewRequestID("1"), "ping", nil)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}

	resp, err := SendAndReceive(context.Background(), ft, req, time.Second)
	if err != nil {
		t.Fatalf("SendAndReceive failed: %v", err)
	}
	if resp.ID.String() != "1" {
		t.Fatalf("Expected id 1, got %q", resp.ID.String())
	}
	if ft.sendCalls != 1 {
		t.Fatalf("Expected one send, got %d", ft.sendCalls)
	}
}

func TestSendAndReceive_TimeoutLeavesTransportOpen(t *testing.T) {
	ft := &fakeTransport{receiveDelay: 500 * time.Millisecond}

	req, err := jsonrpc.NewRequest(jsonrpc.NewRequestID("1"), "slow", nil)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}

	_, err = SendAndReceive(context.Background(), ft, req, 20*time.Millisecond)
	if !IsTimeout(err) {
		t.Fatalf("Expected TimeoutError, got: %v", err)
	}
	if ft.closed {
		t.Fatal("Timeout must not close the transport; that is the caller's decision")
	}
}

func TestSendAndReceive_ReceiveError(t *testing.T) {
	wantErr := &ConnectionError{Op: "receive", Err: errors.New("peer gone")}
	ft := &fakeTransport{receiveErr: wantErr}

	req, err := jsonrpc.NewRequest(jsonrpc.NewRequestID("1"), "ping", nil)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}

	_, err = SendAndReceive(context.Background(), ft, req, time.Second)
	var ce *ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("Expected ConnectionError, got: %v", err)
	}
}

func TestSendAndReceive_ContextCancellation(t *testing.T) {
	ft := &fakeTransport{receiveDelay: time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	req, err := jsonrpc.NewRequest(jsonrpc.NewRequestID("1"), "ping", nil)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}

	_, err = SendAndReceive(ctx, ft, req, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got: %v", err)
	}
}
