// Package httpclient implements an HTTP-backed transport: each Send posts
// one JSON-RPC message to a configured base URL, and any response body is
// queued for the next Receive. It is the point-to-point half of the
// session-backed configuration variant; resumable event streaming lives in
// the sessions package.
package httpclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mcpwire/mcp-transport-go/internal/logctx"
	"github.com/mcpwire/mcp-transport-go/jsonrpc"
	"github.com/mcpwire/mcp-transport-go/transport"
)

// DefaultTimeout bounds each HTTP exchange when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// Transport is a transport.Transport that exchanges JSON-RPC messages over
// HTTP POST requests.
type Transport struct {
	baseURL  string
	headers  map[string]string
	timeout  time.Duration
	insecure bool
	logger   *slog.Logger

	mu        sync.Mutex
	client    *http.Client
	connected bool
	closed    bool

	pending chan *jsonrpc.Response

	health transport.HealthTracker
}

// Option customizes a Transport.
type Option func(*Transport)

// WithHeaders sets headers added to every request (auth tokens, tracing).
func WithHeaders(headers map[string]string) Option {
	return func(t *Transport) { t.headers = headers }
}

// WithTimeout bounds each HTTP exchange.
func WithTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithInsecureSkipVerify disables TLS certificate verification. Intended for
// development against self-signed endpoints only.
func WithInsecureSkipVerify(skip bool) Option {
	return func(t *Transport) { t.insecure = skip }
}

// WithLogger overrides the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithHTTPClient supplies a pre-built client, overriding the timeout and TLS
// options. Useful for tests and custom transports.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transport) { t.client = c }
}

// New builds an HTTP transport for the given base URL. No network I/O
// happens until Connect.
func New(baseURL string, opts ...Option) *Transport {
	t := &Transport{
		baseURL: baseURL,
		timeout: DefaultTimeout,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		pending: make(chan *jsonrpc.Response, 16),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connect prepares the HTTP client. It performs no network I/O; an
// unreachable endpoint surfaces on the first Send.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return transport.ErrClosed
	}
	if t.connected {
		return nil
	}

	if t.client == nil {
		httpTransport := http.DefaultTransport.(*http.Transport).Clone()
		if t.insecure {
			if httpTransport.TLSClientConfig == nil {
				httpTransport.TLSClientConfig = &tls.Config{}
			}
			httpTransport.TLSClientConfig.InsecureSkipVerify = true
		}
		t.client = &http.Client{
			Timeout:   t.timeout,
			Transport: httpTransport,
		}
	}

	t.connected = true
	t.health.SetMetadata("base_url", t.baseURL)
	t.health.MarkSuccess(0)
	return nil
}

// Send posts one request to the base URL. A 2xx response with a JSON body is
// decoded and queued for the next Receive; a bodiless 2xx (typical for
// notifications) queues nothing.
func (t *Transport) Send(ctx context.Context, req *jsonrpc.Request) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return transport.ErrClosed
	}
	if !t.connected {
		t.mu.Unlock()
		return transport.ErrNotConnected
	}
	client := t.client
	t.mu.Unlock()

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%w: %v", transport.ErrSerialization, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL, bytes.NewReader(body))
	if err != nil {
		return &transport.ConnectionError{Op: "send", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	httpResp, err := client.Do(httpReq)
	if err != nil {
		t.markDisconnected(err.Error())
		return &transport.ConnectionError{Op: "send", Err: err}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		errText := fmt.Sprintf("unexpected status %d", httpResp.StatusCode)
		t.markDisconnected(errText)
		return &transport.ConnectionError{Op: "send", Err: fmt.Errorf("%s", errText)}
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		t.markDisconnected(err.Error())
		return &transport.ConnectionError{Op: "send", Err: err}
	}

	t.health.MarkSuccess(time.Since(start))
	t.logger.DebugContext(t.logCtx(ctx), "posted request",
		slog.String("method", req.Method), slog.Int("status", httpResp.StatusCode))

	if len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}

	var resp jsonrpc.Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrSerialization, err)
	}

	select {
	case t.pending <- &resp:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Receive returns the next queued response, blocking until one is available
// or the context ends.
func (t *Transport) Receive(ctx context.Context) (*jsonrpc.Response, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, transport.ErrClosed
	}
	if !t.connected {
		t.mu.Unlock()
		return nil, transport.ErrNotConnected
	}
	t.mu.Unlock()

	select {
	case resp := <-t.pending:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// IsConnected implements transport.Transport.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Health implements transport.Transport.
func (t *Transport) Health() transport.Health {
	return t.health.Snapshot()
}

// Close is idempotent and releases idle connections.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	t.connected = false
	t.health.Disconnect()

	if t.client != nil {
		t.client.CloseIdleConnections()
	}
	return nil
}

func (t *Transport) markDisconnected(errText string) {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	t.health.MarkFailure(errText)
}

func (t *Transport) logCtx(ctx context.Context) context.Context {
	return logctx.WithTransportData(ctx, &logctx.TransportData{Kind: "http", Target: t.baseURL})
}

var _ transport.Transport = (*Transport)(nil)
