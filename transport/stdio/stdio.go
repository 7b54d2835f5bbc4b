// Package stdio implements a process-backed transport: it owns a child
// process and frames one JSON-RPC message per newline-terminated line over
// the child's standard input and output pipes.
//
// The child's lifetime is tied to the transport's. Close signals the child
// by closing its stdin, waits a grace period for voluntary exit, and only
// then escalates to a kill. A transport that is garbage collected without an
// explicit Close still reaps its child via a finalizer.
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/mcpwire/mcp-transport-go/internal/logctx"
	"github.com/mcpwire/mcp-transport-go/jsonrpc"
	"github.com/mcpwire/mcp-transport-go/transport"
)

// DefaultShutdownGrace is how long Close waits for the child to exit on its
// own after stdin is closed before escalating to a kill.
const DefaultShutdownGrace = 5 * time.Second

// Transport is a transport.Transport backed by a spawned child process.
// It is safe for use by one exchange at a time; concurrent callers needing
// parallelism must use separate instances.
type Transport struct {
	command string
	args    []string
	env     map[string]string
	dir     string
	grace   time.Duration
	logger  *slog.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	writer    *bufio.Writer
	lines     chan lineResult
	readStop  chan struct{}
	exited    chan struct{}
	connected bool
	closed    bool

	health transport.HealthTracker
}

// Option customizes a Transport.
type Option func(*Transport)

// WithArgs sets the child's command-line arguments.
func WithArgs(args ...string) Option {
	return func(t *Transport) { t.args = args }
}

// WithEnv adds environment variables to the child on top of the parent's
// environment.
func WithEnv(env map[string]string) Option {
	return func(t *Transport) { t.env = env }
}

// WithDir sets the child's working directory.
func WithDir(dir string) Option {
	return func(t *Transport) { t.dir = dir }
}

// WithLogger overrides the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithShutdownGrace overrides the grace period between closing the child's
// stdin and forcibly terminating it.
func WithShutdownGrace(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.grace = d
		}
	}
}

// New builds a process transport for the given command. No process is
// spawned until Connect is called.
func New(command string, opts ...Option) *Transport {
	t := &Transport{
		command: command,
		grace:   DefaultShutdownGrace,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connect spawns the child process and captures its stdin/stdout pipes.
// It does not retry; a child that cannot be spawned surfaces as a
// ConnectionError.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return transport.ErrClosed
	}
	if t.connected {
		return nil
	}

	start := time.Now()

	cmd := exec.Command(t.command, t.args...)
	cmd.Dir = t.dir
	if len(t.env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range t.env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		t.health.MarkFailure(err.Error())
		return &transport.ConnectionError{Op: "spawn", Err: fmt.Errorf("capturing stdin: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.health.MarkFailure(err.Error())
		return &transport.ConnectionError{Op: "spawn", Err: fmt.Errorf("capturing stdout: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		t.health.MarkFailure(err.Error())
		return &transport.ConnectionError{Op: "spawn", Err: err}
	}

	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	lines := make(chan lineResult)
	readStop := make(chan struct{})
	go readLines(bufio.NewReader(stdout), lines, readStop)

	t.cmd = cmd
	t.stdin = stdin
	t.writer = bufio.NewWriter(stdin)
	t.lines = lines
	t.readStop = readStop
	t.exited = exited
	t.connected = true

	t.health.SetMetadata("command", t.command)
	t.health.SetMetadata("args", t.args)
	t.health.MarkSuccess(time.Since(start))

	// Reap the child even if the handle is dropped without Close.
	runtime.SetFinalizer(t, func(ft *Transport) { _ = ft.Close() })

	t.logger.InfoContext(t.logCtx(ctx), "process transport connected",
		slog.Int("pid", cmd.Process.Pid))

	return nil
}

// Send serializes one request and writes it as a single newline-terminated
// line, flushing so a line-oriented peer is unblocked promptly.
func (t *Transport) Send(ctx context.Context, req *jsonrpc.Request) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return transport.ErrClosed
	}
	if !t.connected {
		return transport.ErrNotConnected
	}
	if t.processExited() {
		t.connected = false
		t.health.MarkFailure("process exited")
		return &transport.ConnectionError{Op: "send", Err: errors.New("process exited")}
	}

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%w: %v", transport.ErrSerialization, err)
	}

	start := time.Now()
	if _, err := t.writer.Write(append(data, '\n')); err == nil {
		err = t.writer.Flush()
	} else {
		_ = t.writer.Flush()
	}
	if err != nil {
		t.connected = false
		t.health.MarkFailure(err.Error())
		return &transport.ConnectionError{Op: "send", Err: err}
	}

	t.health.MarkSuccess(time.Since(start))
	t.logger.DebugContext(t.logCtx(ctx), "sent request",
		slog.String("method", req.Method), slog.String("id", req.ID.String()))
	return nil
}

// Receive returns the next line from the child's stdout decoded as a
// Response. Lines are read by a single long-lived goroutine owning the pipe
// and handed off synchronously, so a caller that gives up waiting does not
// lose the line that eventually arrives: the next Receive gets it. EOF means
// the child closed its output and surfaces as a ConnectionError, never as an
// empty-but-valid response.
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
	lines := t.lines
	t.mu.Unlock()

	start := time.Now()

	for {
		var res lineResult
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res = <-lines:
		}

		if res.err != nil {
			t.mu.Lock()
			t.connected = false
			t.mu.Unlock()
			if errors.Is(res.err, io.EOF) {
				t.health.MarkFailure("process closed output")
				return nil, &transport.ConnectionError{Op: "receive", Err: errors.New("process closed output")}
			}
			t.health.MarkFailure(res.err.Error())
			return nil, &transport.ConnectionError{Op: "receive", Err: res.err}
		}

		line := strings.TrimSuffix(res.line, "\n")
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}

		// A peer emitting garbage is a protocol violation; fail the
		// channel so the caller reconnects rather than reading on.
		var resp jsonrpc.Response
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			t.mu.Lock()
			t.connected = false
			t.mu.Unlock()
			t.health.MarkFailure(err.Error())
			return nil, fmt.Errorf("%w: %v", transport.ErrSerialization, err)
		}

		t.health.MarkSuccess(time.Since(start))
		t.logger.DebugContext(t.logCtx(ctx), "received response",
			slog.String("id", resp.ID.String()))
		return &resp, nil
	}
}

// IsConnected implements transport.Transport.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected && !t.processExited()
}

// Health implements transport.Transport.
func (t *Transport) Health() transport.Health {
	return t.health.Snapshot()
}

// Close shuts the child down in two phases: close stdin to signal EOF, wait
// up to the grace period for voluntary exit, then kill. Calling Close on an
// already-closed transport returns nil.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	runtime.SetFinalizer(t, nil)

	if !t.connected && t.cmd == nil {
		return nil
	}
	t.connected = false
	t.health.Disconnect()

	if t.readStop != nil {
		close(t.readStop)
	}
	if t.stdin != nil {
		_ = t.stdin.Close()
	}

	select {
	case <-t.exited:
		return nil
	case <-time.After(t.grace):
	}

	t.logger.Warn("process did not exit after stdin close; killing",
		slog.String("command", t.command))
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	<-t.exited
	return nil
}

type lineResult struct {
	line string
	err  error
}

// readLines is the single owner of the child's stdout. Handing lines off on
// an unbuffered channel means a line read on behalf of a caller that has
// already given up is retained for the next Receive instead of dropped.
func readLines(r *bufio.Reader, lines chan<- lineResult, stop <-chan struct{}) {
	for {
		line, err := r.ReadString('\n')
		select {
		case lines <- lineResult{line: line, err: err}:
		case <-stop:
			return
		}
		if err != nil {
			return
		}
	}
}

// processExited reports whether the child has already terminated. Callers
// must hold t.mu.
func (t *Transport) processExited() bool {
	if t.exited == nil {
		return false
	}
	select {
	case <-t.exited:
		return true
	default:
		return false
	}
}

func (t *Transport) logCtx(ctx context.Context) context.Context {
	return logctx.WithTransportData(ctx, &logctx.TransportData{Kind: "stdio", Target: t.command})
}

var _ transport.Transport = (*Transport)(nil)
