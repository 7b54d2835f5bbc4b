// Package mcptransport builds transports and session infrastructure from
// validated configuration. Construction never performs process or network
// I/O; connecting is a separate, explicit step on the returned transport.
package mcptransport

import (
	"log/slog"

	"github.com/mcpwire/mcp-transport-go/eventstore"
	eventmemory "github.com/mcpwire/mcp-transport-go/eventstore/memory"
	"github.com/mcpwire/mcp-transport-go/internal/logctx"
	"github.com/mcpwire/mcp-transport-go/sessions"
	"github.com/mcpwire/mcp-transport-go/transport"
	"github.com/mcpwire/mcp-transport-go/transport/httpclient"
	"github.com/mcpwire/mcp-transport-go/transport/stdio"
)

// Stack is the result of Create: the transport for the requested variant,
// plus the session manager and event store backing the session-backed
// variant (nil for process transports, which are point-to-point and need
// neither).
type Stack struct {
	Transport transport.Transport
	Sessions  *sessions.Manager
	Events    eventstore.Store
}

// Close releases the stack's resources in dependency order.
func (s *Stack) Close() error {
	err := s.Transport.Close()
	if s.Sessions != nil {
		if cerr := s.Sessions.Close(); err == nil {
			err = cerr
		}
	}
	if s.Events != nil {
		if cerr := s.Events.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// CreateOption configures Create.
type CreateOption func(*createConfig)

type createConfig struct {
	logger *slog.Logger
	store  eventstore.Store
}

// WithLogger sets the logger passed to every constructed component. If not
// provided, logs are discarded.
func WithLogger(l *slog.Logger) CreateOption {
	return func(c *createConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithEventStore overrides the event store backing the session-backed
// variant, e.g. to substitute the Redis backend for the in-memory default.
func WithEventStore(store eventstore.Store) CreateOption {
	return func(c *createConfig) { c.store = store }
}

// Create builds the stack matching the configuration variant. The config
// must already have passed Validate; Create re-validates defensively and
// performs no I/O.
func Create(cfg Config, opts ...CreateOption) (*Stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cc := &createConfig{}
	for _, opt := range opts {
		opt(cc)
	}
	if cc.logger != nil {
		// Enrich every record with the transport/session/rpc attributes the
		// components attach to their contexts.
		cc.logger = slog.New(logctx.Handler{Handler: cc.logger.Handler()})
	}

	switch cfg.Kind {
	case KindProcess:
		pc := cfg.Process
		stdioOpts := []stdio.Option{
			stdio.WithArgs(pc.Args...),
			stdio.WithLogger(cc.logger),
		}
		if len(pc.Env) > 0 {
			stdioOpts = append(stdioOpts, stdio.WithEnv(pc.Env))
		}
		if pc.Dir != "" {
			stdioOpts = append(stdioOpts, stdio.WithDir(pc.Dir))
		}
		if pc.ShutdownGrace > 0 {
			stdioOpts = append(stdioOpts, stdio.WithShutdownGrace(pc.ShutdownGrace))
		}
		return &Stack{Transport: stdio.New(pc.Command, stdioOpts...)}, nil

	case KindHTTP:
		hc := cfg.HTTP

		store := cc.store
		if store == nil {
			var err error
			store, err = eventmemory.New(hc.MaxEventsPerSession, hc.SessionTimeout)
			if err != nil {
				return nil, err
			}
		}

		manager := sessions.NewManager(store,
			sessions.WithSessionTimeout(hc.SessionTimeout),
			sessions.WithLogger(cc.logger),
		)

		t := httpclient.New(hc.BaseURL,
			httpclient.WithHeaders(hc.Headers),
			httpclient.WithTimeout(hc.Timeout),
			httpclient.WithInsecureSkipVerify(hc.InsecureSkipVerify),
			httpclient.WithLogger(cc.logger),
		)

		return &Stack{Transport: t, Sessions: manager, Events: store}, nil

	default:
		return nil, &transport.ConfigError{Field: "kind", Reason: "unknown transport kind " + string(cfg.Kind)}
	}
}
