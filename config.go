package mcptransport

import (
	"errors"
	"net/url"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/mcpwire/mcp-transport-go/transport"
)

// Kind selects which transport variant a Config describes.
type Kind string

const (
	// KindProcess is a locally spawned child process speaking
	// newline-framed JSON-RPC over its pipes.
	KindProcess Kind = "process"
	// KindHTTP is an HTTP endpoint with session-backed, resumable event
	// delivery.
	KindHTTP Kind = "http"
)

// ProcessConfig configures a process-backed transport.
type ProcessConfig struct {
	// Command is the executable to spawn. ENV: TRANSPORT_COMMAND
	Command string `env:"TRANSPORT_COMMAND"`
	// Args are the command-line arguments. ENV: TRANSPORT_ARGS (semicolon-separated)
	Args []string `env:"TRANSPORT_ARGS"`
	// Env adds environment variables to the child.
	Env map[string]string
	// Dir is the child's working directory. ENV: TRANSPORT_DIR
	Dir string `env:"TRANSPORT_DIR"`
	// ShutdownGrace is how long Close waits before escalating to a kill.
	// ENV: TRANSPORT_SHUTDOWN_GRACE
	ShutdownGrace time.Duration `env:"TRANSPORT_SHUTDOWN_GRACE"`
}

// HTTPConfig configures the session-backed HTTP variant.
type HTTPConfig struct {
	// BaseURL is the endpoint requests are posted to. ENV: TRANSPORT_BASE_URL
	BaseURL string `env:"TRANSPORT_BASE_URL"`
	// Headers are added to every request.
	Headers map[string]string
	// Timeout bounds each HTTP exchange. ENV: TRANSPORT_TIMEOUT
	Timeout time.Duration `env:"TRANSPORT_TIMEOUT,default=30s"`
	// InsecureSkipVerify disables TLS certificate verification.
	// ENV: TRANSPORT_INSECURE_SKIP_VERIFY
	InsecureSkipVerify bool `env:"TRANSPORT_INSECURE_SKIP_VERIFY,default=false"`
	// MaxEventsPerSession bounds each session's retained event log.
	// ENV: MAX_EVENTS_PER_SESSION
	MaxEventsPerSession int `env:"MAX_EVENTS_PER_SESSION,default=100"`
	// SessionTimeout reaps idle sessions. ENV: SESSION_TIMEOUT
	SessionTimeout time.Duration `env:"SESSION_TIMEOUT,default=30m"`
}

// Config is the tagged configuration variant consumed by Create. Exactly
// the variant named by Kind must be populated.
type Config struct {
	Kind    Kind `env:"TRANSPORT_KIND,default=process"`
	Process *ProcessConfig
	HTTP    *HTTPConfig
}

// FromEnv loads a Config from the environment.
func FromEnv() (Config, error) {
	var cfg Config

	var kindHolder struct {
		Kind Kind `env:"TRANSPORT_KIND,default=process"`
	}
	if err := envdecode.Decode(&kindHolder); err != nil {
		return Config{}, err
	}
	cfg.Kind = kindHolder.Kind

	switch cfg.Kind {
	case KindProcess:
		var pc ProcessConfig
		// "no fields set" just means the variables are absent; Validate
		// reports what is actually missing. Anything else is a malformed
		// value and must not silently fall back to a zero.
		if err := envdecode.Decode(&pc); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return Config{}, &transport.ConfigError{Field: "process", Reason: err.Error()}
		}
		cfg.Process = &pc
	case KindHTTP:
		var hc HTTPConfig
		if err := envdecode.Decode(&hc); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return Config{}, &transport.ConfigError{Field: "http", Reason: err.Error()}
		}
		cfg.HTTP = &hc
	}

	return cfg, cfg.Validate()
}

// Validate checks the config structurally, before any I/O is attempted.
// Errors name the offending field.
func (c Config) Validate() error {
	switch c.Kind {
	case KindProcess:
		if c.Process == nil {
			return &transport.ConfigError{Field: "process", Reason: "missing process configuration"}
		}
		if c.Process.Command == "" {
			return &transport.ConfigError{Field: "process.command", Reason: "must not be empty"}
		}
		if c.Process.ShutdownGrace < 0 {
			return &transport.ConfigError{Field: "process.shutdown_grace", Reason: "must be positive"}
		}
		return nil

	case KindHTTP:
		if c.HTTP == nil {
			return &transport.ConfigError{Field: "http", Reason: "missing http configuration"}
		}
		u, err := url.Parse(c.HTTP.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return &transport.ConfigError{Field: "http.base_url", Reason: "must be a well-formed absolute URL"}
		}
		if c.HTTP.Timeout <= 0 {
			return &transport.ConfigError{Field: "http.timeout", Reason: "must be positive"}
		}
		if c.HTTP.MaxEventsPerSession <= 0 {
			return &transport.ConfigError{Field: "http.max_events_per_session", Reason: "must be positive"}
		}
		if c.HTTP.SessionTimeout <= 0 {
			return &transport.ConfigError{Field: "http.session_timeout", Reason: "must be positive"}
		}
		return nil

	default:
		return &transport.ConfigError{Field: "kind", Reason: "unknown transport kind " + string(c.Kind)}
	}
}
