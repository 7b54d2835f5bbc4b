// Package eventstore defines the durable, bounded, per-session append log
// of outbound events that the sessions package relies on for resumption.
//
// Each session's log holds events in strictly increasing ID order. A cursor
// is an opaque token: any event ID a store previously emitted. Reading since
// a cursor that has already been evicted fails with ErrCursorExpired, which
// callers must treat as "resync from scratch", never as "no new events".
package eventstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSessionNotFound is returned when reading a session the store does
	// not retain (never created, expired, or dropped).
	ErrSessionNotFound = errors.New("session not found")

	// ErrCursorExpired is returned when the requested cursor refers to an
	// event that has been evicted from the retained log.
	ErrCursorExpired = errors.New("cursor expired")
)

// Event is one outbound event in a session's log. Events are immutable once
// appended.
type Event struct {
	// ID is unique and monotonically increasing within the session.
	ID string `json:"id"`
	// SessionID names the owning session.
	SessionID string `json:"session_id"`
	// Type is the application-level event type carried to subscribers.
	Type string `json:"event_type"`
	// Data is the JSON payload.
	Data []byte `json:"data"`
	// Timestamp records when the event was published.
	Timestamp time.Time `json:"timestamp"`
}

// Store is the append-log contract. Implementations must be safe for one
// appender per session running concurrently with arbitrarily many readers,
// and reads must observe consistent snapshots, never a torn append.
type Store interface {
	// Append adds one event to the session's log, creating the log if
	// needed. Bounding policy (max events per session) applies here.
	Append(ctx context.Context, sessionID string, ev Event) error

	// GetSince returns the retained events for the session in ascending ID
	// order. An empty cursor means the full retained log. A non-empty
	// cursor returns only events strictly after it, or ErrCursorExpired if
	// that cursor has been evicted.
	GetSince(ctx context.Context, sessionID string, cursor string) ([]Event, error)

	// Touch marks the session active, deferring idle expiry. Touching an
	// unknown session is not an error.
	Touch(ctx context.Context, sessionID string) error

	// Drop discards the session's entire log. Dropping an unknown session
	// is not an error.
	Drop(ctx context.Context, sessionID string) error

	// Close releases backend resources.
	Close() error
}
