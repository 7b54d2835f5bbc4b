// Package memory provides an in-memory implementation of eventstore.Store.
// Each session's log is a ring bounded to maxEventsPerSession entries, logs
// idle longer than sessionTimeout are reaped by a janitor sweep, and the
// session table itself is an LRU so an unbounded session-id space cannot
// exhaust memory. Suitable for single-node deployments and testing.
package memory

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mcpwire/mcp-transport-go/eventstore"
)

const (
	// DefaultMaxSessions caps the number of session logs retained at once.
	DefaultMaxSessions = 1024
	// DefaultSessionTimeout is how long an idle session's log is retained.
	DefaultSessionTimeout = 30 * time.Minute
)

// Store implements eventstore.Store in process memory.
type Store struct {
	maxEventsPerSession int
	sessionTimeout      time.Duration
	logsCap             int

	logs *lru.Cache[string, *sessionLog]

	janitorTicker *time.Ticker
	janitorDone   chan struct{}
	closeOnce     sync.Once
}

type sessionLog struct {
	mu         sync.RWMutex
	events     []eventstore.Event
	lastActive time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithMaxSessions overrides the cap on concurrently retained session logs.
func WithMaxSessions(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.logsCap = n
		}
	}
}

// New creates a memory store retaining at most maxEventsPerSession events
// per session and dropping logs idle longer than sessionTimeout.
func New(maxEventsPerSession int, sessionTimeout time.Duration, opts ...Option) (*Store, error) {
	if maxEventsPerSession <= 0 {
		maxEventsPerSession = 100
	}
	if sessionTimeout <= 0 {
		sessionTimeout = DefaultSessionTimeout
	}

	s := &Store{
		maxEventsPerSession: maxEventsPerSession,
		sessionTimeout:      sessionTimeout,
		logsCap:             DefaultMaxSessions,
		janitorDone:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	logs, err := lru.New[string, *sessionLog](s.logsCap)
	if err != nil {
		return nil, err
	}
	s.logs = logs

	// Sweep at a quarter of the timeout so an idle log overstays by at
	// most one sweep interval.
	s.janitorTicker = time.NewTicker(sessionTimeout / 4)
	go s.janitor()

	return s, nil
}

// Append implements eventstore.Store. Eviction happens on every append, so
// a burst of publishes can never exceed the per-session bound.
func (s *Store) Append(ctx context.Context, sessionID string, ev eventstore.Event) error {
	log := s.ensureLog(sessionID)

	log.mu.Lock()
	defer log.mu.Unlock()

	log.events = append(log.events, ev)
	if len(log.events) > s.maxEventsPerSession {
		overflow := len(log.events) - s.maxEventsPerSession
		log.events = append([]eventstore.Event(nil), log.events[overflow:]...)
	}
	log.lastActive = time.Now()
	return nil
}

// GetSince implements eventstore.Store.
func (s *Store) GetSince(ctx context.Context, sessionID string, cursor string) ([]eventstore.Event, error) {
	log, ok := s.logs.Get(sessionID)
	if !ok {
		return nil, eventstore.ErrSessionNotFound
	}

	// Reading counts as activity; update the idle clock under a brief write
	// lock, then copy under a read lock so readers do not serialize.
	log.mu.Lock()
	log.lastActive = time.Now()
	log.mu.Unlock()

	log.mu.RLock()
	defer log.mu.RUnlock()

	if cursor == "" {
		return append([]eventstore.Event(nil), log.events...), nil
	}

	for i := range log.events {
		if log.events[i].ID == cursor {
			return append([]eventstore.Event(nil), log.events[i+1:]...), nil
		}
	}

	// The cursor was valid once (the caller got it from us) but is no
	// longer retained. Distinct from "no new events" so the caller knows
	// to resync from scratch.
	return nil, eventstore.ErrCursorExpired
}

// Touch implements eventstore.Store.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	if log, ok := s.logs.Get(sessionID); ok {
		log.mu.Lock()
		log.lastActive = time.Now()
		log.mu.Unlock()
	}
	return nil
}

// Drop implements eventstore.Store.
func (s *Store) Drop(ctx context.Context, sessionID string) error {
	s.logs.Remove(sessionID)
	return nil
}

// Close stops the janitor and discards all logs.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.janitorTicker.Stop()
		close(s.janitorDone)
		s.logs.Purge()
	})
	return nil
}

func (s *Store) ensureLog(sessionID string) *sessionLog {
	if log, ok := s.logs.Get(sessionID); ok {
		return log
	}
	log := &sessionLog{lastActive: time.Now()}
	if prev, ok, _ := s.logs.PeekOrAdd(sessionID, log); ok {
		return prev
	}
	return log
}

func (s *Store) janitor() {
	for {
		select {
		case <-s.janitorDone:
			return
		case <-s.janitorTicker.C:
			s.sweep()
		}
	}
}

func (s *Store) sweep() {
	now := time.Now()
	for _, sessionID := range s.logs.Keys() {
		log, ok := s.logs.Peek(sessionID)
		if !ok {
			continue
		}
		log.mu.RLock()
		idle := now.Sub(log.lastActive) > s.sessionTimeout
		log.mu.RUnlock()
		if idle {
			s.logs.Remove(sessionID)
		}
	}
}

var _ eventstore.Store = (*Store)(nil)
