// Package sessions owns session lifecycle and event delivery: publication
// assigns per-session monotonically increasing event IDs, persists each
// event to an eventstore.Store, and fans it out to live subscribers.
// Subscribers resuming from a cursor receive the retained backlog first and
// then the live tail, with no gap and no duplicate.
package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcpwire/mcp-transport-go/eventstore"
	"github.com/mcpwire/mcp-transport-go/internal/logctx"
)

const (
	// DefaultSessionTimeout is how long an idle session survives between
	// cleanup sweeps.
	DefaultSessionTimeout = 30 * time.Minute
)

// Manager owns the session table and ties event persistence to live
// subscription fan-out.
type Manager struct {
	store          eventstore.Store
	sessionTimeout time.Duration
	sweepInterval  time.Duration
	logger         *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*session

	sweepTicker *time.Ticker
	sweepDone   chan struct{}
	closeOnce   sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithSessionTimeout overrides how long an idle session is retained.
func WithSessionTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.sessionTimeout = d
		}
	}
}

// WithSweepInterval overrides the cleanup sweep interval. The default is a
// quarter of the session timeout.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.sweepInterval = d
		}
	}
}

// WithLogger overrides the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager builds a Manager on top of the given event store and starts
// its periodic cleanup sweep.
func NewManager(store eventstore.Store, opts ...Option) *Manager {
	m := &Manager{
		store:          store,
		sessionTimeout: DefaultSessionTimeout,
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		sessions:       make(map[string]*session),
		sweepDone:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.sweepInterval == 0 {
		m.sweepInterval = m.sessionTimeout / 4
	}

	m.sweepTicker = time.NewTicker(m.sweepInterval)
	go m.sweepLoop()

	return m
}

// CreateSession explicitly registers a new session and returns its ID.
func (m *Manager) CreateSession(ctx context.Context) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	id := uuid.NewString()
	m.ensureSession(id)
	m.logger.InfoContext(m.logCtx(ctx, id, ""), "session created")
	return id, nil
}

// Publish appends one event to the session's log and fans it out to live
// subscribers. Publishing to an unknown or expired session implicitly
// (re)creates it: the HTTP-facing caller may legitimately publish before
// the client's first poll arrives.
func (m *Manager) Publish(ctx context.Context, sessionID, eventType string, data json.RawMessage) (eventstore.Event, error) {
	sess := m.ensureSession(sessionID)

	sess.mu.Lock()
	seq := sess.lastSeq + 1
	ev := eventstore.Event{
		ID:        formatSeq(seq),
		SessionID: sessionID,
		Type:      eventType,
		Data:      append([]byte(nil), data...),
		Timestamp: time.Now(),
	}

	if err := m.store.Append(ctx, sessionID, ev); err != nil {
		sess.mu.Unlock()
		return eventstore.Event{}, fmt.Errorf("append event: %w", err)
	}

	sess.lastSeq = seq
	sess.lastActive = time.Now()

	// Deliver while still holding the lock: concurrent publishers must not
	// interleave events into a stream's buffer out of sequence order.
	// deliver never blocks; a stream whose buffer overflows is failed and
	// detached here.
	delivered := len(sess.subscribers)
	for sub := range sess.subscribers {
		if !sub.deliver(ev) {
			delete(sess.subscribers, sub)
		}
	}
	sess.mu.Unlock()

	m.logger.DebugContext(m.logCtx(ctx, sessionID, ev.ID), "event published",
		slog.String("event_type", eventType), slog.Int("subscribers", delivered))

	return ev, nil
}

// Subscribe returns a stream of the session's events. With a cursor, the
// retained backlog after that cursor is delivered first, then the live
// tail; eventstore.ErrCursorExpired is returned if the cursor has been
// evicted. With no cursor, only events published after the subscription
// are delivered.
//
// The live registration happens before the backlog read, and the stream
// deduplicates by event ID, so an event published during the read is
// delivered exactly once.
func (m *Manager) Subscribe(ctx context.Context, sessionID, lastEventID string) (*EventStream, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	sess := m.ensureSession(sessionID)
	sess.touch()
	_ = m.store.Touch(ctx, sessionID)

	var lastSeq int64
	if lastEventID != "" {
		seq, err := strconv.ParseInt(lastEventID, 10, 64)
		if err != nil {
			return nil, eventstore.ErrCursorExpired
		}
		lastSeq = seq
	}

	stream := newEventStream(sess, lastSeq)

	sess.mu.Lock()
	if lastEventID == "" {
		// Fresh stream: only events published after this point.
		stream.lastSeq = sess.lastSeq
	}
	sess.subscribers[stream] = struct{}{}
	sess.mu.Unlock()

	if lastEventID != "" {
		backlog, err := m.store.GetSince(ctx, sessionID, lastEventID)
		if err != nil {
			if err == eventstore.ErrSessionNotFound {
				// The manager knows the session but the store retains no
				// log for it, so the cursor cannot be located anymore.
				err = eventstore.ErrCursorExpired
			}
			stream.Close()
			return nil, err
		}
		stream.setBacklog(backlog)
	}

	m.logger.DebugContext(m.logCtx(ctx, sessionID, lastEventID), "subscriber attached")
	return stream, nil
}

// GetSince exposes the store's replay read for callers that want a one-shot
// backlog without a live subscription.
func (m *Manager) GetSince(ctx context.Context, sessionID, cursor string) ([]eventstore.Event, error) {
	return m.store.GetSince(ctx, sessionID, cursor)
}

// Info returns a metadata snapshot for the session, if it exists.
func (m *Manager) Info(sessionID string) (Session, bool) {
	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return Session{}, false
	}
	return sess.snapshot(), true
}

// RemoveSession discards the session, its retained log, and closes all of
// its live streams. Removing an unknown session is not an error.
func (m *Manager) RemoveSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	if err := m.store.Drop(ctx, sessionID); err != nil {
		return fmt.Errorf("drop session log: %w", err)
	}
	if !ok {
		return nil
	}

	sess.mu.Lock()
	subs := make([]*EventStream, 0, len(sess.subscribers))
	for sub := range sess.subscribers {
		subs = append(subs, sub)
	}
	sess.subscribers = make(map[*EventStream]struct{})
	sess.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}

	m.logger.InfoContext(m.logCtx(ctx, sessionID, ""), "session removed")
	return nil
}

// Cleanup removes sessions idle longer than the session timeout. A session
// with at least one live subscriber counts as active no matter how old its
// last publish is; its idle clock is reset instead.
func (m *Manager) Cleanup(ctx context.Context) {
	now := time.Now()

	m.mu.RLock()
	candidates := make([]*session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		candidates = append(candidates, sess)
	}
	m.mu.RUnlock()

	for _, sess := range candidates {
		sess.mu.Lock()
		hasSubscribers := len(sess.subscribers) > 0
		idle := now.Sub(sess.lastActive) > m.sessionTimeout
		if hasSubscribers {
			sess.lastActive = now
		}
		sess.mu.Unlock()

		if hasSubscribers {
			_ = m.store.Touch(ctx, sess.id)
			continue
		}
		if idle {
			if err := m.RemoveSession(ctx, sess.id); err != nil {
				m.logger.WarnContext(ctx, "failed to remove expired session",
					slog.String("session_id", sess.id), slog.String("err", err.Error()))
			}
		}
	}
}

// Close stops the cleanup sweep and closes every live stream. The event
// store is not closed; it may be shared.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.sweepTicker.Stop()
		close(m.sweepDone)

		m.mu.Lock()
		sessions := make([]*session, 0, len(m.sessions))
		for _, sess := range m.sessions {
			sessions = append(sessions, sess)
		}
		m.sessions = make(map[string]*session)
		m.mu.Unlock()

		for _, sess := range sessions {
			sess.mu.Lock()
			subs := make([]*EventStream, 0, len(sess.subscribers))
			for sub := range sess.subscribers {
				subs = append(subs, sub)
			}
			sess.subscribers = make(map[*EventStream]struct{})
			sess.mu.Unlock()
			for _, sub := range subs {
				sub.Close()
			}
		}
	})
	return nil
}

func (m *Manager) ensureSession(sessionID string) *session {
	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if ok {
		return sess
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[sessionID]; ok {
		return sess
	}
	sess = newSession(sessionID)
	m.sessions[sessionID] = sess
	return sess
}

func (m *Manager) sweepLoop() {
	for {
		select {
		case <-m.sweepDone:
			return
		case <-m.sweepTicker.C:
			m.Cleanup(context.Background())
		}
	}
}

func (m *Manager) logCtx(ctx context.Context, sessionID, lastEventID string) context.Context {
	return logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID, LastEventID: lastEventID})
}

func formatSeq(seq int64) string {
	return strconv.FormatInt(seq, 10)
}
