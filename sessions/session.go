package sessions

import (
	"sync"
	"time"
)

// Session is a snapshot of one session's metadata. The manager owns the
// authoritative record; snapshots are copies.
type Session struct {
	SessionID    string
	CreatedAt    time.Time
	LastActiveAt time.Time
	// EventCursor is the last event ID assigned in this session, or ""
	// when nothing has been published yet.
	EventCursor string
}

// session is the manager's internal mutable record.
type session struct {
	id        string
	createdAt time.Time

	mu          sync.Mutex
	lastActive  time.Time
	lastSeq     int64
	subscribers map[*EventStream]struct{}
}

func newSession(id string) *session {
	now := time.Now()
	return &session{
		id:          id,
		createdAt:   now,
		lastActive:  now,
		subscribers: make(map[*EventStream]struct{}),
	}
}

func (s *session) snapshot() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Session{
		SessionID:    s.id,
		CreatedAt:    s.createdAt,
		LastActiveAt: s.lastActive,
	}
	if s.lastSeq > 0 {
		snap.EventCursor = formatSeq(s.lastSeq)
	}
	return snap
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}
