package sessions

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"

	"github.com/mcpwire/mcp-transport-go/eventstore"
)

// ErrSubscriberLagged is returned by Next when the subscriber fell so far
// behind live publishes that its buffer overflowed. The stream is closed;
// the subscriber should resubscribe from the last event ID it processed,
// which replays the missed events from the store.
var ErrSubscriberLagged = errors.New("subscriber lagged behind live events")

// liveBufferSize bounds how many undelivered live events a stream holds
// before it is considered lagged.
const liveBufferSize = 256

// EventStream is a lazy sequence of one session's events: buffered backlog
// first, then the live tail. It is safe for use by a single consumer.
// Closing the stream never affects other subscribers or the session's
// retained backlog.
type EventStream struct {
	sess *session
	ch   chan eventstore.Event
	done chan struct{}

	closeOnce sync.Once

	mu      sync.Mutex
	backlog []eventstore.Event
	lastSeq int64
	lagged  bool
}

func newEventStream(sess *session, lastSeq int64) *EventStream {
	return &EventStream{
		sess:    sess,
		ch:      make(chan eventstore.Event, liveBufferSize),
		done:    make(chan struct{}),
		lastSeq: lastSeq,
	}
}

// Next blocks until the next event is available, the context ends, or the
// stream closes. It returns io.EOF when the stream is closed and
// ErrSubscriberLagged when the stream was closed because the consumer fell
// behind. Events are returned in strictly increasing ID order with no
// duplicates, regardless of how backlog and live delivery interleave.
func (s *EventStream) Next(ctx context.Context) (eventstore.Event, error) {
	for {
		if ev, ok := s.popBacklog(); ok {
			return ev, nil
		}

		// Prefer buffered live events over stream shutdown so nothing
		// already delivered to this subscriber is lost on close.
		select {
		case ev := <-s.ch:
			if s.accept(ev) {
				return ev, nil
			}
			continue
		default:
		}

		select {
		case ev := <-s.ch:
			if s.accept(ev) {
				return ev, nil
			}
		case <-ctx.Done():
			return eventstore.Event{}, ctx.Err()
		case <-s.done:
			s.mu.Lock()
			lagged := s.lagged
			s.mu.Unlock()
			if lagged {
				return eventstore.Event{}, ErrSubscriberLagged
			}
			return eventstore.Event{}, io.EOF
		}
	}
}

// Close detaches the stream from its session. It is safe to call multiple
// times and safe to call concurrently with Next.
func (s *EventStream) Close() error {
	s.sess.mu.Lock()
	delete(s.sess.subscribers, s)
	s.sess.mu.Unlock()

	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// deliver hands one live event to the stream. Called by the manager with the
// session lock held, so it must never block and must not take session locks
// itself. On buffer overflow the stream is failed rather than silently
// dropping the event, preserving the no-gap guarantee; a false return tells
// the manager to detach the stream.
func (s *EventStream) deliver(ev eventstore.Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.ch <- ev:
		return true
	default:
		s.mu.Lock()
		s.lagged = true
		s.mu.Unlock()
		s.closeOnce.Do(func() { close(s.done) })
		return false
	}
}

// setBacklog installs the replayed events read from the store. Called once,
// before the consumer's first Next.
func (s *EventStream) setBacklog(events []eventstore.Event) {
	s.mu.Lock()
	s.backlog = events
	s.mu.Unlock()
}

func (s *EventStream) popBacklog() (eventstore.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.backlog) > 0 {
		ev := s.backlog[0]
		s.backlog = s.backlog[1:]
		seq := seqOf(ev)
		if seq <= s.lastSeq {
			continue
		}
		s.lastSeq = seq
		return ev, true
	}
	return eventstore.Event{}, false
}

// accept deduplicates live events against everything already delivered:
// an event that raced into both the backlog read and the live buffer is
// returned only once.
func (s *EventStream) accept(ev eventstore.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := seqOf(ev)
	if seq <= s.lastSeq {
		return false
	}
	s.lastSeq = seq
	return true
}

func seqOf(ev eventstore.Event) int64 {
	n, _ := strconv.ParseInt(ev.ID, 10, 64)
	return n
}
