package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/mcpwire/mcp-transport-go/eventstore"
	"github.com/mcpwire/mcp-transport-go/eventstore/memory"
)

func newTestManager(t *testing.T, maxEvents int, opts ...Option) *Manager {
	t.Helper()
	store, err := memory.New(maxEvents, time.Hour)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	opts = append([]Option{WithSweepInterval(time.Hour)}, opts...)
	m := NewManager(store, opts...)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func publishN(t *testing.T, m *Manager, sessionID string, n int) []eventstore.Event {
	t.Helper()
	events := make([]eventstore.Event, 0, n)
	for i := 1; i <= n; i++ {
		ev, err := m.Publish(context.Background(), sessionID, "message",
			json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
		if err != nil {
			t.Fatalf("Publish %d failed: %v", i, err)
		}
		events = append(events, ev)
	}
	return events
}

func nextWithin(t *testing.T, stream *EventStream, d time.Duration) eventstore.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	ev, err := stream.Next(ctx)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	return ev
}

func TestManager_PublishAssignsMonotonicIDs(t *testing.T) {
	m := newTestManager(t, 100)

	events := publishN(t, m, "sess", 3)
	for i, ev := range events {
		want := strconv.Itoa(i + 1)
		if ev.ID != want {
			t.Fatalf("Expected event %d to have id %q, got %q", i, want, ev.ID)
		}
		if ev.SessionID != "sess" {
			t.Fatalf("Expected session id stamped, got %q", ev.SessionID)
		}
	}
}

func TestManager_CreateSessionAndInfo(t *testing.T) {
	m := newTestManager(t, 100)

	id, err := m.CreateSession(context.Background())
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if id == "" {
		t.Fatal("Expected a non-empty session id")
	}

	info, ok := m.Info(id)
	if !ok {
		t.Fatal("Expected session to exist")
	}
	if info.EventCursor != "" {
		t.Fatalf("Expected empty cursor before first publish, got %q", info.EventCursor)
	}

	publishN(t, m, id, 2)
	info, _ = m.Info(id)
	if info.EventCursor != "2" {
		t.Fatalf("Expected cursor 2 after two publishes, got %q", info.EventCursor)
	}

	if _, ok := m.Info("unknown"); ok {
		t.Fatal("Expected unknown session to be absent")
	}
}

func TestManager_SubscribeLiveOnly(t *testing.T) {
	m := newTestManager(t, 100)
	publishN(t, m, "sess", 2)

	stream, err := m.Subscribe(context.Background(), "sess", "")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	t.Cleanup(func() { _ = stream.Close() })

	// A fresh stream must not replay the pre-subscription history.
	publishN(t, m, "sess", 1)
	if ev := nextWithin(t, stream, time.Second); ev.ID != "3" {
		t.Fatalf("Expected only the live event 3, got %q", ev.ID)
	}
}

func TestManager_ResumeReplaysThenFollows(t *testing.T) {
	m := newTestManager(t, 100)
	publishN(t, m, "sess", 2)

	stream, err := m.Subscribe(context.Background(), "sess", "1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	t.Cleanup(func() { _ = stream.Close() })

	if ev := nextWithin(t, stream, time.Second); ev.ID != "2" {
		t.Fatalf("Expected replayed event 2, got %q", ev.ID)
	}

	publishN(t, m, "sess", 1)
	if ev := nextWithin(t, stream, time.Second); ev.ID != "3" {
		t.Fatalf("Expected live event 3 with no duplicate, got %q", ev.ID)
	}
}

func TestManager_ResumeIsGapFreeUnderConcurrentPublish(t *testing.T) {
	m := newTestManager(t, 500)
	publishN(t, m, "sess", 10)

	// Publish concurrently with the subscription so some events land in the
	// backlog read, some in the live buffer, and some in both.
	const total = 200
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 11; i <= total; i++ {
			if _, err := m.Publish(context.Background(), "sess", "message", nil); err != nil {
				t.Errorf("Publish %d failed: %v", i, err)
				return
			}
		}
	}()

	stream, err := m.Subscribe(context.Background(), "sess", "5")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	t.Cleanup(func() { _ = stream.Close() })
	<-done

	want := int64(6)
	for want <= total {
		ev := nextWithin(t, stream, 2*time.Second)
		seq, err := strconv.ParseInt(ev.ID, 10, 64)
		if err != nil {
			t.Fatalf("Non-numeric event id %q", ev.ID)
		}
		if seq != want {
			t.Fatalf("Gap or duplicate: expected seq %d, got %d", want, seq)
		}
		want++
	}
}

func TestManager_ConcurrentPublishersDeliverEveryEvent(t *testing.T) {
	m := newTestManager(t, 500)

	stream, err := m.Subscribe(context.Background(), "sess", "")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	t.Cleanup(func() { _ = stream.Close() })

	const publishers = 8
	const perPublisher = 25

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				if _, err := m.Publish(context.Background(), "sess", "message", nil); err != nil {
					t.Errorf("Publish failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	const total = publishers * perPublisher
	seen := make(map[int64]bool, total)
	var lastSeq int64
	for len(seen) < total {
		ev := nextWithin(t, stream, 2*time.Second)
		seq, err := strconv.ParseInt(ev.ID, 10, 64)
		if err != nil {
			t.Fatalf("Non-numeric event id %q", ev.ID)
		}
		if seq <= lastSeq {
			t.Fatalf("Out-of-order or duplicate delivery: %d after %d", seq, lastSeq)
		}
		seen[seq] = true
		lastSeq = seq
	}
	for i := int64(1); i <= total; i++ {
		if !seen[i] {
			t.Fatalf("Event %d never delivered to live subscriber", i)
		}
	}
}

func TestManager_ExpiredCursor(t *testing.T) {
	m := newTestManager(t, 3)
	publishN(t, m, "sess", 5)

	// Events 1 and 2 fell out of the bounded log.
	_, err := m.Subscribe(context.Background(), "sess", "1")
	if !errors.Is(err, eventstore.ErrCursorExpired) {
		t.Fatalf("Expected ErrCursorExpired, got: %v", err)
	}
}

func TestManager_MalformedCursor(t *testing.T) {
	m := newTestManager(t, 100)
	publishN(t, m, "sess", 1)

	_, err := m.Subscribe(context.Background(), "sess", "garbage")
	if !errors.Is(err, eventstore.ErrCursorExpired) {
		t.Fatalf("Expected ErrCursorExpired for malformed cursor, got: %v", err)
	}
}

func TestManager_GetSince(t *testing.T) {
	m := newTestManager(t, 100)
	publishN(t, m, "sess", 3)

	events, err := m.GetSince(context.Background(), "sess", "1")
	if err != nil {
		t.Fatalf("GetSince failed: %v", err)
	}
	if len(events) != 2 || events[0].ID != "2" || events[1].ID != "3" {
		t.Fatalf("Expected [2 3], got %v", events)
	}

	if _, err := m.GetSince(context.Background(), "unknown", ""); !errors.Is(err, eventstore.ErrSessionNotFound) {
		t.Fatalf("Expected ErrSessionNotFound, got: %v", err)
	}
}

func TestManager_RemoveSessionClosesStreams(t *testing.T) {
	m := newTestManager(t, 100)
	publishN(t, m, "sess", 1)

	stream, err := m.Subscribe(context.Background(), "sess", "")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := m.RemoveSession(context.Background(), "sess"); err != nil {
		t.Fatalf("RemoveSession failed: %v", err)
	}

	if _, err := stream.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("Expected io.EOF from a closed stream, got: %v", err)
	}
	if _, err := m.GetSince(context.Background(), "sess", ""); !errors.Is(err, eventstore.ErrSessionNotFound) {
		t.Fatalf("Expected log dropped with the session, got: %v", err)
	}

	// Removing again is not an error.
	if err := m.RemoveSession(context.Background(), "sess"); err != nil {
		t.Fatalf("Second remove failed: %v", err)
	}
}

func TestManager_CleanupRemovesIdleSessions(t *testing.T) {
	m := newTestManager(t, 100, WithSessionTimeout(100*time.Millisecond))
	publishN(t, m, "sess", 1)

	time.Sleep(150 * time.Millisecond)
	m.Cleanup(context.Background())

	if _, ok := m.Info("sess"); ok {
		t.Fatal("Expected idle session removed")
	}
	if _, err := m.GetSince(context.Background(), "sess", ""); !errors.Is(err, eventstore.ErrSessionNotFound) {
		t.Fatalf("Expected log dropped with the session, got: %v", err)
	}
}

func TestManager_CleanupSparesSubscribedSessions(t *testing.T) {
	m := newTestManager(t, 100, WithSessionTimeout(100*time.Millisecond))
	publishN(t, m, "sess", 1)

	stream, err := m.Subscribe(context.Background(), "sess", "")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	t.Cleanup(func() { _ = stream.Close() })

	// Well past the timeout, but a live subscriber counts as activity.
	time.Sleep(150 * time.Millisecond)
	m.Cleanup(context.Background())

	if _, ok := m.Info("sess"); !ok {
		t.Fatal("Expected subscribed session to survive cleanup")
	}

	// Once the subscriber detaches the idle clock runs out normally.
	_ = stream.Close()
	time.Sleep(150 * time.Millisecond)
	m.Cleanup(context.Background())

	if _, ok := m.Info("sess"); ok {
		t.Fatal("Expected unsubscribed idle session removed")
	}
}

func TestManager_LaggedSubscriberFailsLoudly(t *testing.T) {
	m := newTestManager(t, 1000)
	publishN(t, m, "sess", 1)

	stream, err := m.Subscribe(context.Background(), "sess", "")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	// Overflow the live buffer without consuming anything.
	publishN(t, m, "sess", 400)

	var lastSeq int64
	for {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		ev, err := stream.Next(ctx)
		cancel()
		if errors.Is(err, ErrSubscriberLagged) {
			return
		}
		if err != nil {
			t.Fatalf("Expected ErrSubscriberLagged, got: %v", err)
		}
		seq, _ := strconv.ParseInt(ev.ID, 10, 64)
		if seq <= lastSeq {
			t.Fatalf("Out-of-order delivery before lag: %d after %d", seq, lastSeq)
		}
		lastSeq = seq
	}
}

func TestManager_CloseClosesStreams(t *testing.T) {
	m := newTestManager(t, 100)
	publishN(t, m, "sess", 1)

	stream, err := m.Subscribe(context.Background(), "sess", "")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := stream.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("Expected io.EOF after manager close, got: %v", err)
	}
}
