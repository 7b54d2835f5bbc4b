package transport

import (
	"testing"
	"time"
)

func TestHealthTracker_FailureCounting(t *testing.T) {
	var tracker HealthTracker

	tracker.MarkFailure("boom 1")
	tracker.MarkFailure("boom 2")
	tracker.MarkFailure("boom 3")

	h := tracker.Snapshot()
	if h.Connected {
		t.Fatal("Expected disconnected after failures")
	}
	if h.ConsecutiveFailures != 3 {
		t.Fatalf("Expected 3 consecutive failures, got %d", h.ConsecutiveFailures)
	}
	if h.LastError != "boom 3" {
		t.Fatalf("Expected last error to be most recent, got %q", h.LastError)
	}

	tracker.MarkSuccess(5 * time.Millisecond)

	h = tracker.Snapshot()
	if !h.Connected {
		t.Fatal("Expected connected after success")
	}
	if h.ConsecutiveFailures != 0 {
		t.Fatalf("Expected failure count reset, got %d", h.ConsecutiveFailures)
	}
	if h.LastError != "" {
		t.Fatalf("Expected stale error cleared, got %q", h.LastError)
	}
	if h.LastSuccess == nil {
		t.Fatal("Expected last success recorded")
	}
	if h.Latency == nil || *h.Latency != 5*time.Millisecond {
		t.Fatalf("Expected latency recorded, got %v", h.Latency)
	}

	// Failures after a success count from zero again.
	tracker.MarkFailure("boom 4")
	h = tracker.Snapshot()
	if h.ConsecutiveFailures != 1 {
		t.Fatalf("Expected 1 consecutive failure after reset, got %d", h.ConsecutiveFailures)
	}
}

func TestHealthTracker_SnapshotConsistency(t *testing.T) {
	var tracker HealthTracker

	tracker.MarkFailure("transient")
	tracker.MarkSuccess(time.Millisecond)

	h := tracker.Snapshot()
	if h.Connected && (h.ConsecutiveFailures != 0 || h.LastError != "") {
		t.Fatalf("Inconsistent snapshot: connected with failures=%d lastError=%q",
			h.ConsecutiveFailures, h.LastError)
	}
}

func TestHealthTracker_Metadata(t *testing.T) {
	var tracker HealthTracker

	tracker.SetMetadata("command", "cat")
	h := tracker.Snapshot()
	if h.Metadata["command"] != "cat" {
		t.Fatalf("Expected metadata to round-trip, got %v", h.Metadata)
	}

	// Mutating the snapshot must not leak back into the tracker.
	h.Metadata["command"] = "mutated"
	if tracker.Snapshot().Metadata["command"] != "cat" {
		t.Fatal("Snapshot mutation leaked into tracker")
	}
}

func TestHealthTracker_Disconnect(t *testing.T) {
	var tracker HealthTracker

	tracker.MarkSuccess(time.Millisecond)
	tracker.Disconnect()

	h := tracker.Snapshot()
	if h.Connected {
		t.Fatal("Expected disconnected")
	}
	if h.ConsecutiveFailures != 0 {
		t.Fatalf("Disconnect must not count as a failure, got %d", h.ConsecutiveFailures)
	}
}
