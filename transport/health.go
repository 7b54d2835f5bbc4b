package transport

import (
	"sync"
	"time"
)

// Health is a point-in-time snapshot of a transport's condition. Snapshots
// are internally consistent: Connected implies ConsecutiveFailures == 0 and
// an empty LastError.
type Health struct {
	Connected           bool
	LastSuccess         *time.Time
	LastError           string
	ConsecutiveFailures uint32
	Latency             *time.Duration
	Metadata            map[string]any
}

// HealthTracker maintains a Health record under a mutex so every concrete
// transport gets the same success/failure bookkeeping. The zero value is
// ready to use.
type HealthTracker struct {
	mu sync.RWMutex
	h  Health
}

// MarkSuccess records a successful operation with its measured latency. It
// resets the failure counter, marks the transport connected, and clears any
// stale error from a prior failure.
func (t *HealthTracker) MarkSuccess(latency time.Duration) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.h.Connected = true
	t.h.ConsecutiveFailures = 0
	t.h.LastSuccess = &now
	t.h.LastError = ""
	t.h.Latency = &latency
}

// MarkFailure records a failed operation. It flips the transport to
// disconnected and increments the failure counter.
func (t *HealthTracker) MarkFailure(errText string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.h.Connected = false
	t.h.ConsecutiveFailures++
	t.h.LastError = errText
	t.h.Latency = nil
}

// Disconnect marks the transport disconnected without recording a failure.
// Used on orderly shutdown so a clean Close does not read as an error.
func (t *HealthTracker) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.h.Connected = false
	t.h.Latency = nil
}

// SetMetadata attaches contextual observability data (command line, base
// URL, ...) carried on every snapshot.
func (t *HealthTracker) SetMetadata(key string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.h.Metadata == nil {
		t.h.Metadata = make(map[string]any)
	}
	t.h.Metadata[key] = value
}

// Connected reports the current connectivity flag.
func (t *HealthTracker) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.h.Connected
}

// Snapshot returns a copy of the current health record. The returned
// metadata map is a copy and safe for the caller to retain.
func (t *HealthTracker) Snapshot() Health {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snap := t.h
	if t.h.Metadata != nil {
		snap.Metadata = make(map[string]any, len(t.h.Metadata))
		for k, v := range t.h.Metadata {
			snap.Metadata[k] = v
		}
	}
	return snap
}
