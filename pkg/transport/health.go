package transport

import (
	"sync"
	"time"
)

// healthTracker carries the failure accounting every transport shares.
// The poller reads it between polls; commands may run from web/MQTT
// callbacks, so the counters are mutex-guarded.
type healthTracker struct {
	mu          sync.Mutex
	consecutive int
	totalErrors int64
	totalOK     int64
	lastError   string
	lastErrorAt time.Time
	lastOKAt    time.Time
}

func (h *healthTracker) recordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutive = 0
	h.totalOK++
	h.lastOKAt = time.Now()
}

func (h *healthTracker) recordFailure(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutive++
	h.totalErrors++
	if err != nil {
		h.lastError = err.Error()
	}
	h.lastErrorAt = time.Now()
}

// ConsecutiveFailures returns the current failure streak
func (h *healthTracker) ConsecutiveFailures() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.consecutive
}

// ResetHealth zeroes the failure counters
func (h *healthTracker) ResetHealth() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutive = 0
	h.lastError = ""
}

// GetHealth returns transport health metrics
func (h *healthTracker) GetHealth() map[string]interface{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := map[string]interface{}{
		"consecutive_failures": h.consecutive,
		"total_errors":         h.totalErrors,
		"total_success":        h.totalOK,
		"last_error":           h.lastError,
	}
	if !h.lastErrorAt.IsZero() {
		out["last_error_at"] = h.lastErrorAt.Unix()
	}
	if !h.lastOKAt.IsZero() {
		out["last_success_at"] = h.lastOKAt.Unix()
	}
	return out
}
