package channel

import (
	"encoding/json"
	"sync"
	"time"
)

// AckCallback receives either the acknowledgment payload or timedOut=true,
// never both and never twice.
type AckCallback func(payload json.RawMessage, timedOut bool)

// AckRegistry correlates one-shot replies to their request id. This replaces
// dynamically named per-request listeners: every waiter is evicted either by
// resolution or by its timeout, so the registry cannot grow without bound.
type AckRegistry struct {
	mu      sync.Mutex
	waiters map[string]*ackWaiter
}

type ackWaiter struct {
	cb    AckCallback
	timer *time.Timer
}

// NewAckRegistry returns an empty registry.
func NewAckRegistry() *AckRegistry {
	return &AckRegistry{waiters: make(map[string]*ackWaiter)}
}

// Expect registers a single-use callback for the given correlation id. If no
// Resolve arrives within timeout, the waiter is torn down and cb fires with
// timedOut=true. A second Expect for the same id replaces the first without
// firing it.
func (r *AckRegistry) Expect(id string, timeout time.Duration, cb AckCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.waiters[id]; ok {
		prev.timer.Stop()
	}
	w := &ackWaiter{cb: cb}
	w.timer = time.AfterFunc(timeout, func() {
		r.mu.Lock()
		cur, ok := r.waiters[id]
		if ok && cur == w {
			delete(r.waiters, id)
		}
		r.mu.Unlock()
		if ok && cur == w {
			cb(nil, true)
		}
	})
	r.waiters[id] = w
}

// Resolve fires the waiter for id with the payload and removes it. Returns
// false if no waiter is registered (late, duplicate, or unknown ack).
func (r *AckRegistry) Resolve(id string, payload json.RawMessage) bool {
	r.mu.Lock()
	w, ok := r.waiters[id]
	if ok {
		delete(r.waiters, id)
		w.timer.Stop()
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	w.cb(payload, false)
	return true
}

// Cancel removes a waiter without firing it, e.g. when the send it belongs to
// already failed.
func (r *AckRegistry) Cancel(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.waiters[id]; ok {
		w.timer.Stop()
		delete(r.waiters, id)
	}
}

// Len reports the number of outstanding waiters.
func (r *AckRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}
