// Package channel implements the named-message event transport between one
// master and its workers. Delivery is at-most-once with no retry and no
// replay: a dropped connection silently discards anything in flight. Messages
// of the same name sent on one live connection preserve order.
package channel

import (
	"encoding/json"
	"errors"
	"sync"
)

// ErrDisconnected is returned by Emit when the peer is gone. Callers log and
// drop; there is no outbox.
var ErrDisconnected = errors.New("channel: disconnected")

// Message is the wire envelope: one JSON object per line.
type Message struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Handler consumes the payload of one named message.
type Handler func(payload json.RawMessage)

// Emitter is the outbound half of a channel endpoint.
type Emitter interface {
	Emit(name string, payload any) error
}

// mux routes inbound messages to the handler registered for their name.
// Unhandled names are dropped.
type mux struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func newMux() *mux {
	return &mux{handlers: make(map[string]Handler)}
}

func (m *mux) on(name string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[name] = h
}

func (m *mux) dispatch(msg Message) bool {
	m.mu.RLock()
	h := m.handlers[msg.Name]
	m.mu.RUnlock()
	if h == nil {
		return false
	}
	h(msg.Payload)
	return true
}

func encodePayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return raw, nil
}
