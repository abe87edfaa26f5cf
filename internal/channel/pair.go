package channel

import (
	"sync/atomic"
)

// Pair is an in-process channel endpoint wired directly to a peer. It backs
// single-process deployments and tests; semantics match the TCP transport:
// once disconnected, sends fail and nothing is buffered or replayed.
type Pair struct {
	mux       *mux
	peer      *Pair
	connected *atomic.Bool
}

// NewPair returns two connected endpoints. Messages emitted on one are
// dispatched synchronously on the other.
func NewPair() (*Pair, *Pair) {
	connected := &atomic.Bool{}
	connected.Store(true)
	a := &Pair{mux: newMux(), connected: connected}
	b := &Pair{mux: newMux(), connected: connected}
	a.peer = b
	b.peer = a
	return a, b
}

// Emit sends a named message to the peer endpoint.
func (p *Pair) Emit(name string, payload any) error {
	if !p.connected.Load() {
		return ErrDisconnected
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return err
	}
	p.peer.mux.dispatch(Message{Name: name, Payload: raw})
	return nil
}

// On registers the handler for a message name.
func (p *Pair) On(name string, h Handler) {
	p.mux.on(name, h)
}

// Disconnect severs both endpoints. In-flight messages are gone, matching
// the dropped-connection behavior of the real transport.
func (p *Pair) Disconnect() {
	p.connected.Store(false)
}
