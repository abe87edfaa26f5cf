// Package dispatch routes outbound reply commands to the worker connection
// owning the target account, through a durable single-attempt queue.
package dispatch

import (
	"sync"

	"github.com/fleetsync/internal/channel"
)

// Registry tracks live worker connections and which accounts they own.
// Entries exist only while the connection is up; a reconnecting worker
// re-announces its accounts.
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]*channel.WorkerConn
	accounts map[string]string // accountID -> workerID
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:    make(map[string]*channel.WorkerConn),
		accounts: make(map[string]string),
	}
}

// Add registers a connected worker. A stale connection under the same worker
// id is replaced.
func (r *Registry) Add(wc *channel.WorkerConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[wc.WorkerID] = wc
}

// Remove drops the worker and every account assignment pointing at it. No-op
// if a newer connection already replaced this one.
func (r *Registry) Remove(wc *channel.WorkerConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[wc.WorkerID]; !ok || cur != wc {
		return
	}
	delete(r.conns, wc.WorkerID)
	for accountID, workerID := range r.accounts {
		if workerID == wc.WorkerID {
			delete(r.accounts, accountID)
		}
	}
}

// SetAccounts records the accounts a worker announced.
func (r *Registry) SetAccounts(workerID string, accountIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range accountIDs {
		r.accounts[id] = workerID
	}
}

// ConnForAccount returns the live connection owning an account.
func (r *Registry) ConnForAccount(accountID string) (*channel.WorkerConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	workerID, ok := r.accounts[accountID]
	if !ok {
		return nil, false
	}
	wc, ok := r.conns[workerID]
	return wc, ok
}

// Workers returns the ids of all connected workers.
func (r *Registry) Workers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.conns))
	for id := range r.conns {
		out = append(out, id)
	}
	return out
}
