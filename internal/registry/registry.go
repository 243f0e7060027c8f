// Package registry tracks the currently authenticated client devices
// and enforces the concurrent-client capacity bound.
package registry

import (
	"errors"
	"sync"
	"time"
)

var ErrAtCapacity = errors.New("registry: at capacity")

// ClientDevice is the record created for a session at successful
// authentication. One record per session; removed when the session
// closes.
type ClientDevice struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Platform    string    `json:"platform"`
	RemoteIP    string    `json:"remoteIp"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// Registry is a capacity-bounded map of session id to device. The
// capacity check and the insert happen under one lock, so concurrent
// authentications cannot overshoot the bound.
type Registry struct {
	capacity int

	mu      sync.RWMutex
	clients map[string]ClientDevice
}

func New(capacity int) *Registry {
	return &Registry{
		capacity: capacity,
		clients:  make(map[string]ClientDevice),
	}
}

// Admit records the device under sessionID. Returns ErrAtCapacity when
// the registry is full; the caller closes the transport in that case.
func (r *Registry) Admit(sessionID string, device ClientDevice) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.clients) >= r.capacity {
		return ErrAtCapacity
	}
	r.clients[sessionID] = device
	return nil
}

// Remove drops the session's device. Idempotent; safe for sessions
// that were never admitted.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	delete(r.clients, sessionID)
	r.mu.Unlock()
}

// Get returns the device admitted under sessionID.
func (r *Registry) Get(sessionID string) (ClientDevice, bool) {
	r.mu.RLock()
	device, ok := r.clients[sessionID]
	r.mu.RUnlock()
	return device, ok
}

// List returns a snapshot of all admitted devices.
func (r *Registry) List() []ClientDevice {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ClientDevice, 0, len(r.clients))
	for _, device := range r.clients {
		out = append(out, device)
	}
	return out
}

// Count returns the number of admitted sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
