package registry

import (
	"net"
	"sync"
	"time"
)

// Connection is the transport handle of one charge point.
// ocpp16.ChargePointConnection satisfies it.
type Connection interface {
	ID() string
	RemoteAddr() net.Addr
}

// Entry is a snapshot of one registered charge point.
type Entry struct {
	Identity   string
	Connection Connection
	// Deadline is zero while no liveness timer is armed.
	Deadline time.Time
}

// Registry maps charge point identities to their live connection and
// liveness deadline. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string
}

func New() *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
	}
}

// Register stores conn as the live connection of identity, replacing any
// previous handle. isNew reports whether identity had no entry.
func (r *Registry) Register(identity string, conn Connection) (isNew bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[identity]
	if ok {
		entry.Connection = conn
		return false
	}
	r.entries[identity] = &Entry{Identity: identity, Connection: conn}
	r.order = append(r.order, identity)
	return true
}

func (r *Registry) Get(identity string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[identity]
	if !ok {
		return nil, false
	}
	return entry.Connection, true
}

func (r *Registry) Has(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[identity]
	return ok
}

// Remove deletes identity. It is a no-op when absent.
func (r *Registry) Remove(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remove(identity)
}

// RemoveIf deletes identity only while conn is still its registered handle,
// so a late disconnect of a replaced connection leaves the new one alone.
func (r *Registry) RemoveIf(identity string, conn Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[identity]
	if !ok || entry.Connection != conn {
		return false
	}
	r.remove(identity)
	return true
}

func (r *Registry) remove(identity string) {
	if _, ok := r.entries[identity]; !ok {
		return
	}
	delete(r.entries, identity)
	for i, id := range r.order {
		if id == identity {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Identities returns the registered identities in registration order. The
// slice is a snapshot.
func (r *Registry) Identities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Entries returns a snapshot of every entry in registration order.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.entries[id])
	}
	return out
}

// SetDeadline records the liveness deadline of a registered identity. A zero
// deadline clears it.
func (r *Registry) SetDeadline(identity string, deadline time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[identity]; ok {
		entry.Deadline = deadline
	}
}

func (r *Registry) Deadline(identity string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[identity]
	if !ok || entry.Deadline.IsZero() {
		return time.Time{}, false
	}
	return entry.Deadline, true
}
