// Package registry tracks dashboard connections for the broadcast hub.
package registry

import (
	"sort"
	"sync"

	"quotefeed/internal/feed/models"
)

// Handle identifies a registration. Handles are never reused.
type Handle uint64

// Member is a registered connection.
type Member interface {
	ID() string
	State() models.ConnState
}

// Registry holds members by handle. It is safe for concurrent use, and
// ForEachLive tolerates the callback mutating the registry.
type Registry[M Member] struct {
	mu      sync.RWMutex
	next    Handle
	members map[Handle]M
}

func New[M Member]() *Registry[M] {
	return &Registry[M]{members: make(map[Handle]M)}
}

// Register adds m and returns its handle.
func (r *Registry[M]) Register(m M) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.members[r.next] = m
	return r.next
}

// Unregister removes the member for h. It reports false if h is unknown.
func (r *Registry[M]) Unregister(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[h]; !ok {
		return false
	}
	delete(r.members, h)
	return true
}

// Get returns the member registered under h.
func (r *Registry[M]) Get(h Handle) (M, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[h]
	return m, ok
}

// ForEachLive calls fn for every member that is live when visited, in
// registration order. It iterates a snapshot taken at the start: members
// registered during the walk are not visited, members unregistered or no
// longer live by the time they are reached are skipped, and every other
// member is visited exactly once. fn may call Register and Unregister.
func (r *Registry[M]) ForEachLive(fn func(Handle, M)) {
	for _, h := range r.snapshot() {
		r.mu.RLock()
		m, ok := r.members[h]
		r.mu.RUnlock()
		if !ok || m.State() != models.ConnLive {
			continue
		}
		fn(h, m)
	}
}

// Len returns the number of registered members in any state.
func (r *Registry[M]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// LiveCount returns the number of members currently live.
func (r *Registry[M]) LiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, m := range r.members {
		if m.State() == models.ConnLive {
			n++
		}
	}
	return n
}

// Handles returns every registered handle in registration order.
func (r *Registry[M]) Handles() []Handle {
	return r.snapshot()
}

func (r *Registry[M]) snapshot() []Handle {
	r.mu.RLock()
	handles := make([]Handle, 0, len(r.members))
	for h := range r.members {
		handles = append(handles, h)
	}
	r.mu.RUnlock()
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })
	return handles
}
