package presence

import (
	"sort"
	"sync"
)

// Registry maps a user identity to the single connection currently speaking
// for it. A later Join for the same user replaces the earlier connection.
//
// The chat hub is the only writer and drives it from its event loop; the lock
// exists so handlers and tests can read a consistent snapshot.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]string
}

func NewRegistry() *Registry {
	return &Registry{byUser: make(map[string]string)}
}

// Join registers connID for userID, overwriting any previous mapping.
func (r *Registry) Join(userID, connID string) {
	if userID == "" || connID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byUser[userID] = connID
}

// Remove deletes the entries owned by connID. A connection that never joined,
// or whose user has since re-joined elsewhere, leaves the registry untouched.
func (r *Registry) Remove(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed string
	found := false
	for userID, c := range r.byUser {
		if c == connID {
			delete(r.byUser, userID)
			removed, found = userID, true
		}
	}
	return removed, found
}

func (r *Registry) Lookup(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connID, ok := r.byUser[userID]
	return connID, ok
}

// Online returns the registered identities in sorted order.
func (r *Registry) Online() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := make([]string, 0, len(r.byUser))
	for userID := range r.byUser {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// Clear drops all presence state. Called on shutdown.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byUser = make(map[string]string)
}
