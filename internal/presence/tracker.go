// Package presence maintains the set of currently-online user identifiers.
// Membership is reference-counted by the connection registry: a user is
// online exactly while at least one of their connections is joined to their
// address. Offline transitions are driven by registry vacancy signals, not
// by client-emitted logout messages, so stale logouts and flaky reconnects
// cannot evict a user who still has a live connection.
package presence

import (
	"sort"
	"sync"
)

// Tracker holds the online user set. All mutations go through the mutex;
// the boolean return values tell the hub whether a broadcast is due —
// duplicate marks are silent no-ops that must not re-broadcast.
type Tracker struct {
	mu     sync.Mutex
	online map[string]struct{}
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{online: make(map[string]struct{})}
}

// MarkOnline adds the user to the online set. It returns true only on a
// real absent-to-present transition.
func (t *Tracker) MarkOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.online[userID]; ok {
		return false
	}
	t.online[userID] = struct{}{}
	return true
}

// MarkOffline removes the user from the online set. The caller must only
// invoke this with a registry-derived vacancy signal (the user's address
// has zero remaining connections). Returns true only on a real
// present-to-absent transition.
func (t *Tracker) MarkOffline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.online[userID]; !ok {
		return false
	}
	delete(t.online, userID)
	return true
}

// Online reports whether the user is currently in the online set.
func (t *Tracker) Online(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.online[userID]
	return ok
}

// Snapshot returns a sorted copy of the online set, suitable for the
// full-replacement presence payloads sent to clients.
func (t *Tracker) Snapshot() []string {
	t.mu.Lock()
	users := make([]string, 0, len(t.online))
	for id := range t.online {
		users = append(users, id)
	}
	t.mu.Unlock()

	sort.Strings(users)
	return users
}

// Count returns the number of online users.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.online)
}
