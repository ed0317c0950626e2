// Package registry tracks live connections and the addresses they have
// joined. An address is a routing key equal to a user identifier; every
// event fan-out and every offline decision is answered from this registry,
// never from client claims.
package registry

import (
	"fmt"
	"sync"

	"github.com/quickchat/chat-app/internal/ws"
)

// entry holds one registered connection and its joined address set.
type entry struct {
	conn   *ws.Connection
	joined map[string]struct{}
}

// Registry is the authoritative map of connections to addresses. A single
// mutex serializes every mutation and every fan-out read; at two-party chat
// scale per-address sharding buys nothing.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*entry                    // connection_id -> entry
	addrs map[string]map[string]*ws.Connection // address -> connection_id -> conn
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		conns: make(map[string]*entry),
		addrs: make(map[string]map[string]*ws.Connection),
	}
}

// Register admits a new connection with no joined addresses. Registering
// the same connection twice is a programmer error and returns an error the
// caller must treat as fatal for that connection.
func (r *Registry) Register(conn *ws.Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[conn.ID]; ok {
		return fmt.Errorf("registry: connection %s already registered", conn.ID)
	}
	r.conns[conn.ID] = &entry{
		conn:   conn,
		joined: make(map[string]struct{}),
	}
	return nil
}

// Join adds the address to the connection's joined set. Joining twice has
// no additional effect. Joining an unregistered connection is ignored —
// the connection may already have been torn down by a concurrent
// disconnect, and a join after removal must not resurrect it.
func (r *Registry) Join(conn *ws.Connection, address string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[conn.ID]
	if !ok {
		return
	}
	if _, ok := e.joined[address]; ok {
		return
	}
	e.joined[address] = struct{}{}

	set, ok := r.addrs[address]
	if !ok {
		set = make(map[string]*ws.Connection)
		r.addrs[address] = set
	}
	set[conn.ID] = conn
}

// Leave removes the association between the connection and the address.
// It reports whether this removal vacated the address (no connections
// remain joined to it). The vacancy check is computed under the same lock
// as the removal so a concurrent Join cannot be misread as absent.
func (r *Registry) Leave(conn *ws.Connection, address string) (vacated bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[conn.ID]
	if !ok {
		return false
	}
	if _, ok := e.joined[address]; !ok {
		return false
	}
	delete(e.joined, address)
	return r.dropJoinLocked(conn.ID, address)
}

// Unregister removes the connection and all its joins. It returns the
// addresses for which this connection was the last member, computed
// atomically with the removal: the presence tracker derives offline
// transitions solely from this return value.
func (r *Registry) Unregister(conn *ws.Connection) (vacated []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[conn.ID]
	if !ok {
		return nil
	}
	delete(r.conns, conn.ID)

	for address := range e.joined {
		if r.dropJoinLocked(conn.ID, address) {
			vacated = append(vacated, address)
		}
	}
	return vacated
}

// dropJoinLocked removes conn from the address set and reports whether the
// address is now empty. Caller must hold r.mu.
func (r *Registry) dropJoinLocked(connID, address string) bool {
	set, ok := r.addrs[address]
	if !ok {
		return false
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.addrs, address)
		return true
	}
	return false
}

// ConnectionsFor returns a snapshot of every connection joined to any of
// the given addresses, deduplicated per physical connection. Fan-out is
// per-connection, not per-address: a connection joined to both members of
// a self-chat appears once. The snapshot is safe to iterate while other
// goroutines mutate the registry; a connection that disconnects mid-fan-out
// just fails its individual write.
func (r *Registry) ConnectionsFor(addresses ...string) []*ws.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{})
	var conns []*ws.Connection
	for _, address := range addresses {
		for id, conn := range r.addrs[address] {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			conns = append(conns, conn)
		}
	}
	return conns
}

// Registered reports whether the connection is currently registered.
func (r *Registry) Registered(conn *ws.Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[conn.ID]
	return ok
}

// AddressCount returns the number of connections joined to an address.
func (r *Registry) AddressCount(address string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.addrs[address])
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
