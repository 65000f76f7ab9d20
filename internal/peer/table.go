package peer

import (
	"sort"
	"sync"
)

// Table holds the connections of a node keyed by address. At most one
// connection is registered per address.
type Table struct {
	mu    sync.RWMutex
	peers map[string]*Connection
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{peers: make(map[string]*Connection)}
}

// Add registers c under its address. It reports false, leaving the table
// unchanged, when the address is already taken.
func (t *Table) Add(c *Connection) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.peers[c.Addr()]; exists {
		return false
	}
	t.peers[c.Addr()] = c
	return true
}

// Remove unregisters c. It reports whether c was registered; a different
// connection under the same address is left alone.
func (t *Table) Remove(c *Connection) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.peers[c.Addr()]; ok && cur == c {
		delete(t.peers, c.Addr())
		return true
	}
	return false
}

// Get returns the connection registered under addr.
func (t *Table) Get(addr string) (*Connection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c, ok := t.peers[addr]
	return c, ok
}

// Snapshot returns the registered connections in address order.
func (t *Table) Snapshot() []*Connection {
	t.mu.RLock()
	out := make([]*Connection, 0, len(t.peers))
	for _, c := range t.peers {
		out = append(out, c)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Addr() < out[j].Addr() })
	return out
}

// Addrs returns the registered addresses in order.
func (t *Table) Addrs() []string {
	conns := t.Snapshot()
	out := make([]string, len(conns))
	for i, c := range conns {
		out[i] = c.Addr()
	}
	return out
}

// Len returns the number of registered connections.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// Clear empties the table and returns what it held. The caller closes them.
func (t *Table) Clear() []*Connection {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Connection, 0, len(t.peers))
	for _, c := range t.peers {
		out = append(out, c)
	}
	t.peers = make(map[string]*Connection)
	return out
}
