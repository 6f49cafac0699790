package relay

import (
	"sync"

	"github.com/gorilla/websocket"
)

// connRegistry is the bidirectional association between live websocket
// connections and client records. The id index exists so routing a message
// to a specific party is O(1); both maps are updated atomically. Entries
// are added on transport open and removed on transport close only.
type connRegistry struct {
	mu     sync.RWMutex
	byConn map[*websocket.Conn]*client
	byID   map[string]*client
}

func newConnRegistry() *connRegistry {
	return &connRegistry{
		byConn: make(map[*websocket.Conn]*client),
		byID:   make(map[string]*client),
	}
}

func (r *connRegistry) add(c *client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byConn[c.conn] = c
	r.byID[c.id] = c
}

func (r *connRegistry) lookupByID(id string) (*client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

func (r *connRegistry) remove(conn *websocket.Conn) (*client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byConn[conn]
	if !ok {
		return nil, false
	}
	delete(r.byConn, conn)
	delete(r.byID, c.id)
	return c, true
}

func (r *connRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
