package proxy

import (
	"container/list"
	"sync"

	"github.com/google/uuid"
)

// Registry tracks the live connections of a proxy. Connections are inserted by the accept loop
// and removed by the worker that tears them down, so every method is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	emptied *sync.Cond
	conns   *list.List
}

func NewRegistry() *Registry {
	r := &Registry{conns: list.New()}
	r.emptied = sync.NewCond(&r.mu)
	return r
}

// Allocate links a new connection at the tail.
func (r *Registry) Allocate() *Connection {
	c := &Connection{id: uuid.New()}
	r.mu.Lock()
	c.elem = r.conns.PushBack(c)
	r.mu.Unlock()
	return c
}

// Remove unlinks c. It reports false when c is not in the registry (any more).
func (r *Registry) Remove(c *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.elem == nil {
		return false
	}
	r.conns.Remove(c.elem)
	c.elem = nil
	if r.conns.Len() == 0 {
		r.emptied.Broadcast()
	}
	return true
}

// RemoveAll detaches every connection at once. Allocations after it start a fresh collection.
func (r *Registry) RemoveAll() []*Connection {
	r.mu.Lock()
	detached := r.conns
	r.conns = list.New()
	conns := make([]*Connection, 0, detached.Len())
	for e := detached.Front(); e != nil; e = e.Next() {
		c := e.Value.(*Connection)
		c.elem = nil
		conns = append(conns, c)
	}
	r.emptied.Broadcast()
	r.mu.Unlock()
	return conns
}

// Snapshot lists the connections in insertion order.
func (r *Registry) Snapshot() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := make([]*Connection, 0, r.conns.Len())
	for e := r.conns.Front(); e != nil; e = e.Next() {
		conns = append(conns, e.Value.(*Connection))
	}
	return conns
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns.Len()
}

// WaitEmpty blocks until the last connection is removed.
func (r *Registry) WaitEmpty() {
	r.mu.Lock()
	for r.conns.Len() > 0 {
		r.emptied.Wait()
	}
	r.mu.Unlock()
}
