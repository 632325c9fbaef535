package ws

import (
	"errors"
	"sort"
	"sync"
)

var ErrIdentityTaken = errors.New("identity already connected")

// Registry maps declared identities to live connections. First writer wins:
// a second claim on a live identity is refused.
//
// Only the hub loop mutates the registry; the lock exists so status readers
// on other goroutines see a consistent view.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]*Client
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Client)}
}

// Claim binds id to c.
func (r *Registry) Claim(id string, c *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; ok {
		return ErrIdentityTaken
	}
	r.byID[id] = c
	return nil
}

// Release removes the binding for c, if c still owns its identity.
func (r *Registry) Release(c *Client) (string, bool) {
	id := c.Identity()
	if id == "" {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byID[id] != c {
		return "", false
	}
	delete(r.byID, id)
	return id, true
}

func (r *Registry) Lookup(id string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

// Identities returns the connected identities in sorted order.
func (r *Registry) Identities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
