package dbs

import (
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

type registryKey struct {
	repository string
	txID       string
}

// String quotes both parts so that names containing separators cannot
// produce the same key for different pairs.
func (k registryKey) String() string { return fmt.Sprintf("%q %q", k.repository, k.txID) }

// Registry maps live transactions to their TransactionContext. One Registry can
// serve several repositories: entries are keyed by repository name and
// transaction id. Lookups and removals are safe for concurrent use, and
// concurrent first requests for the same transaction create one context.
type Registry struct {
	mu       sync.RWMutex
	contexts map[registryKey]*TransactionContext
	inflight singleflight.Group
}

func NewRegistry() *Registry {
	return &Registry{contexts: make(map[registryKey]*TransactionContext)}
}

// Lookup returns the context bound to txID in repository, if any.
func (r *Registry) Lookup(repository, txID string) (*TransactionContext, bool) {
	return r.lookup(registryKey{repository: repository, txID: txID})
}

// Len counts live contexts across all repositories.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contexts)
}

// Count counts live contexts of one repository.
func (r *Registry) Count(repository string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for k := range r.contexts {
		if k.repository == repository {
			n++
		}
	}
	return n
}

func (r *Registry) lookup(key registryKey) (*TransactionContext, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contexts[key]
	return c, ok
}

// getOrCreate returns the context for key, running create at most once among
// concurrent callers. create is expected to put the context itself once it is
// fully set up.
func (r *Registry) getOrCreate(key registryKey, create func() (*TransactionContext, error)) (*TransactionContext, error) {
	if c, ok := r.lookup(key); ok {
		return c, nil
	}
	v, err, _ := r.inflight.Do(key.String(), func() (any, error) {
		if c, ok := r.lookup(key); ok {
			return c, nil
		}
		c, err := create()
		if err != nil {
			return nil, err
		}
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	c := v.(*TransactionContext)
	if c.key != key {
		return nil, fmt.Errorf("dbs: registry returned context %s for %s", c.key, key)
	}
	return c, nil
}

func (r *Registry) put(key registryKey, c *TransactionContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contexts[key] = c
}

// remove deletes key only while it still maps to c.
func (r *Registry) remove(key registryKey, c *TransactionContext) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.contexts[key]; !ok || cur != c {
		return false
	}
	delete(r.contexts, key)
	return true
}
