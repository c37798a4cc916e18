package sessionstore

import (
	"strings"
	"sync"

	"github.com/abishek-ctrl/tutor-ed/internal/kv"
)

// Registry hands out one Store per user, loading each on first use.
type Registry struct {
	kv kv.Store

	mu     sync.Mutex
	stores map[string]*Store
}

func NewRegistry(store kv.Store) *Registry {
	return &Registry{kv: store, stores: make(map[string]*Store)}
}

// For returns the store of userKey. Keys are case-insensitive, like email
// addresses.
func (r *Registry) For(userKey string) (*Store, error) {
	key := strings.ToLower(strings.TrimSpace(userKey))
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stores[key]; ok {
		return s, nil
	}
	s, err := Load(r.kv, key)
	if err != nil {
		return nil, err
	}
	r.stores[key] = s
	return s, nil
}

// Forget drops the cached store of userKey; the next For reloads it.
func (r *Registry) Forget(userKey string) {
	key := strings.ToLower(strings.TrimSpace(userKey))
	r.mu.Lock()
	delete(r.stores, key)
	r.mu.Unlock()
}
