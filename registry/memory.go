package registry

import (
	"context"
	"sync"
	"time"
)

// memoryBackend is an in-process backend with no external dependency,
// useful for single-process deployments and for exercising Facade
// semantics in tests without a live Redis or etcd. Mirrors the real
// backends' key schema (name-scoped records plus a reverse index) and
// applies TTL expiry lazily on read, same as Redis/etcd's own passive
// expiry semantics.
type memoryBackend struct {
	mu       sync.Mutex
	services map[string]map[string][]byte
	index    map[string]string
	expiry   map[string]time.Time
}

// NewMemory constructs a Facade backed by an in-process store. Intended
// for local development and tests; it does not survive process restarts
// and does not coordinate across processes.
func NewMemory(opts ...Option) *Facade {
	b := &memoryBackend{
		services: make(map[string]map[string][]byte),
		index:    make(map[string]string),
		expiry:   make(map[string]time.Time),
	}
	return newFacade(b, opts...)
}

func (b *memoryBackend) putUnderTTL(_ context.Context, name, id string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.services[name] == nil {
		b.services[name] = make(map[string][]byte)
	}
	b.services[name][id] = value
	b.index[id] = name
	b.expiry[id] = time.Now().Add(ttl)
	return nil
}

func (b *memoryBackend) delete(_ context.Context, name, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.services[name], id)
	delete(b.index, id)
	delete(b.expiry, id)
	return nil
}

func (b *memoryBackend) listByName(_ context.Context, name string) ([][]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	var out [][]byte
	for id, v := range b.services[name] {
		if exp, ok := b.expiry[id]; ok && now.After(exp) {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func (b *memoryBackend) getIndex(_ context.Context, id string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if exp, ok := b.expiry[id]; ok && time.Now().After(exp) {
		return "", nil
	}
	return b.index[id], nil
}

func (b *memoryBackend) get(_ context.Context, name, id string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if exp, ok := b.expiry[id]; ok && time.Now().After(exp) {
		return nil, nil
	}
	return b.services[name][id], nil
}

func (b *memoryBackend) close() error { return nil }
