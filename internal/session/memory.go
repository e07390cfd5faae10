package session

import (
	"context"
	"slices"
	"sync"
)

// MemoryBackend keeps documents in process memory. Suitable for dev/testing.
type MemoryBackend struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// NewMemoryBackend initializes an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{docs: make(map[string][]byte)}
}

// Put stores a copy of doc under id.
func (b *MemoryBackend) Put(_ context.Context, id string, doc []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.docs[id] = slices.Clone(doc)
	return nil
}

// Get returns a copy of the document for id.
func (b *MemoryBackend) Get(_ context.Context, id string) ([]byte, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	doc, ok := b.docs[id]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(doc), true, nil
}

// List returns copies of every stored document.
func (b *MemoryBackend) List(_ context.Context) ([][]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([][]byte, 0, len(b.docs))
	for _, doc := range b.docs {
		out = append(out, slices.Clone(doc))
	}
	return out, nil
}
