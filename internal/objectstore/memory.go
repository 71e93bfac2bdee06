// ABOUTME: In-memory object store for tests and local development
// ABOUTME: Objects live in a map keyed by object key and public URLs are synthesized from a base

package objectstore

import (
	"context"
	"sync"
)

// Object is a stored blob.
type Object struct {
	Data        []byte
	ContentType string
}

// MemoryStore keeps objects in a map.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]Object
	bucket  string
	baseURL string

	// FailPut, when set, is returned by every Put.
	FailPut error
}

// NewMemoryStore creates an empty store whose URLs use baseURL and bucket.
func NewMemoryStore(baseURL, bucket string) *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]Object),
		bucket:  bucket,
		baseURL: baseURL,
	}
}

func (m *MemoryStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if m.FailPut != nil {
		return "", m.FailPut
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = Object{Data: append([]byte(nil), data...), ContentType: contentType}
	return PublicURL(m.baseURL, m.bucket, key), nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return ErrNotFound
	}
	delete(m.objects, key)
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

// Get returns the object stored under key.
func (m *MemoryStore) Get(key string) (Object, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.objects[key]
	return o, ok
}

// Len returns the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

var _ Store = (*MemoryStore)(nil)
