package store

import "sync"

// MemBackend is an in-memory Backend enforcing key uniqueness. Used in
// tests and local development in place of a database collaborator.
type MemBackend[K comparable, V any] struct {
	mu   sync.Mutex
	rows map[K]*V

	// Number of successful creates, readable by tests asserting that
	// racing creators produced exactly one entity.
	creates int
}

func NewMemBackend[K comparable, V any]() *MemBackend[K, V] {
	return &MemBackend[K, V]{rows: make(map[K]*V)}
}

func (b *MemBackend[K, V]) Find(key K) (*V, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	row, exists := b.rows[key]
	if !exists {
		return nil, ErrNotFound
	}
	return row, nil
}

func (b *MemBackend[K, V]) Create(key K, seed *V) (*V, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.rows[key]; exists {
		return nil, ErrDuplicate
	}
	b.rows[key] = seed
	b.creates++
	return seed, nil
}

func (b *MemBackend[K, V]) Creates() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.creates
}

func (b *MemBackend[K, V]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rows)
}
