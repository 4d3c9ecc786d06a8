package store

import (
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrNotFound is returned by Find on a key with no entity.
	ErrNotFound = errors.New("entity not found")
	// ErrDuplicate is returned by a backend Create losing a
	// uniqueness race on the key.
	ErrDuplicate = errors.New("duplicate entity")
	// ErrConflictExhausted is returned when FindOrCreate keeps losing
	// the creation race beyond its retry budget.
	ErrConflictExhausted = errors.New("conflict retries exhausted")
)

const defaultMaxAttempts = 3

func IsNotFound(err error) bool {
	return errors.Cause(err) == ErrNotFound
}

func IsDuplicate(err error) bool {
	return errors.Cause(err) == ErrDuplicate
}

func IsConflictExhausted(err error) bool {
	return errors.Cause(err) == ErrConflictExhausted
}

// Backend is the persistence collaborator of an Interner. Uniqueness of
// the key is enforced by the backend's unique constraint, never by the
// cache in front of it.
type Backend[K comparable, V any] interface {
	// Find returns the entity for key or ErrNotFound.
	Find(key K) (*V, error)
	// Create persists seed under key. Returns ErrDuplicate when a
	// concurrent creator got there first.
	Create(key K, seed *V) (*V, error)
}

// Interner collapses repeated occurrences of the same natural key into
// one canonical entity. A small recency cache sits in front of the
// backend for hot values. Entities are immutable after creation, so a
// stale cache read is always safe.
type Interner[K comparable, V any] struct {
	name        string
	backend     Backend[K, V]
	cache       *lru.Cache
	maxAttempts int
}

func NewInterner[K comparable, V any](name string, backend Backend[K, V],
	cacheSize int) (*Interner[K, V], error) {

	if backend == nil {
		return nil, errors.New("nil backend on interner " + name)
	}

	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create interner cache")
	}

	return &Interner[K, V]{
		name:        name,
		backend:     backend,
		cache:       cache,
		maxAttempts: defaultMaxAttempts,
	}, nil
}

// Find looks the key up without creating. Used where the producer must
// have created the entity before, i.e. a client supplied cookie_id must
// not auto-vivify trust.
func (in *Interner[K, V]) Find(key K) (*V, error) {
	if cached, exists := in.cache.Get(key); exists {
		return cached.(*V), nil
	}

	entity, err := in.backend.Find(key)
	if err != nil {
		return nil, err
	}

	in.cache.Add(key, entity)
	return entity, nil
}

// FindOrCreate returns the entity for key, creating it from seed on
// miss. A creation lost to a concurrent creator is resolved by
// re-reading, bounded by the retry budget.
func (in *Interner[K, V]) FindOrCreate(key K, seed *V) (*V, error) {
	for attempt := 0; attempt < in.maxAttempts; attempt++ {
		entity, err := in.Find(key)
		if err == nil {
			return entity, nil
		}
		if errors.Cause(err) != ErrNotFound {
			return nil, err
		}

		created, err := in.backend.Create(key, seed)
		if err == nil {
			in.cache.Add(key, created)
			return created, nil
		}
		if errors.Cause(err) != ErrDuplicate {
			return nil, err
		}

		log.WithFields(log.Fields{"interner": in.name, "attempt": attempt}).
			Debug("Lost creation race. Retrying lookup.")
	}

	return nil, errors.Wrapf(ErrConflictExhausted,
		"interner %s gave up after %d attempts", in.name, in.maxAttempts)
}
