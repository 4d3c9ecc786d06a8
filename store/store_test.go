package store

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type row struct {
	ID    string
	Value string
}

func TestInternerFindDoesNotCreate(t *testing.T) {
	backend := NewMemBackend[string, row]()
	interner, err := NewInterner[string, row]("test", backend, 10)
	assert.Nil(t, err)

	_, err = interner.Find("missing")
	assert.True(t, IsNotFound(err))
	assert.Equal(t, 0, backend.Len())
}

func TestInternerFindOrCreate(t *testing.T) {
	backend := NewMemBackend[string, row]()
	interner, err := NewInterner[string, row]("test", backend, 10)
	assert.Nil(t, err)

	created, err := interner.FindOrCreate("k1", &row{ID: "r1"})
	assert.Nil(t, err)
	assert.Equal(t, "r1", created.ID)

	// Second call with a different seed returns the existing entity.
	found, err := interner.FindOrCreate("k1", &row{ID: "r2"})
	assert.Nil(t, err)
	assert.Equal(t, "r1", found.ID)
	assert.Equal(t, 1, backend.Creates())

	// Cached now, served without touching the backend.
	cached, err := interner.Find("k1")
	assert.Nil(t, err)
	assert.Equal(t, "r1", cached.ID)
}

func TestInternerConcurrentFindOrCreate(t *testing.T) {
	backend := NewMemBackend[string, row]()
	interner, err := NewInterner[string, row]("test", backend, 10)
	assert.Nil(t, err)

	const racers = 10
	results := make([]*row, racers)

	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := interner.FindOrCreate("hot", &row{ID: "r", Value: "v"})
			assert.Nil(t, err)
			results[i] = result
		}(i)
	}
	wg.Wait()

	// Exactly one created entity, every racer got a reference to it.
	assert.Equal(t, 1, backend.Creates())
	for i := 1; i < racers; i++ {
		assert.Equal(t, results[0], results[i])
	}
}

// alwaysConflicting loses every creation race and never finds the
// winner, the worst interleaving the retry budget must bound.
type alwaysConflicting struct{}

func (alwaysConflicting) Find(key string) (*row, error)           { return nil, ErrNotFound }
func (alwaysConflicting) Create(key string, _ *row) (*row, error) { return nil, ErrDuplicate }

func TestInternerConflictExhausted(t *testing.T) {
	interner, err := NewInterner[string, row]("test", alwaysConflicting{}, 10)
	assert.Nil(t, err)

	_, err = interner.FindOrCreate("k1", &row{ID: "r1"})
	assert.NotNil(t, err)
	assert.True(t, IsConflictExhausted(err))
}
