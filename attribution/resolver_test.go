package attribution

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"beacon/model"
	"beacon/store"
)

func newTestResolver(t *testing.T) (*Resolver, *store.MemBackend[string, model.Attribution]) {
	backend := store.NewMemBackend[string, model.Attribution]()
	resolver, err := NewResolver(backend)
	assert.Nil(t, err)
	return resolver, backend
}

func TestDigestIndependentOfAliases(t *testing.T) {
	// Same canonical tuple from different raw aliases.
	a := Digest(map[string]string{"utm_campaign": "spring"})
	b := Digest(map[string]string{"campaign_name": "spring"})
	assert.NotEmpty(t, a)
	assert.Equal(t, a, b)

	c := Digest(map[string]string{"utm_campaign": "summer"})
	assert.NotEqual(t, a, c)
}

func TestDigestEmptyWithoutAttribution(t *testing.T) {
	assert.Empty(t, Digest(map[string]string{"page": "1", "gclid": "abc"}))
}

func TestResolveIdempotent(t *testing.T) {
	resolver, backend := newTestResolver(t)

	params := map[string]string{"utm_source": "fb", "utm_campaign": "spring"}

	first, err := resolver.Resolve(params)
	assert.Nil(t, err)
	assert.NotNil(t, first)
	assert.Equal(t, "facebook", first.Source)
	assert.Equal(t, "spring", first.Campaign)

	second, err := resolver.Resolve(map[string]string{
		"source": "fb", "campaign_name": "spring"})
	assert.Nil(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, backend.Creates())
}

func TestResolveNoAttribution(t *testing.T) {
	resolver, backend := newTestResolver(t)

	row, err := resolver.Resolve(map[string]string{"page": "1"})
	assert.Nil(t, err)
	assert.Nil(t, row)
	assert.Equal(t, 0, backend.Creates())
}

func TestHasAttribution(t *testing.T) {
	assert.True(t, HasAttribution(map[string]string{"utm_source": "fb"}))
	assert.False(t, HasAttribution(map[string]string{"gclid": "abc123"}))
	assert.False(t, HasAttribution(map[string]string{}))
}
