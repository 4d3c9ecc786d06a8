package attribution

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractFirstAliasWins(t *testing.T) {
	extraction := Extract(map[string]string{
		"utm_campaign":  "spring",
		"campaign_name": "ignored",
	})
	assert.Equal(t, "spring", extraction.Tuple[DimCampaign])
}

func TestExtractAbsentDimensions(t *testing.T) {
	extraction := Extract(map[string]string{"page": "1"})
	assert.Empty(t, extraction.Tuple)
	assert.Empty(t, extraction.ClickID)
}

func TestExtractClickIDExcludedFromAttribution(t *testing.T) {
	extraction := Extract(map[string]string{
		"utm_campaign": "spring",
		"gclid":        "abc123",
	})

	assert.Equal(t, Tuple{DimCampaign: "spring"}, extraction.Tuple)
	assert.Equal(t, "abc123", extraction.ClickID)
}

func TestExtractValueTransforms(t *testing.T) {
	extraction := Extract(map[string]string{
		"utm_source":  "fb",
		"device_type": "m",
		"utm_medium":  "cpc",
	})

	assert.Equal(t, "facebook", extraction.Tuple[DimSource])
	assert.Equal(t, "mobile", extraction.Tuple[DimDeviceType])
	// No transform entry, raw value kept.
	assert.Equal(t, "cpc", extraction.Tuple[DimMedium])
}

func TestExtractDeterministic(t *testing.T) {
	params := map[string]string{
		"utm_source":   "fb",
		"utm_campaign": "spring",
		"fbclid":       "x1",
		"page":         "2",
	}

	first := Extract(params)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, Extract(params))
	}
}

func TestTrackedKeys(t *testing.T) {
	keys := TrackedKeys()
	assert.Contains(t, keys, "utm_campaign")
	assert.Contains(t, keys, "gclid")
	assert.Contains(t, keys, "fbp")
	assert.NotContains(t, keys, "page")

	assert.True(t, IsTrackedKey("utm_source"))
	assert.False(t, IsTrackedKey("session_ref"))
}
