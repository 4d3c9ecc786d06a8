package attribution

import (
	U "beacon/util"
)

// Canonical tracking dimensions.
const (
	DimSource     = "source"
	DimMedium     = "medium"
	DimCampaign   = "campaign"
	DimTerm       = "term"
	DimContent    = "content"
	DimDeviceType = "device_type"
	DimPlacement  = "placement"
	DimCreative   = "creative"

	// Tracking-only dimensions. They identify a click or pixel, not a
	// campaign, and are never part of the attribution subset.
	DimClickID       = "click_id"
	DimPixelCookieID = "pixel_cookie_id"
)

type trackingParam struct {
	Dim string
	// Recognized raw query aliases, in priority order.
	Aliases []string
}

// trackingParams maps canonical dimensions to their raw aliases.
// Loaded once, immutable. The first alias present on a request wins.
var trackingParams = []trackingParam{
	{DimSource, []string{"utm_source", "source"}},
	{DimMedium, []string{"utm_medium", "medium"}},
	{DimCampaign, []string{"utm_campaign", "campaign_name", "campaign"}},
	{DimTerm, []string{"utm_term", "keyword"}},
	{DimContent, []string{"utm_content", "ad_content"}},
	{DimDeviceType, []string{"device_type", "device"}},
	{DimPlacement, []string{"placement", "ad_position"}},
	{DimCreative, []string{"creative", "ad_id"}},
	{DimClickID, []string{"gclid", "fbclid", "msclkid", "click_id"}},
	{DimPixelCookieID, []string{"pixel_cookie_id", "fbp"}},
}

// valueTransforms expands coded values per dimension. Values with no
// entry are kept unchanged.
var valueTransforms = map[string]map[string]string{
	DimSource: {
		"fb": "facebook",
		"ig": "instagram",
		"tw": "twitter",
		"li": "linkedin",
		"gg": "google",
	},
	DimDeviceType: {
		"m": "mobile",
		"t": "tablet",
		"c": "desktop",
	},
}

// Tuple is the normalized attribution subset of a request's query
// parameters, keyed by canonical dimension.
type Tuple map[string]string

// Extraction is the outcome of mapping raw query parameters to
// canonical dimensions.
type Extraction struct {
	Tuple         Tuple
	ClickID       string
	PixelCookieID string
}

// Extract maps raw query parameters to canonical dimensions. For each
// dimension the first present alias wins, then the value transform is
// applied. Deterministic and pure.
func Extract(rawParams map[string]string) Extraction {
	extraction := Extraction{Tuple: Tuple{}}

	for _, param := range trackingParams {
		value, present := "", false
		for _, alias := range param.Aliases {
			if v, exists := rawParams[alias]; exists && v != "" {
				value, present = v, true
				break
			}
		}
		if !present {
			continue
		}

		if expanded, exists := valueTransforms[param.Dim][value]; exists {
			value = expanded
		}

		switch param.Dim {
		case DimClickID:
			extraction.ClickID = value
		case DimPixelCookieID:
			extraction.PixelCookieID = value
		default:
			extraction.Tuple[param.Dim] = value
		}
	}

	return extraction
}

// TrackedKeys returns the flattened set of all recognized raw aliases.
// Callers compute untracked residual query parameters by set difference.
func TrackedKeys() []string {
	keys := make([]string, 0)
	for _, param := range trackingParams {
		keys = append(keys, param.Aliases...)
	}
	return keys
}

// IsTrackedKey reports whether the raw query parameter name is a
// recognized tracking alias.
func IsTrackedKey(name string) bool {
	for _, param := range trackingParams {
		if U.ContainsStringInArray(param.Aliases, name) {
			return true
		}
	}
	return false
}
