package attribution

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"beacon/model"
	"beacon/store"
	U "beacon/util"
)

const internerCacheSize = 100

// Resolver interns extracted attribution tuples by content digest.
type Resolver struct {
	interner *store.Interner[string, model.Attribution]
}

func NewResolver(backend store.Backend[string, model.Attribution]) (*Resolver, error) {
	interner, err := store.NewInterner("attribution", backend, internerCacheSize)
	if err != nil {
		return nil, err
	}
	return &Resolver{interner: interner}, nil
}

// Digest computes a stable content hash of the non-empty
// (dimension, value) pairs, independent of extraction order. Exposed so
// callers can compare attribution cheaply without re-resolving.
func Digest(rawParams map[string]string) string {
	return digestTuple(Extract(rawParams).Tuple)
}

func digestTuple(tuple Tuple) string {
	dims := make([]string, 0, len(tuple))
	for dim, value := range tuple {
		if value == "" {
			continue
		}
		dims = append(dims, dim)
	}
	if len(dims) == 0 {
		return ""
	}
	sort.Strings(dims)

	pairs := make([]string, 0, len(dims))
	for _, dim := range dims {
		pairs = append(pairs, fmt.Sprintf("%s=%s", dim, tuple[dim]))
	}

	sum := sha256.Sum256([]byte(strings.Join(pairs, "&")))
	return hex.EncodeToString(sum[:])
}

// HasAttribution reports whether extraction yields at least one
// non-empty dimension.
func HasAttribution(rawParams map[string]string) bool {
	return len(Extract(rawParams).Tuple) > 0
}

// Resolve extracts the attribution tuple and returns its canonical
// interned row. Returns nil without error when the request carries no
// attribution at all.
func (r *Resolver) Resolve(rawParams map[string]string) (*model.Attribution, error) {
	return r.ResolveExtraction(Extract(rawParams))
}

// ResolveExtraction interns an already extracted tuple.
func (r *Resolver) ResolveExtraction(extraction Extraction) (*model.Attribution, error) {
	digest := digestTuple(extraction.Tuple)
	if digest == "" {
		return nil, nil
	}

	seed := seedFromTuple(digest, extraction.Tuple)
	return r.interner.FindOrCreate(digest, seed)
}

func seedFromTuple(digest string, tuple Tuple) *model.Attribution {
	return &model.Attribution{
		ID:         U.GetUUID(),
		Digest:     digest,
		Source:     tuple[DimSource],
		Medium:     tuple[DimMedium],
		Campaign:   tuple[DimCampaign],
		Term:       tuple[DimTerm],
		Content:    tuple[DimContent],
		DeviceType: tuple[DimDeviceType],
		Placement:  tuple[DimPlacement],
		Creative:   tuple[DimCreative],
	}
}
