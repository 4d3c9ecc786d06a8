package model

import (
	"time"

	C "beacon/config"
	U "beacon/util"
)

// Referer is one interned referring URL, normalized to
// {domain, path, residual query, attribution}.
type Referer struct {
	ID string `gorm:"primary_key:true" json:"id"`
	// Composite natural key of the row below.
	// A unique index is created on key.
	Key           string    `json:"key"`
	DomainID      string    `json:"domain_id"`
	Path          string    `json:"path"`
	QueryString   string    `json:"query_string"`
	AttributionID string    `json:"attribution_id"`
	CreatedAt     time.Time `json:"created_at"`
}

type RefererBackend struct{}

func (RefererBackend) Find(key string) (*Referer, error) {
	db := C.GetServices().Db

	var referer Referer
	if err := db.Where("key = ?", key).First(&referer).Error; err != nil {
		return nil, asStoreError(err)
	}
	return &referer, nil
}

func (RefererBackend) Create(key string, seed *Referer) (*Referer, error) {
	db := C.GetServices().Db

	if seed == nil {
		seed = &Referer{}
	}
	if seed.ID == "" {
		seed.ID = U.GetUUID()
	}
	seed.Key = key
	if err := db.Create(seed).Error; err != nil {
		return nil, asStoreError(err)
	}
	return seed, nil
}
