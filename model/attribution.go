package model

import (
	"time"

	C "beacon/config"
	U "beacon/util"
)

// Attribution is the canonical marketing attribution tuple. Interned by
// the content digest of its non-empty (dimension, value) pairs, so two
// requests carrying the same campaign parameters share one row.
type Attribution struct {
	ID string `gorm:"primary_key:true" json:"id"`
	// A unique index is created on digest.
	Digest     string    `json:"digest"`
	Source     string    `json:"source"`
	Medium     string    `json:"medium"`
	Campaign   string    `json:"campaign"`
	Term       string    `json:"term"`
	Content    string    `json:"content"`
	DeviceType string    `json:"device_type"`
	Placement  string    `json:"placement"`
	Creative   string    `json:"creative"`
	CreatedAt  time.Time `json:"created_at"`
}

// AttributionBackend interns attribution tuples by content digest.
type AttributionBackend struct{}

func (AttributionBackend) Find(digest string) (*Attribution, error) {
	db := C.GetServices().Db

	var attribution Attribution
	if err := db.Where("digest = ?", digest).First(&attribution).Error; err != nil {
		return nil, asStoreError(err)
	}
	return &attribution, nil
}

func (AttributionBackend) Create(digest string, seed *Attribution) (*Attribution, error) {
	db := C.GetServices().Db

	if seed == nil {
		seed = &Attribution{}
	}
	if seed.ID == "" {
		seed.ID = U.GetUUID()
	}
	seed.Digest = digest
	if err := db.Create(seed).Error; err != nil {
		return nil, asStoreError(err)
	}
	return seed, nil
}
