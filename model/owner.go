package model

import (
	"time"

	C "beacon/config"
	U "beacon/util"
)

// Owner is an identified account or person a visitor resolved to.
type Owner struct {
	ID string `gorm:"primary_key:true" json:"id"`
	// Caller supplied identifier, e.g. an email or account id.
	// A unique index is created on identifier.
	Identifier string    `json:"identifier"`
	CreatedAt  time.Time `json:"created_at"`
}

// Ownership links a cookie to an owner. Unique per pair, created
// lazily on identification.
type Ownership struct {
	ID string `gorm:"primary_key:true" json:"id"`
	// A unique index is created on cookie_id+owner_id.
	CookieID  string    `json:"cookie_id"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

// OwnershipKey is the natural key of an ownership link.
type OwnershipKey struct {
	CookieID string
	OwnerID  string
}

type OwnerBackend struct{}

func (OwnerBackend) Find(identifier string) (*Owner, error) {
	db := C.GetServices().Db

	var owner Owner
	if err := db.Where("identifier = ?", identifier).First(&owner).Error; err != nil {
		return nil, asStoreError(err)
	}
	return &owner, nil
}

func (OwnerBackend) Create(identifier string, seed *Owner) (*Owner, error) {
	db := C.GetServices().Db

	if seed == nil {
		seed = &Owner{}
	}
	if seed.ID == "" {
		seed.ID = U.GetUUID()
	}
	seed.Identifier = identifier
	if err := db.Create(seed).Error; err != nil {
		return nil, asStoreError(err)
	}
	return seed, nil
}

type OwnershipBackend struct{}

func (OwnershipBackend) Find(key OwnershipKey) (*Ownership, error) {
	db := C.GetServices().Db

	var ownership Ownership
	err := db.Where("cookie_id = ? AND owner_id = ?",
		key.CookieID, key.OwnerID).First(&ownership).Error
	if err != nil {
		return nil, asStoreError(err)
	}
	return &ownership, nil
}

func (OwnershipBackend) Create(key OwnershipKey, seed *Ownership) (*Ownership, error) {
	db := C.GetServices().Db

	if seed == nil {
		seed = &Ownership{}
	}
	if seed.ID == "" {
		seed.ID = U.GetUUID()
	}
	seed.CookieID = key.CookieID
	seed.OwnerID = key.OwnerID
	if err := db.Create(seed).Error; err != nil {
		return nil, asStoreError(err)
	}
	return seed, nil
}
