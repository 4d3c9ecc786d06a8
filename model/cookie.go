package model

import (
	"time"

	C "beacon/config"
)

type Cookie struct {
	// Anonymous visitor id. Always a v4 UUID.
	ID        string    `gorm:"primary_key:true" json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// CookieBackend is the persistence collaborator for interned cookies,
// keyed by the cookie id itself.
type CookieBackend struct{}

func (CookieBackend) Find(id string) (*Cookie, error) {
	db := C.GetServices().Db

	var cookie Cookie
	if err := db.Where("id = ?", id).First(&cookie).Error; err != nil {
		return nil, asStoreError(err)
	}
	return &cookie, nil
}

func (CookieBackend) Create(id string, seed *Cookie) (*Cookie, error) {
	db := C.GetServices().Db

	if seed == nil {
		seed = &Cookie{}
	}
	seed.ID = id
	if err := db.Create(seed).Error; err != nil {
		return nil, asStoreError(err)
	}
	return seed, nil
}
