package model

import (
	"time"

	C "beacon/config"
	U "beacon/util"
)

type Domain struct {
	ID string `gorm:"primary_key:true" json:"id"`
	// Normalized host, without a www. prefix.
	// A unique index is created on name.
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type DomainBackend struct{}

func (DomainBackend) Find(name string) (*Domain, error) {
	db := C.GetServices().Db

	var domain Domain
	if err := db.Where("name = ?", name).First(&domain).Error; err != nil {
		return nil, asStoreError(err)
	}
	return &domain, nil
}

func (DomainBackend) Create(name string, seed *Domain) (*Domain, error) {
	db := C.GetServices().Db

	if seed == nil {
		seed = &Domain{}
	}
	if seed.ID == "" {
		seed.ID = U.GetUUID()
	}
	seed.Name = name
	if err := db.Create(seed).Error; err != nil {
		return nil, asStoreError(err)
	}
	return seed, nil
}
