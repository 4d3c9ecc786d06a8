package model

import (
	"time"

	C "beacon/config"
	U "beacon/util"
)

type UserAgent struct {
	ID string `gorm:"primary_key:true" json:"id"`
	// Raw user agent string. A unique index is created on value.
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAgentBackend interns user agents by their raw string.
type UserAgentBackend struct{}

func (UserAgentBackend) Find(value string) (*UserAgent, error) {
	db := C.GetServices().Db

	var userAgent UserAgent
	if err := db.Where("value = ?", value).First(&userAgent).Error; err != nil {
		return nil, asStoreError(err)
	}
	return &userAgent, nil
}

func (UserAgentBackend) Create(value string, seed *UserAgent) (*UserAgent, error) {
	db := C.GetServices().Db

	if seed == nil {
		seed = &UserAgent{}
	}
	if seed.ID == "" {
		seed.ID = U.GetUUID()
	}
	seed.Value = value
	if err := db.Create(seed).Error; err != nil {
		return nil, asStoreError(err)
	}
	return seed, nil
}
