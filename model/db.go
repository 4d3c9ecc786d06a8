package model

import (
	"strings"

	"github.com/jinzhu/gorm"

	"beacon/store"
)

const pgErrorCodeUniqueViolation = "23505"

// IsDuplicateRecordError reports whether err is a unique constraint
// violation raised by the database on a concurrent create.
func IsDuplicateRecordError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), pgErrorCodeUniqueViolation) ||
		strings.Contains(err.Error(), "duplicate key value")
}

// asStoreError translates gorm errors to the interning store taxonomy.
func asStoreError(err error) error {
	if err == nil {
		return nil
	}
	if gorm.IsRecordNotFoundError(err) {
		return store.ErrNotFound
	}
	if IsDuplicateRecordError(err) {
		return store.ErrDuplicate
	}
	return err
}
