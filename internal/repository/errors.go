package repository

import "errors"

// ErrNotFound is returned when a record does not exist. Repositories map
// gorm.ErrRecordNotFound onto it so callers never import gorm.
var ErrNotFound = errors.New("record not found")
