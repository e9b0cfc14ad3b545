package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateCode indicates a uniqueness violation on a business code.
	ErrDuplicateCode = errors.New("duplicate code")
)
