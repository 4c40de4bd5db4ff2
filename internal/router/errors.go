package router

import "errors"

// Validation errors are returned synchronously to the caller and nothing is
// stored or broadcast when they fire. Unknown entities surface as
// repository.ErrNotFound, passed through unchanged.
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotAMember   = errors.New("not a member")
)
