package cases

import "errors"

var (
	// ErrCaseNotFound is returned when a case does not exist
	ErrCaseNotFound = errors.New("case not found")

	// ErrVersionConflict is returned when the case changed since the caller read it
	ErrVersionConflict = errors.New("case was modified concurrently")

	// ErrNoChange is returned for mutations that would leave the case as it is
	ErrNoChange = errors.New("no change")

	// ErrInvalidValue is returned for unknown statuses or priorities
	ErrInvalidValue = errors.New("invalid value")
)
