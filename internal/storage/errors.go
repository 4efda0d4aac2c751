package storage

import "errors"

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")

	// ErrClaimLost is returned when a fenced update finds the row no longer claimed by the caller
	ErrClaimLost = errors.New("claim lost")

	// ErrVersionConflict is returned when an optimistic version check fails
	ErrVersionConflict = errors.New("version conflict")

	// ErrStateConflict is returned when a conditional state transition matches no row
	ErrStateConflict = errors.New("state conflict")
)
