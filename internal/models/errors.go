package models

import "errors"

// Error taxonomy shared by the store, the room manager and the API.
var (
	// ErrAuthorization is returned when a non-member attempts to join or post.
	ErrAuthorization = errors.New("not a member of this project")
	// ErrValidation marks a missing or malformed required field.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is returned for an unknown project or user reference.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned by conditional file tree writes whose
	// base version is no longer current.
	ErrVersionConflict = errors.New("file tree version conflict")
	// ErrConflict is returned when a unique name is already taken.
	ErrConflict = errors.New("already exists")
)
