package storage

import "errors"

var (
	// ErrProjectNotFound is returned when a project lookup matches nothing
	ErrProjectNotFound = errors.New("project not found")

	// ErrDuplicateTitle is returned when a user already has a project
	// with the same title
	ErrDuplicateTitle = errors.New("duplicate project title")

	// ErrRevisionConflict is returned when a conditional update loses the
	// race against a concurrent write
	ErrRevisionConflict = errors.New("project revision conflict")
)
