package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrConflict indicates an insert violated a uniqueness constraint, e.g. a
// second non-terminal deployment for the same project and environment.
var ErrConflict = errors.New("repository: conflict")

// ErrInvalidTransition indicates an update targeted a row whose current
// status forbids the transition (typically a terminal row).
var ErrInvalidTransition = errors.New("repository: invalid status transition")
