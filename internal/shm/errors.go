package shm

import "errors"

var (
	// ErrAlreadyExists is returned by Create when the name is taken.
	ErrAlreadyExists = errors.New("shm: object already exists")
	// ErrNotFound is returned by Open when no object has the name.
	ErrNotFound = errors.New("shm: object not found")
	// ErrCreate is returned when the OS refuses to create the object.
	ErrCreate = errors.New("shm: create failed")
	// ErrGrow is returned when extending the object fails for a reason other than space.
	ErrGrow = errors.New("shm: grow failed")
	// ErrOutOfSpace is returned when the shared-memory filesystem cannot hold the object.
	ErrOutOfSpace = errors.New("shm: out of space")
	// ErrInvalidName is returned for names that are empty or contain a path separator.
	ErrInvalidName = errors.New("shm: invalid object name")
	// ErrClosed is returned when using a closed File.
	ErrClosed = errors.New("shm: file is closed")
)
