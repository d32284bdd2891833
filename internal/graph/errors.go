package graph

import "errors"

// Common errors returned by graph and store operations.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, graph.ErrNotFound) {
//	    // the identifier or path does not resolve
//	}
var (
	// ErrNotFound is returned when an identifier or path does not resolve
	// to a resource.
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists is returned when an identifier, folder name or asset path
	// is already claimed.
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrInvalidTransition is returned for structurally impossible edits,
	// such as moving a container below one of its own descendants.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrInconsistentState is returned when the graph and the path index disagree
	// or a tree invariant does not hold.
	ErrInconsistentState = errors.New("inconsistent state")
)

// IsCallerError reports whether err is the result of a bad request rather than a defect.
// Caller errors are returned to clients; everything else is logged loudly.
func IsCallerError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrInvalidTransition)
}

// IsDefect reports whether err signals a broken invariant.
func IsDefect(err error) bool {
	return err != nil && errors.Is(err, ErrInconsistentState)
}
