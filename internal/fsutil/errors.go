// Package fsutil confines client supplied paths to a single filesystem root.
package fsutil

import (
	"errors"
	"strconv"
)

// Sentinel errors reported by the Guard. Callers match them with errors.Is.
var (
	// ErrEscape means the path resolved outside the root, or its parent could
	// not be resolved at all.
	ErrEscape = errors.New("path escapes root")

	// ErrInvalidSegment means a name that must be a single entry contained a
	// separator, a ".." sequence or a NUL byte.
	ErrInvalidSegment = errors.New("invalid path segment")

	// ErrRootEntry means the operation would rename or remove the root itself.
	ErrRootEntry = errors.New("operation not permitted on root")
)

// PathError records a rejection together with the path the client sent.
// Path is never the resolved filesystem location.
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return e.Op + " " + strconv.Quote(e.Path) + ": " + e.Err.Error()
}

func (e *PathError) Unwrap() error { return e.Err }

func reject(op, logical string, err error) error {
	return &PathError{Op: op, Path: logical, Err: err}
}
