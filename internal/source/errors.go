package source

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

type ErrorKind string

const (
	// PermissionDenied: a path could not be watched or scanned. Warning.
	PermissionDenied ErrorKind = "permission_denied"
	// RootVanished: a watched root disappeared. The backend drops the
	// root and keeps the rest.
	RootVanished ErrorKind = "root_vanished"
	// ResourceExhausted: watch descriptors or kernel queue space ran
	// out. The facade restarts the backend and forces a rescan.
	ResourceExhausted ErrorKind = "resource_exhausted"
	// BackendCrashed: the backend stopped delivering without Stop being
	// called.
	BackendCrashed ErrorKind = "backend_crashed"
)

// Error is a classified backend failure.
type Error struct {
	Kind ErrorKind
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Path != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Recoverable reports whether the facade should attempt a backend
// restart for this error.
func (e *Error) Recoverable() bool {
	if e == nil {
		return false
	}
	return e.Kind == ResourceExhausted || e.Kind == BackendCrashed
}

// Classify maps an underlying backend error onto the error taxonomy.
// Already-classified errors pass through with their path preserved.
func Classify(path string, err error) *Error {
	var classified *Error
	if errors.As(err, &classified) {
		if classified.Path == "" {
			classified.Path = path
		}
		return classified
	}

	kind := BackendCrashed
	switch {
	case errors.Is(err, os.ErrPermission):
		kind = PermissionDenied
	case errors.Is(err, os.ErrNotExist):
		kind = RootVanished
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, syscall.EMFILE), errors.Is(err, syscall.ENFILE):
		kind = ResourceExhausted
	}
	return &Error{Kind: kind, Path: path, Err: err}
}
