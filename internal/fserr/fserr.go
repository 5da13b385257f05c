// Package fserr defines the typed error kinds of spec.md §7. The
// operations in the op surface (internal/blockfs) return these for the
// failures they detect (a few pass lower-layer errors through without a
// Kind), wrapping any underlying cause with golang.org/x/xerrors so
// callers can still get at the original error via errors.Unwrap while
// switching on Kind for dispatch to a POSIX errno at the FUSE boundary.
package fserr

import (
	"errors"
	"fmt"

	"golang.org/x/xerrors"
)

// Kind is one of the abstract error kinds from spec.md §7.
type Kind int

const (
	// NotADirectory: an interior path component is a file, or a
	// directory was expected but a file was found.
	NotADirectory Kind = iota
	// IsADirectory: a file was expected but a directory was found.
	IsADirectory
	// NoSuchEntry: the final path component was not found.
	NoSuchEntry
	// NameTooLong: a path component exceeds 32 bytes including its
	// NUL terminator.
	NameTooLong
	// InvalidPath: the path does not begin with "/".
	InvalidPath
	// NotEmpty: rmdir on a non-empty directory, or rename onto one.
	NotEmpty
	// NoSpace: the block allocator is exhausted.
	NoSpace
	// OutOfMemory: a transient host allocation failed.
	OutOfMemory
	// Corrupt: an on-region invariant was violated.
	Corrupt
)

func (k Kind) String() string {
	switch k {
	case NotADirectory:
		return "not a directory"
	case IsADirectory:
		return "is a directory"
	case NoSuchEntry:
		return "no such entry"
	case NameTooLong:
		return "name too long"
	case InvalidPath:
		return "invalid path"
	case NotEmpty:
		return "not empty"
	case NoSpace:
		return "no space"
	case OutOfMemory:
		return "out of memory"
	case Corrupt:
		return "corrupt"
	default:
		return fmt.Sprintf("fserr.Kind(%d)", int(k))
	}
}

// Error is the typed error surfaced by every op in internal/blockfs.
type Error struct {
	Kind Kind
	Path string
	err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Kind)
	}
	return e.Kind.String()
}

// Unwrap exposes the underlying cause, if any, for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.err }

// New constructs an Error of the given kind for path, with no further
// cause.
func New(k Kind, path string) *Error {
	return &Error{Kind: k, Path: path}
}

// Wrap constructs an Error of the given kind for path, wrapping cause.
func Wrap(k Kind, path string, cause error) *Error {
	return &Error{Kind: k, Path: path, err: xerrors.Errorf("%w", cause)}
}

// Is reports whether err is an *Error of kind k.
func Is(err error, k Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == k
	}
	return false
}
