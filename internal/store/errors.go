package store

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyExists is reported by a clone whose destination already
	// holds a repository.
	ErrAlreadyExists = errors.New("repository already exists")
	// ErrRemoteUnavailable is reported when the remote cannot be reached.
	ErrRemoteUnavailable = errors.New("remote unavailable")
	// ErrAuthFailure is reported when the remote rejects the credentials.
	ErrAuthFailure = errors.New("authentication failed")
	// ErrRevisionNotFound is reported when a token resolves to no commit.
	ErrRevisionNotFound = errors.New("revision not found")
	// ErrDiff is reported when two trees cannot be compared.
	ErrDiff = errors.New("diff failed")
	// ErrReset is reported when the working tree cannot be reset.
	ErrReset = errors.New("reset failed")
	// ErrOpen is reported when an existing repository cannot be opened.
	ErrOpen = errors.New("open failed")
	// ErrFilesystem is reported for local I/O failures.
	ErrFilesystem = errors.New("filesystem error")
)

// Error carries the store's classification of a failed operation.
type Error struct {
	Op    string // store operation, e.g. "clone"
	Code  error  // one of the package sentinels
	Class string // backend specific class, e.g. "transport" or "exit status 128"
	Err   error  // underlying cause
}

func (e *Error) Error() string {
	if e.Class == "" {
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %v (class %s): %v", e.Op, e.Code, e.Class, e.Err)
}

// Unwrap exposes both the sentinel code and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	return []error{e.Code, e.Err}
}

func newError(op string, code error, class string, err error) *Error {
	return &Error{Op: op, Code: code, Class: class, Err: err}
}
