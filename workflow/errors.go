package workflow

import (
	"context"
	"errors"
	"fmt"

	"ensemble-matcher/store"
)

// Code classifies a workflow failure for callers.
type Code string

// Error codes surfaced to callers.
const (
	OK                 Code = "OK"
	Unauthenticated    Code = "UNAUTHENTICATED"
	InvalidArgument    Code = "INVALID_ARGUMENT"
	NotFound           Code = "NOT_FOUND"
	PermissionDenied   Code = "PERMISSION_DENIED"
	FailedPrecondition Code = "FAILED_PRECONDITION"
	AlreadyExists      Code = "ALREADY_EXISTS"
	Unavailable        Code = "UNAVAILABLE"
	DeadlineExceeded   Code = "DEADLINE_EXCEEDED"
	Internal           Code = "INTERNAL"
)

// Error is a typed workflow failure.
type Error struct {
	Err     error
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code Code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// CodeOf extracts the code of err. Unclassified errors are Internal.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var werr *Error
	if errors.As(err, &werr) {
		return werr.Code
	}
	switch {
	case errors.Is(err, store.ErrContention):
		return Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		return DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return Unavailable
	}
	return Internal
}

// classify converts whatever a transaction returned into an *Error.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var werr *Error
	if errors.As(err, &werr) {
		return werr
	}
	switch code := CodeOf(err); code {
	case Unavailable:
		return newError(code, "the service is busy, retry the request", err)
	case DeadlineExceeded:
		return newError(code, "the request deadline passed before the operation committed", err)
	default:
		return newError(Internal, "internal error", err)
	}
}
