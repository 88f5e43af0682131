// Package errors provides error wrapping utilities and the installer's error
// taxonomy. Every failure that leaves the pipeline carries a Kind so callers
// can decide between retrying, re-fetching, and reporting.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"syscall"
)

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// New, Is and As forward to the standard library so callers only need one
// errors import.
func New(text string) error { return stderrors.New(text) }

func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

type kinded interface {
	Kind() Kind
}

// KindOf returns the category of err, looking through wrapped errors.
// Context cancellation is reported as KindCancelled even when it was never
// converted into a CancelledError.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var k kinded
	if stderrors.As(err, &k) {
		return k.Kind()
	}
	if stderrors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindUnknown
}

// FamilyOf is shorthand for KindOf(err).Family().
func FamilyOf(err error) Family {
	return KindOf(err).Family()
}

// Retryable reports whether err may succeed if the same operation is
// attempted again in place.
func Retryable(err error) bool {
	var ne *NetworkError
	if stderrors.As(err, &ne) {
		return !ne.Permanent
	}
	return false
}

// ForcesRefetch reports whether err means the downloaded archive must be
// discarded and fetched again from offset zero.
func ForcesRefetch(err error) bool {
	return KindOf(err).ForcesRefetch()
}

// Classify maps raw OS and network errors onto the taxonomy. Errors that
// already carry a Kind are returned unchanged; unrecognised errors too.
func Classify(err error, path string) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindUnknown {
		return err
	}
	switch {
	case stderrors.Is(err, os.ErrPermission), stderrors.Is(err, syscall.EROFS):
		return &PermissionError{Path: path, Err: err}
	case isNoSpace(err):
		return &DiskSpaceError{Path: path, Err: err}
	}

	var urlErr *url.Error
	var netErr net.Error
	if stderrors.As(err, &urlErr) || stderrors.As(err, &netErr) {
		return &NetworkError{Op: "transfer", URL: path, Err: err}
	}
	return err
}
