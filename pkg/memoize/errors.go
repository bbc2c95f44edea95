package memoize

import (
	"errors"
	"fmt"

	"github.com/vnykmshr/memoize-go/internal/fingerprint"
	"github.com/vnykmshr/memoize-go/internal/store"
)

// ErrNotFingerprintable is returned by CallContext, without invoking the
// wrapped function, when the call's arguments cannot be canonicalized
// into a cache key.
var ErrNotFingerprintable = fingerprint.ErrNotFingerprintable

// ErrBackendUnavailable is returned (or, where spec'd, silently degraded
// from) when the configured Store cannot service a request.
var ErrBackendUnavailable = store.ErrBackendUnavailable

// UserFunctionError wraps a panic recovered from the wrapped function.
// A plain error returned by the wrapped function is passed through
// unchanged — only a panic gets wrapped, since a returned error already
// satisfies Go's normal error-propagation contract.
type UserFunctionError struct {
	Panic any
	Err   error
}

func (e *UserFunctionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("memoize: wrapped function panicked: %v", e.Err)
	}
	return fmt.Sprintf("memoize: wrapped function panicked: %v", e.Panic)
}

func (e *UserFunctionError) Unwrap() error { return e.Err }

func newUserFunctionError(recovered any) *UserFunctionError {
	if err, ok := recovered.(error); ok {
		return &UserFunctionError{Panic: recovered, Err: err}
	}
	return &UserFunctionError{Panic: recovered, Err: errors.New(fmt.Sprint(recovered))}
}
