package ca

import "errors"

// Failure modes named by the certificate authority component. Callers should
// use errors.Is against these sentinels rather than matching error strings.
var (
	ErrKeyGenFailed = errors.New("ca: key generation failed")
	ErrSigningFailed = errors.New("ca: signing failed")
	ErrInvalidFormat = errors.New("ca: unsupported export format")
)

// wrapErr joins a sentinel with the underlying cause so callers can still
// unwrap to the original error while matching on the sentinel.
func wrapErr(sentinel, cause error) error {
	if cause == nil {
		return nil
	}
	return &causedError{sentinel: sentinel, cause: cause}
}

type causedError struct {
	sentinel error
	cause    error
}

func (e *causedError) Error() string {
	return e.sentinel.Error() + ": " + e.cause.Error()
}

func (e *causedError) Unwrap() []error {
	return []error{e.sentinel, e.cause}
}
