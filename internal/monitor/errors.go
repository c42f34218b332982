package monitor

import (
	"errors"
	"fmt"
)

// ErrorKind classifies cycle-level failures.
type ErrorKind string

// Cycle-level failure kinds. Both abort the cycle without producing a Run.
const (
	KindResolution ErrorKind = "ResolutionError"
	KindTransport  ErrorKind = "TransportError"
)

// ErrNoAddresses is returned by resolvers when neither address family has records.
var ErrNoAddresses = errors.New("no addresses found")

// CheckError is the top-level error of a check cycle.
type CheckError struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *CheckError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CheckError) Unwrap() error {
	return e.Err
}

func newCheckError(kind ErrorKind, code string, err error) *CheckError {
	if code == "" {
		code = string(kind)
	}
	return &CheckError{Kind: kind, Code: code, Message: err.Error(), Err: err}
}

// IsResolutionError reports whether err aborted a cycle during replica resolution.
func IsResolutionError(err error) bool {
	var ce *CheckError
	return errors.As(err, &ce) && ce.Kind == KindResolution
}

// IsTransportError reports whether err aborted a cycle while fetching HTML.
func IsTransportError(err error) bool {
	var ce *CheckError
	return errors.As(err, &ce) && ce.Kind == KindTransport
}
