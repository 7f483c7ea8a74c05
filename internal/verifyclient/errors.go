package verifyclient

import (
	"errors"
	"fmt"
)

// ErrNotConfigured is returned without any network call when credentials are missing.
var ErrNotConfigured = errors.New("verification provider credentials not configured")

var errEmptyField = errors.New("required field missing from response")

// TransportError wraps a network or HTTP-level failure.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: unexpected http status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is a well-formed response carrying a non-success result code.
type ProtocolError struct {
	Op      string
	RetCode int
	RetMsg  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: provider returned retCode=%d (%s)", e.Op, e.RetCode, e.RetMsg)
}
