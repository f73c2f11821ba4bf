package session

import (
	"errors"
	"fmt"
)

// Reason is the tagged cause of a failed login phase or request.
type Reason int

const (
	ReasonUnknown Reason = iota
	MissingExpectedField
	InvalidCredentials
	RateLimited
	NetworkError
	UnknownServerResponse
	TunnelSessionExpired
	TooManyRedirects
)

func (r Reason) String() string {
	switch r {
	case MissingExpectedField:
		return "missing expected field"
	case InvalidCredentials:
		return "invalid credentials"
	case RateLimited:
		return "rate limited"
	case NetworkError:
		return "network error"
	case UnknownServerResponse:
		return "unknown server response"
	case TunnelSessionExpired:
		return "tunnel session expired"
	case TooManyRedirects:
		return "too many redirects"
	}
	return "unknown"
}

// Phase identifies which login phase failed.
type Phase int

const (
	// Phase1 is the gateway (tunnel) login.
	Phase1 Phase = 1
	// Phase2 is the CAS login.
	Phase2 Phase = 2
)

func (p Phase) String() string {
	return fmt.Sprintf("phase %d", int(p))
}

// Per-reason sentinels. A *LoginError matches the one for its Reason with
// errors.Is.
var (
	ErrMissingField       = errors.New("missing expected field")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrRateLimited        = errors.New("rate limited")
	ErrNetwork            = errors.New("network error")
	ErrUnknownResponse    = errors.New("unknown server response")
)

var (
	// ErrNotAuthenticated is returned by request operations before a
	// successful login.
	ErrNotAuthenticated = errors.New("session not authenticated")
	// ErrNoCredentials is returned by Login when the user id is empty.
	ErrNoCredentials = errors.New("credentials required")
	// ErrIllegalTransition is returned when a concurrent Close or Logout
	// moved the state machine while a login or Restore was running.
	ErrIllegalTransition = errors.New("illegal state transition")
)

var reasonSentinels = map[Reason]error{
	MissingExpectedField:  ErrMissingField,
	InvalidCredentials:    ErrInvalidCredentials,
	RateLimited:           ErrRateLimited,
	NetworkError:          ErrNetwork,
	UnknownServerResponse: ErrUnknownResponse,
}

// LoginError is the outcome of a failed login phase.
type LoginError struct {
	Phase  Phase
	Reason Reason
	// Field names the missing server field for MissingExpectedField.
	Field string
	Err   error
}

func (e *LoginError) Error() string {
	msg := fmt.Sprintf("%s login failed: %s", e.Phase, e.Reason)
	if e.Field != "" {
		msg += fmt.Sprintf(" (%s)", e.Field)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LoginError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for e.Reason.
func (e *LoginError) Is(target error) bool {
	s, ok := reasonSentinels[e.Reason]
	return ok && s == target
}

func newLoginError(phase Phase, reason Reason, err error) *LoginError {
	return &LoginError{Phase: phase, Reason: reason, Err: err}
}

func missingField(phase Phase, name string) *LoginError {
	return &LoginError{Phase: phase, Reason: MissingExpectedField, Field: name}
}

// ReasonOf returns the Reason carried by err, or ReasonUnknown.
func ReasonOf(err error) Reason {
	var le *LoginError
	if errors.As(err, &le) {
		return le.Reason
	}
	return ReasonUnknown
}
