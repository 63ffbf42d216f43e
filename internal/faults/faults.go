package faults

import (
	"errors"
	"net/http"
	"strings"
)

// Kind classifies a failure from the assessment pipeline.
type Kind string

const (
	PermissionDenied  Kind = "PermissionDenied"
	QuotaExceeded     Kind = "QuotaExceeded"
	InvalidGrant      Kind = "InvalidGrant"
	ClockSkew         Kind = "ClockSkew"
	InsufficientScope Kind = "InsufficientScope"
	NetworkTransient  Kind = "NetworkTransient"
	Unauthenticated   Kind = "Unauthenticated"
)

var phrases = map[Kind]string{
	PermissionDenied:  "permission denied",
	QuotaExceeded:     "quota exceeded",
	InvalidGrant:      "delegation not effective",
	ClockSkew:         "assertion timestamps rejected",
	InsufficientScope: "insufficient scope",
	NetworkTransient:  "transient network failure",
	Unauthenticated:   "unauthenticated",
}

// Retryable reports whether a local bounded retry can help.
func (k Kind) Retryable() bool {
	return k == NetworkTransient || k == ClockSkew
}

func (k Kind) String() string {
	return string(k)
}

// Error attributes a failure to the account/user/scope/operation it occurred
// for. Attribution fields are optional and only rendered when set.
type Error struct {
	Kind    Kind
	Account string
	Subject string
	Scope   string
	Op      string
	Err     error
}

func (e *Error) Error() string {
	msg, ok := phrases[e.Kind]
	if !ok {
		msg = string(e.Kind)
	}

	details := make([]string, 0, 4)
	if e.Account != "" {
		details = append(details, "account "+e.Account)
	}
	if e.Subject != "" {
		details = append(details, "subject "+e.Subject)
	}
	if e.Scope != "" {
		details = append(details, "scope "+e.Scope)
	}
	if e.Op != "" {
		details = append(details, "operation "+e.Op)
	}
	if len(details) > 0 {
		msg += " (" + strings.Join(details, ", ") + ")"
	}

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of the first *Error in err's chain, or an empty
// Kind when the error was never classified.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is lets callers match on kind with errors.Is(err, &Error{Kind: ...}).
func (e *Error) Is(target error) bool {
	var fe *Error
	if !errors.As(target, &fe) {
		return false
	}
	return fe.Kind == e.Kind
}

// FromStatus maps an HTTP status code from a Google API call onto the
// taxonomy. Codes without a defined mapping return an empty Kind and the
// caller decides.
func FromStatus(code int) Kind {
	switch {
	case code == http.StatusUnauthorized:
		return Unauthenticated
	case code == http.StatusForbidden:
		return PermissionDenied
	case code == http.StatusTooManyRequests:
		return QuotaExceeded
	case code >= 500:
		return NetworkTransient
	default:
		return ""
	}
}
