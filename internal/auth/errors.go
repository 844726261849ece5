// ABOUTME: Authentication failure kinds surfaced as transport-level rejections
// ABOUTME: Missing, invalid, and expired credentials are all "unauthorized"

package auth

import "fmt"

type ErrorKind int

const (
	KindMissing ErrorKind = iota + 1
	KindInvalid
	KindExpired
)

func (k ErrorKind) String() string {
	switch k {
	case KindMissing:
		return "missing credentials"
	case KindInvalid:
		return "invalid credentials"
	case KindExpired:
		return "expired credentials"
	}
	return "unauthorized"
}

type Error struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

var (
	ErrMissingCredentials = &Error{Kind: KindMissing, Reason: "no bearer token or API key was presented"}
	ErrInvalidCredentials = &Error{Kind: KindInvalid, Reason: "credential was not accepted"}
	ErrExpiredCredentials = &Error{Kind: KindExpired, Reason: "credential has expired"}
)

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unauthorized: %s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("unauthorized: %s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the package sentinels by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func invalid(reason string, err error) *Error {
	return &Error{Kind: KindInvalid, Reason: reason, Err: err}
}
