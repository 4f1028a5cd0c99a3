package model

import "errors"

// ErrorKind is a stable category for programmatic error handling.
//
// Callers should branch on the kind (IsKind) or the code (CodeOf) rather
// than matching error strings.
type ErrorKind string

const (
	// ResolverUnavailable: a capability or container lookup failed. Transient;
	// the caller may retry.
	ResolverUnavailable ErrorKind = "ResolverUnavailable"
	// CredentialSigningDenied: the user rejected (or could not produce) the
	// session credential signature. Terminal for the attempt.
	CredentialSigningDenied ErrorKind = "CredentialSigningDenied"
	// SigningUnavailable: the signing prompt could not be reached. Transient;
	// the caller may retry.
	SigningUnavailable ErrorKind = "SigningUnavailable"
	// CredentialExpired: a key server refused the session credential because
	// it has expired.
	CredentialExpired ErrorKind = "CredentialExpired"
	// AccessDenied: the on-chain approval rule rejected one content id.
	// Reported per item.
	AccessDenied ErrorKind = "AccessDenied"
	// DecryptionUnavailable: too few key servers answered to reach the
	// threshold. Reported per item.
	DecryptionUnavailable ErrorKind = "DecryptionUnavailable"
	// StorageUnavailable: every backend in the rotation failed.
	StorageUnavailable ErrorKind = "StorageUnavailable"
	// CertificationConflict: a prior certification attempt for the same
	// locator has an unknown outcome. Must not be retried silently.
	CertificationConflict ErrorKind = "CertificationConflict"
	// ValidationError: the request was rejected before any network call.
	ValidationError ErrorKind = "ValidationError"
	Internal        ErrorKind = "Internal"
)

// Error is the pipeline's structured error type.
//
// Code is a stable identifier (e.g. CAPV-UPL-001) naming the exact failure.
// Message is intended for humans; do not match on it.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// NewError returns a structured error without a cause.
func NewError(kind ErrorKind, code, msg string) error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// WrapError returns a structured error wrapping cause.
func WrapError(kind ErrorKind, code, msg string, cause error) error {
	if cause == nil {
		return NewError(kind, code, msg)
	}
	return &Error{Kind: kind, Code: code, Message: msg, Cause: cause}
}

// IsKind reports whether err is (or wraps) an *Error with the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// KindOf returns the kind of the outermost *Error in err's chain, or "".
func KindOf(err error) ErrorKind {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Kind
}

// CodeOf returns the stable code for a structured error, or "" if unknown.
func CodeOf(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Code
}

// Retryable reports whether the caller may retry err without user action.
func Retryable(err error) bool {
	return IsKind(err, ResolverUnavailable) || IsKind(err, SigningUnavailable)
}
