package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapError_PreservesCauseAndKind(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := WrapError(ResolverUnavailable, "CAPV-RES-001", "owner capability query failed", cause)

	if !IsKind(err, ResolverUnavailable) {
		t.Fatalf("expected ResolverUnavailable, got %q", KindOf(err))
	}
	if CodeOf(err) != "CAPV-RES-001" {
		t.Fatalf("unexpected code %q", CodeOf(err))
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable through errors.Is")
	}
	if !Retryable(err) {
		t.Fatalf("resolver failures must be caller-retryable")
	}
}

func TestKindOf_ThroughFmtWrap(t *testing.T) {
	inner := NewError(AccessDenied, "CAPV-TSS-010", "approval denied")
	outer := fmt.Errorf("decrypt id1: %w", inner)

	if KindOf(outer) != AccessDenied {
		t.Fatalf("expected AccessDenied through fmt wrap, got %q", KindOf(outer))
	}
	if Retryable(outer) {
		t.Fatalf("AccessDenied must not be retryable")
	}
}

func TestRetryable_SigningUnavailableButNotDenied(t *testing.T) {
	if !Retryable(WrapError(SigningUnavailable, "CAPV-SES-002", "prompt unreachable", errors.New("eof"))) {
		t.Fatalf("unreachable signing prompt must be retryable")
	}
	if Retryable(NewError(CredentialSigningDenied, "CAPV-SES-001", "rejected")) {
		t.Fatalf("a rejected signature must not be retried")
	}
}

func TestKindOf_PlainError(t *testing.T) {
	if KindOf(errors.New("plain")) != "" {
		t.Fatalf("plain errors have no kind")
	}
	if CodeOf(nil) != "" {
		t.Fatalf("nil has no code")
	}
}

func TestWrapError_NilCause(t *testing.T) {
	err := WrapError(ValidationError, "CAPV-UPL-001", "payload too large", nil)
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if e.Cause != nil {
		t.Fatalf("expected nil cause")
	}
	if e.Error() != "payload too large" {
		t.Fatalf("unexpected message %q", e.Error())
	}
}
