package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestNewCarriesRegistryDefaults(t *testing.T) {
	err := New(CodeTimeout, "")
	if err.Message() != "operation timed out" {
		t.Fatalf("unexpected default message: %q", err.Message())
	}
	if !err.Retryable() {
		t.Fatalf("timeout should default to retryable")
	}
	if err.Severity() != SeverityWarning {
		t.Fatalf("unexpected severity: %s", err.Severity())
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := stdErrors.New("socket closed")
	err := Wrap(CodePublishFailure, cause, "publish settlement event")
	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected cause to unwrap")
	}
	if got := err.Error(); got != "[PUBLISH_FAILURE] publish settlement event: socket closed" {
		t.Fatalf("unexpected rendering: %q", got)
	}
}

func TestIsMatchesByCode(t *testing.T) {
	a := New(CodeRetriesExhausted, "gave up")
	b := New(CodeRetriesExhausted, "different message")
	if !stdErrors.Is(a, b) {
		t.Fatalf("errors with equal codes should match")
	}
	if stdErrors.Is(a, New(CodeTimeout, "")) {
		t.Fatalf("errors with distinct codes must not match")
	}
}

func TestWithRetryableOverridesRegistry(t *testing.T) {
	err := New(CodeStorageFailure, "read only replica", WithRetryable(false))
	if err.Retryable() {
		t.Fatalf("override should win over registry default")
	}
}

func TestCodeOfWrappedChain(t *testing.T) {
	inner := New(CodeRateLimited, "bucket empty")
	outer := fmt.Errorf("execute: %w", inner)
	if CodeOf(outer) != CodeRateLimited {
		t.Fatalf("CodeOf should see through wrapping, got %s", CodeOf(outer))
	}
	if RetryableError(outer) {
		t.Fatalf("rate limited is terminal")
	}
}

func TestRegisterNewCode(t *testing.T) {
	const code Code = "TEST_ONLY"
	Register(code, Attributes{Message: "test only", Severity: SeverityInfo, Retryable: true})
	if !AttributesOf(code).Retryable {
		t.Fatalf("registered attributes not visible")
	}
	if AttributesOf(Code("NEVER_REGISTERED")).Message != "unknown error" {
		t.Fatalf("unregistered code should fall back to UNKNOWN")
	}
}
