package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"testing"
)

func TestServiceError_Error(t *testing.T) {
	err := New(ErrorTypeUpstream, "submit_nonce", "pool rejected nonce")
	want := "upstream operation 'submit_nonce' failed: pool rejected nonce"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	cause := errors.New("dial tcp: connection refused")
	wrapped := Wrap(cause, ErrorTypeNetwork, "get_mining_info", "poll failed")
	want = "network operation 'get_mining_info' failed: poll failed (caused by: dial tcp: connection refused)"
	if wrapped.Error() != want {
		t.Errorf("Error() = %q, want %q", wrapped.Error(), want)
	}
	if !errors.Is(wrapped, cause) {
		t.Error("wrapped error should unwrap to its cause")
	}
}

func TestNew_RetryableByType(t *testing.T) {
	tests := []struct {
		errorType ErrorType
		retryable bool
	}{
		{ErrorTypeNetwork, true},
		{ErrorTypeMessaging, true},
		{ErrorTypeValidation, false},
		{ErrorTypeRouting, false},
		{ErrorTypeUpstream, false},
		{ErrorTypeDatabase, false},
		{ErrorTypeInternal, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.errorType), func(t *testing.T) {
			if got := New(tt.errorType, "op", "msg").IsRetryable(); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, ErrorTypeNetwork, "op", "msg") != nil {
		t.Error("wrapping nil should return nil")
	}

	inner := New(ErrorTypeValidation, "parse", "bad height")
	outer := Wrap(inner, ErrorTypeNetwork, "submit", "forward failed")
	if outer.Retryable {
		t.Error("wrapping a non-retryable ServiceError must keep it non-retryable")
	}
	if outer.Cause != inner {
		t.Error("expected inner ServiceError as cause")
	}

	canceled := Wrap(context.Canceled, ErrorTypeNetwork, "poll", "canceled")
	if canceled.Retryable {
		t.Error("context cancellation must never be retryable")
	}

	plain := Wrap(errors.New("unexpected status 502"), ErrorTypeNetwork, "poll", "bad gateway")
	if !plain.Retryable {
		t.Error("network errors should be retryable")
	}
}

func TestIsType(t *testing.T) {
	err := Wrap(New(ErrorTypeRouting, "route", "no round"), ErrorTypeInternal, "submit", "failed")
	if !IsType(err, ErrorTypeInternal) {
		t.Error("expected outermost type to match")
	}
	if IsType(errors.New("plain"), ErrorTypeNetwork) {
		t.Error("plain errors have no type")
	}
}

func TestIsRetryableByDefault(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"context canceled", context.Canceled, false},
		{"context timeout", context.DeadlineExceeded, false},
		{"refused errno", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"reset errno", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"driver text", errors.New("dial tcp 127.0.0.1:5432: connect: connection refused"), true},
		{"unexpected eof", fmt.Errorf("decode: %w", io.ErrUnexpectedEOF), true},
		{"deadline", fmt.Errorf("read: %w", os.ErrDeadlineExceeded), true},
		{"unknown error", errors.New("invalid account"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryableByDefault(tt.err); got != tt.expected {
				t.Errorf("isRetryableByDefault() = %v, want %v", got, tt.expected)
			}
		})
	}
}
