package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "error with cause",
			err: &Error{
				Type:    ErrInvalidArgument,
				Message: "test message",
				Cause:   errors.New("underlying error"),
			},
			want: "invalid_argument: test message: underlying error",
		},
		{
			name: "error without cause",
			err: &Error{
				Type:    ErrUpstreamFailure,
				Message: "test message",
				Cause:   nil,
			},
			want: "upstream_failure: test message",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.err.Error()
			if got != tt.want {
				t.Errorf("Error.Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("underlying error")
	err := &Error{
		Type:    ErrInternal,
		Message: "test message",
		Cause:   cause,
	}

	if got := err.Unwrap(); got != cause {
		t.Errorf("Error.Unwrap() = %v, want %v", got, cause)
	}

	errNoCause := &Error{
		Type:    ErrInternal,
		Message: "test message",
		Cause:   nil,
	}

	if got := errNoCause.Unwrap(); got != nil {
		t.Errorf("Error.Unwrap() = %v, want nil", got)
	}
}

func TestNewError(t *testing.T) {
	cause := errors.New("underlying error")
	err := NewError(ErrInvalidArgument, "test message", cause)

	if err.Type != ErrInvalidArgument {
		t.Errorf("NewError().Type = %v, want %v", err.Type, ErrInvalidArgument)
	}
	if err.Message != "test message" {
		t.Errorf("NewError().Message = %v, want %v", err.Message, "test message")
	}
	if err.Cause != cause {
		t.Errorf("NewError().Cause = %v, want %v", err.Cause, cause)
	}
}

func TestCheckers(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		checker func(error) bool
		want    bool
	}{
		{"invalid argument match", NewInvalidArgumentError("m", nil), IsInvalidArgument, true},
		{"invalid argument mismatch", NewInternalError("m", nil), IsInvalidArgument, false},
		{"unauthenticated", NewUnauthenticatedError("m", nil), IsUnauthenticated, true},
		{"rate limited", NewRateLimitedError("m", nil), IsRateLimited, true},
		{"unknown tool", NewUnknownToolError("m", nil), IsUnknownTool, true},
		{"unknown resource", NewUnknownResourceError("m", nil), IsUnknownResource, true},
		{"unknown prompt", NewUnknownPromptError("m", nil), IsUnknownPrompt, true},
		{"handler construction", NewHandlerConstructionFailedError("m", nil), IsHandlerConstructionFailed, true},
		{"module unavailable", NewModuleUnavailableError("m", nil), IsModuleUnavailable, true},
		{"upstream failure", NewUpstreamFailureError("m", nil), IsUpstreamFailure, true},
		{"upstream semantic", NewUpstreamSemanticError("m", nil), IsUpstreamSemanticError, true},
		{"item too large", NewItemTooLargeError("m", nil), IsItemTooLarge, true},
		{"method not found", NewMethodNotFoundError("m", nil), IsMethodNotFound, true},
		{"internal", NewInternalError("m", nil), IsInternal, true},
		{"plain error", errors.New("plain"), IsInternal, false},
		{"nil error", nil, IsInvalidArgument, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.checker(tt.err); got != tt.want {
				t.Errorf("checker(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestCheckersUnwrapChain(t *testing.T) {
	inner := NewItemTooLargeError("content over limit", nil)
	wrapped := fmt.Errorf("updating call record: %w", inner)

	if !IsItemTooLarge(wrapped) {
		t.Errorf("IsItemTooLarge(wrapped) = false, want true")
	}
	if IsUpstreamFailure(wrapped) {
		t.Errorf("IsUpstreamFailure(wrapped) = true, want false")
	}
}

func TestTypeOf(t *testing.T) {
	if got := TypeOf(NewUnknownToolError("m", nil)); got != ErrUnknownTool {
		t.Errorf("TypeOf() = %v, want %v", got, ErrUnknownTool)
	}
	if got := TypeOf(errors.New("plain")); got != ErrInternal {
		t.Errorf("TypeOf(plain) = %v, want %v", got, ErrInternal)
	}
}
