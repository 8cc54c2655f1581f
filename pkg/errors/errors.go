package errors

import (
	"errors"
	"fmt"
)

// Error types
const (
	// ErrInvalidArgument is returned when an invalid argument is provided
	ErrInvalidArgument = "invalid_argument"

	// ErrUnauthenticated is returned when a request carries no valid credentials
	ErrUnauthenticated = "unauthenticated"

	// ErrRateLimited is returned when a client IP is over its request quota
	ErrRateLimited = "rate_limited"

	// ErrUnknownTool is returned when a tool is not in the partition catalogue
	ErrUnknownTool = "unknown_tool"

	// ErrUnknownResource is returned when a resource URI is not in the partition catalogue
	ErrUnknownResource = "unknown_resource"

	// ErrUnknownPrompt is returned when a prompt is not in the partition catalogue
	ErrUnknownPrompt = "unknown_prompt"

	// ErrHandlerConstructionFailed is returned when a handler constructor fails
	ErrHandlerConstructionFailed = "handler_construction_failed"

	// ErrModuleUnavailable is returned when a module cannot be resolved or fetched
	ErrModuleUnavailable = "module_unavailable"

	// ErrUpstreamFailure is returned when the metadata store cannot be reached
	ErrUpstreamFailure = "upstream_failure"

	// ErrUpstreamSemanticError is returned when the metadata store answers with errors
	ErrUpstreamSemanticError = "upstream_semantic_error"

	// ErrItemTooLarge is returned when the metadata store rejects an oversized item
	ErrItemTooLarge = "item_too_large"

	// ErrMethodNotFound is returned when a JSON-RPC method is not recognised
	ErrMethodNotFound = "method_not_found"

	// ErrInternal is returned when there is an internal error
	ErrInternal = "internal"
)

// Error represents an error in the application
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewInvalidArgumentError creates a new invalid argument error
func NewInvalidArgumentError(message string, cause error) *Error {
	return NewError(ErrInvalidArgument, message, cause)
}

// NewUnauthenticatedError creates a new unauthenticated error
func NewUnauthenticatedError(message string, cause error) *Error {
	return NewError(ErrUnauthenticated, message, cause)
}

// NewRateLimitedError creates a new rate limited error
func NewRateLimitedError(message string, cause error) *Error {
	return NewError(ErrRateLimited, message, cause)
}

// NewUnknownToolError creates a new unknown tool error
func NewUnknownToolError(message string, cause error) *Error {
	return NewError(ErrUnknownTool, message, cause)
}

// NewUnknownResourceError creates a new unknown resource error
func NewUnknownResourceError(message string, cause error) *Error {
	return NewError(ErrUnknownResource, message, cause)
}

// NewUnknownPromptError creates a new unknown prompt error
func NewUnknownPromptError(message string, cause error) *Error {
	return NewError(ErrUnknownPrompt, message, cause)
}

// NewHandlerConstructionFailedError creates a new handler construction failed error
func NewHandlerConstructionFailedError(message string, cause error) *Error {
	return NewError(ErrHandlerConstructionFailed, message, cause)
}

// NewModuleUnavailableError creates a new module unavailable error
func NewModuleUnavailableError(message string, cause error) *Error {
	return NewError(ErrModuleUnavailable, message, cause)
}

// NewUpstreamFailureError creates a new upstream failure error
func NewUpstreamFailureError(message string, cause error) *Error {
	return NewError(ErrUpstreamFailure, message, cause)
}

// NewUpstreamSemanticError creates a new upstream semantic error
func NewUpstreamSemanticError(message string, cause error) *Error {
	return NewError(ErrUpstreamSemanticError, message, cause)
}

// NewItemTooLargeError creates a new item too large error
func NewItemTooLargeError(message string, cause error) *Error {
	return NewError(ErrItemTooLarge, message, cause)
}

// NewMethodNotFoundError creates a new method not found error
func NewMethodNotFoundError(message string, cause error) *Error {
	return NewError(ErrMethodNotFound, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

// isType reports whether err (or any error in its chain) is an *Error of the
// given type.
func isType(err error, errorType string) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == errorType
}

// TypeOf returns the type of the first *Error in the chain, or ErrInternal
// when the chain carries no typed error.
func TypeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrInternal
}

// IsInvalidArgument checks if the error is an invalid argument error
func IsInvalidArgument(err error) bool {
	return isType(err, ErrInvalidArgument)
}

// IsUnauthenticated checks if the error is an unauthenticated error
func IsUnauthenticated(err error) bool {
	return isType(err, ErrUnauthenticated)
}

// IsRateLimited checks if the error is a rate limited error
func IsRateLimited(err error) bool {
	return isType(err, ErrRateLimited)
}

// IsUnknownTool checks if the error is an unknown tool error
func IsUnknownTool(err error) bool {
	return isType(err, ErrUnknownTool)
}

// IsUnknownResource checks if the error is an unknown resource error
func IsUnknownResource(err error) bool {
	return isType(err, ErrUnknownResource)
}

// IsUnknownPrompt checks if the error is an unknown prompt error
func IsUnknownPrompt(err error) bool {
	return isType(err, ErrUnknownPrompt)
}

// IsHandlerConstructionFailed checks if the error is a handler construction failed error
func IsHandlerConstructionFailed(err error) bool {
	return isType(err, ErrHandlerConstructionFailed)
}

// IsModuleUnavailable checks if the error is a module unavailable error
func IsModuleUnavailable(err error) bool {
	return isType(err, ErrModuleUnavailable)
}

// IsUpstreamFailure checks if the error is an upstream failure error
func IsUpstreamFailure(err error) bool {
	return isType(err, ErrUpstreamFailure)
}

// IsUpstreamSemanticError checks if the error is an upstream semantic error
func IsUpstreamSemanticError(err error) bool {
	return isType(err, ErrUpstreamSemanticError)
}

// IsItemTooLarge checks if the error is an item too large error
func IsItemTooLarge(err error) bool {
	return isType(err, ErrItemTooLarge)
}

// IsMethodNotFound checks if the error is a method not found error
func IsMethodNotFound(err error) bool {
	return isType(err, ErrMethodNotFound)
}

// IsInternal checks if the error is an internal error
func IsInternal(err error) bool {
	return isType(err, ErrInternal)
}
