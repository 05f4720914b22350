// Package models defines the core data structures for PrayerPipe.
//
// It includes the onboarding states and context, persisted snapshot records, and the
// JSON envelope used by the host API.
package models

import "errors"

// Error variables shared by request validation.
var (
	ErrEmptySessionID = errors.New("session id cannot be empty")
	ErrUnknownState   = errors.New("unknown onboarding state")
	ErrEmptyDeepLink  = errors.New("deep link url cannot be empty")
	ErrEmptyEventType = errors.New("event type cannot be empty")
	ErrUnknownAnswer  = errors.New("unknown answer field")
	ErrInvalidAnswer  = errors.New("invalid answer value")
)

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusInvalid indicates a transition was rejected by validation.
	APIStatusInvalid APIStatus = "invalid"
	// APIStatusQueued indicates a write was accepted and queued for sync.
	APIStatusQueued APIStatus = "queued"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Errors  []string    `json:"errors,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithErrors sets validation errors on the API response.
func (b *APIResponseBuilder) WithErrors(errs []string) *APIResponseBuilder {
	b.response.Errors = errs
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// Invalid creates a response for a rejected transition carrying its validation errors.
func Invalid(errs []string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusInvalid).
		WithErrors(errs).
		WithResult(result).
		Build()
}

// Queued creates a response for writes that were accepted but not yet synced.
func Queued(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusQueued).
		WithResult(result).
		Build()
}
