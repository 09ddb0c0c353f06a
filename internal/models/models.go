package models

import (
	"errors"
	"fmt"
)

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusDuplicate indicates an inbound event was already processed.
	APIStatusDuplicate APIStatus = "duplicate"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
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

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Duplicate reports that an inbound event id was seen before.
func Duplicate(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusDuplicate).
		WithMessage(message).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// MaxUserIDLength bounds user ids accepted over the API.
const MaxUserIDLength = 256

var (
	ErrEmptyUserID     = errors.New("user_id is required")
	ErrUserIDTooLong   = errors.New("user_id exceeds maximum length")
	ErrEmptyTrigger    = errors.New("trigger is required")
	ErrMessageIDTooBig = errors.New("message_id exceeds maximum length")
)

// EngagementEventRequest is the payload the inbound classifier posts once it has
// mapped a raw user message to a trigger.
type EngagementEventRequest struct {
	UserID    string         `json:"user_id"`
	Trigger   Trigger        `json:"trigger"`
	MessageID string         `json:"message_id,omitempty"` // provider message id used for redelivery dedup
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Validate checks the request before it reaches the engine.
func (r EngagementEventRequest) Validate() error {
	if r.UserID == "" {
		return ErrEmptyUserID
	}
	if len(r.UserID) > MaxUserIDLength {
		return ErrUserIDTooLong
	}
	if r.Trigger == "" {
		return ErrEmptyTrigger
	}
	if !r.Trigger.Valid() {
		return fmt.Errorf("unknown engagement trigger %q", r.Trigger)
	}
	if len(r.MessageID) > MaxUserIDLength {
		return ErrMessageIDTooBig
	}
	return nil
}

// SweepReport summarizes one scheduler pass.
type SweepReport struct {
	Inactivity PassReport `json:"inactivity"`
	Goodbyes   PassReport `json:"goodbyes"`
	Reminders  PassReport `json:"reminders"`
}

// PassReport counts outcomes for one trigger within a sweep.
type PassReport struct {
	Due       int `json:"due"`
	Applied   int `json:"applied"`
	Conflicts int `json:"conflicts"`
	Rejected  int `json:"rejected"`
	Failed    int `json:"failed"`
}
