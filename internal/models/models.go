// Package models defines the core data structures for BookingPipe.
//
// It includes the booking dialogue state, booking records and the JSON
// envelope used by the HTTP API, which are shared across modules.
package models

import "errors"

// Error variables for better error handling and testability
var (
	ErrEmptySessionID     = errors.New("session id cannot be empty")
	ErrEmptyMessage       = errors.New("message cannot be empty")
	ErrMessageTooLong     = errors.New("message exceeds maximum length")
	ErrIncompleteBooking  = errors.New("booking data is incomplete")
	ErrProtocolViolation  = errors.New("booking state violates dialogue invariants")
	ErrUnknownIntentLabel = errors.New("unknown intent label")
	ErrNotConfigured      = errors.New("collaborator not configured")
)

// MaxMessageLength defines the maximum allowed length for an inbound chat message
const MaxMessageLength = 4096

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
}

// Validate checks the chat request. An empty session id is allowed and means
// "start a new session".
func (r *ChatRequest) Validate() error {
	if r.Message == "" {
		return ErrEmptyMessage
	}
	if len(r.Message) > MaxMessageLength {
		return ErrMessageTooLong
	}
	return nil
}

// ChatReply is the result payload of POST /chat.
type ChatReply struct {
	SessionID string       `json:"session_id"`
	Reply     string       `json:"reply"`
	Action    string       `json:"action"`
	Outcome   string       `json:"outcome,omitempty"`
	Booking   BookingState `json:"booking"`
	BookingID int64        `json:"booking_id,omitempty"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
