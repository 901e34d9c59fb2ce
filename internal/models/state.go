// Package models defines session state structures for BookingPipe conversations.
package models

import (
	"fmt"
	"strings"
	"time"
)

// Intent is the inferred purpose of a user message.
type Intent string

const (
	IntentBooking Intent = "BOOKING"
	IntentSearch  Intent = "SEARCH"
	IntentChat    Intent = "CHAT"
)

// ParseIntent maps a classifier label onto an Intent. Surrounding whitespace,
// punctuation and case are ignored.
func ParseIntent(label string) (Intent, error) {
	l := strings.ToUpper(strings.Trim(strings.TrimSpace(label), ".!\"'`*"))
	switch Intent(l) {
	case IntentBooking, IntentSearch, IntentChat:
		return Intent(l), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownIntentLabel, label)
}

// RouterFlags holds routing state that precedes an active booking.
type RouterFlags struct {
	AwaitingIntentConfirmation bool `json:"awaiting_intent_confirmation"`
}

// Roles used in ConversationMessage.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ConversationMessage represents a single message in the conversation history.
type ConversationMessage struct {
	Role      string    `json:"role"`      // "user" or "assistant"
	Content   string    `json:"content"`   // message content
	Timestamp time.Time `json:"timestamp"` // when the message was sent
}

// Session is everything the hosting layer persists for one conversation.
type Session struct {
	ID         string                `json:"id"`
	Booking    BookingState          `json:"booking"`
	Flags      RouterFlags           `json:"flags"`
	History    []ConversationMessage `json:"history,omitempty"`
	DocumentID string                `json:"document_id,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

// NewSession creates an idle session.
func NewSession(id string, now time.Time) Session {
	return Session{
		ID:        id,
		Booking:   NewBookingState(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AppendHistory adds a message and keeps at most limit entries (limit <= 0 keeps all).
func (s *Session) AppendHistory(role, content string, at time.Time, limit int) {
	s.History = append(s.History, ConversationMessage{Role: role, Content: content, Timestamp: at})
	if limit > 0 && len(s.History) > limit {
		s.History = append([]ConversationMessage(nil), s.History[len(s.History)-limit:]...)
	}
}
