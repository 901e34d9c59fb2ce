package flow

import (
	"context"
	"errors"
	"fmt"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

// BookingStore persists finalized bookings. SaveBooking must create the
// customer and booking rows atomically and return the new booking id.
type BookingStore interface {
	SaveBooking(ctx context.Context, data models.BookingData) (int64, error)
}

// Notifier delivers a booking confirmation. Delivery is best effort. A nil
// error means the confirmation email went out; a notifier that fans out to
// several channels reports partial delivery with a *DeliveryError.
type Notifier interface {
	SendConfirmation(ctx context.Context, email string, bookingID int64, data models.BookingData) error
}

// DeliveryError reports a confirmation that failed on at least one channel.
type DeliveryError struct {
	EmailSent bool     // an email channel delivered
	Delivered []string // channels that delivered, e.g. "email", "SMS"
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("confirmation delivered via %v: %v", e.Delivered, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// EmailDelivered reports whether a notifier error still left the customer
// with a confirmation email.
func EmailDelivered(err error) bool {
	if err == nil {
		return true
	}
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.EmailSent
	}
	return false
}

// SearchProvider performs a free-text web lookup and returns formatted text.
type SearchProvider interface {
	Search(ctx context.Context, query string) (string, error)
}

// AnswerRequest is what the router hands to the knowledge base for a
// general question.
type AnswerRequest struct {
	Query           string
	DocumentContext string
	History         []models.ConversationMessage
}

// KnowledgeBase answers free-text questions, optionally grounded in
// document context.
type KnowledgeBase interface {
	Answer(ctx context.Context, req AnswerRequest) (string, error)
}

// IntentClassifier decides whether an utterance is a booking request, a
// search request or general chat.
type IntentClassifier interface {
	ClassifyIntent(ctx context.Context, utterance string) (models.Intent, error)
}

// Document is an ingested reference document. A nil Document means no PDF
// was uploaded.
type Document interface {
	Services() []string
	Context(ctx context.Context, query string) (string, error)
}
