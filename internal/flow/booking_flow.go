package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

// StartFlow is the internal utterance that starts a dialogue: it is never
// validated and only triggers the prompt for the first missing field.
const StartFlow = "START_FLOW"

// Outcome describes what a dialogue turn did.
type Outcome string

const (
	OutcomeCollecting    Outcome = "collecting"
	OutcomeRejected      Outcome = "rejected"
	OutcomeConfirming    Outcome = "confirming"
	OutcomeFinalized     Outcome = "finalized"
	OutcomeCancelled     Outcome = "cancelled"
	OutcomePersistFailed Outcome = "persist_failed"
	OutcomeProtocolReset Outcome = "protocol_reset"
)

// Turn is the result of one dialogue step.
type Turn struct {
	Reply     string
	Outcome   Outcome
	BookingID int64
	// NotifyErr is set when the booking was saved but the confirmation could not be delivered.
	NotifyErr error
	// Err is set for storage failures and protocol violations.
	Err error
}

// DialogueManager drives the slot-filling booking dialogue. It owns no
// state: every call takes the current BookingState and returns the next one.
type DialogueManager struct {
	validator *Validator
	store     BookingStore
	notifier  Notifier
}

// NewDialogueManager creates a dialogue manager. notifier may be nil, in
// which case no confirmation is sent.
func NewDialogueManager(validator *Validator, store BookingStore, notifier Notifier) *DialogueManager {
	if validator == nil {
		validator = NewValidator(DefaultBusinessHours, nil)
	}
	slog.Debug("DialogueManager.NewDialogueManager: creating dialogue manager", "hasStore", store != nil, "hasNotifier", notifier != nil, "hours", validator.Hours.String())
	return &DialogueManager{validator: validator, store: store, notifier: notifier}
}

// Validator returns the field validator used by the dialogue.
func (m *DialogueManager) Validator() *Validator {
	return m.validator
}

// Handle applies one utterance to state. services constrains the
// booking_type field when non-empty.
func (m *DialogueManager) Handle(ctx context.Context, state models.BookingState, utterance string, services []string) (models.BookingState, Turn) {
	err := state.Check()
	if err == nil {
		err = m.revalidate(state.Data)
	}
	if err != nil {
		slog.Error("DialogueManager.Handle: invalid booking state, resetting", "error", err)
		return models.NewBookingState(), Turn{
			Reply:   "⚠️ Something went wrong with your booking, so I've reset it. Say \"book\" whenever you want to start again.",
			Outcome: OutcomeProtocolReset,
			Err:     err,
		}
	}

	next := state.Clone()
	next.Active = true
	sentinel := utterance == StartFlow

	// 1. Validate the pending answer.
	if next.CurrentField != "" && !sentinel {
		field := next.CurrentField
		result := m.validator.Validate(field, utterance, services)
		if !result.Accepted {
			slog.Debug("DialogueManager.Handle: answer rejected", "field", field)
			return state, Turn{Reply: result.Message, Outcome: OutcomeRejected}
		}
		next.Data[field] = result.Value
		next.CurrentField = ""
		slog.Debug("DialogueManager.Handle: answer accepted", "field", field, "collected", len(next.Data))
	}

	// 2. Ask for the next missing field.
	if field, missing := next.NextMissing(); missing {
		next.CurrentField = field
		return next, Turn{Reply: m.prompt(field, services), Outcome: OutcomeCollecting}
	}

	// 3. Everything collected: show the summary once.
	if !next.Confirmed || sentinel {
		next.Confirmed = true
		return next, Turn{Reply: summary(next.Data), Outcome: OutcomeConfirming}
	}

	// 4. Final confirmation.
	if strings.Contains(strings.ToLower(utterance), "yes") {
		return m.finalize(ctx, state, next)
	}
	slog.Info("DialogueManager.Handle: booking cancelled by user")
	return models.NewBookingState(), Turn{
		Reply:   "❌ Booking cancelled. Let me know if there's anything else I can help with.",
		Outcome: OutcomeCancelled,
	}
}

// finalize persists the booking and sends the confirmation. On a storage
// failure the original state is returned so the user can retry.
func (m *DialogueManager) finalize(ctx context.Context, original, next models.BookingState) (models.BookingState, Turn) {
	if m.store == nil {
		err := fmt.Errorf("booking store: %w", models.ErrNotConfigured)
		slog.Error("DialogueManager.finalize: cannot persist booking", "error", err)
		return original, persistFailed(err)
	}

	data := next.Data.Clone()
	bookingID, err := m.store.SaveBooking(ctx, data)
	if err != nil {
		slog.Error("DialogueManager.finalize: failed to save booking", "error", err)
		return original, persistFailed(err)
	}
	slog.Info("DialogueManager.finalize: booking saved", "bookingID", bookingID, "service", data[models.FieldBookingType])

	email := data[models.FieldEmail]
	var notifyErr error
	if m.notifier == nil {
		notifyErr = fmt.Errorf("notifier: %w", models.ErrNotConfigured)
	} else {
		notifyErr = m.notifier.SendConfirmation(ctx, email, bookingID, data)
	}

	if notifyErr != nil {
		slog.Warn("DialogueManager.finalize: confirmation not fully delivered", "bookingID", bookingID, "error", notifyErr)
	}

	return models.NewBookingState(), Turn{
		Reply:     confirmationReply(bookingID, email, notifyErr),
		Outcome:   OutcomeFinalized,
		BookingID: bookingID,
		NotifyErr: notifyErr,
	}
}

func confirmationReply(bookingID int64, email string, notifyErr error) string {
	if EmailDelivered(notifyErr) {
		return fmt.Sprintf("✅ Booking #%d confirmed! A confirmation email has been sent to %s.", bookingID, email)
	}
	var de *DeliveryError
	if errors.As(notifyErr, &de) && len(de.Delivered) > 0 {
		return fmt.Sprintf("✅ Booking #%d confirmed! We couldn't send the confirmation email, but a confirmation was sent by %s.", bookingID, strings.Join(de.Delivered, " and "))
	}
	return fmt.Sprintf("✅ Booking #%d confirmed! We couldn't send the confirmation email, so please keep this booking number for your records.", bookingID)
}

// revalidate checks that stored values are still well formed. Dates are only
// checked for format since a collected date may fall into the past while the
// session is paused; booking_type follows whatever list was current when it
// was collected.
func (m *DialogueManager) revalidate(data models.BookingData) error {
	for field, value := range data {
		switch field {
		case models.FieldBookingType:
			continue
		case models.FieldDate:
			if _, err := time.Parse(DateLayout, value); err != nil {
				return fmt.Errorf("%w: stored date %q: %v", models.ErrProtocolViolation, value, err)
			}
			continue
		}
		if res := m.validator.Validate(field, value, nil); !res.Accepted || res.Value != value {
			return fmt.Errorf("%w: stored %s value does not validate", models.ErrProtocolViolation, field)
		}
	}
	return nil
}

func persistFailed(err error) Turn {
	return Turn{
		Reply:   "⚠️ Sorry, we couldn't save your booking right now. Your details are kept: reply **'yes'** to try again or anything else to cancel.",
		Outcome: OutcomePersistFailed,
		Err:     err,
	}
}

func (m *DialogueManager) prompt(field models.Field, services []string) string {
	switch field {
	case models.FieldBookingType:
		if len(services) > 0 {
			return fmt.Sprintf("What service would you like to book?\n(Options: %s)", strings.Join(services, ", "))
		}
		return "What service would you like to book?"
	case models.FieldDate:
		return "Please enter the **Date** (YYYY-MM-DD)."
	case models.FieldTime:
		return fmt.Sprintf("Please enter the **Time** (HH:MM or HH:MM AM/PM, between %s).", m.validator.Hours)
	}
	return fmt.Sprintf("Please provide your **%s**.", field.Label())
}

func summary(data models.BookingData) string {
	var b strings.Builder
	b.WriteString("Please confirm your booking details:\n\n")
	for _, f := range models.RequiredFields {
		fmt.Fprintf(&b, "- **%s**: %s\n", f.Label(), data[f])
	}
	b.WriteString("\nType **'yes'** to book, or anything else to cancel.")
	return b.String()
}
