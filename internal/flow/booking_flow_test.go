package flow

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

type mockBookingStore struct {
	saved []models.BookingData
	err   error
}

func (m *mockBookingStore) SaveBooking(ctx context.Context, data models.BookingData) (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	m.saved = append(m.saved, data)
	return int64(len(m.saved)), nil
}

type mockNotifier struct {
	calls []int64
	email string
	err   error
}

func (m *mockNotifier) SendConfirmation(ctx context.Context, email string, bookingID int64, data models.BookingData) error {
	m.calls = append(m.calls, bookingID)
	m.email = email
	return m.err
}

var answers = []string{"Alice", "alice@example.com", "1234567890", "Deluxe Room", "2099-01-01", "10:00 AM"}

// collect drives a fresh dialogue through every field and returns the confirming state.
func collect(t *testing.T, dm *DialogueManager, services []string) models.BookingState {
	t.Helper()
	ctx := context.Background()
	state, turn := dm.Handle(ctx, models.NewBookingState(), StartFlow, services)
	if turn.Outcome != OutcomeCollecting {
		t.Fatalf("expected collecting after StartFlow, got %s", turn.Outcome)
	}
	for i, a := range answers {
		state, turn = dm.Handle(ctx, state, a, services)
		if i < len(answers)-1 && turn.Outcome != OutcomeCollecting {
			t.Fatalf("answer %q: expected collecting, got %s (%q)", a, turn.Outcome, turn.Reply)
		}
	}
	if turn.Outcome != OutcomeConfirming {
		t.Fatalf("expected confirming after last answer, got %s (%q)", turn.Outcome, turn.Reply)
	}
	return state
}

func TestDialogueManager_StartFlowPromptsFirstField(t *testing.T) {
	dm := NewDialogueManager(newTestValidator(), &mockBookingStore{}, &mockNotifier{})
	state, turn := dm.Handle(context.Background(), models.NewBookingState(), StartFlow, nil)

	if !state.Active || state.CurrentField != models.FieldName {
		t.Fatalf("unexpected state %+v", state)
	}
	if len(state.Data) != 0 {
		t.Errorf("sentinel must not be stored, got %+v", state.Data)
	}
	if turn.Reply != "Please provide your **Name**." {
		t.Errorf("unexpected prompt %q", turn.Reply)
	}
}

func TestDialogueManager_OneFieldPerTurn(t *testing.T) {
	dm := NewDialogueManager(newTestValidator(), &mockBookingStore{}, &mockNotifier{})
	ctx := context.Background()
	state, _ := dm.Handle(ctx, models.NewBookingState(), StartFlow, nil)
	state, turn := dm.Handle(ctx, state, "Alice", nil)

	if len(state.Data) != 1 || state.Data[models.FieldName] != "Alice" {
		t.Fatalf("unexpected data %+v", state.Data)
	}
	if state.CurrentField != models.FieldEmail {
		t.Errorf("expected email to be next, got %q", state.CurrentField)
	}
	if turn.Reply != "Please provide your **Email**." {
		t.Errorf("unexpected prompt %q", turn.Reply)
	}
}

func TestDialogueManager_RejectionKeepsState(t *testing.T) {
	dm := NewDialogueManager(newTestValidator(), &mockBookingStore{}, &mockNotifier{})
	ctx := context.Background()
	state, _ := dm.Handle(ctx, models.NewBookingState(), StartFlow, nil)
	state, _ = dm.Handle(ctx, state, "Alice", nil)

	before := state.Clone()
	after, turn := dm.Handle(ctx, state, "not-an-email", nil)
	if turn.Outcome != OutcomeRejected {
		t.Fatalf("expected rejection, got %s", turn.Outcome)
	}
	if !reflect.DeepEqual(before, after) {
		t.Errorf("state changed on rejection: before %+v after %+v", before, after)
	}
	if !strings.Contains(turn.Reply, "Invalid email format") {
		t.Errorf("unexpected rejection text %q", turn.Reply)
	}
}

func TestDialogueManager_PromptsWithServices(t *testing.T) {
	dm := NewDialogueManager(newTestValidator(), &mockBookingStore{}, &mockNotifier{})
	ctx := context.Background()
	state, _ := dm.Handle(ctx, models.NewBookingState(), StartFlow, testServices)
	for _, a := range answers[:3] {
		state, _ = dm.Handle(ctx, state, a, testServices)
	}
	if state.CurrentField != models.FieldBookingType {
		t.Fatalf("expected booking_type, got %q", state.CurrentField)
	}

	state, turn := dm.Handle(ctx, state, "suite", testServices)
	if turn.Outcome != OutcomeRejected || !strings.Contains(turn.Reply, "Deluxe Room") || !strings.Contains(turn.Reply, "Standard Room") {
		t.Fatalf("expected rejection listing services, got %s %q", turn.Outcome, turn.Reply)
	}
	state, turn = dm.Handle(ctx, state, "deluxe", testServices)
	if state.Data[models.FieldBookingType] != "Deluxe Room" {
		t.Errorf("expected canonical service, got %q", state.Data[models.FieldBookingType])
	}
	if !strings.Contains(turn.Reply, "YYYY-MM-DD") {
		t.Errorf("expected date prompt, got %q", turn.Reply)
	}
}

func TestDialogueManager_SummaryOrder(t *testing.T) {
	dm := NewDialogueManager(newTestValidator(), &mockBookingStore{}, &mockNotifier{})
	ctx := context.Background()
	state := collect(t, dm, nil)
	if !state.Confirmed || state.CurrentField != "" {
		t.Fatalf("unexpected confirming state %+v", state)
	}

	_, turn := dm.Handle(ctx, state, StartFlow, nil)
	if turn.Outcome != OutcomeConfirming {
		t.Fatalf("sentinel while confirmed should re-show summary, got %s", turn.Outcome)
	}
	last := -1
	for _, f := range models.RequiredFields {
		idx := strings.Index(turn.Reply, "**"+f.Label()+"**")
		if idx <= last {
			t.Fatalf("field %s out of order in summary %q", f, turn.Reply)
		}
		last = idx
	}
}

func TestDialogueManager_Finalize(t *testing.T) {
	st := &mockBookingStore{}
	n := &mockNotifier{}
	dm := NewDialogueManager(newTestValidator(), st, n)
	state := collect(t, dm, nil)

	next, turn := dm.Handle(context.Background(), state, "Yes please", nil)
	if turn.Outcome != OutcomeFinalized || turn.BookingID != 1 {
		t.Fatalf("unexpected turn %+v", turn)
	}
	if turn.NotifyErr != nil {
		t.Errorf("unexpected notify error %v", turn.NotifyErr)
	}
	if !next.IsIdle() || next.Data == nil {
		t.Errorf("state not reset: %+v", next)
	}
	if len(st.saved) != 1 {
		t.Fatalf("expected one saved booking, got %d", len(st.saved))
	}
	for i, f := range models.RequiredFields {
		if st.saved[0][f] != answers[i] {
			t.Errorf("saved %s = %q, want %q", f, st.saved[0][f], answers[i])
		}
	}
	if len(n.calls) != 1 || n.email != "alice@example.com" {
		t.Errorf("unexpected notifier calls %+v to %q", n.calls, n.email)
	}
	if !strings.Contains(turn.Reply, "#1") {
		t.Errorf("reply %q does not mention booking id", turn.Reply)
	}
}

func TestDialogueManager_Cancel(t *testing.T) {
	st := &mockBookingStore{}
	n := &mockNotifier{}
	dm := NewDialogueManager(newTestValidator(), st, n)
	state := collect(t, dm, nil)

	next, turn := dm.Handle(context.Background(), state, "actually no", nil)
	if turn.Outcome != OutcomeCancelled {
		t.Fatalf("expected cancel, got %s", turn.Outcome)
	}
	if !next.IsIdle() {
		t.Errorf("state not reset: %+v", next)
	}
	if len(st.saved) != 0 || len(n.calls) != 0 {
		t.Error("cancel must not touch storage or notifier")
	}
}

func TestDialogueManager_PersistFailureKeepsState(t *testing.T) {
	st := &mockBookingStore{err: errors.New("db down")}
	n := &mockNotifier{}
	dm := NewDialogueManager(newTestValidator(), st, n)
	state := collect(t, dm, nil)

	next, turn := dm.Handle(context.Background(), state, "yes", nil)
	if turn.Outcome != OutcomePersistFailed || turn.Err == nil {
		t.Fatalf("expected persist failure, got %+v", turn)
	}
	if !reflect.DeepEqual(next, state) {
		t.Errorf("state must be kept for retry: %+v", next)
	}
	if len(n.calls) != 0 {
		t.Error("notifier must not run when storage fails")
	}

	st.err = nil
	next, turn = dm.Handle(context.Background(), next, "yes", nil)
	if turn.Outcome != OutcomeFinalized || len(st.saved) != 1 || !next.IsIdle() {
		t.Errorf("retry failed: %+v, saved %d", turn, len(st.saved))
	}
}

func TestDialogueManager_NotifierFailureStillFinalizes(t *testing.T) {
	st := &mockBookingStore{}
	dm := NewDialogueManager(newTestValidator(), st, &mockNotifier{err: errors.New("smtp refused")})
	state := collect(t, dm, nil)

	next, turn := dm.Handle(context.Background(), state, "YES", nil)
	if turn.Outcome != OutcomeFinalized || turn.NotifyErr == nil {
		t.Fatalf("unexpected turn %+v", turn)
	}
	if !strings.Contains(turn.Reply, "couldn't send") {
		t.Errorf("reply %q should mention email failure", turn.Reply)
	}
	if !next.IsIdle() || len(st.saved) != 1 {
		t.Errorf("booking should still finalize: %+v", next)
	}
}

func TestDialogueManager_PartialDeliveryReply(t *testing.T) {
	smtpDown := errors.New("smtp down")
	tests := []struct {
		name     string
		err      error
		contains string
		excludes string
	}{
		{
			name:     "email failed, SMS delivered",
			err:      &DeliveryError{Delivered: []string{"SMS"}, Err: smtpDown},
			contains: "couldn't send the confirmation email, but a confirmation was sent by SMS",
			excludes: "has been sent to",
		},
		{
			name:     "email delivered, SMS failed",
			err:      &DeliveryError{EmailSent: true, Delivered: []string{"email"}, Err: errors.New("twilio down")},
			contains: "A confirmation email has been sent to alice@example.com",
		},
		{
			name:     "nothing delivered",
			err:      &DeliveryError{Err: smtpDown},
			contains: "keep this booking number",
			excludes: "has been sent to",
		},
	}
	for _, tt := range tests {
		dm := NewDialogueManager(newTestValidator(), &mockBookingStore{}, &mockNotifier{err: tt.err})
		state := collect(t, dm, nil)
		_, turn := dm.Handle(context.Background(), state, "yes", nil)
		if turn.Outcome != OutcomeFinalized || turn.NotifyErr == nil {
			t.Fatalf("%s: unexpected turn %+v", tt.name, turn)
		}
		if !strings.Contains(turn.Reply, tt.contains) {
			t.Errorf("%s: reply %q should contain %q", tt.name, turn.Reply, tt.contains)
		}
		if tt.excludes != "" && strings.Contains(turn.Reply, tt.excludes) {
			t.Errorf("%s: reply %q should not contain %q", tt.name, turn.Reply, tt.excludes)
		}
	}
}

func TestEmailDelivered(t *testing.T) {
	if !EmailDelivered(nil) {
		t.Error("nil error means the email went out")
	}
	if EmailDelivered(errors.New("smtp refused")) {
		t.Error("a plain error means the email failed")
	}
	wrapped := fmt.Errorf("notify: %w", &DeliveryError{EmailSent: true, Err: errors.New("twilio down")})
	if !EmailDelivered(wrapped) {
		t.Error("a wrapped DeliveryError with EmailSent should report delivery")
	}
}

func TestDialogueManager_NilNotifier(t *testing.T) {
	dm := NewDialogueManager(newTestValidator(), &mockBookingStore{}, nil)
	state := collect(t, dm, nil)
	_, turn := dm.Handle(context.Background(), state, "yes", nil)
	if turn.Outcome != OutcomeFinalized || !errors.Is(turn.NotifyErr, models.ErrNotConfigured) {
		t.Errorf("unexpected turn %+v", turn)
	}
}

func TestDialogueManager_ProtocolViolation(t *testing.T) {
	dm := NewDialogueManager(newTestValidator(), &mockBookingStore{}, &mockNotifier{})

	bad := []models.BookingState{
		{Active: true, Data: models.BookingData{models.FieldName: "Alice"}, Confirmed: true},
		{Active: true, Data: models.BookingData{"nickname": "Al"}},
		{Active: true, Data: models.BookingData{models.FieldName: "Alice"}, CurrentField: models.FieldName},
		{Active: false, Data: models.BookingData{models.FieldName: "Alice"}},
		{Active: true, Data: models.BookingData{models.FieldEmail: "nope"}, CurrentField: models.FieldName},
	}
	for i, state := range bad {
		next, turn := dm.Handle(context.Background(), state, "yes", nil)
		if turn.Outcome != OutcomeProtocolReset {
			t.Errorf("case %d: expected protocol reset, got %s", i, turn.Outcome)
		}
		if !errors.Is(turn.Err, models.ErrProtocolViolation) {
			t.Errorf("case %d: expected ErrProtocolViolation, got %v", i, turn.Err)
		}
		if !next.IsIdle() {
			t.Errorf("case %d: state not reset: %+v", i, next)
		}
		if turn.Reply == "" {
			t.Errorf("case %d: empty reply", i)
		}
	}
}
