package notify

import (
	"context"
	"errors"
	"net/smtp"
	"reflect"
	"strings"
	"testing"
	"time"

	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BTreeMap/BookingPipe/internal/flow"
	"github.com/BTreeMap/BookingPipe/internal/models"
	"github.com/BTreeMap/BookingPipe/internal/store"
)

var booking = models.BookingData{
	models.FieldName:        "Ana Silva",
	models.FieldEmail:       "ana@example.com",
	models.FieldPhone:       "+351912345678",
	models.FieldBookingType: "Deluxe Room",
	models.FieldDate:        "2030-02-01",
	models.FieldTime:        "14:30",
}

func TestNewEmailNotifier_NotConfigured(t *testing.T) {
	t.Setenv("SMTP_USERNAME", "")
	t.Setenv("SMTP_PASSWORD", "")
	if _, err := NewEmailNotifier(); !errors.Is(err, models.ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
}

func TestNewEmailNotifier_EnvFallback(t *testing.T) {
	t.Setenv("SMTP_USERNAME", "desk@example.com")
	t.Setenv("SMTP_PASSWORD", "secret")
	t.Setenv("SMTP_FROM", "")
	n, err := NewEmailNotifier(WithSMTPServer("mail.example.com", "2525"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.addr != "mail.example.com:2525" || n.sender != "desk@example.com" {
		t.Errorf("unexpected notifier %+v", n)
	}
}

func TestEmailNotifier_SendConfirmation(t *testing.T) {
	t.Setenv("SMTP_FROM", "")
	n, err := NewEmailNotifier(WithCredentials("desk@example.com", "secret"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	n.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		return nil
	}

	if err := n.SendConfirmation(context.Background(), "ana@example.com", 42, booking); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAddr != "smtp.gmail.com:587" || gotFrom != "desk@example.com" {
		t.Errorf("unexpected envelope %q %q", gotAddr, gotFrom)
	}
	if len(gotTo) != 1 || gotTo[0] != "ana@example.com" {
		t.Errorf("unexpected recipients %v", gotTo)
	}
	msg := string(gotMsg)
	for _, want := range []string{
		"Subject: Booking Confirmation #42\r\n",
		"Hello Ana Silva,",
		"Your booking for 'Deluxe Room' is confirmed!",
		"Date: 2030-02-01",
		"Time: 14:30",
		"Thank you for choosing us.",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
}

func TestEmailNotifier_SendFailure(t *testing.T) {
	n, _ := NewEmailNotifier(WithCredentials("desk@example.com", "secret"))
	n.send = func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("535 authentication failed")
	}
	err := n.SendConfirmation(context.Background(), "ana@example.com", 1, booking)
	if err == nil || !strings.Contains(err.Error(), "535") {
		t.Errorf("expected wrapped send error, got %v", err)
	}
	if err := n.SendConfirmation(context.Background(), "", 1, booking); err == nil {
		t.Error("expected error for empty recipient")
	}
}

type mockMessages struct {
	params []*twilioApi.CreateMessageParams
	err    error
}

func (m *mockMessages) CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	m.params = append(m.params, params)
	if m.err != nil {
		return nil, m.err
	}
	return &twilioApi.ApiV2010Message{}, nil
}

func TestNewSMSNotifier_NotConfigured(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")
	if _, err := NewSMSNotifier(WithAccountSID("AC123"), WithAuthToken("tok")); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
}

func TestSMSNotifier_SendConfirmation(t *testing.T) {
	api := &mockMessages{}
	n := &SMSNotifier{api: api, from: "+15550001111"}
	if err := n.SendConfirmation(context.Background(), "ana@example.com", 7, booking); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(api.params) != 1 {
		t.Fatalf("expected one message, got %d", len(api.params))
	}
	p := api.params[0]
	if *p.To != "+351912345678" || *p.From != "+15550001111" {
		t.Errorf("unexpected addressing to=%s from=%s", *p.To, *p.From)
	}
	if !strings.Contains(*p.Body, "Booking #7 confirmed") || !strings.Contains(*p.Body, "Deluxe Room") {
		t.Errorf("unexpected body %q", *p.Body)
	}
}

func TestSMSNotifier_Errors(t *testing.T) {
	n := &SMSNotifier{api: &mockMessages{err: errors.New("invalid number")}, from: "+1555"}
	if err := n.SendConfirmation(context.Background(), "", 7, booking); err == nil || !strings.Contains(err.Error(), "invalid number") {
		t.Errorf("expected wrapped API error, got %v", err)
	}
	noPhone := booking.Clone()
	delete(noPhone, models.FieldPhone)
	if err := n.SendConfirmation(context.Background(), "", 7, noPhone); err == nil {
		t.Error("expected error without a phone number")
	}
}

type stubNotifier struct {
	channel string
	err     error
	calls   int
}

func (s *stubNotifier) Channel() string { return s.channel }

func (s *stubNotifier) SendConfirmation(ctx context.Context, email string, bookingID int64, data models.BookingData) error {
	s.calls++
	return s.err
}

func TestMulti(t *testing.T) {
	ctx := context.Background()

	email := &stubNotifier{channel: ChannelEmail}
	sms := &stubNotifier{channel: ChannelSMS}
	if err := (Multi{email, sms}).SendConfirmation(ctx, "a@b.co", 1, booking); err != nil {
		t.Errorf("expected success when every channel delivers, got %v", err)
	}
	if email.calls != 1 || sms.calls != 1 {
		t.Errorf("every channel should be tried, got %d and %d", email.calls, sms.calls)
	}

	if err := (Multi{}).SendConfirmation(ctx, "a@b.co", 1, booking); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured for empty Multi, got %v", err)
	}
}

func TestMulti_PartialDelivery(t *testing.T) {
	ctx := context.Background()
	smtpDown := errors.New("smtp down")
	twilioDown := errors.New("twilio down")

	tests := []struct {
		name      string
		channels  Multi
		emailSent bool
		delivered []string
		wantErr   error
	}{
		{
			name:      "email fails, SMS delivers",
			channels:  Multi{&stubNotifier{channel: ChannelEmail, err: smtpDown}, &stubNotifier{channel: ChannelSMS}},
			delivered: []string{ChannelSMS},
			wantErr:   smtpDown,
		},
		{
			name:      "SMS fails, email delivers",
			channels:  Multi{&stubNotifier{channel: ChannelEmail}, &stubNotifier{channel: ChannelSMS, err: twilioDown}},
			emailSent: true,
			delivered: []string{ChannelEmail},
			wantErr:   twilioDown,
		},
		{
			name:     "all fail",
			channels: Multi{&stubNotifier{channel: ChannelEmail, err: smtpDown}, &stubNotifier{channel: ChannelSMS, err: twilioDown}},
			wantErr:  twilioDown,
		},
		{
			name:      "SMS only",
			channels:  Multi{&stubNotifier{channel: ChannelSMS}},
			delivered: []string{ChannelSMS},
			wantErr:   errNoEmailChannel,
		},
	}
	for _, tt := range tests {
		err := tt.channels.SendConfirmation(ctx, "a@b.co", 1, booking)
		var de *flow.DeliveryError
		if !errors.As(err, &de) {
			t.Errorf("%s: expected *flow.DeliveryError, got %v", tt.name, err)
			continue
		}
		if de.EmailSent != tt.emailSent || !reflect.DeepEqual(de.Delivered, tt.delivered) {
			t.Errorf("%s: unexpected delivery %+v", tt.name, de)
		}
		if !errors.Is(err, tt.wantErr) {
			t.Errorf("%s: expected %v to be wrapped, got %v", tt.name, tt.wantErr, err)
		}
		if flow.EmailDelivered(err) != tt.emailSent {
			t.Errorf("%s: EmailDelivered = %v", tt.name, !tt.emailSent)
		}
	}
}

func TestMulti_FinalizeReplyReportsFailedEmail(t *testing.T) {
	ctx := context.Background()
	v := flow.NewValidator(flow.DefaultBusinessHours, time.UTC)
	v.Now = func() time.Time { return time.Date(2030, 1, 15, 12, 0, 0, 0, time.UTC) }
	channels := Multi{
		&stubNotifier{channel: ChannelEmail, err: errors.New("smtp down")},
		&stubNotifier{channel: ChannelSMS},
	}
	dm := flow.NewDialogueManager(v, store.NewInMemoryStore(), channels)

	state, _ := dm.Handle(ctx, models.NewBookingState(), flow.StartFlow, nil)
	for _, answer := range []string{"Ana Silva", "ana@example.com", "+351912345678", "Deluxe Room", "2030-02-01", "2:30 PM"} {
		state, _ = dm.Handle(ctx, state, answer, nil)
	}
	_, turn := dm.Handle(ctx, state, "yes", nil)
	if turn.Outcome != flow.OutcomeFinalized {
		t.Fatalf("expected finalized, got %+v", turn)
	}
	if strings.Contains(turn.Reply, "has been sent to") || !strings.Contains(turn.Reply, "sent by SMS") {
		t.Errorf("reply should report the failed email and the SMS, got %q", turn.Reply)
	}
	if flow.EmailDelivered(turn.NotifyErr) {
		t.Errorf("expected email failure in %v", turn.NotifyErr)
	}
}

func TestNop(t *testing.T) {
	var n flow.Notifier = Nop{}
	if err := n.SendConfirmation(context.Background(), "a@b.co", 1, booking); !errors.Is(err, models.ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
}
