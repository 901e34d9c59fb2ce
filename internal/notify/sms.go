package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

// messageCreator is the subset of the Twilio REST API the SMS notifier uses.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// SMSOpts holds configuration for the Twilio SMS notifier.
type SMSOpts struct {
	AccountSID string
	AuthToken  string
	From       string
}

// SMSOption defines a function for configuring SMSOpts.
type SMSOption func(*SMSOpts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) SMSOption {
	return func(o *SMSOpts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) SMSOption {
	return func(o *SMSOpts) { o.AuthToken = token }
}

// WithFromNumber sets the sending phone number.
func WithFromNumber(from string) SMSOption {
	return func(o *SMSOpts) { o.From = from }
}

// SMSNotifier texts a short confirmation to the phone number on the booking.
type SMSNotifier struct {
	api  messageCreator
	from string
}

// NewSMSNotifier creates an SMSNotifier, falling back to TWILIO_ACCOUNT_SID,
// TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER for unset options.
func NewSMSNotifier(opts ...SMSOption) (*SMSNotifier, error) {
	var cfg SMSOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.From == "" {
		cfg.From = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("SMSNotifier config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"From_set", cfg.From != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.From == "" {
		return nil, fmt.Errorf("twilio account SID, auth token and from number must be provided: %w", ErrNotConfigured)
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &SMSNotifier{api: client.Api, from: cfg.From}, nil
}

func (n *SMSNotifier) Channel() string { return ChannelSMS }

// SendConfirmation implements flow.Notifier. The email argument is unused.
func (n *SMSNotifier) SendConfirmation(ctx context.Context, email string, bookingID int64, data models.BookingData) error {
	to := data[models.FieldPhone]
	if to == "" {
		return fmt.Errorf("no phone number for booking %d", bookingID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(n.from)
	params.SetBody(ComposeSMS(bookingID, data))

	if _, err := n.api.CreateMessage(params); err != nil {
		slog.Error("SMSNotifier.SendConfirmation: send failed", "bookingID", bookingID, "to", to, "error", err)
		return fmt.Errorf("failed to send confirmation SMS to %s: %w", to, err)
	}
	slog.Info("SMSNotifier.SendConfirmation: SMS sent", "bookingID", bookingID, "to", to)
	return nil
}

// ComposeSMS renders the text message body for a confirmed booking.
func ComposeSMS(bookingID int64, data models.BookingData) string {
	return fmt.Sprintf("Booking #%d confirmed: %s on %s at %s. Thank you for choosing us.",
		bookingID, data[models.FieldBookingType], data[models.FieldDate], data[models.FieldTime])
}
