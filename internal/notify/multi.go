package notify

import (
	"context"
	"errors"

	"github.com/BTreeMap/BookingPipe/internal/flow"
	"github.com/BTreeMap/BookingPipe/internal/models"
)

// Channel names reported in flow.DeliveryError.
const (
	ChannelEmail = "email"
	ChannelSMS   = "SMS"
)

// channeler is implemented by notifiers that name their delivery channel.
type channeler interface {
	Channel() string
}

func channelOf(n flow.Notifier) string {
	if c, ok := n.(channeler); ok {
		return c.Channel()
	}
	return "other"
}

var errNoEmailChannel = errors.New("no email channel delivered the confirmation")

// Multi sends a confirmation through every notifier. It returns nil only
// when every channel delivered and one of them was email; otherwise it
// returns a *flow.DeliveryError naming the channels that did deliver.
type Multi []flow.Notifier

// SendConfirmation implements flow.Notifier.
func (m Multi) SendConfirmation(ctx context.Context, email string, bookingID int64, data models.BookingData) error {
	if len(m) == 0 {
		return ErrNotConfigured
	}
	var errs []error
	var delivered []string
	emailSent := false
	for _, n := range m {
		ch := channelOf(n)
		if err := n.SendConfirmation(ctx, email, bookingID, data); err != nil {
			errs = append(errs, err)
			continue
		}
		delivered = append(delivered, ch)
		if ch == ChannelEmail {
			emailSent = true
		}
	}
	if len(errs) == 0 && emailSent {
		return nil
	}
	if !emailSent && len(errs) == 0 {
		errs = append(errs, errNoEmailChannel)
	}
	return &flow.DeliveryError{EmailSent: emailSent, Delivered: delivered, Err: errors.Join(errs...)}
}

// Nop is the notifier used when no channel is configured.
type Nop struct{}

// SendConfirmation always returns ErrNotConfigured.
func (Nop) SendConfirmation(ctx context.Context, email string, bookingID int64, data models.BookingData) error {
	return ErrNotConfigured
}
