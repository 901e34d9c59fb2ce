// Package notify delivers booking confirmations over email and SMS.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"os"
	"strings"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

// Default SMTP endpoint, matching Gmail's STARTTLS submission port.
const (
	DefaultSMTPHost = "smtp.gmail.com"
	DefaultSMTPPort = "587"
)

// ErrNotConfigured is returned by notifiers that lack credentials.
var ErrNotConfigured = fmt.Errorf("notifier: %w", models.ErrNotConfigured)

// sendFunc has the signature of smtp.SendMail.
type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailOpts holds configuration for the email notifier.
type EmailOpts struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

// EmailOption defines a function for configuring EmailOpts.
type EmailOption func(*EmailOpts)

// WithSMTPServer sets the SMTP host and port.
func WithSMTPServer(host, port string) EmailOption {
	return func(o *EmailOpts) {
		o.Host = host
		o.Port = port
	}
}

// WithCredentials sets the SMTP login.
func WithCredentials(username, password string) EmailOption {
	return func(o *EmailOpts) {
		o.Username = username
		o.Password = password
	}
}

// WithFrom sets the From address. It defaults to the SMTP username.
func WithFrom(from string) EmailOption {
	return func(o *EmailOpts) {
		o.From = from
	}
}

// EmailNotifier sends plain-text confirmation emails.
type EmailNotifier struct {
	addr   string
	sender string
	auth   smtp.Auth
	send   sendFunc
}

// NewEmailNotifier creates an EmailNotifier. Unset options fall back to
// SMTP_USERNAME, SMTP_PASSWORD and SMTP_FROM.
func NewEmailNotifier(opts ...EmailOption) (*EmailNotifier, error) {
	var cfg EmailOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Host == "" {
		cfg.Host = DefaultSMTPHost
	}
	if cfg.Port == "" {
		cfg.Port = DefaultSMTPPort
	}
	if cfg.Username == "" {
		cfg.Username = os.Getenv("SMTP_USERNAME")
	}
	if cfg.Password == "" {
		cfg.Password = os.Getenv("SMTP_PASSWORD")
	}
	if cfg.From == "" {
		cfg.From = os.Getenv("SMTP_FROM")
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	if cfg.Username == "" || cfg.Password == "" {
		return nil, fmt.Errorf("smtp username and password must be provided: %w", ErrNotConfigured)
	}
	slog.Debug("EmailNotifier config loaded", "host", cfg.Host, "port", cfg.Port, "from", cfg.From)
	return &EmailNotifier{
		addr:   net.JoinHostPort(cfg.Host, cfg.Port),
		sender: cfg.From,
		auth:   smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host),
		send:   smtp.SendMail,
	}, nil
}

// Channel returns ChannelEmail.
func (n *EmailNotifier) Channel() string { return ChannelEmail }

// SendConfirmation implements flow.Notifier.
func (n *EmailNotifier) SendConfirmation(ctx context.Context, email string, bookingID int64, data models.BookingData) error {
	if email == "" {
		return fmt.Errorf("no recipient address for booking %d", bookingID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := ComposeEmail(n.sender, email, bookingID, data)
	// smtp.SendMail upgrades the connection with STARTTLS when offered.
	if err := n.send(n.addr, n.auth, n.sender, []string{email}, msg); err != nil {
		slog.Error("EmailNotifier.SendConfirmation: send failed", "bookingID", bookingID, "to", email, "error", err)
		return fmt.Errorf("failed to send confirmation email to %s: %w", email, err)
	}
	slog.Info("EmailNotifier.SendConfirmation: email sent", "bookingID", bookingID, "to", email)
	return nil
}

// ComposeEmail renders the RFC 5322 message for a confirmed booking.
func ComposeEmail(from, to string, bookingID int64, data models.BookingData) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: Booking Confirmation #%d\r\n", bookingID)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	fmt.Fprintf(&b, "Hello %s,\r\n\r\n", data[models.FieldName])
	fmt.Fprintf(&b, "Your booking for '%s' is confirmed!\r\n\r\n", data[models.FieldBookingType])
	fmt.Fprintf(&b, "Date: %s\r\n", data[models.FieldDate])
	fmt.Fprintf(&b, "Time: %s\r\n\r\n", data[models.FieldTime])
	b.WriteString("Thank you for choosing us.\r\n")
	return []byte(b.String())
}
