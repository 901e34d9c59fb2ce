// Package twiliowhatsapp answers WhatsApp and SMS messages that Twilio
// delivers to BookingPipe by webhook.
//
// Each inbound message is verified against the X-Twilio-Signature header and
// answered inline with a TwiML <Message>, so no outbound API call is needed.
package twiliowhatsapp

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	twilioClient "github.com/twilio/twilio-go/client"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

const (
	// SignatureHeader carries Twilio's request signature.
	SignatureHeader = "X-Twilio-Signature"
	// SessionPrefix namespaces Twilio conversations, e.g. "tw:whatsapp:+15551234567".
	SessionPrefix = "tw:"
	maxFormBytes  = 64 << 10
	apologyText   = "⚠️ Sorry, something went wrong on our side. Please try again in a moment."
)

// ErrNotConfigured is returned when no auth token is available.
var ErrNotConfigured = fmt.Errorf("twilio webhook: %w", models.ErrNotConfigured)

// MessageHandler answers one inbound message for a session.
type MessageHandler interface {
	HandleMessage(ctx context.Context, sessionID, text string) (models.ChatReply, error)
}

// Opts holds configuration for the webhook.
type Opts struct {
	AuthToken string
	PublicURL string // scheme and host Twilio calls, e.g. https://book.example.com
}

// Option defines a configuration option for the webhook.
type Option func(*Opts)

// WithAuthToken sets the token used to verify request signatures.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithPublicURL sets the externally visible base URL. Without it the URL is
// rebuilt from the request and X-Forwarded-Proto.
func WithPublicURL(base string) Option {
	return func(o *Opts) { o.PublicURL = strings.TrimRight(base, "/") }
}

// Webhook is an http.Handler for Twilio's incoming message callback.
type Webhook struct {
	handler   MessageHandler
	validator twilioClient.RequestValidator
	publicURL string
}

// NewWebhook creates a Webhook, falling back to TWILIO_AUTH_TOKEN.
func NewWebhook(handler MessageHandler, opts ...Option) (*Webhook, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.AuthToken == "" {
		return nil, ErrNotConfigured
	}
	slog.Debug("Webhook.NewWebhook: twilio webhook configured", "publicURL", cfg.PublicURL)
	return &Webhook{
		handler:   handler,
		validator: twilioClient.NewRequestValidator(cfg.AuthToken),
		publicURL: cfg.PublicURL,
	}, nil
}

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Message *string  `xml:"Message,omitempty"`
}

func (w *Webhook) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(rw, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		slog.Warn("Webhook.ServeHTTP: invalid form", "error", err)
		http.Error(rw, "invalid form", http.StatusBadRequest)
		return
	}
	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}

	if !w.validator.Validate(w.requestURL(r), params, r.Header.Get(SignatureHeader)) {
		slog.Warn("Webhook.ServeHTTP: signature mismatch", "remote", r.RemoteAddr)
		http.Error(rw, "invalid signature", http.StatusForbidden)
		return
	}

	from := strings.TrimSpace(params["From"])
	if from == "" {
		http.Error(rw, "missing From", http.StatusBadRequest)
		return
	}
	body := strings.TrimSpace(params["Body"])
	if body == "" {
		slog.Debug("Webhook.ServeHTTP: ignoring message without text", "from", from)
		writeTwiML(rw, "")
		return
	}

	reply, err := w.handler.HandleMessage(r.Context(), SessionPrefix+from, body)
	if err != nil {
		slog.Error("Webhook.ServeHTTP: failed to handle message", "from", from, "error", err)
		writeTwiML(rw, apologyText)
		return
	}
	slog.Debug("Webhook.ServeHTTP: replying", "from", from, "action", reply.Action)
	writeTwiML(rw, reply.Reply)
}

// requestURL is the URL Twilio signed: the public URL it was configured
// with, including the query string.
func (w *Webhook) requestURL(r *http.Request) string {
	if w.publicURL != "" {
		return w.publicURL + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.TrimSpace(strings.Split(proto, ",")[0])
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func writeTwiML(rw http.ResponseWriter, text string) {
	var resp twimlResponse
	if text != "" {
		resp.Message = &text
	}
	out, err := xml.Marshal(resp)
	if err != nil {
		slog.Error("writeTwiML: failed to encode TwiML", "error", err)
		http.Error(rw, "internal error", http.StatusInternalServerError)
		return
	}
	rw.Header().Set("Content-Type", "text/xml; charset=utf-8")
	rw.WriteHeader(http.StatusOK)
	rw.Write([]byte(xml.Header))
	rw.Write(out)
}
