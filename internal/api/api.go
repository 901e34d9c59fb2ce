// Package api provides the HTTP server for BookingPipe.
//
// It exposes the chat endpoint, per-session document upload and inspection,
// and a password protected bookings listing for administrators.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/BTreeMap/BookingPipe/internal/docindex"
	"github.com/BTreeMap/BookingPipe/internal/flow"
	"github.com/BTreeMap/BookingPipe/internal/models"
)

// Server defaults
const (
	DefaultAddr              = ":8080"
	DefaultShutdownTimeout   = 10 * time.Second
	DefaultReadHeaderTimeout = 10 * time.Second
	// MaxUploadSize bounds a document upload.
	MaxUploadSize = 20 << 20
	// DefaultChatRate and DefaultChatBurst limit POST /chat per client IP.
	DefaultChatRate  = rate.Limit(5)
	DefaultChatBurst = 10
)

// ChatHandler is the conversation host the server fronts.
type ChatHandler interface {
	HandleMessage(ctx context.Context, sessionID, text string) (models.ChatReply, error)
	AttachDocument(ctx context.Context, sessionID, docID string, doc flow.Document) error
	Session(ctx context.Context, sessionID string) (*models.Session, error)
	ResetSession(ctx context.Context, sessionID string) error
}

// BookingLister reads finalized bookings.
type BookingLister interface {
	ListBookings(ctx context.Context) ([]models.BookingSummary, error)
}

// IngestFunc turns an uploaded PDF into a document index.
type IngestFunc func(ctx context.Context, data []byte) (*docindex.Index, error)

// Opts holds configuration for the API server.
type Opts struct {
	Addr          string
	AdminPassword string
	ChatRate      rate.Limit
	ChatBurst     int
	TwilioWebhook http.Handler
}

// Option defines a function for configuring Opts.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithAdminPassword enables GET /admin/bookings.
func WithAdminPassword(password string) Option {
	return func(o *Opts) {
		o.AdminPassword = password
	}
}

// WithChatRateLimit sets the per-IP request rate for POST /chat. A zero
// rate disables limiting.
func WithChatRateLimit(r rate.Limit, burst int) Option {
	return func(o *Opts) {
		o.ChatRate = r
		o.ChatBurst = burst
	}
}

// WithTwilioWebhook mounts h at POST /twilio/messages.
func WithTwilioWebhook(h http.Handler) Option {
	return func(o *Opts) {
		o.TwilioWebhook = h
	}
}

// Server serves the BookingPipe HTTP API.
type Server struct {
	chat          ChatHandler
	bookings      BookingLister
	ingest        IngestFunc
	addr          string
	adminPassword string
	limiter       *ipLimiter
	twilio        http.Handler
}

// NewServer creates a Server. A nil ingest disables document upload.
func NewServer(chat ChatHandler, bookings BookingLister, ingest IngestFunc, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, ChatRate: DefaultChatRate, ChatBurst: DefaultChatBurst}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{
		chat:          chat,
		bookings:      bookings,
		ingest:        ingest,
		addr:          cfg.Addr,
		adminPassword: cfg.AdminPassword,
		twilio:        cfg.TwilioWebhook,
	}
	if cfg.ChatRate > 0 {
		s.limiter = newIPLimiter(cfg.ChatRate, cfg.ChatBurst)
	}
	slog.Debug("Server.NewServer: configured", "addr", s.addr, "adminEnabled", s.adminPassword != "", "uploadEnabled", ingest != nil, "chatRate", cfg.ChatRate, "twilioEnabled", s.twilio != nil)
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.Handle("POST /chat", s.rateLimited(http.HandlerFunc(s.chatHandler)))
	mux.HandleFunc("POST /sessions/{id}/document", s.uploadDocumentHandler)
	mux.HandleFunc("GET /sessions/{id}", s.getSessionHandler)
	mux.HandleFunc("DELETE /sessions/{id}", s.deleteSessionHandler)
	mux.Handle("GET /admin/bookings", s.adminOnly(http.HandlerFunc(s.listBookingsHandler)))
	if s.twilio != nil {
		mux.Handle("POST /twilio/messages", s.twilio)
	}
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		slog.Error("Server.Run: server failed", "error", err)
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: graceful shutdown failed", "error", err)
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	slog.Info("Server.Run: stopped")
	return nil
}
