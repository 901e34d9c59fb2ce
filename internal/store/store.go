// Package store provides storage backends for BookingPipe.
//
// It persists finalized bookings (customers and bookings tables) and the
// per-session dialogue state. An in-memory store is provided for tests and
// for running without a database.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

// DSN types returned by DetectDSNType
const (
	DSNTypePostgres = "postgres"
	DSNTypeSQLite   = "sqlite3"
)

// ErrNotFound is returned when a session to delete does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence contract shared by all backends.
type Store interface {
	// SaveBooking atomically creates a customer and a booking row with status
	// "Confirmed" and returns the new booking id.
	SaveBooking(ctx context.Context, data models.BookingData) (int64, error)
	// ListBookings returns all bookings joined with their customer, ordered by id.
	ListBookings(ctx context.Context) ([]models.BookingSummary, error)
	// SaveSession creates or replaces a session.
	SaveSession(ctx context.Context, sess models.Session) error
	// GetSession returns nil, nil when the session does not exist.
	GetSession(ctx context.Context, id string) (*models.Session, error)
	DeleteSession(ctx context.Context, id string) error
	// DeleteSessionsBefore removes sessions last updated before cutoff and
	// returns their ids.
	DeleteSessionsBefore(ctx context.Context, cutoff time.Time) ([]string, error)
	Close() error
}

// Opts holds configuration options for the store backends.
type Opts struct {
	DSN    string // database connection string or SQLite file path
	Driver string // DSNTypePostgres or DSNTypeSQLite; detected from DSN when empty
}

// Option defines a function for configuring Opts.
type Option func(*Opts)

// WithPostgresDSN configures a PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Driver = DSNTypePostgres
	}
}

// WithSQLiteDSN configures an SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Driver = DSNTypeSQLite
	}
}

// DetectDSNType reports whether dsn looks like a PostgreSQL connection string.
// Anything else is treated as an SQLite file path.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return DSNTypePostgres
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return DSNTypePostgres
	}
	return DSNTypeSQLite
}

// New opens the backend selected by the options. Without a DSN an in-memory
// store is returned.
func New(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Warn("store.New: no DSN configured, bookings will not survive a restart")
		return NewInMemoryStore(), nil
	}
	driver := cfg.Driver
	if driver == "" {
		driver = DetectDSNType(cfg.DSN)
	}
	slog.Debug("store.New: opening store", "driver", driver)
	switch driver {
	case DSNTypePostgres:
		s, err := NewPostgresStore(opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DSNTypeSQLite:
		s, err := NewSQLiteStore(opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unsupported store driver %q", driver)
}

// InMemoryStore is a Store kept entirely in memory.
type InMemoryStore struct {
	mu           sync.RWMutex
	customers    []models.Customer
	bookings     []models.BookingSummary
	sessions     map[string]models.Session
	nextCustomer int64
	nextBooking  int64
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]models.Session)}
}

func (s *InMemoryStore) SaveBooking(ctx context.Context, data models.BookingData) (int64, error) {
	if !data.Complete() {
		return 0, models.ErrIncompleteBooking
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextCustomer++
	c := models.Customer{
		ID:    s.nextCustomer,
		Name:  data[models.FieldName],
		Email: data[models.FieldEmail],
		Phone: data[models.FieldPhone],
	}
	s.customers = append(s.customers, c)

	s.nextBooking++
	s.bookings = append(s.bookings, models.BookingSummary{
		ID:          s.nextBooking,
		Name:        c.Name,
		Email:       c.Email,
		Phone:       c.Phone,
		ServiceType: data[models.FieldBookingType],
		Date:        data[models.FieldDate],
		Time:        data[models.FieldTime],
		Status:      models.BookingStatusConfirmed,
	})
	slog.Debug("InMemoryStore.SaveBooking: booking saved", "bookingID", s.nextBooking, "customerID", c.ID)
	return s.nextBooking, nil
}

func (s *InMemoryStore) ListBookings(ctx context.Context) ([]models.BookingSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.BookingSummary, len(s.bookings))
	copy(out, s.bookings)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) SaveSession(ctx context.Context, sess models.Session) error {
	if sess.ID == "" {
		return models.ErrEmptySessionID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = cloneSession(sess)
	return nil
}

func (s *InMemoryStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	out := cloneSession(sess)
	return &out, nil
}

func (s *InMemoryStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(s.sessions, id)
	return nil
}

func (s *InMemoryStore) DeleteSessionsBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := []string{}
	for id, sess := range s.sessions {
		if sess.UpdatedAt.Before(cutoff) {
			delete(s.sessions, id)
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *InMemoryStore) Close() error { return nil }

// cloneSession copies the mutable parts of a session so callers never share
// maps or slices with the store.
func cloneSession(sess models.Session) models.Session {
	out := sess
	out.Booking = sess.Booking.Clone()
	out.History = append([]models.ConversationMessage(nil), sess.History...)
	return out
}
